package cpio

import (
	"fmt"
	"lily/buffer"
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/pmm"
	"lily/multiboot"
	"lily/support/bufferfile"
	"testing"
	"unsafe"
)

var multibootMemoryMap = []byte{
	72, 5, 0, 0, 0, 0, 0, 0,
	6, 0, 0, 0, 160, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
	1, 0, 0, 0, 0, 0, 0, 0, 0, 252, 9, 0, 0, 0, 0, 0,
	0, 4, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
	2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0, 0, 0, 0,
	0, 0, 238, 7, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 254, 7, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0,
	2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 252, 255, 0, 0, 0, 0,
	0, 0, 4, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0,
	9, 0, 0, 0, 212, 3, 0, 0, 24, 0, 0, 0, 40, 0, 0, 0,
	21, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 27, 0, 0, 0,
	1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 16, 0, 0, 16, 0, 0,
	24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var backing [4 * mm.PageSize]byte

func resetAll(t *testing.T) {
	t.Helper()
	buffer.ResetForTest()

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))
	if err := pmm.Init(uintptr(unsafe.Pointer(&multibootMemoryMap[0])), 0, 0); err != nil {
		t.Fatalf("pmm.Init failed: %v", err)
	}
	for i := range backing {
		backing[i] = 0
	}

	restore := bufferfile.SetMapHooksForTest(
		func(bd, aid int) (uintptr, *kernel.Error) { return uintptr(unsafe.Pointer(&backing[0])), nil },
		func(bd int) *kernel.Error { return nil },
	)
	t.Cleanup(restore)
}

// testAID is the automaton id passed to NewArchive/bufferfile.Create
// throughout these tests; its value is arbitrary since the map hook above is
// stubbed.
const testAID = 1

// hex8 renders v as the 8-character uppercase hex field every cpio header
// entry uses.
func hex8(v uint32) string {
	return fmt.Sprintf("%08X", v)
}

func writeEntry(t *testing.T, w *bufferfile.File, name string, mode uint32, data []byte) {
	t.Helper()

	nameBytes := append([]byte(name), 0)

	var header [headerSize]byte
	copy(header[0:6], "070701")
	copy(header[offInode:offInode+8], hex8(0))
	copy(header[offMode:offMode+8], hex8(mode))
	copy(header[offUID:offUID+8], hex8(0))
	copy(header[offGID:offGID+8], hex8(0))
	copy(header[offNlink:offNlink+8], hex8(1))
	copy(header[offMtime:offMtime+8], hex8(0))
	copy(header[offFilesize:offFilesize+8], hex8(uint32(len(data))))
	copy(header[offDevMajor:offDevMajor+8], hex8(0))
	copy(header[offDevMinor:offDevMinor+8], hex8(0))
	copy(header[offRdevMajor:offRdevMajor+8], hex8(0))
	copy(header[offRdevMinor:offRdevMinor+8], hex8(0))
	copy(header[offNamesize:offNamesize+8], hex8(uint32(len(nameBytes))))
	copy(header[offChecksum:offChecksum+8], hex8(0))

	w.Seek(alignUp4(w.Size()))
	if _, err := w.Write(header[:]); err != nil {
		t.Fatalf("write header failed: %v", err)
	}
	if _, err := w.Write(nameBytes); err != nil {
		t.Fatalf("write name failed: %v", err)
	}
	w.Seek(alignUp4(w.Size()))
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write data failed: %v", err)
	}
}

func buildArchive(t *testing.T, entries map[string][]byte) int {
	t.Helper()
	w, err := bufferfile.Create(testAID)
	if err != nil {
		t.Fatalf("bufferfile.Create failed: %v", err)
	}
	for name, data := range entries {
		writeEntry(t, w, name, 0644, data)
	}
	writeEntry(t, w, trailerName, 0, nil)
	return w.BD()
}

func TestArchiveReadAll(t *testing.T) {
	resetAll(t)

	bd := buildArchive(t, map[string][]byte{
		"hello.txt": []byte("hello, world"),
	})

	ar, err := NewArchive(bd, testAID)
	if err != nil {
		t.Fatalf("NewArchive failed: %v", err)
	}
	files, err := ar.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].Name != "hello.txt" || string(files[0].Data) != "hello, world" {
		t.Fatalf("unexpected entry: %+v", files[0])
	}
}

func TestArchiveStopsAtTrailer(t *testing.T) {
	resetAll(t)

	bd := buildArchive(t, map[string][]byte{})

	ar, err := NewArchive(bd, testAID)
	if err != nil {
		t.Fatalf("NewArchive failed: %v", err)
	}
	f, err := ar.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f != nil {
		t.Fatalf("expected trailer to report (nil, nil), got %+v", f)
	}
}

func TestArchiveRejectsBadMagic(t *testing.T) {
	resetAll(t)

	w, _ := bufferfile.Create(testAID)
	var header [headerSize]byte
	copy(header[0:6], "BADMAG")
	_, _ = w.Write(header[:])

	ar, err := NewArchive(w.BD(), testAID)
	if err != nil {
		t.Fatalf("NewArchive failed: %v", err)
	}
	if _, err := ar.Next(); err != errBadMagic {
		t.Fatalf("expected errBadMagic, got %v", err)
	}
}
