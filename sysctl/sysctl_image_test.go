package sysctl

import (
	"fmt"
	"lily/automaton"
	"lily/buffer"
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/vmm"
	"lily/support/bufferfile"
	"lily/support/description"
	"lily/sysctl/authproto"
	"testing"
	"unsafe"
)

// imageTestAID is the automaton id every image-loading test reads the
// archive as, mirroring testAID in support/cpio's own tests -- its value is
// arbitrary since bufferfile's map hooks are stubbed below.
const imageTestAID = 1

func resetImageTest(t *testing.T) {
	t.Helper()
	resetAll(t)
	buffer.ResetForTest()

	// Every distinct bd gets its own backing region, keyed lazily by bd --
	// unlike cpio_test.go's single shared array, support/argv's Writer keeps
	// two buffer-files open and interleaves writes to both, so a single
	// shared address would let one clobber the other.
	bufBacking := make(map[int][]byte)
	restore := bufferfile.SetMapHooksForTest(
		func(bd, aid int) (uintptr, *kernel.Error) {
			buf, ok := bufBacking[bd]
			if !ok {
				buf = make([]byte, 4*mm.PageSize)
				bufBacking[bd] = buf
			}
			return uintptr(unsafe.Pointer(&buf[0])), nil
		},
		func(bd int) *kernel.Error { return nil },
	)
	t.Cleanup(restore)

	frameBacking := make(map[mm.Frame][]byte)
	origMapTemp, origUnmap, origPdtMap := imgMapTemporaryFn, imgUnmapFn, pdtMapFn
	t.Cleanup(func() {
		imgMapTemporaryFn, imgUnmapFn, pdtMapFn = origMapTemp, origUnmap, origPdtMap
	})
	imgMapTemporaryFn = func(f mm.Frame) (mm.Page, *kernel.Error) {
		buf, ok := frameBacking[f]
		if !ok {
			buf = pageAlignedSlice()
			frameBacking[f] = buf
		}
		return mm.Page(uintptr(unsafe.Pointer(&buf[0])) >> mm.PageShift), nil
	}
	imgUnmapFn = func(mm.Page) *kernel.Error { return nil }
	pdtMapFn = func(_ vmm.PageDirectoryTable, page mm.Page, frame mm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
		mappedPages[page] = frame
		return nil
	}
	mappedPages = make(map[mm.Page]mm.Frame)
	frameContent = frameBacking
}

// mappedPages and frameContent let a test recover, after loadImage runs,
// which physical frame backs a given page and what bytes that frame holds
// -- the fakes above exist so mapSegment's writes land somewhere a hosted
// test can read back, the same way buffer_test.go's frameBacking map does
// for lily/buffer's own Assign tests.
var (
	mappedPages  map[mm.Page]mm.Frame
	frameContent map[mm.Frame][]byte
)

// pageAlignedSlice returns a page-sized window of a larger allocation at
// a page-aligned address, so a synthetic mm.Page built from its address
// round-trips losslessly through Page.Address() -- duplicated from
// buffer_test.go's helper of the same name since it is unexported there.
func pageAlignedSlice() []byte {
	buf := make([]byte, 2*mm.PageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
	return buf[aligned-addr : aligned-addr+mm.PageSize]
}

// --- minimal cpio archive construction, duplicated from support/cpio's own
// test helper since that package exposes a reader only, never a writer. ---

const cpioHeaderSize = 6 + 13*8

func hex8(v uint32) string { return fmt.Sprintf("%08X", v) }

func alignUp4(pos uintptr) uintptr { return (pos + 3) &^ 3 }

func writeCPIOEntry(t *testing.T, w *bufferfile.File, name string, data []byte) {
	t.Helper()
	nameBytes := append([]byte(name), 0)

	var header [cpioHeaderSize]byte
	copy(header[0:6], "070701")
	fields := []uint32{0, 0, 0, 0, 1, 0, uint32(len(data)), 0, 0, 0, 0, uint32(len(nameBytes)), 0}
	for i, v := range fields {
		copy(header[6+i*8:6+i*8+8], hex8(v))
	}

	w.Seek(alignUp4(w.Size()))
	if _, err := w.Write(header[:]); err != nil {
		t.Fatalf("write cpio header failed: %v", err)
	}
	if _, err := w.Write(nameBytes); err != nil {
		t.Fatalf("write cpio name failed: %v", err)
	}
	w.Seek(alignUp4(w.Size()))
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write cpio data failed: %v", err)
	}
}

// buildImageArchive assembles a cpio archive out of entries, in map
// iteration order followed by the mandatory trailer, and returns its bid.
func buildImageArchive(t *testing.T, entries map[string][]byte) int {
	t.Helper()
	w, err := bufferfile.Create(imageTestAID)
	if err != nil {
		t.Fatalf("bufferfile.Create failed: %v", err)
	}
	for name, data := range entries {
		writeCPIOEntry(t, w, name, data)
	}
	writeCPIOEntry(t, w, "TRAILER!!!", nil)
	return w.BD()
}

// buildActionsEntry returns the raw support/description wire bytes for
// the given action table, by round-tripping through a real
// description.Writer and reading its content back out from underneath
// bufferfile's own size header.
func buildActionsEntry(t *testing.T, entries []description.ActionDesc) []byte {
	t.Helper()
	w, err := description.NewWriter(imageTestAID)
	if err != nil {
		t.Fatalf("description.NewWriter failed: %v", err)
	}
	for _, ad := range entries {
		if err := w.Append(ad); err != nil {
			t.Fatalf("description Append failed: %v", err)
		}
	}

	r, err := bufferfile.OpenReader(w.BD(), imageTestAID)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	data, err := r.ReadP(r.Size())
	if err != nil {
		t.Fatalf("ReadP failed: %v", err)
	}
	return data
}

func buildArgvEntry(args ...string) []byte {
	var out []byte
	for _, a := range args {
		out = append(out, a...)
		out = append(out, 0)
	}
	return out
}

func segmentsFor(t *testing.T, data map[string][]byte, initArg string) int {
	entries := map[string][]byte{}
	for k, v := range data {
		entries[k] = v
	}
	entries["actions"] = buildActionsEntry(t, []description.ActionDesc{
		{Type: int(automaton.Input), ParameterMode: int(automaton.Parameter), Number: 0x1000, Name: "init"},
	})
	if initArg != "" {
		entries["argv"] = buildArgvEntry(initArg)
	}
	return buildImageArchive(t, entries)
}

func TestRequestCreateFromImageMapsSegmentsRegistersActionsAndSchedulesInit(t *testing.T) {
	resetImageTest(t)
	c := NewController(nil)

	bd := segmentsFor(t, map[string][]byte{
		"text": []byte("codecodecode"),
		"data": []byte("mutable state"),
	}, "hello")

	c.RequestCreateFromImage(-1, automaton.Ring3, 0xdead0000, 0x400000, 0x500000, bd)

	resp, ok := c.DrainCreateResponse()
	if !ok {
		t.Fatal("expected a queued response")
	}
	if resp.Outcome != authproto.CreateSuccess {
		t.Fatalf("expected CreateSuccess, got %v", resp.Outcome)
	}

	target := automaton.Lookup(resp.AID)
	if target == nil {
		t.Fatal("expected the automaton to be registered")
	}

	textPage := mm.PageFromAddress(0x400000)
	frame, ok := mappedPages[textPage]
	if !ok {
		t.Fatal("expected the text segment's first page to be mapped")
	}
	if got := string(frameContent[frame][:len("codecodecode")]); got != "codecodecode" {
		t.Fatalf("expected the text segment's bytes to be copied into its frame, got %q", got)
	}

	area := target.AddressSpace().Find(0x400000)
	if area == nil || area.Kind != vmm.AreaMapped {
		t.Fatalf("expected an AreaMapped VMArea covering the text segment, got %+v", area)
	}

	dataPage := mm.PageFromAddress(0x400000 + mm.PageSize)
	dataFrame, ok := mappedPages[dataPage]
	if !ok {
		t.Fatal("expected the data segment to be mapped one page after text")
	}
	if got := string(frameContent[dataFrame][:len("mutable state")]); got != "mutable state" {
		t.Fatalf("expected the data segment's bytes to be copied into its frame, got %q", got)
	}

	if _, err := automaton.ActionOf(resp.AID, 0x1000); err != nil {
		t.Fatalf("expected the init action to be registered: %v", err)
	}
}

func TestRequestCreateFromImageRejectsMissingActionsEntry(t *testing.T) {
	resetImageTest(t)
	c := NewController(nil)

	// resp.AID on a CreateInvalid outcome is always 0, never the aid that
	// got rolled back, so the rolled-back aid has to be predicted instead:
	// automaton.go's allocAID hands out a strictly increasing cursor value
	// per call (it only ever revisits a gap after wrapping all the way
	// around), so one throwaway allocation pins down exactly which aid the
	// rejected RequestCreateFromImage call below will consume.
	dummy, _ := c.createAutomaton(-1, automaton.Ring3, 0, 0x1000, 0x2000)
	rolledBackAid := dummy + 1
	_ = automaton.Destroy(dummy)

	bd := buildImageArchive(t, map[string][]byte{"text": []byte("x")})
	c.RequestCreateFromImage(-1, automaton.Ring3, 0, 0x400000, 0x500000, bd)

	resp, ok := c.DrainCreateResponse()
	if !ok {
		t.Fatal("expected a queued response")
	}
	if resp.Outcome != authproto.CreateInvalid {
		t.Fatalf("expected CreateInvalid when no actions entry is present, got %v", resp.Outcome)
	}
	if automaton.Lookup(rolledBackAid) != nil {
		t.Error("expected the half-loaded automaton to be rolled back")
	}
}

func TestRequestCreateFromImageRejectsMissingInitAction(t *testing.T) {
	resetImageTest(t)
	c := NewController(nil)

	actions := buildActionsEntry(t, []description.ActionDesc{
		{Type: int(automaton.Input), ParameterMode: int(automaton.Parameter), Number: 0x2000, Name: "not_init"},
	})
	bd := buildImageArchive(t, map[string][]byte{"actions": actions})

	c.RequestCreateFromImage(-1, automaton.Ring3, 0, 0x400000, 0x500000, bd)

	resp, ok := c.DrainCreateResponse()
	if !ok {
		t.Fatal("expected a queued response")
	}
	if resp.Outcome != authproto.CreateInvalid {
		t.Fatalf("expected CreateInvalid when the image registers no \"init\" action, got %v", resp.Outcome)
	}
}

func TestRequestCreateFromImageDeniedNeverTouchesTheArchive(t *testing.T) {
	resetImageTest(t)
	c := NewController(stubAuthorizer{create: false})

	bd := segmentsFor(t, map[string][]byte{"text": []byte("x")}, "")
	c.RequestCreateFromImage(-1, automaton.Ring3, 0, 0x400000, 0x500000, bd)

	resp, ok := c.DrainCreateResponse()
	if !ok {
		t.Fatal("expected a queued response")
	}
	if resp.Outcome != authproto.CreateNotAuthorized {
		t.Fatalf("expected CreateNotAuthorized, got %v", resp.Outcome)
	}
}
