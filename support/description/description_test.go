package description

import (
	"lily/automaton"
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

var backing [2 * mm.PageSize]byte

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

// testAID is the automaton id passed to NewWriter/NewReader throughout these
// tests; its value is arbitrary since the map hook above is stubbed.
const testAID = 1

func TestWriteReadAll(t *testing.T) {
	resetAll(t)

	w, err := NewWriter(testAID)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	entries := []ActionDesc{
		{Type: int(automaton.Input), ParameterMode: int(automaton.AutoParameter), Number: 1, Name: "init", Description: "bootstrap action"},
		{Type: int(automaton.Output), ParameterMode: int(automaton.NoParameter), Number: 2, Name: "status", Description: ""},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	r, err := NewReader(w.BD(), testAID)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	count, err := r.Count()
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d err=%v", count, err)
	}

	all, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	for i, e := range entries {
		if all[i] != e {
			t.Errorf("entry %d = %+v, want %+v", i, all[i], e)
		}
	}
}

func TestReadByNameAndNumber(t *testing.T) {
	resetAll(t)

	w, _ := NewWriter(testAID)
	_ = w.Append(ActionDesc{Type: 0, ParameterMode: 0, Number: 7, Name: "open", Description: "opens a file"})
	_ = w.Append(ActionDesc{Type: 0, ParameterMode: 0, Number: 8, Name: "close", Description: "closes a file"})

	r, _ := NewReader(w.BD(), testAID)

	ad, err := r.ReadByName("close")
	if err != nil || ad.Number != 8 {
		t.Fatalf("ReadByName failed: %+v err=%v", ad, err)
	}

	ad, err = r.ReadByNumber(7)
	if err != nil || ad.Name != "open" {
		t.Fatalf("ReadByNumber failed: %+v err=%v", ad, err)
	}

	if _, err := r.ReadByName("missing"); err != errActionNotFound {
		t.Fatalf("expected errActionNotFound, got %v", err)
	}
}
