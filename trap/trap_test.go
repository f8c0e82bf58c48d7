package trap

import (
	"lily/automaton"
	"lily/buffer"
	"lily/kernel/gate"
	"lily/kernel/mm"
	"lily/kernel/mm/pmm"
	"lily/kernel/mm/vmm"
	"lily/multiboot"
	"lily/sched"
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
	24, 0, 0, 0, 0, 0, 0, 0,
}

func resetAll(t *testing.T) int {
	t.Helper()
	buffer.ResetForTest()
	sched.ResetForTest()

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))
	if err := pmm.Init(uintptr(unsafe.Pointer(&multibootMemoryMap[0])), 0, 0); err != nil {
		t.Fatalf("pmm.Init failed: %v", err)
	}

	aid, err := automaton.Create(-1, automaton.Ring3, vmm.PageDirectoryTable{}, 0xdead0000, 0x1000, 0x100000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return aid
}

func TestDispatchGetPageSize(t *testing.T) {
	aid := resetAll(t)
	regs := &gate.Registers{Info: uint64(SysGetPageSize)}
	Dispatch(aid, regs)

	if regs.RAX != statusOK {
		t.Fatalf("expected success; got status %d", regs.RAX)
	}
	if regs.RBX != uint64(mm.PageSize) {
		t.Errorf("expected page size %d; got %d", mm.PageSize, regs.RBX)
	}
}

func TestDispatchBufferCreateAndSize(t *testing.T) {
	aid := resetAll(t)

	regs := &gate.Registers{Info: uint64(SysBufferCreate), RBX: uint64(mm.PageSize)}
	Dispatch(aid, regs)
	if regs.RAX != statusOK {
		t.Fatalf("expected success; got status %d", regs.RAX)
	}
	bid := regs.RBX

	regs = &gate.Registers{Info: uint64(SysBufferSize), RBX: bid}
	Dispatch(aid, regs)
	if regs.RAX != statusOK || regs.RBX != uint64(mm.PageSize) {
		t.Fatalf("expected size %d; got status=%d value=%d", mm.PageSize, regs.RAX, regs.RBX)
	}
}

func TestDispatchBufferSizeUnknownBidFails(t *testing.T) {
	aid := resetAll(t)

	regs := &gate.Registers{Info: uint64(SysBufferSize), RBX: 9999}
	Dispatch(aid, regs)
	if regs.RAX != statusFail {
		t.Errorf("expected failure status for an unknown bid; got %d", regs.RAX)
	}
}

func TestDispatchBufferGrowRejectsMapped(t *testing.T) {
	aid := resetAll(t)

	create := &gate.Registers{Info: uint64(SysBufferCreate), RBX: uint64(mm.PageSize)}
	Dispatch(aid, create)
	bid := create.RBX

	buffer.Lookup(int(bid)).MarkMappedForTest(0x1000)

	grow := &gate.Registers{Info: uint64(SysBufferGrow), RBX: bid, RCX: 1}
	Dispatch(aid, grow)
	if grow.RAX != statusFail {
		t.Errorf("expected failure growing a mapped buffer; got status %d", grow.RAX)
	}
}

func TestDispatchScheduleRejectsUnownedAction(t *testing.T) {
	aid := resetAll(t)

	regs := &gate.Registers{Info: uint64(SysSchedule), RBX: 0x1000, RCX: 1}
	Dispatch(aid, regs)
	if regs.RAX != statusFail {
		t.Errorf("expected failure scheduling an unregistered action; got status %d", regs.RAX)
	}
}

func TestDispatchScheduleThenBindingCount(t *testing.T) {
	aid := resetAll(t)
	if err := automaton.RegisterAction(aid, 0x1000, automaton.Output, automaton.NoParameter, 0, false, "tick"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scheduleRegs := &gate.Registers{Info: uint64(SysSchedule), RBX: 0x1000, RCX: 0}
	Dispatch(aid, scheduleRegs)
	if scheduleRegs.RAX != statusOK {
		t.Fatalf("expected success; got status %d", scheduleRegs.RAX)
	}

	count := &gate.Registers{Info: uint64(SysBindingCount), RBX: 0x1000, RCX: 0}
	Dispatch(aid, count)
	if count.RAX != statusOK || count.RBX != 0 {
		t.Fatalf("expected zero bound peers; got status=%d value=%d", count.RAX, count.RBX)
	}
}

func TestDispatchUnknownSyscall(t *testing.T) {
	aid := resetAll(t)
	regs := &gate.Registers{Info: 0xff}
	Dispatch(aid, regs)
	if regs.RAX != statusFail {
		t.Errorf("expected failure for an unrecognized syscall number; got status %d", regs.RAX)
	}
}

func TestDispatchFinishRequiresCallerCurrentlyDispatched(t *testing.T) {
	aid := resetAll(t)
	regs := &gate.Registers{Info: uint64(SysFinish)}
	if _, ok := Dispatch(aid, regs); ok {
		t.Error("expected no next entry: the caller was never popped as current")
	}
	if regs.RAX != statusFail {
		t.Errorf("expected failure status; got %d", regs.RAX)
	}
}

func TestDispatchFinishSchedulesSelfNext(t *testing.T) {
	aid := resetAll(t)
	if err := automaton.RegisterAction(aid, 0x1000, automaton.Internal, automaton.NoParameter, 0, false, "step1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := automaton.RegisterAction(aid, 0x2000, automaton.Internal, automaton.NoParameter, 0, false, "step2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sched.Schedule(aid, 0x1000, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sched.Current(); ok {
		t.Fatal("expected nothing dispatched before the first pop")
	}
	if _, ok := sched.Pop(); !ok {
		t.Fatal("expected the scheduled entry to pop")
	}

	regs := &gate.Registers{Info: uint64(SysFinish), RBX: 0x2000, RCX: 7}
	next, ok := Dispatch(aid, regs)
	if !ok || next.Entry != 0x2000 || next.Parameter != 7 {
		t.Fatalf("expected step2 dispatched next; got %+v ok=%v", next, ok)
	}
	if regs.RAX != statusOK {
		t.Errorf("expected finish by the dispatched automaton to succeed; got status %d", regs.RAX)
	}
}
