// Package boot wires together the subsystems the rt0 trampoline in
// cmd/kernel hands off to: it is the Go-native successor of the teacher's
// kernel/kmain package, extended to also construct the system automaton,
// install the syscall trap gate, and hand off to the scheduler instead of
// spinning forever.
package boot

import (
	"lily/automaton"
	"lily/buffer"
	"lily/kernel"
	"lily/kernel/goruntime"
	"lily/kernel/kfmt"
	"lily/kernel/mm"
	"lily/kernel/mm/pmm"
	"lily/kernel/mm/vmm"
	"lily/multiboot"
	"lily/sched"
	"lily/sysctl"
	"lily/trap"
)

var errKmainReturned = &kernel.Error{Module: "boot", Message: "Kmain returned"}

// mapRegionFn/unmapRegionFn/bufferMapFn/bufferUnmapFn stand the
// hardware-backed calls loadInitModule makes behind seams, the same
// package-level-seam pattern lily/buffer and lily/sysctl use for their own
// vmm calls: a hosted test has no physical module to map and no real page
// tables to install a mapping into.
var (
	mapRegionFn    = vmm.MapRegion
	unmapRegionFn  = vmm.Unmap
	bufferCreateFn = buffer.Create
	bufferMapFn    = buffer.Map
	bufferUnmapFn  = buffer.Unmap
)

// initUserAddrBase/initUserAddrLimit/initUserStackPointer bound the address
// space handed to the automaton loadInitModule creates -- 1020MiB starting
// at 4MiB, the stack pointer parked 16 bytes under the
// limit the same way the system automaton's own bootstrap leaves its (unused)
// stack pointer field at a fixed, arbitrary value.
const (
	initUserAddrBase     uintptr = 0x00400000
	initUserAddrLimit    uintptr = 0x40000000
	initUserStackPointer uintptr = initUserAddrLimit - 16
)

// systemEntry values name the system automaton's own internal actions --
// there is no separate ELF image or address space to hold real entry
// addresses for an automaton that is, itself, part of the kernel, so these
// are bare sentinels rather than code addresses.
const (
	systemEntryDrainCreate uintptr = iota + 1
	systemEntryDrainBind
)

// Kernel holds the subsystems constructed during boot that the system
// automaton's own actions need to reach: the create/bind control plane and
// the aid it was registered under.
type Kernel struct {
	Controller *sysctl.Controller
	SystemAID  int
}

// Kmain is the Go entry point invoked by cmd/kernel's trampoline once the
// rt0 assembly stub has set up a minimal stack and g0. It mirrors the
// teacher's kmain.Kmain init order (allocator -> vmm -> goruntime) and then
// goes further: it installs the syscall trap gate, bootstraps the system
// automaton, and runs the scheduler loop until a ring-3 automaton is
// dispatched, at which point trap.Enter hands off to hardware permanently.
//
// Kmain is not expected to return; if everything it calls returns cleanly
// and the ready queue is empty, it panics rather than falling off the end,
// exactly like the teacher's own Kmain.
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	if err := pmm.Init(multibootInfoPtr, kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	if err := vmm.Init(0); err != nil {
		kfmt.Panic(err)
	}
	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	traceSched := multiboot.GetBootCmdLine()["sched.trace"] == "on"

	kfmt.Printf("lily: boot complete, starting system automaton\n")

	k := newKernel()
	k.loadInitModule()
	k.runLoop(traceSched)

	kfmt.Panic(errKmainReturned)
}

// loadInitModule looks for the first module the bootloader handed off via a
// multiboot2 module tag -- there being no filesystem this early, a GRUB
// module is the only way the kernel ever learns of an init automaton image
// -- copies its bytes out of physical memory into a freshly allocated
// buffer, and requests a ring-3 automaton be created from it. A kernel
// booted with no module just falls through to runLoop servicing the system
// automaton forever, which is exactly what TestRunLoopDrainsSystemQueuesAndIdles
// already exercises.
func (k *Kernel) loadInitModule() {
	var modStart, modEnd uintptr
	found := false
	multiboot.VisitModules(func(cmdLine string, start, end uintptr) bool {
		modStart, modEnd = start, end
		found = true
		return false
	})
	if !found {
		return
	}

	frame := mm.FrameFromAddress(modStart)
	skew := modStart - frame.Address()
	size := modEnd - modStart

	page, err := mapRegionFn(frame, skew+size, vmm.FlagPresent)
	if err != nil {
		kfmt.Printf("lily: failed to map init module: %v\n", err)
		return
	}

	bid, err := bufferCreateFn(size)
	if err != nil {
		kfmt.Printf("lily: failed to allocate init module buffer: %v\n", err)
		_ = unmapRegionFn(page)
		return
	}
	addr, err := bufferMapFn(bid, k.SystemAID)
	if err != nil {
		kfmt.Printf("lily: failed to map init module buffer: %v\n", err)
		_ = unmapRegionFn(page)
		return
	}

	kernel.Memcopy(page.Address()+skew, addr, size)
	_ = bufferUnmapFn(bid)
	_ = unmapRegionFn(page)

	k.Controller.RequestCreateFromImage(k.SystemAID, automaton.Ring3, initUserStackPointer, initUserAddrBase, initUserAddrLimit, bid)
}

// newKernel bootstraps the system automaton -- owner -1, since nothing
// owns it -- registers its two control-plane actions, and constructs the
// create/bind control plane that backs them. The system automaton carries
// a zero-value page directory table and is never a target of trap.Enter or
// switchTo, since runLoop services its actions directly in Go rather than
// ring-switching into it, so it never needs a real, initialized PDT.
func newKernel() *Kernel {
	var pdt vmm.PageDirectoryTable
	aid, err := automaton.Create(-1, automaton.Ring0, pdt, 0, 0, 0)
	if err != nil {
		kfmt.Panic(err)
	}

	if err := automaton.RegisterAction(aid, systemEntryDrainCreate, automaton.Output, automaton.NoParameter, 0, false, "ca_response"); err != nil {
		kfmt.Panic(err)
	}
	if err := automaton.RegisterAction(aid, systemEntryDrainBind, automaton.Output, automaton.NoParameter, 0, false, "ba_response"); err != nil {
		kfmt.Panic(err)
	}

	if err := sched.Schedule(aid, systemEntryDrainCreate, 0); err != nil {
		kfmt.Panic(err)
	}
	if err := sched.Schedule(aid, systemEntryDrainBind, 0); err != nil {
		kfmt.Panic(err)
	}

	return &Kernel{
		Controller: sysctl.NewController(nil),
		SystemAID:  aid,
	}
}

// runLoop services the ready queue until it either empties out or pops an
// entry belonging to a real ring-3 automaton. System-automaton entries run
// synchronously in Go and immediately finish; a ring-3 entry is handed to
// trap.Enter, which never returns, so every later transition is driven by
// the syscall trap gate instead of this loop.
func (k *Kernel) runLoop(trace bool) {
	next, ok := sched.Pop()
	for ok {
		if next.AID != k.SystemAID {
			trap.Enter(next)
			return
		}

		if trace {
			kfmt.Printf("lily: system automaton running action %d\n", next.Entry)
		}
		k.runSystemAction(next.Entry)

		// Reschedule unconditionally rather than only when a response is
		// actually pending: unlike create_auth_schedule, nothing here
		// re-arms scheduling when RequestCreate/RequestBind later append a
		// response, so the system automaton instead polls its own queues
		// every time it is finished.
		selfNext := next
		next, ok = sched.Finish(k.SystemAID, next.Entry, next.Parameter, true, false, -1, &selfNext)
	}
}

// runSystemAction dispatches one of the system automaton's own entries to
// the control-plane method that backs it.
func (k *Kernel) runSystemAction(entry uintptr) {
	switch entry {
	case systemEntryDrainCreate:
		if _, ok := k.Controller.DrainCreateResponse(); !ok {
			return
		}
	case systemEntryDrainBind:
		if _, ok := k.Controller.DrainBindResponse(); !ok {
			return
		}
	}
}
