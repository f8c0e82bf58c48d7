// Package trap implements the boundary between kernel and user: decoding a
// software-interrupt syscall number out of a trapped register snapshot,
// dispatching it to the scheduler, automaton registry or buffer store, and
// marshalling the result back the same way syscall_handler.c does —
// a status code in one register, the return value in another.
package trap

import (
	"lily/automaton"
	"lily/buffer"
	"lily/kernel"
	"lily/kernel/gate"
	"lily/kernel/mm"
	"lily/sched"
)

// Syscall identifies one of the numbered entries of the system-call surface.
type Syscall uint64

const (
	SysFinish Syscall = iota
	SysSchedule
	SysGetPageSize
	SysSbrk
	SysBindingCount
	SysBufferCreate
	SysBufferCopy
	SysBufferGrow
	SysBufferAppend
	SysBufferAssign
	SysBufferMap
	SysBufferUnmap
	SysBufferDestroy
	SysBufferSize
)

const (
	statusOK   = 0
	statusFail = 1
)

// noBID is the register encoding of "no buffer" on the finish syscall: the
// bid argument travels through RDI and -1 cast to a uint64 is all-ones,
// which can never collide with a real, non-negative bid.
const noBID = ^uint64(0)

var (
	errUnknownSyscall = &kernel.Error{Module: "trap", Message: "unknown syscall number"}
	errUnknownCaller  = &kernel.Error{Module: "trap", Message: "finish called by an automaton with nothing currently dispatched"}
)

// Dispatch decodes regs.Info as a Syscall number and performs it on behalf
// of callerAID.
//
// Every syscall other than finish marshals its result as syscall_handler.c
// does: regs.RAX holds a status (0 success, 1 failure) and regs.RBX holds
// the return value, if the syscall has one. Those syscalls never cause a
// scheduler switch, so Dispatch's returned bool is always false for them —
// the trap entry point should simply return to the same automaton.
//
// finish is different: it always ends the calling action, so Dispatch pops
// the next ready-queue entry (possibly after fanning a produced value out
// to every bound input) and returns it with ok=true. The hardware-specific
// trap entry point, not this function, performs the actual ring switch —
// Dispatch only decides which entry goes next.
//
// Argument registers are RBX, RCX, RDX, RSI, RDI, in that order, carrying a
// syscall's inputs in the order the system-call surface table lists them.
// finish packs its four inputs as next-entry/next-parameter/copy-value-
// pointer/copy-value-size in RBX/RCX/RDX/RSI, with the buffer id in RDI
// (noBID for "none").
func Dispatch(callerAID int, regs *gate.Registers) (automaton.Tuple, bool) {
	switch Syscall(regs.Info) {
	case SysFinish:
		return dispatchFinish(callerAID, regs)

	case SysSchedule:
		err := sched.Schedule(callerAID, uintptr(regs.RBX), int(regs.RCX))
		setResult(regs, 0, err)

	case SysGetPageSize:
		setResult(regs, uint64(mm.PageSize), nil)

	case SysSbrk:
		prevBrk, err := sbrk(callerAID, int(int64(regs.RBX)))
		setResult(regs, uint64(prevBrk), err)

	case SysBindingCount:
		tuple := automaton.Tuple{AID: callerAID, Entry: uintptr(regs.RBX), Parameter: int(regs.RCX)}
		setResult(regs, uint64(len(automaton.InputsFor(tuple))), nil)

	case SysBufferCreate:
		bid, err := buffer.Create(uintptr(regs.RBX))
		setResult(regs, uint64(bid), err)

	case SysBufferCopy:
		bid, err := buffer.Copy(int(regs.RBX), uintptr(regs.RCX), uintptr(regs.RDX))
		setResult(regs, uint64(bid), err)

	case SysBufferGrow:
		previousSize, err := buffer.Grow(int(regs.RBX), uintptr(regs.RCX))
		setResult(regs, uint64(previousSize), err)

	case SysBufferAppend:
		newSize, err := buffer.Append(int(regs.RBX), int(regs.RCX), uintptr(regs.RDX), uintptr(regs.RSI))
		setResult(regs, uint64(newSize), err)

	case SysBufferAssign:
		err := buffer.Assign(int(regs.RBX), uintptr(regs.RCX), int(regs.RDX), uintptr(regs.RSI), uintptr(regs.RDI))
		setResult(regs, 0, err)

	case SysBufferMap:
		va, err := buffer.Map(int(regs.RBX), callerAID)
		setResult(regs, uint64(va), err)

	case SysBufferUnmap:
		err := buffer.Unmap(int(regs.RBX))
		setResult(regs, 0, err)

	case SysBufferDestroy:
		err := buffer.Destroy(int(regs.RBX))
		setResult(regs, 0, err)

	case SysBufferSize:
		b := buffer.Lookup(int(regs.RBX))
		if b == nil {
			regs.RAX = statusFail
			regs.RBX = noBID
			break
		}
		regs.RAX = statusOK
		regs.RBX = uint64(b.Size())

	default:
		setResult(regs, 0, errUnknownSyscall)
	}

	return automaton.Tuple{}, false
}

func setResult(regs *gate.Registers, value uint64, err *kernel.Error) {
	if err != nil {
		regs.RAX = statusFail
		regs.RBX = 0
		return
	}
	regs.RAX = statusOK
	regs.RBX = value
}

func sbrk(callerAID int, delta int) (uintptr, *kernel.Error) {
	a := automaton.Lookup(callerAID)
	if a == nil {
		return 0, errUnknownCaller
	}
	return a.AddressSpace().Sbrk(delta)
}

func dispatchFinish(callerAID int, regs *gate.Registers) (automaton.Tuple, bool) {
	current, ok := sched.Current()
	if !ok || current.AID != callerAID {
		regs.RAX = statusFail
		return automaton.Tuple{}, false
	}

	var selfNext *automaton.Tuple
	if regs.RBX != 0 {
		selfNext = &automaton.Tuple{AID: callerAID, Entry: uintptr(regs.RBX), Parameter: int(regs.RCX)}
	}

	hasCopyValue := regs.RDX != 0
	bid := -1
	if regs.RDI != noBID {
		bid = int(regs.RDI)
	}

	desc, _ := automaton.ActionOf(callerAID, current.Entry)
	isOutput := desc != nil && desc.Kind == automaton.Output

	next, hasNext := sched.Finish(callerAID, current.Entry, current.Parameter, isOutput, hasCopyValue, bid, selfNext)
	regs.RAX = statusOK
	return next, hasNext
}
