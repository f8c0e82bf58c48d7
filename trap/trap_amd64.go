package trap

import (
	"lily/automaton"
	"lily/kernel"
	"lily/kernel/gate"
	"lily/sched"
	"unsafe"
)

// copyValueLimit mirrors automaton's per-action copy-value cap: a
// descriptor that declares a larger CopyValueSize is rejected at
// registration time, so no delivered value can ever exceed this.
const copyValueLimit = 512

// syscallVector is the software-interrupt number user automata trap into,
// following the original kernel's TRAP_BASE+0 convention (TRAP_BASE == 128).
const syscallVector = gate.InterruptNumber(0x80)

// handleInterruptFn stands gate.HandleInterrupt behind the same kind of
// seam vmm's fault handlers use; no test in this package overrides it.
var handleInterruptFn = gate.HandleInterrupt

// Install registers the syscall trap gate. It is hardware-only scaffolding
// — like gate.HandleInterrupt itself, it cannot be exercised under a hosted
// `go test` — so unlike Dispatch it is not unit-tested, mirroring how
// vmm.installFaultHandlers is left untested alongside the fault handlers
// Dispatch's siblings do cover.
func Install() {
	handleInterruptFn(syscallVector, 0, syscallEntry)
}

// syscallEntry is the handler gate.HandleInterrupt invokes directly on the
// kernel stack after a trap. It identifies the calling automaton as
// whichever entry the scheduler currently has dispatched — the single
// automaton running on the one CPU this kernel supports — and delegates to
// Dispatch. When Dispatch reports a new entry to run (only ever on
// finish), switchTo performs the actual ring switch; otherwise the trap
// returns to the automaton that issued it.
func syscallEntry(regs *gate.Registers) {
	current, ok := sched.Current()
	if !ok {
		return
	}

	// A finish that produced a copy value must stage its bytes before
	// Dispatch runs the scheduler's fan-out, since regs is reused for the
	// next automaton's own syscall the moment switchTo jumps to it.
	var copyValue []byte
	if Syscall(regs.Info) == SysFinish && regs.RDX != 0 {
		n := uintptr(regs.RSI)
		if n > copyValueLimit {
			n = copyValueLimit
		}
		copyValue = make([]byte, n)
		kernel.Memcopy(uintptr(regs.RDX), uintptr(uintptrOf(copyValue)), n)
	}

	next, hasNext := Dispatch(current.AID, regs)
	if hasNext {
		switchTo(next, copyValue, regs)
	}
}

// uintptrOf returns the address of b's backing array, for staging a copy
// value out of a finishing action's registers into a byte slice Go can
// keep alive across the switch to the next automaton.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// switchTo installs aNext's page directory, prepares a fresh stack at its
// fixed stack pointer carrying parameter, copyValue and — if next names an
// input action declared HasBufferValue — the transferred bid, and jumps to
// its entry address with interrupts re-enabled. It never returns: the next
// return to kernel mode is a fresh trap from whatever the dispatched action
// does. Like gate.HandleInterrupt and its kin, this is pure hardware
// plumbing with no portable Go implementation, so it carries no test.
func switchTo(next automaton.Tuple, copyValue []byte, regs *gate.Registers)

// Enter performs the very first dispatch of the boot sequence: unlike
// switchTo, it has no prior trap's regs to reuse and no copy value, since
// nothing has run yet to produce one. The boot loop in lily/boot calls this
// exactly once, after scheduling and popping the first ring-3 automaton's
// entry action; every transition after that is driven by switchTo from
// inside syscallEntry instead. Like switchTo it never returns and carries
// no test.
func Enter(first automaton.Tuple)
