// Package diag decodes the machine instruction at a fault's return address
// so a panic dump can show a human-readable mnemonic alongside the raw
// register snapshot gate.Registers.DumpTo already prints. Nothing in this
// tree carries its own disassembler; golang.org/x/arch/x86/x86asm covers it,
// the same decoder the rest of the Go toolchain uses for objdump-style
// output.
package diag

import (
	"io"
	"lily/kernel/gate"
	"lily/kernel/kfmt"

	"golang.org/x/arch/x86/x86asm"
)

// mode is the instruction-set width this kernel always runs in.
const mode = 64

// Decode disassembles the first instruction in code, which the caller reads
// starting at the faulting RIP (up to the x86 maximum instruction length of
// 15 bytes; fewer is fine as long as the instruction is short enough to fit
// inside it). It renders in GNU syntax, matching objdump's AT&T-style
// output a kernel developer would already be reading from on the other
// side of a serial console.
func Decode(code []byte) (x86asm.Inst, string, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return x86asm.Inst{}, "", err
	}
	return inst, x86asm.GNUSyntax(inst, 0, nil), nil
}

// DumpFault writes the decoded faulting instruction followed by the full
// register snapshot to w, following the same "explain what happened, then
// dump every register" shape vmm's own nonRecoverablePageFault and
// generalProtectionFaultHandler already use for their panic output.
func DumpFault(w io.Writer, rip uint64, code []byte, regs *gate.Registers) {
	inst, asm, err := Decode(code)
	if err != nil {
		kfmt.Fprintf(w, "faulting instruction at 0x%x: <could not decode: %s>\n\n", rip, err.Error())
	} else {
		kfmt.Fprintf(w, "faulting instruction at 0x%x: %s (%d bytes)\n\n", rip, asm, inst.Len)
	}
	regs.DumpTo(w)
}
