// Command kernel is the freestanding kernel image's Go entry point. It is
// never run as a normal hosted binary; rt0 assembly (outside this module's
// scope, supplied by the image's linker script) sets up a GDT and a minimal
// g0 stack and then jumps here.
package main

import "lily/boot"

// multibootInfoPtr, kernelStart and kernelEnd are passed by the rt0 stub
// before it calls main. They are package-level variables, not constants or
// inlined call arguments, for the same reason the teacher's own stub.go
// uses one: it keeps the compiler from inlining main and eliminating
// boot.Kmain as dead code, since nothing in this module calls main itself.
var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
)

// main is the only Go symbol rt0 needs to see. It is a trampoline for
// boot.Kmain and is not expected to return -- if it does, rt0 halts the CPU.
func main() {
	boot.Kmain(multibootInfoPtr, kernelStart, kernelEnd)
}
