package buffer

import (
	"lily/automaton"
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/vmm"
)

var (
	// The following functions are mocked by tests, following the same
	// package-level-seam pattern vmm itself uses for hardware calls that
	// cannot run under `go test` on the host.
	mapTemporaryFn       = vmm.MapTemporary
	unmapFn              = vmm.Unmap
	mapFn                = vmm.Map
	earlyReserveRegionFn = vmm.EarlyReserveRegion

	// lookupAutomatonFn is used by tests to avoid depending on the
	// automaton package's process-wide registry.
	lookupAutomatonFn = automaton.Lookup

	errUnknownAutomaton = &kernel.Error{Module: "buffer", Message: "unknown automaton"}
)

// copyIntoMapped writes src[srcOffset, srcOffset+length) directly into
// dst's already-installed mapping at dstOffset. dst is assumed mapped by the
// caller (Assign checks this); src's frames are temp-mapped one page at a
// time since only dst is guaranteed to have a standing mapping.
func copyIntoMapped(dst *Buffer, dstOffset uintptr, src *Buffer, srcOffset, length uintptr) *kernel.Error {
	dstAddr := dst.mappedAt + dstOffset

	for length > 0 {
		srcPage := srcOffset / mm.PageSize
		srcPageOff := srcOffset % mm.PageSize

		n := length
		if remaining := mm.PageSize - srcPageOff; remaining < n {
			n = remaining
		}

		srcMapped, err := mapTemporaryFn(src.chunks[srcPage])
		if err != nil {
			return err
		}
		kernel.Memcopy(srcMapped.Address()+srcPageOff, dstAddr, n)
		_ = unmapFn(srcMapped)

		srcOffset += n
		dstAddr += n
		length -= n
	}
	return nil
}

// Map installs a read-write mapping covering every chunk of bid into aid's
// address space and returns its virtual address. The mapping is not
// copy-on-write: writes through it are visible to every other buffer that
// happens to share the same frames via Copy or Append.
//
// Map both installs the hardware PTEs (against the page directory table
// active at the time of the call, via mapFn/earlyReserveRegionFn) and
// records a vmm.AreaMapped VMArea in aid's *vmm.AddressSpace, so
// AddressSpace.Find/HandleFault see the mapping too -- a hardware mapping
// with no corresponding VMArea is a contract violation the rest of this
// package never otherwise commits.
func Map(bid, aid int) (uintptr, *kernel.Error) {
	b, ok := buffers[bid]
	if !ok {
		return 0, errUnknownBuffer
	}
	if b.size == 0 {
		return 0, errZeroSizeBuffer
	}
	if b.mappedAt != 0 {
		return 0, errAlreadyMapped
	}

	a := lookupAutomatonFn(aid)
	if a == nil {
		return 0, errUnknownAutomaton
	}

	size := uintptr(len(b.chunks)) * mm.PageSize
	va, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	startPage := mm.PageFromAddress(va)
	for i, f := range b.chunks {
		if err := mapFn(startPage+mm.Page(i), f, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return 0, err
		}
	}

	if err := a.AddressSpace().InsertArea(va, va+size, vmm.AreaMapped, vmm.FlagPresent|vmm.FlagRW); err != nil {
		for i := range b.chunks {
			_ = unmapFn(startPage + mm.Page(i))
		}
		return 0, err
	}

	b.mappedAt = va
	b.mappedPages = len(b.chunks)
	b.mappedAID = aid
	return va, nil
}

// Unmap removes a mapping previously installed by Map, along with the
// vmm.AreaMapped VMArea Map recorded in the owning automaton's address
// space.
func Unmap(bid int) *kernel.Error {
	b, ok := buffers[bid]
	if !ok {
		return errUnknownBuffer
	}
	if b.mappedAt == 0 {
		return errNotMapped
	}

	startPage := mm.PageFromAddress(b.mappedAt)
	for i := 0; i < b.mappedPages; i++ {
		_ = unmapFn(startPage + mm.Page(i))
	}

	if a := lookupAutomatonFn(b.mappedAID); a != nil {
		size := uintptr(b.mappedPages) * mm.PageSize
		_ = a.AddressSpace().RemoveArea(b.mappedAt, b.mappedAt+size, vmm.AreaMapped)
	}

	b.mappedAt = 0
	b.mappedPages = 0
	b.mappedAID = 0
	return nil
}
