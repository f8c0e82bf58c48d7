package vmm

import (
	"lily/kernel"
	"lily/kernel/mm"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// tempMappingAddr which coincides with the end of the kernel address
	// space.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space and never reclaims them, so it is best suited to long-lived
// reservations: bootstrapping page tables before any AddressSpace exists, and
// the buffer store's Map, which needs a stable kernel-side virtual address
// for as long as a buffer stays mapped.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if size > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}

// AreaKind classifies a VMArea and determines how HandleFault reacts to a
// fault landing inside it.
type AreaKind uint8

const (
	// AreaData is a demand-paged, zero-fill, growable area. Pages are
	// mapped lazily against ReservedZeroedFrame with FlagCopyOnWrite set;
	// the first write to a page triggers the existing CoW page-fault path
	// to back it with a real frame.
	AreaData AreaKind = iota

	// AreaMapped backs a fixed range with frames supplied by the caller
	// (e.g. a buffer mapped into an automaton's address space by buffer
	// store). Mapped areas never merge with their neighbors, even if
	// adjacent, since each one tracks an independent backing object.
	AreaMapped

	// AreaReserved carves out a range of the address space with no
	// backing at all (e.g. a guard page). Any fault landing in a reserved
	// area is fatal.
	AreaReserved
)

var (
	errAreaInvalidSpan  = &kernel.Error{Module: "vmm", Message: "area span is empty or not page-aligned"}
	errAreaOverlap      = &kernel.Error{Module: "vmm", Message: "area overlaps an existing area"}
	errAreaNotFound     = &kernel.Error{Module: "vmm", Message: "no area covers the requested address"}
	errAddrSpaceFull    = &kernel.Error{Module: "vmm", Message: "address space has no room for the requested allocation"}
	errFaultOutsideArea = &kernel.Error{Module: "vmm", Message: "fault address is not covered by any area"}
)

// VMArea describes one non-overlapping region of an AddressSpace's virtual
// memory map.
type VMArea struct {
	Start, End uintptr
	Kind       AreaKind
	Flags      PageTableEntryFlag
}

func (a *VMArea) size() uintptr { return a.End - a.Start }

// mergeable reports whether two data areas with identical flags can be
// collapsed into a single area because they are adjacent.
func (a *VMArea) mergeable(b *VMArea) bool {
	return a.Kind == AreaData && b.Kind == AreaData && a.Flags == b.Flags && a.End == b.Start
}

// AddressSpace tracks the sorted, non-overlapping list of VMAreas that make
// up one automaton's virtual memory map, within [base, limit). It owns a
// trailing data area (the "break") that Sbrk grows and shrinks, mirroring
// the sbrk/getpagesize external interface.
type AddressSpace struct {
	base, limit uintptr
	areas       []*VMArea
	brk         uintptr
}

// NewAddressSpace creates an empty address space spanning [base, limit). Both
// bounds are rounded to page boundaries.
func NewAddressSpace(base, limit uintptr) *AddressSpace {
	base &^= mm.PageSize - 1
	limit &^= mm.PageSize - 1
	return &AddressSpace{base: base, limit: limit, brk: base}
}

// indexAfter returns the index of the first area whose Start is >= addr.
func (as *AddressSpace) indexAfter(addr uintptr) int {
	lo, hi := 0, len(as.areas)
	for lo < hi {
		mid := (lo + hi) / 2
		if as.areas[mid].Start < addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Find returns the area that covers addr, or nil if none does.
func (as *AddressSpace) Find(addr uintptr) *VMArea {
	idx := as.indexAfter(addr + 1)
	if idx == 0 {
		return nil
	}
	candidate := as.areas[idx-1]
	if addr >= candidate.Start && addr < candidate.End {
		return candidate
	}
	return nil
}

// InsertArea adds [start, end) to the address space, merging it into an
// adjacent data area when possible. It fails if the new span overlaps an
// existing area or falls outside [base, limit).
func (as *AddressSpace) InsertArea(start, end uintptr, kind AreaKind, flags PageTableEntryFlag) *kernel.Error {
	if end <= start || start&(mm.PageSize-1) != 0 || end&(mm.PageSize-1) != 0 {
		return errAreaInvalidSpan
	}
	if start < as.base || end > as.limit {
		return errAddrSpaceFull
	}

	insertAt := as.indexAfter(start)
	if insertAt > 0 && as.areas[insertAt-1].End > start {
		return errAreaOverlap
	}
	if insertAt < len(as.areas) && as.areas[insertAt].Start < end {
		return errAreaOverlap
	}

	area := &VMArea{Start: start, End: end, Kind: kind, Flags: flags}

	// Merge with a preceding area first...
	if insertAt > 0 && as.areas[insertAt-1].mergeable(area) {
		as.areas[insertAt-1].End = end
		area = as.areas[insertAt-1]
		insertAt--
	} else {
		as.areas = append(as.areas, nil)
		copy(as.areas[insertAt+1:], as.areas[insertAt:])
		as.areas[insertAt] = area
	}

	// ...then see if the (possibly just-merged) area can also absorb its
	// new right-hand neighbor.
	if next := insertAt + 1; next < len(as.areas) && area.mergeable(as.areas[next]) {
		area.End = as.areas[next].End
		as.areas = append(as.areas[:next], as.areas[next+1:]...)
	}

	return nil
}

// Reserve carves out [start, end) with no backing; any fault inside it is
// fatal. Used for guard pages and address ranges deliberately left unmapped.
func (as *AddressSpace) Reserve(start, end uintptr) *kernel.Error {
	return as.InsertArea(start, end, AreaReserved, 0)
}

// Unreserve removes a previously reserved area in its entirety. It fails if
// [start, end) does not exactly match an existing AreaReserved area.
func (as *AddressSpace) Unreserve(start, end uintptr) *kernel.Error {
	return as.RemoveArea(start, end, AreaReserved)
}

// RemoveArea removes an area matching [start, end) and kind exactly. It
// fails if no such area exists, e.g. because the buffer store unmaps a
// range the caller never mapped, or maps a second time at the same address.
// Used to undo an earlier InsertArea call -- AreaReserved by Unreserve,
// AreaMapped when the buffer store tears down a mapping it installed.
func (as *AddressSpace) RemoveArea(start, end uintptr, kind AreaKind) *kernel.Error {
	idx := as.indexAfter(start)
	if idx >= len(as.areas) {
		return errAreaNotFound
	}
	area := as.areas[idx]
	if area.Start != start || area.End != end || area.Kind != kind {
		return errAreaNotFound
	}
	as.areas = append(as.areas[:idx], as.areas[idx+1:]...)
	return nil
}

// Alloc grows the trailing data area by size bytes (rounded up to a page
// boundary) and lazily maps the new pages against ReservedZeroedFrame with
// FlagCopyOnWrite, the same on-demand scheme documented on
// ReservedZeroedFrame's ReserveOnDemand example. It returns the address of the first new page.
func (as *AddressSpace) Alloc(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	if size == 0 {
		return as.brk, nil
	}

	newBrk := as.brk + size
	if newBrk > as.limit || newBrk < as.brk {
		return 0, errAddrSpaceFull
	}
	if area := as.Find(as.brk); area != nil && area.Kind != AreaData {
		return 0, errAddrSpaceFull
	}

	start := as.brk
	mapFlags := FlagPresent | FlagCopyOnWrite
	for page := mm.PageFromAddress(start); page.Address() < newBrk; page++ {
		if err := mapFn(page, ReservedZeroedFrame, mapFlags); err != nil {
			return 0, err
		}
	}

	if err := as.InsertArea(start, newBrk, AreaData, mapFlags); err != nil {
		return 0, err
	}

	as.brk = newBrk
	return start, nil
}

// Sbrk adjusts the trailing data area by delta bytes (which may be negative)
// and returns the address of the break prior to the adjustment, mirroring the
// POSIX-style sbrk syscall. The magnitude of delta is rounded up to whole
// pages in both directions, so a shrink by any nonzero amount releases at
// least one page.
func (as *AddressSpace) Sbrk(delta int) (uintptr, *kernel.Error) {
	prevBrk := as.brk
	switch {
	case delta > 0:
		if _, err := as.Alloc(uintptr(delta)); err != nil {
			return 0, err
		}
	case delta < 0:
		shrinkBy := (uintptr(-delta) + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
		if shrinkBy > as.brk-as.base {
			return 0, errAddrSpaceFull
		}
		newBrk := as.brk - shrinkBy
		for page := mm.PageFromAddress(newBrk); page.Address() < as.brk; page++ {
			_ = unmapFn(page)
		}
		if err := as.shrinkTrailingArea(newBrk, as.brk); err != nil {
			return 0, err
		}
		as.brk = newBrk
	}
	return prevBrk, nil
}

// shrinkTrailingArea trims or removes the AreaData area covering
// [removedStart, removedEnd), which must be the address space's current
// trailing edge.
func (as *AddressSpace) shrinkTrailingArea(removedStart, removedEnd uintptr) *kernel.Error {
	if len(as.areas) == 0 {
		return errAreaNotFound
	}
	last := as.areas[len(as.areas)-1]
	if last.End != removedEnd || last.Kind != AreaData {
		return errAreaNotFound
	}
	if last.Start == removedStart {
		as.areas = as.areas[:len(as.areas)-1]
	} else {
		last.End = removedStart
	}
	return nil
}

// HandleFault implements the demand-paging and fault policy for this address
// space: a fault inside an AreaData area is handled by the existing
// pageFaultHandler CoW machinery (already installed for the whole kernel), so
// this function only needs to reject faults that land outside any area, or
// inside a reserved/mapped area where no lazy backing exists. A non-nil
// result here is always fatal; the caller panics with it.
func (as *AddressSpace) HandleFault(faultAddr uintptr) *kernel.Error {
	area := as.Find(faultAddr)
	if area == nil || area.Kind != AreaData {
		return errFaultOutsideArea
	}
	return nil
}
