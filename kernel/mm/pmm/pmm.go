// Package pmm implements the kernel's physical frame pool: a zoned,
// stack-of-free-indices allocator modeled on the DMA/normal split of a
// traditional frame manager.
package pmm

import (
	"lily/kernel"
	"lily/kernel/mm"
	"lily/multiboot"
)

const (
	// reservedEnd is the end of the low-memory region the frame pool never
	// manages; BIOS data, the real-mode IVT and the bootloader's own
	// structures may live here.
	reservedEnd = 0x100000 // 1MiB

	// dmaZoneEnd is the boundary between the DMA zone and the normal
	// zone. Frames below this address are reachable by legacy DMA
	// hardware that cannot address memory above 16MiB.
	dmaZoneEnd = 0x1000000 // 16MiB
)

var (
	errOutOfFrames = &kernel.Error{Module: "pmm", Message: "zone has no free frames"}

	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame does not belong to this zone"}

	errDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}
)

var (
	dmaZone    stackAllocator
	normalZone stackAllocator
)

// Init builds the DMA and normal zones from the multiboot memory map and
// reserves [kernelStart, kernelEnd) so the running kernel image can never be
// handed out as a free frame. It registers Alloc as the active frame
// allocator for the rest of the kernel.
func Init(multibootInfoPtr, kernelStart, kernelEnd uintptr) *kernel.Error {
	multiboot.SetInfoPtr(multibootInfoPtr)

	dmaBase := mm.FrameFromAddress(reservedEnd)
	dmaCount := uint32(mm.FrameFromAddress(dmaZoneEnd) - dmaBase)
	dmaZone.init(dmaBase, dmaCount)

	normalBase := mm.FrameFromAddress(dmaZoneEnd)
	normalCount := uint32(highestAvailableFrame() - normalBase + 1)
	normalZone.init(normalBase, normalCount)

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		regionStart := uintptr(entry.PhysAddress)
		regionEnd := regionStart + uintptr(entry.Length)
		if regionStart < reservedEnd {
			regionStart = reservedEnd
		}

		for addr := regionStart; addr+mm.PageSize <= regionEnd; addr += mm.PageSize {
			releaseToZone(mm.FrameFromAddress(addr))
		}

		return true
	})

	for addr := kernelStart; addr < kernelEnd; addr += mm.PageSize {
		_ = MarkUsed(mm.FrameFromAddress(addr))
	}

	mm.SetFrameAllocator(allocFrame)
	return nil
}

// highestAvailableFrame scans the memory map for the frame just past the end
// of the highest region reported as available, so the normal zone's
// stack-allocator can be sized without a second pass over the map.
func highestAvailableFrame() mm.Frame {
	var highest mm.Frame
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		end := mm.FrameFromAddress(uintptr(entry.PhysAddress) + uintptr(entry.Length))
		if end > highest {
			highest = end
		}
		return true
	})

	if highest == 0 {
		highest = mm.FrameFromAddress(dmaZoneEnd)
	}
	return highest
}

func zoneFor(f mm.Frame) *stackAllocator {
	if dmaZone.contains(f) {
		return &dmaZone
	}
	if normalZone.contains(f) {
		return &normalZone
	}
	return nil
}

func releaseToZone(f mm.Frame) {
	if z := zoneFor(f); z != nil {
		_ = z.release(f)
	}
}

// Alloc allocates a frame from the normal zone, falling back to the DMA zone
// when the normal zone is exhausted.
func Alloc() (mm.Frame, *kernel.Error) {
	if f, err := normalZone.alloc(); err == nil {
		return f, nil
	}
	return dmaZone.alloc()
}

// AllocDMA allocates a frame guaranteed to reside below the 16MiB DMA
// boundary, for devices that cannot address higher memory.
func AllocDMA() (mm.Frame, *kernel.Error) {
	return dmaZone.alloc()
}

// MarkUsed removes a specific frame from whichever zone owns it, without
// handing it to a caller. Used to reserve frames occupied by structures the
// allocator itself does not own, such as the kernel image or page tables
// built before Init ran.
func MarkUsed(f mm.Frame) *kernel.Error {
	z := zoneFor(f)
	if z == nil {
		return errFrameOutOfRange
	}
	return z.markUsed(f)
}

// Release returns a previously allocated frame to its owning zone's free
// stack.
func Release(f mm.Frame) *kernel.Error {
	z := zoneFor(f)
	if z == nil {
		return errFrameOutOfRange
	}
	return z.release(f)
}

// FreeFrameCount returns the number of frames currently available across
// both zones; mainly useful for diagnostics and tests.
func FreeFrameCount() uint32 {
	return dmaZone.freeCount() + normalZone.freeCount()
}

func allocFrame() (mm.Frame, *kernel.Error) {
	return Alloc()
}
