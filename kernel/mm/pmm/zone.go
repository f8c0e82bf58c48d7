package pmm

import (
	"lily/kernel"
	"lily/kernel/mm"
)

// stackAllocator hands out frame indices from a fixed-size range using a
// stack of free indices, as opposed to a bitmap scan. Allocation and release
// are both O(1); only markUsed (used once per region during Init) walks the
// free stack linearly.
type stackAllocator struct {
	base  mm.Frame
	count uint32

	// free holds the relative indices (0..count) that are not currently
	// allocated. The top of the stack is free[len(free)-1].
	free []uint32

	// allocated tracks, per relative index, whether the frame is handed
	// out. A frame absent from both free and available for handing out
	// starts allocated so that holes in the bootloader's memory map (and
	// the kernel image itself) are reserved by construction.
	allocated []bool
}

// init prepares the allocator to manage [base, base+count) with every frame
// marked allocated. Callers populate the free stack by calling release for
// each frame the bootloader reports as available.
func (s *stackAllocator) init(base mm.Frame, count uint32) {
	s.base = base
	s.count = count
	s.free = s.free[:0]
	s.allocated = make([]bool, count)
	for i := range s.allocated {
		s.allocated[i] = true
	}
}

func (s *stackAllocator) contains(f mm.Frame) bool {
	return f >= s.base && uint32(f-s.base) < s.count
}

// alloc pops a free index off the stack.
func (s *stackAllocator) alloc() (mm.Frame, *kernel.Error) {
	if len(s.free) == 0 {
		return mm.InvalidFrame, errOutOfFrames
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.allocated[idx] = true
	return s.base + mm.Frame(idx), nil
}

// markUsed removes a specific frame from the free stack, if present, and
// marks it allocated. It is idempotent: marking an already-used frame used
// again is a no-op.
func (s *stackAllocator) markUsed(f mm.Frame) *kernel.Error {
	if !s.contains(f) {
		return errFrameOutOfRange
	}

	idx := uint32(f - s.base)
	if s.allocated[idx] {
		return nil
	}

	for i, v := range s.free {
		if v == idx {
			s.free[i] = s.free[len(s.free)-1]
			s.free = s.free[:len(s.free)-1]
			break
		}
	}
	s.allocated[idx] = true
	return nil
}

// release pushes a frame back onto the free stack. Used both to seed the
// allocator with bootloader-reported available memory and to free a
// previously allocated frame.
func (s *stackAllocator) release(f mm.Frame) *kernel.Error {
	if !s.contains(f) {
		return errFrameOutOfRange
	}

	idx := uint32(f - s.base)
	if !s.allocated[idx] {
		return errDoubleFree
	}

	s.allocated[idx] = false
	s.free = append(s.free, idx)
	return nil
}

func (s *stackAllocator) freeCount() uint32 {
	return uint32(len(s.free))
}
