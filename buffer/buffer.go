// Package buffer implements the kernel's buffer store: reference-counted,
// page-granular regions of physical memory that automata exchange as action
// parameters. A buffer is identified by a bid, much like a file descriptor,
// and tracks an "implied set" -- the transitive closure of every buffer its
// pages were ever copied or appended from -- so provenance survives Copy and
// Append even though the underlying frames are shared, not duplicated.
package buffer

import (
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/pmm"
)

// Status records whether a buffer has been handed across an automaton
// boundary. It does not gate Grow/Append/Assign -- those are gated by
// whether the buffer is currently mapped, see buffer_map.go -- it exists so
// the scheduler's finish path can refuse to republish a bid the producer
// already handed off once.
type Status uint8

const (
	// Open buffers have never been published as an output's value.
	Open Status = iota

	// Closed buffers were handed to the scheduler as an output action's
	// parameter value; the producer may not publish the same bid again
	// until a receiver maps or destroys it.
	Closed
)

var (
	errUnknownBuffer    = &kernel.Error{Module: "buffer", Message: "unknown buffer id"}
	errOverlapRange     = &kernel.Error{Module: "buffer", Message: "source and destination ranges overlap"}
	errRangeOutOfBound  = &kernel.Error{Module: "buffer", Message: "range exceeds buffer size"}
	errBufferMapped     = &kernel.Error{Module: "buffer", Message: "buffer is mapped"}
	errAlreadyMapped    = &kernel.Error{Module: "buffer", Message: "buffer is already mapped"}
	errNotMapped        = &kernel.Error{Module: "buffer", Message: "buffer is not mapped"}
	errZeroSizeBuffer   = &kernel.Error{Module: "buffer", Message: "cannot map a zero-sized buffer"}
)

// Buffer is one entry of the buffer store.
type Buffer struct {
	bid    int
	status Status
	size   uintptr
	refs   int

	// chunks holds one physical frame per page of the buffer, in order.
	// Frames may be shared with other buffers (Copy, Append); sharing is
	// tracked out-of-band in frameRefs.
	chunks []mm.Frame

	// implied is the transitively-closed set of bids this buffer's
	// contents were ever drawn from, including itself.
	implied map[int]struct{}

	mappedAt    uintptr
	mappedPages int
	mappedAID   int
}

// Size returns the buffer's size in bytes.
func (b *Buffer) Size() uintptr { return b.size }

// Status returns whether the buffer has been published once already.
func (b *Buffer) Status() Status { return b.status }

// ImpliedSet returns the bids in this buffer's implied set.
func (b *Buffer) ImpliedSet() []int {
	out := make([]int, 0, len(b.implied))
	for bid := range b.implied {
		out = append(out, bid)
	}
	return out
}

var (
	buffers   = make(map[int]*Buffer)
	frameRefs = make(map[mm.Frame]int)
	nextBID   = 1
)

// pageCount returns the number of whole pages needed to hold size bytes
// counted from offset 0 -- i.e. ceil(size / PageSize).
func pageCount(size uintptr) int {
	return int((size + mm.PageSize - 1) / mm.PageSize)
}

func retain(f mm.Frame) {
	frameRefs[f]++
}

func release(f mm.Frame) {
	frameRefs[f]--
	if frameRefs[f] <= 0 {
		delete(frameRefs, f)
		_ = pmm.Release(f)
	}
}

// Create allocates a new buffer of the given size, rounded up to a whole
// number of pages, and returns its bid. size may be 0.
func Create(size uintptr) (int, *kernel.Error) {
	chunks := make([]mm.Frame, pageCount(size))
	for i := range chunks {
		f, err := pmm.Alloc()
		if err != nil {
			for _, allocated := range chunks[:i] {
				release(allocated)
			}
			return 0, err
		}
		chunks[i] = f
		retain(f)
	}

	bid := nextBID
	nextBID++

	buffers[bid] = &Buffer{
		bid:     bid,
		status:  Open,
		size:    size,
		refs:    1,
		chunks:  chunks,
		implied: map[int]struct{}{bid: {}},
	}
	return bid, nil
}

// Lookup returns the Buffer for bid, or nil if it does not exist.
func Lookup(bid int) *Buffer {
	return buffers[bid]
}

// Copy produces a new buffer equal to src[offset, offset+length), with
// offset rounded down and length rounded up to whole pages internally (the
// new buffer's reported Size is the exact requested length). Chunks are
// shared with src, not duplicated; the new buffer's implied set is src's
// implied set plus src itself.
func Copy(src int, offset, length uintptr) (int, *kernel.Error) {
	source, ok := buffers[src]
	if !ok {
		return 0, errUnknownBuffer
	}
	if offset+length > source.size {
		return 0, errRangeOutOfBound
	}

	startPage := int(offset / mm.PageSize)
	endPage := pageCount(offset + length)
	chunks := make([]mm.Frame, endPage-startPage)
	copy(chunks, source.chunks[startPage:endPage])
	for _, f := range chunks {
		retain(f)
	}

	bid := nextBID
	nextBID++

	implied := map[int]struct{}{bid: {}, src: {}}
	for b := range source.implied {
		implied[b] = struct{}{}
	}

	buffers[bid] = &Buffer{
		bid:     bid,
		status:  Open,
		size:    length,
		refs:    1,
		chunks:  chunks,
		implied: implied,
	}
	return bid, nil
}

// Grow extends dest by pages pages at its tail and returns its size prior to
// the extension. It fails if dest is currently mapped.
func Grow(dest int, pages uintptr) (uintptr, *kernel.Error) {
	b, ok := buffers[dest]
	if !ok {
		return 0, errUnknownBuffer
	}
	if b.mappedAt != 0 {
		return 0, errBufferMapped
	}

	previous := b.size
	for i := uintptr(0); i < pages; i++ {
		f, err := pmm.Alloc()
		if err != nil {
			return previous, err
		}
		retain(f)
		b.chunks = append(b.chunks, f)
	}
	b.size = previous + pages*mm.PageSize
	return previous, nil
}

// Append copies src[offset, offset+length) onto the tail of dest, sharing
// frames rather than duplicating them, and merges src's implied set into
// dest's. It fails if dest is currently mapped. It returns dest's new size.
func Append(dest, src int, offset, length uintptr) (uintptr, *kernel.Error) {
	d, ok := buffers[dest]
	if !ok {
		return 0, errUnknownBuffer
	}
	if d.mappedAt != 0 {
		return 0, errBufferMapped
	}
	s, ok := buffers[src]
	if !ok {
		return 0, errUnknownBuffer
	}
	if offset+length > s.size {
		return 0, errRangeOutOfBound
	}

	startPage := int(offset / mm.PageSize)
	endPage := pageCount(offset + length)
	shared := s.chunks[startPage:endPage]
	for _, f := range shared {
		retain(f)
	}
	d.chunks = append(d.chunks, shared...)
	d.size += length

	d.implied[src] = struct{}{}
	for bid := range s.implied {
		d.implied[bid] = struct{}{}
	}

	return d.size, nil
}

// Assign overwrites length bytes of dest starting at dstOffset with length
// bytes of src starting at srcOffset. dest must be mapped into the caller's
// address space -- the write goes through that mapping directly. When
// dest == src the ranges must not overlap; this is a precondition
// violation, not a recoverable error condition, because the two copy
// directions would otherwise be ambiguous. The destination's implied set
// absorbs src's.
func Assign(dest int, dstOffset uintptr, src int, srcOffset, length uintptr) *kernel.Error {
	d, ok := buffers[dest]
	if !ok {
		return errUnknownBuffer
	}
	if d.mappedAt == 0 {
		return errNotMapped
	}
	s, ok := buffers[src]
	if !ok {
		return errUnknownBuffer
	}

	if dstOffset+length > d.size || srcOffset+length > s.size {
		return errRangeOutOfBound
	}
	if dest == src && rangesOverlap(dstOffset, srcOffset, length) {
		return errOverlapRange
	}

	if err := copyIntoMapped(d, dstOffset, s, srcOffset, length); err != nil {
		return err
	}

	d.implied[src] = struct{}{}
	for bid := range s.implied {
		d.implied[bid] = struct{}{}
	}

	return nil
}

func rangesOverlap(a, b, length uintptr) bool {
	if a == b {
		return length > 0
	}
	if a < b {
		return a+length > b
	}
	return b+length > a
}

// Destroy drops one reference to bid. The underlying frames are only
// released back to the frame pool once every reference has been dropped.
func Destroy(bid int) *kernel.Error {
	b, ok := buffers[bid]
	if !ok {
		return errUnknownBuffer
	}

	b.refs--
	if b.refs > 0 {
		return nil
	}

	for _, f := range b.chunks {
		release(f)
	}
	delete(buffers, bid)
	return nil
}

// AddRef records an additional outstanding reference to bid. It is used by
// the scheduler's fan-out delivery, not exposed as a syscall, when an
// output's value is handed to more than one bound input.
func AddRef(bid int) *kernel.Error {
	b, ok := buffers[bid]
	if !ok {
		return errUnknownBuffer
	}
	b.refs++
	return nil
}

// Close marks bid Closed. The scheduler closes a buffer when an output
// action finishes and publishes it (sched.Finish).
func Close(bid int) *kernel.Error {
	b, ok := buffers[bid]
	if !ok {
		return errUnknownBuffer
	}
	b.status = Closed
	return nil
}

// ResetForTest clears the buffer store. Exported only so package trap's
// integration tests, which exercise this package through the syscall
// dispatcher rather than calling its internals directly, can start from an
// empty store between cases.
func ResetForTest() {
	buffers = make(map[int]*Buffer)
	frameRefs = make(map[mm.Frame]int)
	nextBID = 1
}

// MarkMappedForTest sets b's mapped-address bookkeeping without going
// through Map, so tests outside this package can exercise the
// mapped-buffer preconditions on Grow/Append/Assign without standing up a
// real vmm mapping.
func (b *Buffer) MarkMappedForTest(addr uintptr) {
	b.mappedAt = addr
	b.mappedPages = len(b.chunks)
}
