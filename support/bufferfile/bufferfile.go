// Package bufferfile implements a random-access, auto-growing view over a
// buffer, the same convenience buffer_file.c wraps around a bd: a writer
// records how much it has written in the first eight bytes of the backing
// buffer and grows it transparently on overflow, and a reader trusts that
// header instead of asking the buffer store for the buffer's true size.
//
// A File maps its buffer when it is opened and keeps that mapping until
// Close. A write that outgrows the buffer unmaps it, grows it and maps it
// again, since lily/buffer refuses to grow a mapped buffer.
package bufferfile

import (
	"encoding/binary"
	"fmt"
	"lily/buffer"
	"lily/kernel"
	"lily/kernel/mm"
	"unsafe"
)

// headerSize is the width of the size_t size prefix buffer_file_t stores at
// the front of its backing buffer.
const headerSize = 8

var (
	// The following are mocked by tests, the same way buffer's own
	// buffer_map.go mocks vmm's hardware-backed mapping calls: Create and
	// Grow are pure bookkeeping and safe to call for real, but Map's
	// returned address is only byte-addressable once the test has pointed
	// it at a real, host-backed slice.
	createFn = buffer.Create
	mapFn    = buffer.Map
	unmapFn  = buffer.Unmap
	growFn   = buffer.Grow
)

var (
	errUnknownBuffer = &kernel.Error{Module: "bufferfile", Message: "unknown buffer"}
	errReadOnly      = &kernel.Error{Module: "bufferfile", Message: "file was opened read-only"}
	errOverflow      = &kernel.Error{Module: "bufferfile", Message: "position overflow"}
	errShortBuffer   = &kernel.Error{Module: "bufferfile", Message: "not enough data remains"}
	errReadp         = &kernel.Error{Module: "bufferfile", Message: "readp is only valid on a read-only file"}
)

// File is a cursor over a buffer-backed byte stream.
type File struct {
	bd        int
	aid       int
	canUpdate bool
	mappedAt  uintptr
	pages     uintptr
	size      uintptr
	position  uintptr
}

// Create allocates a fresh backing buffer just large enough for the size
// header and opens it for writing, mirroring buffer_create followed by
// buffer_file_initw. The buffer is mapped into aid's address space -- the
// caller is always acting on behalf of a specific automaton (the system
// automaton driving the create control plane, or a newly created automaton
// reading its own init argv/description), never on behalf of none.
func Create(aid int) (*File, *kernel.Error) {
	bd, err := createFn(headerSize)
	if err != nil {
		return nil, err
	}
	return OpenWriter(bd, aid)
}

// OpenWriter wraps an existing buffer for writing, resetting its logical
// size to zero the way buffer_file_initw always does regardless of what the
// buffer previously held.
func OpenWriter(bd, aid int) (*File, *kernel.Error) {
	f, err := open(bd, aid, true)
	if err != nil {
		return nil, err
	}
	f.size = 0
	f.position = 0
	f.writeSizeHeader(0)
	return f, nil
}

// OpenReader wraps an existing buffer for reading, trusting the size header
// already stored at its front, mirroring buffer_file_initr.
func OpenReader(bd, aid int) (*File, *kernel.Error) {
	f, err := open(bd, aid, false)
	if err != nil {
		return nil, err
	}
	f.size = f.readSizeHeader()
	f.position = 0
	return f, nil
}

func open(bd, aid int, canUpdate bool) (*File, *kernel.Error) {
	b := buffer.Lookup(bd)
	if b == nil {
		return nil, errUnknownBuffer
	}
	addr, err := mapFn(bd, aid)
	if err != nil {
		return nil, err
	}
	return &File{
		bd:        bd,
		aid:       aid,
		canUpdate: canUpdate,
		mappedAt:  addr,
		pages:     pagesFor(b.Size()),
	}, nil
}

// BD returns the backing buffer's bid.
func (f *File) BD() int { return f.bd }

// Size returns the file's logical content size, excluding the size header.
func (f *File) Size() uintptr { return f.size }

// Position returns the current read/write offset, excluding the header.
func (f *File) Position() uintptr { return f.position }

// Seek moves the cursor to an absolute offset. It does not validate against
// Size -- a subsequent Write past the end grows the file, a Read past the
// end fails, exactly like buffer_file_seek.
func (f *File) Seek(position uintptr) { f.position = position }

// Truncate resets both the cursor and the logical size to zero without
// releasing the backing buffer's pages.
func (f *File) Truncate() {
	f.position = 0
	f.size = 0
	f.writeSizeHeader(0)
}

// Close releases the underlying mapping. It does not destroy the backing
// buffer -- the caller decides that, the way buffer_file_bd hands the bd
// back for the caller to manage.
func (f *File) Close() *kernel.Error {
	return unmapFn(f.bd)
}

func pagesFor(totalBytes uintptr) uintptr {
	pages := (headerSize + totalBytes + mm.PageSize - 1) / mm.PageSize
	if pages == 0 {
		pages = 1
	}
	return pages
}

func (f *File) ensureCapacity(newPosition uintptr) *kernel.Error {
	needed := headerSize + newPosition
	capacity := f.pages * mm.PageSize
	if needed <= capacity {
		return nil
	}

	newPages := (needed + mm.PageSize - 1) / mm.PageSize
	if err := unmapFn(f.bd); err != nil {
		return err
	}
	if _, err := growFn(f.bd, newPages-f.pages); err != nil {
		return err
	}
	addr, err := mapFn(f.bd, f.aid)
	if err != nil {
		return err
	}
	f.mappedAt = addr
	f.pages = newPages
	return nil
}

// Write appends p at the current position, growing the backing buffer if
// necessary, and advances the position. If the write extends past the
// previous end of file, the size header is updated.
func (f *File) Write(p []byte) (int, *kernel.Error) {
	if !f.canUpdate {
		return 0, errReadOnly
	}

	newPosition := f.position + uintptr(len(p))
	if newPosition < f.position {
		return 0, errOverflow
	}
	if err := f.ensureCapacity(newPosition); err != nil {
		return 0, err
	}

	writeAt(f.mappedAt+headerSize+f.position, p)
	f.position = newPosition
	if f.position > f.size {
		f.size = f.position
		f.writeSizeHeader(f.size)
	}
	return len(p), nil
}

// Put writes a single byte, matching buffer_file_put.
func (f *File) Put(c byte) *kernel.Error {
	_, err := f.Write([]byte{c})
	return err
}

// Puts writes a string without a trailing NUL, matching buffer_file_puts.
func (f *File) Puts(s string) *kernel.Error {
	_, err := f.Write([]byte(s))
	return err
}

// Printf formats and writes, mirroring bfprintf.
func (f *File) Printf(format string, args ...interface{}) (int, *kernel.Error) {
	return f.Write([]byte(fmt.Sprintf(format, args...)))
}

// Read copies len(p) bytes from the current position into p and advances
// the position. It fails if fewer bytes than requested remain.
func (f *File) Read(p []byte) *kernel.Error {
	n := uintptr(len(p))
	if f.position > f.size || n > f.size-f.position {
		return errShortBuffer
	}
	copy(p, readAt(f.mappedAt+headerSize+f.position, len(p)))
	f.position += n
	return nil
}

// ReadP returns a freshly copied slice of size bytes at the current
// position and advances it, failing if not enough data remains. Unlike the
// original's buffer_file_readp, which hands back a pointer directly into
// the mapping, this always copies, so the returned slice stays valid after
// Close.
func (f *File) ReadP(size uintptr) ([]byte, *kernel.Error) {
	if f.canUpdate {
		return nil, errReadp
	}
	if f.position > f.size || size > f.size-f.position {
		return nil, errShortBuffer
	}
	data := readAt(f.mappedAt+headerSize+f.position, int(size))
	f.position += size
	return data, nil
}

func (f *File) writeSizeHeader(size uintptr) {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:], uint64(size))
	writeAt(f.mappedAt, header[:])
}

func (f *File) readSizeHeader() uintptr {
	header := readAt(f.mappedAt, headerSize)
	return uintptr(binary.LittleEndian.Uint64(header))
}

func writeAt(addr uintptr, data []byte) {
	if len(data) == 0 {
		return
	}
	kernel.Memcopy(uintptr(unsafe.Pointer(&data[0])), addr, uintptr(len(data)))
}

// SetMapHooksForTest overrides the package-level Map/Unmap seam, the way
// other packages in this tree expose a ResetForTest/SetXForTest hook for
// their own hardware-backed calls. It returns a function that restores the
// previous hooks; callers outside this package (support/argv's own tests,
// for instance) need it because a real vmm mapping is not byte-addressable
// under a hosted test.
func SetMapHooksForTest(m func(bd, aid int) (uintptr, *kernel.Error), u func(bd int) *kernel.Error) (restore func()) {
	origMap, origUnmap := mapFn, unmapFn
	mapFn, unmapFn = m, u
	return func() { mapFn, unmapFn = origMap, origUnmap }
}

func readAt(addr uintptr, n int) []byte {
	data := make([]byte, n)
	if n == 0 {
		return data
	}
	kernel.Memcopy(addr, uintptr(unsafe.Pointer(&data[0])), uintptr(n))
	return data
}
