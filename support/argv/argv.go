// Package argv marshals a process-style argument list across the two
// buffers an automaton hands off as a command line: one buffer-file holding
// a count-prefixed table of (offset, size) pairs, the other holding the
// arguments themselves as concatenated, null-terminated strings. This
// mirrors argv.c's split between argv_bf and string_bf -- one grows as
// arguments are appended, the other records where each one landed.
package argv

import (
	"encoding/binary"
	"lily/kernel"
	"lily/support/bufferfile"
)

const entrySize = 16 // one size_t offset plus one size_t length, per argument

var (
	errOutOfRange       = &kernel.Error{Module: "argv", Message: "argument index out of range"}
	errNotNulTerminated = &kernel.Error{Module: "argv", Message: "argument is not null-terminated"}
)

// Writer accumulates arguments into a pair of buffer-files, ready to be
// handed to another automaton as a create or bind parameter pair.
type Writer struct {
	index *bufferfile.File
	data  *bufferfile.File
	count uintptr
}

// NewWriter allocates the index and data buffer-files, mapped into aid's
// address space, and writes an initial zero count, matching argv_initw.
func NewWriter(aid int) (*Writer, *kernel.Error) {
	index, err := bufferfile.Create(aid)
	if err != nil {
		return nil, err
	}
	data, err := bufferfile.Create(aid)
	if err != nil {
		return nil, err
	}

	w := &Writer{index: index, data: data}
	if err := w.writeCount(); err != nil {
		return nil, err
	}
	return w, nil
}

// Append adds arg to the argument list, appending its null-terminated bytes
// to the data buffer-file and a new (offset, size) entry to the index.
func (w *Writer) Append(arg string) *kernel.Error {
	offset := w.data.Size()
	w.data.Seek(offset)
	payload := append([]byte(arg), 0)
	if _, err := w.data.Write(payload); err != nil {
		return err
	}

	w.index.Seek(w.index.Size())
	var entry [entrySize]byte
	binary.LittleEndian.PutUint64(entry[0:8], uint64(offset))
	binary.LittleEndian.PutUint64(entry[8:16], uint64(len(payload)))
	if _, err := w.index.Write(entry[:]); err != nil {
		return err
	}

	w.count++
	return w.writeCount()
}

func (w *Writer) writeCount() *kernel.Error {
	w.index.Seek(0)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(w.count))
	_, err := w.index.Write(buf[:])
	return err
}

// Bids returns the index and data buffer ids backing this writer, ready to
// be sent as a create or bind parameter pair.
func (w *Writer) Bids() (indexBD, dataBD int) {
	return w.index.BD(), w.data.BD()
}

// Count reports how many arguments have been appended.
func (w *Writer) Count() uintptr { return w.count }

// Reader parses a (index, data) buffer-file pair written by a Writer.
type Reader struct {
	index *bufferfile.File
	data  *bufferfile.File
	count uintptr
}

// NewReader opens both buffer-files read-only, mapped into aid's address
// space, and reads the argument count, matching argv_initr.
func NewReader(indexBD, dataBD, aid int) (*Reader, *kernel.Error) {
	index, err := bufferfile.OpenReader(indexBD, aid)
	if err != nil {
		return nil, err
	}
	data, err := bufferfile.OpenReader(dataBD, aid)
	if err != nil {
		return nil, err
	}

	countBytes, err := index.ReadP(8)
	if err != nil {
		return nil, err
	}

	return &Reader{
		index: index,
		data:  data,
		count: uintptr(binary.LittleEndian.Uint64(countBytes)),
	}, nil
}

// Count returns the number of arguments in the list.
func (r *Reader) Count() uintptr { return r.count }

// Arg returns the idx'th argument, matching argv_arg.
func (r *Reader) Arg(idx uintptr) (string, *kernel.Error) {
	if idx >= r.count {
		return "", errOutOfRange
	}

	r.index.Seek(8 + idx*entrySize)
	entry, err := r.index.ReadP(entrySize)
	if err != nil {
		return "", err
	}
	offset := binary.LittleEndian.Uint64(entry[0:8])
	size := binary.LittleEndian.Uint64(entry[8:16])

	r.data.Seek(uintptr(offset))
	raw, err := r.data.ReadP(uintptr(size))
	if err != nil {
		return "", err
	}
	if size == 0 || raw[size-1] != 0 {
		return "", errNotNulTerminated
	}
	return string(raw[:size-1]), nil
}
