// Package description serializes an automaton's action table into a single
// buffer so another automaton can discover its actions by name or number
// without a shared header file, mirroring description.c's action_desc_t
// records: a count-prefixed sequence of fixed-size descriptors, each
// followed immediately by its name bytes and then its description bytes.
package description

import (
	"encoding/binary"
	"lily/kernel"
	"lily/support/bufferfile"
)

// descriptorSize is the width of the fixed-size header written ahead of
// each entry's name and description bytes: type, parameter mode, action
// number, name length and description length, one size_t-equivalent each.
const descriptorSize = 40

var (
	errActionNotFound = &kernel.Error{Module: "description", Message: "action not found"}
)

// ActionDesc describes one action in a way that crosses an automaton
// boundary cleanly: it replaces action_desc_t's char* range pointers with
// plain Go strings copied out of the buffer.
type ActionDesc struct {
	Type          int
	ParameterMode int
	Number        uintptr
	Name          string
	Description   string
}

// Writer accumulates action descriptors into a single buffer-file.
type Writer struct {
	bf    *bufferfile.File
	count uintptr
}

// NewWriter allocates the backing buffer-file, mapped into aid's address
// space, and writes an initial zero count, matching description_init's
// write side.
func NewWriter(aid int) (*Writer, *kernel.Error) {
	bf, err := bufferfile.Create(aid)
	if err != nil {
		return nil, err
	}
	w := &Writer{bf: bf}
	if err := w.writeCount(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeCount() *kernel.Error {
	w.bf.Seek(0)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(w.count))
	_, err := w.bf.Write(buf[:])
	return err
}

// Append records one action descriptor at the end of the buffer-file.
func (w *Writer) Append(ad ActionDesc) *kernel.Error {
	name := []byte(ad.Name)
	desc := []byte(ad.Description)

	w.bf.Seek(w.bf.Size())

	var header [descriptorSize]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(ad.Type))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ad.ParameterMode))
	binary.LittleEndian.PutUint64(header[16:24], uint64(ad.Number))
	binary.LittleEndian.PutUint64(header[24:32], uint64(len(name)))
	binary.LittleEndian.PutUint64(header[32:40], uint64(len(desc)))
	if _, err := w.bf.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.bf.Write(name); err != nil {
		return err
	}
	if _, err := w.bf.Write(desc); err != nil {
		return err
	}

	w.count++
	return w.writeCount()
}

// BD returns the backing buffer's bid.
func (w *Writer) BD() int { return w.bf.BD() }

// Reader parses a buffer written by a Writer.
type Reader struct {
	bf *bufferfile.File
}

// NewReader opens bd read-only for parsing, mapped into aid's address
// space, matching description_init's read side.
func NewReader(bd, aid int) (*Reader, *kernel.Error) {
	bf, err := bufferfile.OpenReader(bd, aid)
	if err != nil {
		return nil, err
	}
	return &Reader{bf: bf}, nil
}

// Count returns the number of action descriptors recorded, matching
// description_action_count.
func (r *Reader) Count() (uintptr, *kernel.Error) {
	r.bf.Seek(0)
	countBytes, err := r.bf.ReadP(8)
	if err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(countBytes)), nil
}

// ReadAll returns every action descriptor in order, matching
// description_read_all.
func (r *Reader) ReadAll() ([]ActionDesc, *kernel.Error) {
	count, err := r.Count()
	if err != nil {
		return nil, err
	}

	out := make([]ActionDesc, 0, count)
	for i := uintptr(0); i != count; i++ {
		ad, err := r.readNext()
		if err != nil {
			return nil, err
		}
		out = append(out, ad)
	}
	return out, nil
}

func (r *Reader) readNext() (ActionDesc, *kernel.Error) {
	header, err := r.bf.ReadP(descriptorSize)
	if err != nil {
		return ActionDesc{}, err
	}
	nameSize := binary.LittleEndian.Uint64(header[24:32])
	descSize := binary.LittleEndian.Uint64(header[32:40])

	name, err := r.bf.ReadP(uintptr(nameSize))
	if err != nil {
		return ActionDesc{}, err
	}
	desc, err := r.bf.ReadP(uintptr(descSize))
	if err != nil {
		return ActionDesc{}, err
	}

	return ActionDesc{
		Type:          int(binary.LittleEndian.Uint64(header[0:8])),
		ParameterMode: int(binary.LittleEndian.Uint64(header[8:16])),
		Number:        uintptr(binary.LittleEndian.Uint64(header[16:24])),
		Name:          string(name),
		Description:   string(desc),
	}, nil
}

// ReadByName scans for the first action descriptor with the given name,
// matching description_read_name.
func (r *Reader) ReadByName(name string) (ActionDesc, *kernel.Error) {
	all, err := r.ReadAll()
	if err != nil {
		return ActionDesc{}, err
	}
	for _, ad := range all {
		if ad.Name == name {
			return ad, nil
		}
	}
	return ActionDesc{}, errActionNotFound
}

// ReadByNumber scans for the first action descriptor with the given action
// number, matching description_read_number.
func (r *Reader) ReadByNumber(number uintptr) (ActionDesc, *kernel.Error) {
	all, err := r.ReadAll()
	if err != nil {
		return ActionDesc{}, err
	}
	for _, ad := range all {
		if ad.Number == number {
			return ad, nil
		}
	}
	return ActionDesc{}, errActionNotFound
}
