// Package cpio parses the "new ASCII" cpio archive format (magic "070701"
// or "070702") used to ship a filesystem image as a single buffer, mirroring
// cpio.c's sequential, one-entry-at-a-time parser: every header and its name
// and data are 4-byte aligned, and a special "TRAILER!!!" entry name marks
// the end of the archive rather than a real file.
package cpio

import (
	"lily/kernel"
	"lily/support/bufferfile"
)

// headerSize is the width of the fixed ASCII-hex cpio header: a 6-byte
// magic followed by thirteen 8-byte hex fields.
const headerSize = 6 + 13*8

const (
	offInode      = 6
	offMode       = offInode + 8
	offUID        = offMode + 8
	offGID        = offUID + 8
	offNlink      = offGID + 8
	offMtime      = offNlink + 8
	offFilesize   = offMtime + 8
	offDevMajor   = offFilesize + 8
	offDevMinor   = offDevMajor + 8
	offRdevMajor  = offDevMinor + 8
	offRdevMinor  = offRdevMajor + 8
	offNamesize   = offRdevMinor + 8
	offChecksum   = offNamesize + 8
)

var (
	errBadMagic          = &kernel.Error{Module: "cpio", Message: "bad cpio magic number"}
	errNameNotTerminated = &kernel.Error{Module: "cpio", Message: "entry name is not null-terminated"}
)

// trailerName is the sentinel entry cpio writers append to mark the end of
// an archive.
const trailerName = "TRAILER!!!"

// File is one regular file extracted from an archive.
type File struct {
	Name string
	Mode uint32
	Data []byte
}

// Archive reads entries out of a cpio image held in a buffer, one at a time.
type Archive struct {
	bf *bufferfile.File
}

// NewArchive opens bd read-only for parsing, mapped into aid's address
// space, matching cpio_archive_init.
func NewArchive(bd, aid int) (*Archive, *kernel.Error) {
	bf, err := bufferfile.OpenReader(bd, aid)
	if err != nil {
		return nil, err
	}
	return &Archive{bf: bf}, nil
}

func alignUp4(pos uintptr) uintptr {
	return (pos + 3) &^ 3
}

func fromHex(s []byte) uint32 {
	var v uint32
	for i := 0; i < 8; i++ {
		v <<= 4
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		}
	}
	return v
}

// Next returns the next regular file in the archive. It returns (nil, nil)
// once the trailer entry is reached, matching cpio_archive_next_file's
// "done" return of a null pointer with no error distinct from a genuine
// parse failure.
func (a *Archive) Next() (*File, *kernel.Error) {
	a.bf.Seek(alignUp4(a.bf.Position()))

	header, err := a.bf.ReadP(headerSize)
	if err != nil {
		return nil, err
	}

	magic := string(header[0:6])
	if magic != "070701" && magic != "070702" {
		return nil, errBadMagic
	}

	filesize := fromHex(header[offFilesize : offFilesize+8])
	namesize := fromHex(header[offNamesize : offNamesize+8])
	mode := fromHex(header[offMode : offMode+8])

	nameBytes, err := a.bf.ReadP(uintptr(namesize))
	if err != nil {
		return nil, err
	}
	if namesize == 0 || nameBytes[namesize-1] != 0 {
		return nil, errNameNotTerminated
	}
	name := string(nameBytes[:namesize-1])

	a.bf.Seek(alignUp4(a.bf.Position()))

	data, err := a.bf.ReadP(uintptr(filesize))
	if err != nil {
		return nil, err
	}

	if name == trailerName {
		return nil, nil
	}

	return &File{Name: name, Mode: mode, Data: data}, nil
}

// ReadAll drains every regular file out of the archive in order.
func (a *Archive) ReadAll() ([]*File, *kernel.Error) {
	var files []*File
	for {
		f, err := a.Next()
		if err != nil {
			return nil, err
		}
		if f == nil {
			return files, nil
		}
		files = append(files, f)
	}
}
