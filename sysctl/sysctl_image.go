package sysctl

import (
	"bytes"
	"lily/automaton"
	"lily/buffer"
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/pmm"
	"lily/kernel/mm/vmm"
	"lily/sched"
	"lily/support/argv"
	"lily/support/bufferfile"
	"lily/support/cpio"
	"lily/support/description"
	"lily/sysctl/authproto"
	"unsafe"
)

var (
	// imgMapTemporaryFn/imgUnmapFn stand vmm's hardware-backed temporary
	// mapping behind a seam, the same way buffer_map.go does for lily/buffer:
	// mapSegment writes segment bytes into frames that are not yet installed
	// in any page table, so it needs a scratch virtual address to write
	// through, and a hosted test cannot establish a real one.
	imgMapTemporaryFn = vmm.MapTemporary
	imgUnmapFn        = vmm.Unmap

	// pdtMapFn is PageDirectoryTable.Map as a method expression: unlike the
	// package-level vmm.Map, it supports installing entries into a PDT that
	// is not the currently active one, which is exactly the case for an
	// automaton created by RequestCreateFromImage that has not been
	// scheduled yet. It is its own seam for the same reason as the two
	// above -- the real implementation walks recursively-mapped page table
	// addresses that do not exist under a hosted test.
	pdtMapFn = vmm.PageDirectoryTable.Map
)

const (
	imageEntryText    = "text"
	imageEntryRodata  = "rodata"
	imageEntryData    = "data"
	imageEntryActions = "actions"
	imageEntryArgv    = "argv"

	// initActionName is the name a loaded image's entry action must be
	// registered under; RequestCreateFromImage schedules whichever entry
	// address the image's own action table associates with this name.
	initActionName = "init"
)

var (
	errImageNoActions    = &kernel.Error{Module: "sysctl", Message: "image carries no \"actions\" entry"}
	errImageNoInitAction = &kernel.Error{Module: "sysctl", Message: "image does not register an action named \"init\""}
)

// RequestCreateFromImage authorizes a create request the same way
// RequestCreate does, then loads a cpio automaton image out of imageBD --
// mapped into requesterAID's own address space just long enough to parse it
// -- into the newly created automaton: its "text", "rodata" and "data"
// entries become mapped segments starting at addrBase, its "actions" entry
// becomes the automaton's registered action table, and its "argv" entry, if
// present, becomes the argument list its init action is scheduled with. A
// failure at any stage of the load destroys the automaton rather than
// leaving it half-registered, and the queued response reports
// CreateInvalid the same way a failed page table allocation does.
func (c *Controller) RequestCreateFromImage(requesterAID int, privilege automaton.Privilege, stackPointer, addrBase, addrLimit uintptr, imageBD int) {
	aid, resp := c.createAutomaton(requesterAID, privilege, stackPointer, addrBase, addrLimit)
	if resp.Outcome != authproto.CreateSuccess {
		c.createResponses = append(c.createResponses, resp)
		return
	}

	target := automaton.Lookup(aid)
	if err := loadImage(requesterAID, target, imageBD, addrBase); err != nil {
		_ = automaton.Destroy(aid)
		resp.Outcome = authproto.CreateInvalid
		resp.AID = 0
	}

	c.createResponses = append(c.createResponses, resp)
}

// loadImage parses the cpio archive in imageBD and installs its contents
// into target. Any failure leaves the caller to roll target back entirely
// rather than trying to undo individual segments or actions.
func loadImage(requesterAID int, target *automaton.Automaton, imageBD int, addrBase uintptr) *kernel.Error {
	ar, err := cpio.NewArchive(imageBD, requesterAID)
	if err != nil {
		return err
	}
	files, err := ar.ReadAll()
	if err != nil {
		return err
	}

	byName := make(map[string]*cpio.File, len(files))
	for _, f := range files {
		byName[f.Name] = f
	}

	cursor := addrBase
	for _, name := range [...]string{imageEntryText, imageEntryRodata, imageEntryData} {
		f, ok := byName[name]
		if !ok {
			continue
		}
		if err := mapSegment(target, cursor, f.Data, segmentFlags(name)); err != nil {
			return err
		}
		cursor += pageRoundUp(uintptr(len(f.Data)))
	}

	actions, ok := byName[imageEntryActions]
	if !ok {
		return errImageNoActions
	}
	if err := loadActions(requesterAID, target, actions); err != nil {
		return err
	}

	return scheduleInit(target, byName[imageEntryArgv])
}

// segmentFlags returns the PTE flags appropriate for one of the three
// segment entries an image may carry, mirroring the three-way
// executable/writable/read-only split setupPDTForKernel applies to the
// kernel's own ELF sections.
func segmentFlags(name string) vmm.PageTableEntryFlag {
	switch name {
	case imageEntryText:
		return vmm.FlagPresent | vmm.FlagUserAccessible
	case imageEntryData:
		return vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible | vmm.FlagNoExecute
	default: // rodata
		return vmm.FlagPresent | vmm.FlagUserAccessible | vmm.FlagNoExecute
	}
}

func pageRoundUp(n uintptr) uintptr {
	return (n + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

// mapSegment allocates one frame per page of data, copies data into each
// frame through a temporary mapping, installs the frames in target's own
// page directory table via pdtMapFn -- which works whether or not target's
// table is the one currently active -- and records the whole page-rounded
// span as a vmm.AreaMapped VMArea in target's address space, the same
// AreaKind buffer.Map uses for a mapping whose frames the caller supplies
// rather than something HandleFault should ever demand-page on its own.
func mapSegment(target *automaton.Automaton, addr uintptr, data []byte, flags vmm.PageTableEntryFlag) *kernel.Error {
	if len(data) == 0 {
		return nil
	}

	pdt := target.PageDirectory()
	pages := (uintptr(len(data)) + mm.PageSize - 1) / mm.PageSize
	startPage := mm.PageFromAddress(addr)

	for i := uintptr(0); i < pages; i++ {
		frame, err := pmm.Alloc()
		if err != nil {
			return err
		}

		tmp, err := imgMapTemporaryFn(frame)
		if err != nil {
			_ = pmm.Release(frame)
			return err
		}

		offset := i * mm.PageSize
		n := uintptr(len(data)) - offset
		if n > mm.PageSize {
			n = mm.PageSize
		}
		kernel.Memset(tmp.Address(), 0, mm.PageSize)
		kernel.Memcopy(uintptr(unsafe.Pointer(&data[offset])), tmp.Address(), n)
		_ = imgUnmapFn(tmp)

		if err := pdtMapFn(pdt, startPage+mm.Page(i), frame, flags); err != nil {
			return err
		}
	}

	span := pages * mm.PageSize
	return target.AddressSpace().InsertArea(addr, addr+span, vmm.AreaMapped, flags)
}

// loadActions parses the image's "actions" entry -- itself a
// support/description-formatted table -- by copying its bytes into a
// scratch buffer mapped into requesterAID's address space, and registers
// every descriptor it contains against target.
func loadActions(requesterAID int, target *automaton.Automaton, f *cpio.File) *kernel.Error {
	bd, err := bufferFromBytes(requesterAID, f.Data)
	if err != nil {
		return err
	}
	defer func() { _ = buffer.Destroy(bd) }()

	r, err := description.NewReader(bd, requesterAID)
	if err != nil {
		return err
	}
	descs, err := r.ReadAll()
	if err != nil {
		return err
	}

	for _, d := range descs {
		if err := automaton.RegisterAction(target.AID(), d.Number, automaton.Kind(d.Type), automaton.ParameterMode(d.ParameterMode), 0, false, d.Name); err != nil {
			return err
		}
	}
	return nil
}

// scheduleInit looks up target's "init" action by name and schedules it,
// first writing argvEntry's bytes -- a plain NUL-separated argument list,
// not the two-buffer (index, data) wire format support/argv otherwise
// reads and writes -- into a fresh support/argv.Writer in target's own
// address space if an argv entry was present. The writer's index and data
// buffer ids are always sequential (lily/buffer hands out bids from a
// single global, non-interleaved counter and nothing else can call
// buffer.Create in between), so the index bid alone is enough for init to
// recover both: the data bid is always indexBD+1.
func scheduleInit(target *automaton.Automaton, argvEntry *cpio.File) *kernel.Error {
	desc, err := automaton.ActionByName(target.AID(), initActionName)
	if err != nil {
		return errImageNoInitAction
	}

	parameter := -1
	if argvEntry != nil && len(argvEntry.Data) > 0 {
		w, err := argv.NewWriter(target.AID())
		if err != nil {
			return err
		}
		for _, arg := range bytes.Split(bytes.Trim(argvEntry.Data, "\x00"), []byte{0}) {
			if len(arg) == 0 {
				continue
			}
			if err := w.Append(string(arg)); err != nil {
				return err
			}
		}
		indexBD, _ := w.Bids()
		parameter = indexBD
	}

	return sched.Schedule(target.AID(), desc.Entry, parameter)
}

// bufferFromBytes allocates a fresh buffer sized to hold data, writes data
// into it through a bufferfile.File, and returns its bid, leaving the
// buffer unmapped -- the caller reopens it for reading through whichever
// support package understands its contents.
func bufferFromBytes(aid int, data []byte) (int, *kernel.Error) {
	bf, err := bufferfile.Create(aid)
	if err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if _, err := bf.Write(data); err != nil {
			return 0, err
		}
	}
	if err := bf.Close(); err != nil {
		return 0, err
	}
	return bf.BD(), nil
}
