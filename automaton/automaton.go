// Package automaton implements the process-wide automaton and action
// registry: a table mapping aid to automaton record, each automaton's
// own action-descriptor table, and the binding multimap wiring output
// actions to the input actions they fan out to.
package automaton

import (
	"lily/kernel"
	"lily/kernel/mm/vmm"
)

// Privilege is the ring an automaton's actions execute at.
type Privilege uint8

const (
	Ring0 Privilege = iota
	Ring3
)

// Kind classifies an action descriptor.
type Kind uint8

const (
	Input Kind = iota
	Output
	Internal
)

// ParameterMode describes how the kernel supplies an action's parameter.
type ParameterMode uint8

const (
	NoParameter ParameterMode = iota
	Parameter
	AutoParameter
)

// maxCopyValueSize bounds the copy-value an action descriptor may declare;
// larger values are rejected at registration time rather than at dispatch.
const maxCopyValueSize = 512

var (
	errUnknownAutomaton  = &kernel.Error{Module: "automaton", Message: "unknown aid"}
	errActionExists      = &kernel.Error{Module: "automaton", Message: "an action is already registered at this entry address"}
	errUnknownAction     = &kernel.Error{Module: "automaton", Message: "no action registered at this entry address"}
	errCopyValueTooLarge = &kernel.Error{Module: "automaton", Message: "copy-value size exceeds the per-action limit"}
	errActionNameNotFound = &kernel.Error{Module: "automaton", Message: "no action registered under this name"}
)

// ActionDescriptor is immutable once registered: kind, parameter mode,
// copy-value size and buffer-value flag never change for a given
// (aid, entry) pair.
type ActionDescriptor struct {
	Entry          uintptr
	Kind           Kind
	ParameterMode  ParameterMode
	CopyValueSize  uintptr
	HasBufferValue bool
	Name           string
}

// Automaton is one entry of the registry: privilege, root page table,
// fixed stack pointer, VMA list and action table.
type Automaton struct {
	aid       int
	owner     int
	privilege Privilege

	pdt          vmm.PageDirectoryTable
	addressSpace *vmm.AddressSpace
	stackPointer uintptr

	actions map[uintptr]*ActionDescriptor
}

func (a *Automaton) AID() int                        { return a.aid }
func (a *Automaton) Owner() int                       { return a.owner }
func (a *Automaton) Privilege() Privilege             { return a.privilege }
func (a *Automaton) AddressSpace() *vmm.AddressSpace  { return a.addressSpace }
func (a *Automaton) StackPointer() uintptr            { return a.stackPointer }
func (a *Automaton) PageDirectory() vmm.PageDirectoryTable { return a.pdt }

var (
	automata = make(map[int]*Automaton)
	nextAID  = 0
)

// allocAID walks a cursor over the dense aid space, skipping live entries,
// and wraps back to 0 on overflow -- the same scheme system_automaton.c
// used for its next_aid cursor.
func allocAID() int {
	for {
		if _, live := automata[nextAID]; !live {
			aid := nextAID
			nextAID++
			if nextAID < 0 {
				nextAID = 0
			}
			return aid
		}
		nextAID++
		if nextAID < 0 {
			nextAID = 0
		}
	}
}

// Create registers a new automaton with a freshly allocated aid, an empty
// VMA list spanning [addrBase, addrLimit), and the supplied page directory
// table, which the caller (the create control plane, see lily/sysctl) has
// already bootstrapped via vmm.PageDirectoryTable.Init. owner is the aid of
// the automaton responsible for eventually issuing its destroy request; pass
// -1 for the system automaton, which is bootstrapped rather than created.
func Create(owner int, privilege Privilege, pdt vmm.PageDirectoryTable, stackPointer, addrBase, addrLimit uintptr) (int, *kernel.Error) {
	a := &Automaton{
		owner:        owner,
		privilege:    privilege,
		pdt:          pdt,
		addressSpace: vmm.NewAddressSpace(addrBase, addrLimit),
		stackPointer: stackPointer,
		actions:      make(map[uintptr]*ActionDescriptor),
	}

	a.aid = allocAID()
	automata[a.aid] = a
	return a.aid, nil
}

// Lookup returns the Automaton for aid, or nil if it does not exist.
func Lookup(aid int) *Automaton {
	return automata[aid]
}

// RegisterAction installs an action descriptor at entry for aid. Descriptors
// are immutable once registered and a second registration at the same entry
// address fails, as does a copy-value size over the per-action limit.
func RegisterAction(aid int, entry uintptr, kind Kind, mode ParameterMode, copyValueSize uintptr, hasBufferValue bool, name string) *kernel.Error {
	a, ok := automata[aid]
	if !ok {
		return errUnknownAutomaton
	}
	if _, exists := a.actions[entry]; exists {
		return errActionExists
	}
	if copyValueSize > maxCopyValueSize {
		return errCopyValueTooLarge
	}

	a.actions[entry] = &ActionDescriptor{
		Entry:          entry,
		Kind:           kind,
		ParameterMode:  mode,
		CopyValueSize:  copyValueSize,
		HasBufferValue: hasBufferValue,
		Name:           name,
	}
	return nil
}

// ActionOf returns the action descriptor registered at entry for aid.
func ActionOf(aid int, entry uintptr) (*ActionDescriptor, *kernel.Error) {
	a, ok := automata[aid]
	if !ok {
		return nil, errUnknownAutomaton
	}
	desc, ok := a.actions[entry]
	if !ok {
		return nil, errUnknownAction
	}
	return desc, nil
}

// ActionByName scans aid's action table for an action registered under
// name, the table being keyed by entry address rather than name. A newly
// loaded automaton image registers its actions in whatever order its
// description table lists them in, so its init action's entry address is
// only ever known by looking it up by name this way.
func ActionByName(aid int, name string) (*ActionDescriptor, *kernel.Error) {
	a, ok := automata[aid]
	if !ok {
		return nil, errUnknownAutomaton
	}
	for _, desc := range a.actions {
		if desc.Name == name {
			return desc, nil
		}
	}
	return nil, errActionNameNotFound
}

// Destroy removes aid from the registry along with every binding in which it
// participates as output automaton, input automaton or owner -- preserving
// the invariant that a live binding's endpoints and owner are always live.
func Destroy(aid int) *kernel.Error {
	if _, ok := automata[aid]; !ok {
		return errUnknownAutomaton
	}
	delete(automata, aid)
	purgeBindingsFor(aid)
	return nil
}
