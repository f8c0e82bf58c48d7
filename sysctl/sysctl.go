// Package sysctl implements the create/bind control plane: the one place in
// the kernel that turns a create or bind request into a registered
// automaton.Create/automaton.Bind call. Every request is authorized first,
// matching create_auth.c and bind_auth.c in spirit: a request is computed
// into a response immediately, the response is queued, and a later drain
// delivers it to whichever automaton is waiting on it. Nothing here runs the
// response's delivery through the scheduler directly -- that belongs to
// whatever output action the boot sequence binds to DrainCreateResponse /
// DrainBindResponse, the way ca_response/ba_response bind to the queue drain
// in the original. The wire shapes of the requests and responses themselves
// live in lily/sysctl/authproto.
package sysctl

import (
	"lily/automaton"
	"lily/kernel"
	"lily/kernel/mm"
	"lily/kernel/mm/pmm"
	"lily/kernel/mm/vmm"
	"lily/sysctl/authproto"
)

// Authorizer decides whether a create or bind request is granted. The
// default, AuthorizeAll, grants every request -- matching create_auth.c's
// and bind_auth.c's own placeholder policy, both stamped with the same
// "for now, we will authorize everything" comment -- so installing a real
// policy only ever means supplying a different Authorizer, never touching
// the queue mechanics below.
type Authorizer interface {
	AuthorizeCreate(requesterAID int, privilege automaton.Privilege) bool
	AuthorizeBind(role authproto.BindRole, party int, binding authproto.Binding) bool
}

type allowAll struct{}

func (allowAll) AuthorizeCreate(int, automaton.Privilege) bool { return true }
func (allowAll) AuthorizeBind(authproto.BindRole, int, authproto.Binding) bool {
	return true
}

// AuthorizeAll is the default Authorizer installed by NewController(nil).
var AuthorizeAll Authorizer = allowAll{}

// initPDTFn wraps vmm.PageDirectoryTable.Init behind a seam, the same way
// buffer_map.go stands its vmm calls behind function variables: Init reads
// the live CR3 register via cpu.ActivePDT on a mismatch, so a hosted test
// of RequestCreate must be able to replace it with a fake.
var initPDTFn = func(pdtFrame mm.Frame) (vmm.PageDirectoryTable, *kernel.Error) {
	var pdt vmm.PageDirectoryTable
	err := pdt.Init(pdtFrame)
	return pdt, err
}

var (
	errNotOwner      = &kernel.Error{Module: "sysctl", Message: "only an automaton's owner may destroy it"}
	errUnknownTarget = &kernel.Error{Module: "sysctl", Message: "unknown automaton"}
)

// CreateResponse is the queued outcome of one create request, grounded on
// create_auth_t's ca_response_t together with system_msg.h's
// sa_create_response_t: a pending list of (requester, outcome, aid) tuples
// waiting to be handed back as an output value.
type CreateResponse struct {
	RequesterAID int
	Outcome      authproto.CreateOutcome
	AID          int
}

// BindResponse is the queued outcome of one bind request, grounded on
// bind_auth_t's ba_response_t together with system_msg.h's
// sa_bind_response_t.
type BindResponse struct {
	RequesterAID int
	Outcome      authproto.BindOutcome
	BindingID    int
}

// Controller is the create/bind control plane. One Controller serves the
// whole kernel; the system automaton's create and bind input actions are
// the only callers of RequestCreate/RequestBind.
type Controller struct {
	authorizer Authorizer

	createResponses []CreateResponse
	bindResponses   []BindResponse
}

// NewController returns a Controller governed by authorizer. A nil
// authorizer installs AuthorizeAll.
func NewController(authorizer Authorizer) *Controller {
	if authorizer == nil {
		authorizer = AuthorizeAll
	}
	return &Controller{authorizer: authorizer}
}

// RequestCreate authorizes a create request from requesterAID and, if
// granted, allocates a root page table frame, initializes it, and registers
// a new automaton owned by requesterAID. Either way the outcome is queued
// rather than returned, since the real caller is another automaton and can
// only learn the result through a bound input action once the queue drains.
func (c *Controller) RequestCreate(requesterAID int, privilege automaton.Privilege, stackPointer, addrBase, addrLimit uintptr) {
	_, resp := c.createAutomaton(requesterAID, privilege, stackPointer, addrBase, addrLimit)
	c.createResponses = append(c.createResponses, resp)
}

// createAutomaton runs the authorize -> allocate root page table -> register
// sequence shared by RequestCreate and RequestCreateFromImage. It returns
// the new aid (0 on any failure) alongside the CreateResponse the caller
// queues; RequestCreateFromImage additionally gets to inspect the aid before
// that response reaches the queue, so it can roll a failed image load back
// into a CreateInvalid outcome instead of leaving a half-loaded automaton
// registered.
func (c *Controller) createAutomaton(requesterAID int, privilege automaton.Privilege, stackPointer, addrBase, addrLimit uintptr) (int, CreateResponse) {
	resp := CreateResponse{RequesterAID: requesterAID, Outcome: authproto.CreateNotAuthorized}

	if !c.authorizer.AuthorizeCreate(requesterAID, privilege) {
		return 0, resp
	}

	frame, err := pmm.Alloc()
	if err != nil {
		resp.Outcome = authproto.CreateInvalid
		return 0, resp
	}

	pdt, err := initPDTFn(frame)
	if err != nil {
		_ = pmm.Release(frame)
		resp.Outcome = authproto.CreateInvalid
		return 0, resp
	}

	aid, err := automaton.Create(requesterAID, privilege, pdt, stackPointer, addrBase, addrLimit)
	if err != nil {
		resp.Outcome = authproto.CreateInvalid
		return 0, resp
	}

	resp.Outcome = authproto.CreateSuccess
	resp.AID = aid
	return aid, resp
}

// PendingCreateResponse reports whether a response is waiting to be
// delivered, mirroring the precondition create_auth_schedule checks before
// self-scheduling its response action.
func (c *Controller) PendingCreateResponse() bool { return len(c.createResponses) > 0 }

// DrainCreateResponse removes and returns the oldest queued create
// response. The system automaton's create-response output action calls
// this each time it runs.
func (c *Controller) DrainCreateResponse() (CreateResponse, bool) {
	if len(c.createResponses) == 0 {
		return CreateResponse{}, false
	}
	resp := c.createResponses[0]
	c.createResponses = c.createResponses[1:]
	return resp, true
}

// RequestBind authorizes a bind request from requesterAID naming output and
// input, and if all three parties -- the requester, the automaton that owns
// output, and the automaton that owns input -- grant it, installs the
// binding. Any single veto fails the whole request; the outcome, either
// way, is queued the same as RequestCreate's.
func (c *Controller) RequestBind(requesterAID int, output, input automaton.Tuple) {
	binding := authproto.Binding{
		OutputAID:       output.AID,
		OutputAction:    output.Entry,
		OutputParameter: output.Parameter,
		InputAID:        input.AID,
		InputAction:     input.Entry,
		InputParameter:  input.Parameter,
		OwnerAID:        requesterAID,
	}
	resp := BindResponse{RequesterAID: requesterAID, Outcome: authproto.BindNotAuthorized}

	switch {
	case !c.authorizer.AuthorizeBind(authproto.RoleOwner, requesterAID, binding):
		c.bindResponses = append(c.bindResponses, resp)
		return
	case !c.authorizer.AuthorizeBind(authproto.RoleOutput, output.AID, binding):
		c.bindResponses = append(c.bindResponses, resp)
		return
	case !c.authorizer.AuthorizeBind(authproto.RoleInput, input.AID, binding):
		c.bindResponses = append(c.bindResponses, resp)
		return
	}

	bindingID, err := automaton.Bind(requesterAID, output, input)
	if err != nil {
		resp.Outcome = authproto.BindAlreadyBound
		c.bindResponses = append(c.bindResponses, resp)
		return
	}

	resp.Outcome = authproto.BindSuccess
	resp.BindingID = bindingID
	c.bindResponses = append(c.bindResponses, resp)
}

// PendingBindResponse reports whether a bind response is waiting to be
// delivered.
func (c *Controller) PendingBindResponse() bool { return len(c.bindResponses) > 0 }

// DrainBindResponse removes and returns the oldest queued bind response.
func (c *Controller) DrainBindResponse() (BindResponse, bool) {
	if len(c.bindResponses) == 0 {
		return BindResponse{}, false
	}
	resp := c.bindResponses[0]
	c.bindResponses = c.bindResponses[1:]
	return resp, true
}

// DestroyAutomaton removes the automaton named by targetAID on behalf of
// requesterAID, which must be its owner. Unlike create and bind, destroy
// has no third party to veto it -- the original system has no destroy_auth
// counterpart -- so the only check is ownership, enforced synchronously
// rather than through the response queue.
func (c *Controller) DestroyAutomaton(requesterAID, targetAID int) *kernel.Error {
	target := automaton.Lookup(targetAID)
	if target == nil {
		return errUnknownTarget
	}
	if target.Owner() != requesterAID {
		return errNotOwner
	}
	return automaton.Destroy(targetAID)
}
