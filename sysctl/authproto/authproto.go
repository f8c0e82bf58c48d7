// Package authproto defines the wire shapes exchanged between the create/
// bind control plane and the authorization automata it consults:
// create-request/response and bind-request/response pairs, plus the
// binding 7-tuple and outcome enums they carry. The spec treats the
// authorization automaton itself as an external collaborator, but the
// shape of the messages the control plane sends it is part of the
// control plane's own contract, so it lives here rather than in an
// external stub.
//
// Grounded on system_msg.h's sa_create_request_t/sa_ca_request_t/
// sa_ca_response_t and sa_binding_t/sa_ba_request_t/sa_ba_response_t
// families; field order and enum values are kept identical to the
// originals so a trace of one can be read against the other.
package authproto

// CreateRequest names what a create request asks the control plane to
// build: a text image buffer, two argument buffers, whether the caller
// wants to retain privilege over the result, and the aid that will own it.
type CreateRequest struct {
	TextBID         int
	BDA             int
	BDB             int
	RetainPrivilege bool
	OwnerAID        int
}

// CreateOutcome reports why a create request did or did not succeed.
type CreateOutcome uint8

const (
	CreateSuccess CreateOutcome = iota
	CreateNotAuthorized
	CreateInvalid
	CreateBufferDoesNotExist
)

// CreateResult is the final, fully-resolved outcome of a create request,
// delivered to the requester once the control plane has both authorized
// and attempted the creation.
type CreateResult struct {
	Outcome CreateOutcome
}

// CreateAuthRequest is what the control plane forwards to the
// authorization automaton; it carries no fields of its own today, matching
// sa_ca_request_t, because every detail an authorization policy might
// someday need is already implicit in which automaton is asking.
type CreateAuthRequest struct{}

// CreateAuthResponse is the authorization automaton's verdict on a
// CreateAuthRequest.
type CreateAuthResponse struct {
	Authorized bool
}

// Binding names the output half, the input half, and the owner of a
// binding -- the same 7-tuple sa_binding_t carries, spelled out as
// (aid, action entry, parameter) pairs instead of raw numbers.
type Binding struct {
	OutputAID       int
	OutputAction    uintptr
	OutputParameter int
	InputAID        int
	InputAction     uintptr
	InputParameter  int
	OwnerAID        int
}

// BindRole identifies which of the three bound parties an authorization
// request or response concerns. Values are kept in the original's
// SA_BIND_INPUT/SA_BIND_OUTPUT/SA_BIND_OWNER order.
type BindRole uint8

const (
	RoleInput BindRole = iota
	RoleOutput
	RoleOwner
)

// BindOutcome reports why a bind request did or did not succeed.
type BindOutcome uint8

const (
	BindSuccess BindOutcome = iota
	BindOutputAIDDoesNotExist
	BindInputAIDDoesNotExist
	BindOutputActionDoesNotExist
	BindInputActionDoesNotExist
	BindSameAction
	BindAlreadyBound
	BindNotAuthorized
)

// BindRequest is what a client submits to request a new binding.
type BindRequest struct {
	Binding Binding
}

// BindAuthRequest is what the control plane forwards to the authorization
// automaton on behalf of one of the three roles.
type BindAuthRequest struct {
	Binding Binding
	Role    BindRole
}

// BindAuthResponse is the authorization automaton's verdict for one role.
type BindAuthResponse struct {
	Binding    Binding
	Role       BindRole
	Authorized bool
}

// BindResult is the final, fully-resolved outcome of a bind request,
// broken out per role so a caller can tell which party (if any) vetoed it.
type BindResult struct {
	Binding Binding
	Role    BindRole
	Outcome BindOutcome
}

// BindResponse is the bind outcome delivered back to the requester, once
// every role's authorization has been resolved.
type BindResponse struct {
	Binding Binding
	Outcome BindOutcome
}
