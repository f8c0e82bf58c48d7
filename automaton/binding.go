package automaton

import "lily/kernel"

var (
	errUnknownBinding  = &kernel.Error{Module: "automaton", Message: "unknown binding id"}
	errDuplicateBind   = &kernel.Error{Module: "automaton", Message: "binding already exists for this 6-tuple"}
	errNotOutputAction = &kernel.Error{Module: "automaton", Message: "output half of a binding must name an output action"}
	errNotInputAction  = &kernel.Error{Module: "automaton", Message: "input half of a binding must name an input action"}
)

// Tuple names one action invocation: the automaton it belongs to, its entry
// address, and the parameter it is bound with.
type Tuple struct {
	AID       int
	Entry     uintptr
	Parameter int
}

// binding is a single output->input link. Two bindings are equal iff every
// field of both tuples matches (the owner is not compared); Bind rejects an
// exact duplicate.
type binding struct {
	id     int
	owner  int
	output Tuple
	input  Tuple
}

var (
	bindingsByOutput = make(map[Tuple][]*binding)
	bindingByID      = make(map[int]*binding)
	nextBindingID    = 1
)

// Bind installs a link from the output tuple to the input tuple, owned by
// owner, and returns a binding id that Unbind can later remove. Both
// endpoints must already be registered with the matching action kind; an
// exact repeat of the same 6-tuple fails.
func Bind(owner int, output, input Tuple) (int, *kernel.Error) {
	outDesc, err := ActionOf(output.AID, output.Entry)
	if err != nil {
		return 0, err
	}
	if outDesc.Kind != Output {
		return 0, errNotOutputAction
	}

	inDesc, err := ActionOf(input.AID, input.Entry)
	if err != nil {
		return 0, err
	}
	if inDesc.Kind != Input {
		return 0, errNotInputAction
	}

	// Two bindings are equal iff their (output, input) 6-tuple matches;
	// the owner is accountability metadata, not part of the identity.
	for _, b := range bindingsByOutput[output] {
		if b.input == input {
			return 0, errDuplicateBind
		}
	}

	b := &binding{id: nextBindingID, owner: owner, output: output, input: input}
	nextBindingID++
	bindingsByOutput[output] = append(bindingsByOutput[output], b)
	bindingByID[b.id] = b
	return b.id, nil
}

// InputsFor returns the input tuples currently bound to output, in bind
// order, for the scheduler's output fan-out delivery.
func InputsFor(output Tuple) []Tuple {
	list := bindingsByOutput[output]
	if len(list) == 0 {
		return nil
	}
	out := make([]Tuple, len(list))
	for i, b := range list {
		out[i] = b.input
	}
	return out
}

// Unbind removes the binding identified by id.
func Unbind(id int) *kernel.Error {
	b, ok := bindingByID[id]
	if !ok {
		return errUnknownBinding
	}
	delete(bindingByID, id)
	removeBindingFromOutput(b)
	return nil
}

func removeBindingFromOutput(b *binding) {
	list := bindingsByOutput[b.output]
	for i, cand := range list {
		if cand.id == b.id {
			bindingsByOutput[b.output] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// purgeBindingsFor drops every binding naming aid as output automaton, input
// automaton or owner, called when aid is destroyed.
func purgeBindingsFor(aid int) {
	for output, list := range bindingsByOutput {
		kept := list[:0]
		for _, b := range list {
			if b.output.AID == aid || b.input.AID == aid || b.owner == aid {
				delete(bindingByID, b.id)
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			delete(bindingsByOutput, output)
		} else {
			bindingsByOutput[output] = kept
		}
	}
}
