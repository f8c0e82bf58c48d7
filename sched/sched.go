// Package sched implements the single-CPU cooperative scheduler: a FIFO
// ready queue of (aid, action entry, parameter) entries, one pending entry
// per automaton, and the output->bound-inputs fan-out delivery that runs
// when an output action finishes with a produced value.
package sched

import (
	"lily/automaton"
	"lily/buffer"
	"lily/kernel"
	"lily/kernel/sync"
)

var errActionNotOwned = &kernel.Error{Module: "sched", Message: "action is not owned by the calling automaton"}

// schedulerContext is the per-automaton membership record: at most one
// pending ready-queue entry per automaton, exactly as scheduler.c's
// scheduler_context_t holds a single (action_entry_point, parameter) pair
// and a SCHEDULED/NOT_SCHEDULED status. Re-scheduling an automaton that is
// already pending overwrites the pending entry rather than appending a
// second one.
type schedulerContext struct {
	aid       int
	tuple     automaton.Tuple
	scheduled bool
}

var (
	// lock protects queue and the scheduled/tuple fields of every context:
	// the dispatch loop and a hardware interrupt handler delivering a
	// system input can both reach Schedule/Finish.
	lock sync.Spinlock

	contexts = make(map[int]*schedulerContext)
	queue    []*schedulerContext
	current  *schedulerContext
)

func contextFor(aid int) *schedulerContext {
	ctx, ok := contexts[aid]
	if !ok {
		ctx = &schedulerContext{aid: aid}
		contexts[aid] = ctx
	}
	return ctx
}

func enqueue(t automaton.Tuple) {
	lock.Acquire()
	defer lock.Release()

	ctx := contextFor(t.AID)
	ctx.tuple = t
	if !ctx.scheduled {
		ctx.scheduled = true
		queue = append(queue, ctx)
	}
}

// Schedule adds (entry, parameter) as the calling automaton's pending
// ready-queue entry. entry must already be a registered action of
// callerAID; otherwise the action is "not owned by the caller".
func Schedule(callerAID int, entry uintptr, parameter int) *kernel.Error {
	if _, err := automaton.ActionOf(callerAID, entry); err != nil {
		return errActionNotOwned
	}
	enqueue(automaton.Tuple{AID: callerAID, Entry: entry, Parameter: parameter})
	return nil
}

// Remove cancels callerAID's pending entry if it exactly matches entry and
// parameter. A no-op if no such entry is queued -- cancellation is never an
// error, only ever a best-effort request to preempt a not-yet-run entry.
func Remove(callerAID int, entry uintptr, parameter int) {
	lock.Acquire()
	defer lock.Release()

	ctx, ok := contexts[callerAID]
	if !ok || !ctx.scheduled || ctx.tuple.Entry != entry || ctx.tuple.Parameter != parameter {
		return
	}
	ctx.scheduled = false
	for i, c := range queue {
		if c == ctx {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
}

// Finish completes the entry currently running on callerAID. selfNext, if
// non-nil, is scheduled on callerAID the same way Schedule would. When the
// finishing action was an output (isOutput) that produced a copy value
// and/or a buffer (bid >= 0), every action currently bound to
// (callerAID, outputEntry, outputParameter) receives the value: the buffer
// gains one reference per bound input and the ready entry for that input is
// enqueued. An output that fires without a value, or an internal action,
// delivers nothing, matching §4.E of the scheduling model.
//
// Finish returns the next entry the dispatcher should run, or ok=false if
// the ready queue is empty (the CPU should halt until an interrupt enqueues
// new work).
func Finish(callerAID int, outputEntry uintptr, outputParameter int, isOutput, hasCopyValue bool, bid int, selfNext *automaton.Tuple) (automaton.Tuple, bool) {
	if selfNext != nil {
		enqueue(automaton.Tuple{AID: callerAID, Entry: selfNext.Entry, Parameter: selfNext.Parameter})
	}

	if isOutput && (hasCopyValue || bid >= 0) {
		output := automaton.Tuple{AID: callerAID, Entry: outputEntry, Parameter: outputParameter}
		if bid >= 0 {
			_ = buffer.Close(bid)
		}
		for _, in := range automaton.InputsFor(output) {
			if bid >= 0 {
				_ = buffer.AddRef(bid)
			}
			enqueue(in)
		}
	}

	return popNext()
}

func popNext() (automaton.Tuple, bool) {
	lock.Acquire()
	defer lock.Release()

	if len(queue) == 0 {
		current = nil
		return automaton.Tuple{}, false
	}

	ctx := queue[0]
	queue = queue[1:]
	ctx.scheduled = false
	current = ctx
	return ctx.tuple, true
}

// Current returns the entry presently dispatched, if any.
func Current() (automaton.Tuple, bool) {
	if current == nil {
		return automaton.Tuple{}, false
	}
	return current.tuple, true
}

// Pop dispatches the next ready-queue entry directly, without finishing a
// currently-running one. The boot glue uses this once, after scheduling the
// system automaton's init action, to prime the dispatch loop -- every
// subsequent transition between automata goes through Finish instead.
func Pop() (automaton.Tuple, bool) {
	return popNext()
}

// ResetForTest clears the ready queue and per-automaton scheduling state.
// Exported only so package trap's integration tests, which exercise sched
// through the syscall dispatcher rather than calling its internals
// directly, can start from a clean scheduler between cases.
func ResetForTest() {
	contexts = make(map[int]*schedulerContext)
	queue = nil
	current = nil
}
