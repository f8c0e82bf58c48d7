// Package fifo implements the same-action scheduling list every automaton in
// this tree keeps on its own side of the syscall boundary: a small ordered
// set of (entry, parameter) pairs it wants the kernel scheduler to run next,
// deduplicated so re-adding an already-pending pair is a no-op. It mirrors
// fifo_scheduler.c, which keeps this list as a singly linked list scanned
// linearly on every add/remove -- fine for the handful of entries any one
// automaton schedules at a time.
package fifo

// item is one pending (entry, parameter) pair.
type item struct {
	entry     uintptr
	parameter int
}

// Scheduler is an automaton's own wishlist of actions it wants run next. It
// is not the kernel's ready queue -- lily/sched owns that -- this is the
// bookkeeping an automaton's dispatch loop uses to decide what to hand the
// scheduler on its next finish.
type Scheduler struct {
	items []item
}

// indexOf returns the position of (entry, parameter) in s.items, or -1.
func (s *Scheduler) indexOf(entry uintptr, parameter int) int {
	for i, it := range s.items {
		if it.entry == entry && it.parameter == parameter {
			return i
		}
	}
	return -1
}

// Add schedules (entry, parameter) if it is not already pending.
func (s *Scheduler) Add(entry uintptr, parameter int) {
	if s.indexOf(entry, parameter) != -1 {
		return
	}
	s.items = append(s.items, item{entry: entry, parameter: parameter})
}

// Remove drops (entry, parameter) from the pending set, if present.
func (s *Scheduler) Remove(entry uintptr, parameter int) {
	idx := s.indexOf(entry, parameter)
	if idx == -1 {
		return
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
}

// Empty reports whether no action is pending.
func (s *Scheduler) Empty() bool {
	return len(s.items) == 0
}

// Next returns the oldest pending (entry, parameter) pair without removing
// it, matching scheduler_finish's habit of handing the head of the list back
// to finish() every time regardless of whether the caller ever removes it.
func (s *Scheduler) Next() (entry uintptr, parameter int, ok bool) {
	if len(s.items) == 0 {
		return 0, 0, false
	}
	head := s.items[0]
	return head.entry, head.parameter, true
}
