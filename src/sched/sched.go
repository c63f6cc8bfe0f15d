// Package sched implements component H: the 256-level priority ready
// queue and the hart-facing operations that move a thread into and
// out of it (spec.md §4.H). Grounded on
// original_source/kernel/src/proc/{scheduler,runnable_queue}.rs: a
// fixed array of per-priority FIFO queues behind one global lock
// (READY_QUEUES), a per-hart CURRENT_TCB slot, and
// add_thread/yield_proc/block_current_thread/wake_up/reschedule.
//
// original_source's queues are intrusive (TCB.prev/next pointers);
// this realization uses a plain slice-backed FIFO per priority level
// indexed by captype.Handle, per spec.md §9's "arena + indices"
// option — a handle is cheap to store in a slice and there is no
// pointer aliasing to manage.
package sched

import (
	"sync"

	"captype"
	"limits"
	"thread"
)

type queue struct {
	handles []captype.Handle
}

func (q *queue) pushBack(h captype.Handle) {
	q.handles = append(q.handles, h)
}

func (q *queue) popFront() (captype.Handle, bool) {
	if len(q.handles) == 0 {
		return captype.NoHandle, false
	}
	h := q.handles[0]
	q.handles = q.handles[1:]
	return h, true
}

var (
	mu      sync.Mutex
	ready   [limits.MaxPriority]queue
	current [limits.MaxHarts]captype.Handle
)

// AddThread enqueues tcb at the tail of its priority's ready queue,
// mirroring original_source's add_thread — only if the thread is
// already marked Ready; scheduling a thread in any other state is a
// caller bug, not a runtime condition, so it is a silent no-op exactly
// as the original guards it.
func AddThread(h captype.Handle) {
	t := thread.Get(h)
	if t == nil || t.GetState() != thread.Ready {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	ready[t.Priority].pushBack(h)
}

// PickNext pops the highest-priority ready thread (scanning 255 down
// to 0, matching the original's `for prio in (0..MAX_PRIORITY).rev()`)
// and marks it Running and current for hart. Returns NoHandle if no
// thread is ready.
func PickNext(hart int) captype.Handle {
	mu.Lock()
	var h captype.Handle
	for prio := limits.MaxPriority - 1; prio >= 0; prio-- {
		if popped, ok := ready[prio].popFront(); ok {
			h = popped
			break
		}
	}
	mu.Unlock()

	if h == captype.NoHandle {
		return captype.NoHandle
	}
	thread.Get(h).SetState(thread.Running)
	mu.Lock()
	current[hart] = h
	mu.Unlock()
	return h
}

// Current returns the handle of the thread currently running on hart,
// or NoHandle if the hart is idle.
func Current(hart int) captype.Handle {
	mu.Lock()
	defer mu.Unlock()
	return current[hart]
}

// Yield moves hart's current thread from Running back to Ready at the
// tail of its queue (spec.md's §4.H yield operation; original_source's
// yield_proc). A no-op if the hart is idle.
func Yield(hart int) {
	mu.Lock()
	h := current[hart]
	current[hart] = captype.NoHandle
	mu.Unlock()
	if h == captype.NoHandle {
		return
	}
	t := thread.Get(h)
	if t.GetState() == thread.Running {
		t.SetState(thread.Ready)
		AddThread(h)
	}
}

// Block clears hart's current-thread slot without requeueing —
// callers must already have set the thread's state to one of the
// Blocked* states before calling Block (original_source's
// block_current_thread asserts exactly this precondition).
func Block(hart int) {
	mu.Lock()
	defer mu.Unlock()
	current[hart] = captype.NoHandle
}

// Wake transitions a blocked thread back to Ready and enqueues it
// (original_source's wake_up). A thread that is already Ready or
// Running is left alone.
func Wake(h captype.Handle) {
	t := thread.Get(h)
	if t == nil {
		return
	}
	switch t.GetState() {
	case thread.Ready, thread.Running:
		return
	}
	t.SetState(thread.Ready)
	AddThread(h)
}

// Reschedule requeues hart's current thread if it is Running,
// preparing for the next PickNext to potentially hand the hart to a
// higher-priority thread — called after SetPriority (spec.md scenario
// 4) and mirroring original_source's reschedule().
func Reschedule(hart int) {
	Yield(hart)
}
