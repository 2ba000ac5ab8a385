// internal/threadq/enqueue.go

package threadq

import (
	"errors"
	"fmt"

	"tqcore/internal/fatal"
	"tqcore/internal/status"
	"tqcore/internal/thread"
	"tqcore/internal/trace"
	"tqcore/internal/watchdog"
)

// maxChain bounds ownership chain walks.
const maxChain = 256

// ErrNoOwner is returned by Seize on a queue that does not track an owner.
var ErrNoOwner = errors.New("queue does not track an owner")

// Enqueue blocks t on the queue. A timeout of zero waits forever, otherwise
// the wait ends with status Timeout after that many ticks. The result tells
// whether t blocked; the final status is read with Thread.Await or
// Thread.Status once the episode is resolved.
//
// Enqueue fails only with status.ErrDeadlock, when t would wait for a queue
// owned by itself directly or through a chain of waits, or with a fatal error.
func (q *Queue) Enqueue(t *thread.Thread, timeout uint64) (bool, error) {
	q.lock()
	if err := q.checkDeadlock(t); err != nil {
		q.unlock()
		return false, err
	}
	return q.enqueueLocked(t, timeout)
}

// Seize acquires an owner-tracking queue for t or blocks t until ownership is
// handed over by Surrender. It returns blocked=false when t got ownership
// immediately.
func (q *Queue) Seize(t *thread.Thread, timeout uint64) (blocked bool, err error) {
	if !q.ops.tracksOwner() {
		return false, fmt.Errorf("seize %s: %w", q.name, ErrNoOwner)
	}
	q.lock()
	if q.Owner() == nil {
		q.owner.Store(t)
		if err := q.acquireLocked(t); err != nil {
			q.unlock()
			return false, err
		}
		q.unlock()
		q.emit(trace.KindObtain, t, "")
		return false, nil
	}
	if err := q.checkDeadlock(t); err != nil {
		q.unlock()
		return false, err
	}
	return q.enqueueLocked(t, timeout)
}

// checkDeadlock walks the ownership chain starting at the queue owner.
func (q *Queue) checkDeadlock(t *thread.Thread) error {
	if !q.ops.tracksOwner() {
		return nil
	}
	owner := q.Owner()
	for i := 0; owner != nil && i < maxChain; i++ {
		if owner == t {
			return status.ErrDeadlock
		}
		wq := owner.WaitQueue()
		if wq == nil {
			return nil
		}
		owner = wq.Owner()
	}
	return nil
}

// enqueueLocked runs with the queue locked and returns with it unlocked.
func (q *Queue) enqueueLocked(t *thread.Thread, timeout uint64) (bool, error) {
	e := q.engine

	episode := t.BeginWait(q, thread.StateWaitingForObject)
	q.insertWaiter(t)
	q.emit(trace.KindEnqueue, t, "")

	if q.ops.Protocol == PriorityInherit {
		if err := q.inheritLocked(); err != nil {
			q.unlock()
			return false, err
		}
	}

	// The timer is armed while the queue lock is held: no surrender can
	// reach t before the timeout exists.
	if timeout > 0 {
		deadline := e.header.Now() + timeout
		if err := t.Timer.Arm(e.header, deadline, watchdog.KindQueueTimeout, uint32(t.ID), episode); err != nil {
			q.unlock()
			return false, fatal.New(fatal.SourceWatchdog, fatal.TimerState, "%s: %v", t.Name, err)
		}
	}
	q.unlock()

	e.sched.Block(t)
	if t.TryChangeFlags(thread.IntendToBlock, thread.Blocked) {
		return true, nil
	}

	// A timeout or a surrender resolved the episode while the scheduler was
	// still blocking t. It left the unblock to this side.
	e.finish(t)
	return true, nil
}

// acquireLocked installs the priority contributions of a new owner.
func (q *Queue) acquireLocked(owner *thread.Thread) error {
	switch q.ops.Protocol {
	case PriorityInherit:
		return q.inheritLocked()
	case Ceiling:
		if q.handoff != nil {
			return q.handoff.Acquire(owner)
		}
	}
	return nil
}

// Refresh re-installs the priority contributions of the current owner after
// the protocol parameters of the queue changed. An unowned queue is left
// alone.
func (q *Queue) Refresh() error {
	q.lock()
	defer q.unlock()
	owner := q.Owner()
	if owner == nil {
		return nil
	}
	return q.acquireLocked(owner)
}

// dropLocked removes the priority contributions of the previous owner.
func (q *Queue) dropLocked(owner *thread.Thread) error {
	switch q.ops.Protocol {
	case PriorityInherit:
		return q.engine.apply(owner, q.id, nil)
	case Ceiling:
		if q.handoff != nil {
			return q.handoff.Drop(owner)
		}
	}
	return nil
}

// finish completes an episode that was made ready again: the timer is
// cancelled and the scheduler unblocks t unless it is still not ready for
// another reason, such as being suspended.
func (e *Engine) finish(t *thread.Thread) {
	t.Timer.Cancel()
	if t.EndWait(thread.StateWaitingForObject) {
		e.sched.Unblock(t)
	}
}

// makeReadyAgain resolves the episode of a waiter that was just removed from
// the queue. It reports whether the caller must finish the episode; when the
// waiter was still in the IntendToBlock window the enqueue path does it.
func makeReadyAgain(t *thread.Thread) (bool, error) {
	if t.TryChangeFlags(thread.IntendToBlock, thread.ReadyAgain) {
		return false, nil
	}
	if t.TryChangeFlags(thread.Blocked, thread.ReadyAgain) {
		return true, nil
	}
	return false, fatal.New(fatal.SourceThreadQueue, fatal.InconsistentWaitFlags,
		"%s: waiter with wait flags %s", t.Name, t.Flags())
}
