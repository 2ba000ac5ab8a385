// internal/threadq/surrender.go

package threadq

import (
	"tqcore/internal/fatal"
	"tqcore/internal/status"
	"tqcore/internal/thread"
	"tqcore/internal/trace"
)

// Surrender hands the queue to its head waiter. For owner-tracking queues
// prev must be the owner; the head becomes the new owner, or the queue
// becomes unowned when nobody waits. For other queues prev is ignored and the
// head is simply released. It returns the released thread, nil if none.
//
// A released thread that is suspended is dequeued and, for owner-tracking
// queues, becomes the owner, but no scheduler unblock is issued for it.
func (q *Queue) Surrender(prev *thread.Thread) (*thread.Thread, error) {
	q.lock()
	owned := q.ops.tracksOwner()
	if owned {
		if prev == nil || q.Owner() != prev {
			q.unlock()
			return nil, status.ErrNotOwner
		}
		if err := q.dropLocked(prev); err != nil {
			q.unlock()
			return nil, err
		}
	}

	head := q.head()
	if head == nil {
		if owned {
			q.owner.Store(nil)
		}
		q.unlock()
		q.emit(trace.KindSurrender, prev, "no waiters")
		return nil, nil
	}

	q.removeWaiter(head)
	head.LeaveQueue(status.Successful)
	if owned {
		q.owner.Store(head)
		if err := q.acquireLocked(head); err != nil {
			q.unlock()
			return nil, err
		}
	}
	unblock, err := makeReadyAgain(head)
	q.unlock()
	if err != nil {
		return nil, err
	}
	q.emit(trace.KindSurrender, head, "")
	if unblock {
		q.engine.finish(head)
	}
	return head, nil
}

// Extract removes t from the queue wherever it is and resolves its episode
// with code. Extracting a thread that does not wait on this queue is an
// invariant violation.
func (q *Queue) Extract(t *thread.Thread, code status.Code) error {
	q.lock()
	if !q.isWaiter(t) {
		q.unlock()
		return fatal.New(fatal.SourceThreadQueue, fatal.NotEnqueued, "%s does not wait on %s", t.Name, q.name)
	}
	unblock, err := q.extractLocked(t, code)
	q.unlock()
	if err != nil {
		return err
	}
	q.emit(trace.KindExtract, t, code.String())
	if unblock {
		q.engine.finish(t)
	}
	return nil
}

// Timeout resolves an expired bounded wait of t. It is a no-op when t no
// longer waits on the queue for the given episode: a concurrent surrender
// already dequeued it and its status stands.
//
// In the IntendToBlock window no scheduler operation is issued here; the
// enqueue path observes the resolved episode and unblocks t itself, so the
// enqueue completes and reports Timeout.
func (q *Queue) Timeout(t *thread.Thread, episode uint64) error {
	q.lock()
	if !q.isWaiter(t) || t.Episode() != episode {
		q.unlock()
		return nil
	}
	unblock, err := q.extractLocked(t, status.Timeout)
	q.unlock()
	if err != nil {
		return err
	}
	q.emit(trace.KindTimeout, t, "")
	if unblock {
		q.engine.finish(t)
	}
	return nil
}

// Flush releases every waiter with code, in dequeue order, and returns how
// many were released. Ownership is not changed.
func (q *Queue) Flush(code status.Code) (int, error) {
	q.lock()
	var ready []*thread.Thread
	n := 0
	for head := q.head(); head != nil; head = q.head() {
		q.removeWaiter(head)
		head.LeaveQueue(code)
		unblock, err := makeReadyAgain(head)
		if err != nil {
			q.unlock()
			return n, err
		}
		n++
		if unblock {
			ready = append(ready, head)
		}
	}
	if q.ops.Protocol == PriorityInherit {
		if err := q.inheritLocked(); err != nil {
			q.unlock()
			return n, err
		}
	}
	q.unlock()

	for _, t := range ready {
		q.emit(trace.KindExtract, t, code.String())
		q.engine.finish(t)
	}
	return n, nil
}

func (q *Queue) extractLocked(t *thread.Thread, code status.Code) (bool, error) {
	q.removeWaiter(t)
	t.LeaveQueue(code)
	if q.ops.Protocol == PriorityInherit {
		if err := q.inheritLocked(); err != nil {
			return false, err
		}
	}
	return makeReadyAgain(t)
}

// Expire is the handler of a queue timeout expiry for t. The queue is looked
// up from t; a thread that waits on nothing was already made ready again.
func (e *Engine) Expire(t *thread.Thread, episode uint64) error {
	q, ok := t.WaitQueue().(*Queue)
	if !ok || q == nil {
		return nil
	}
	return q.Timeout(t, episode)
}
