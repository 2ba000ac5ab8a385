// internal/threadq/inherit.go

package threadq

import (
	"errors"

	"tqcore/internal/fatal"
	"tqcore/internal/prio"
	"tqcore/internal/thread"
)

// Apply replaces the nodes resource r contributes to t with add and tells the
// scheduler what changed: a scheduler where t gains its first node gets t as
// a helper, one where t loses its last node drops it, and one where the
// winning node changed repositions t. The caller holds the lock of the queue
// behind r.
func (e *Engine) Apply(t *thread.Thread, r prio.ResourceID, add []prio.Node) error {
	return e.apply(t, r, add)
}

func (e *Engine) apply(t *thread.Thread, r prio.ResourceID, add []prio.Node) error {
	changes, err := t.ReplaceNodes(r, add)
	e.notify(t, changes)
	if errors.Is(err, prio.ErrSetFull) {
		return fatal.New(fatal.SourcePriority, fatal.NodeSetFull, "%s: %d nodes", t.Name, len(t.Nodes()))
	}
	return err
}

func (e *Engine) notify(t *thread.Thread, changes []prio.Change) {
	home := t.Home()
	for _, c := range changes {
		switch {
		case c.Gained && c.Scheduler != home:
			e.sched.AddHelper(t, c.Scheduler)
		case c.Lost && c.Scheduler != home:
			e.sched.RemoveHelper(t, c.Scheduler)
		case c.Gained, c.Moved:
			e.sched.UpdatePriority(t, c.Scheduler)
		}
	}
}

// homeMoved reports whether the changes altered t's home priority.
func homeMoved(home prio.SchedulerID, changes []prio.Change) bool {
	for _, c := range changes {
		if c.Scheduler == home && c.Moved && c.Before != c.After {
			return true
		}
	}
	return false
}

// inheritLocked recomputes what the waiters of a priority inheritance queue
// contribute to its owner: per scheduler, the most urgent home priority of
// the waiters homed there. A change of the owner's home priority is carried
// along the chain of queues the owner waits on. The engine path lock and this
// queue's lock are held.
func (q *Queue) inheritLocked() error {
	owner := q.Owner()
	if owner == nil {
		return nil
	}

	var add []prio.Node
	for it := q.waiters.Iterator(); it.Next(); {
		w := it.Value().(*thread.Thread)
		s := w.Home()
		p := w.HomePriority()
		found := false
		for i := range add {
			if add[i].Scheduler == s {
				found = true
				if p < add[i].Value {
					add[i].Value = p
				}
				break
			}
		}
		if !found {
			add = append(add, prio.Inherited(s, p, q.id))
		}
	}

	changes, err := owner.ReplaceNodes(q.id, add)
	q.engine.notify(owner, changes)
	if errors.Is(err, prio.ErrSetFull) {
		return fatal.New(fatal.SourcePriority, fatal.NodeSetFull, "%s inherits from %s", owner.Name, q.name)
	}
	if err != nil || !homeMoved(owner.Home(), changes) {
		return err
	}
	return q.engine.propagate(owner, q)
}

// propagate repositions t in the queue it waits on after its home priority
// changed and recomputes that queue's owner. Only priority inheritance queues
// pass the change on.
func (e *Engine) propagate(t *thread.Thread, from *Queue) error {
	next, ok := t.WaitQueue().(*Queue)
	if !ok || next == nil || next == from {
		return nil
	}
	next.mu.Lock()
	defer next.mu.Unlock()
	next.reposition(t)
	if next.ops.Protocol != PriorityInherit {
		return nil
	}
	return next.inheritLocked()
}

// SetPriority changes the base priority of t. A waiting t is repositioned in
// its queue and a priority inheritance owner is updated accordingly.
func (e *Engine) SetPriority(t *thread.Thread, v prio.Priority) error {
	e.path.Lock()
	defer e.path.Unlock()

	// Retry until the queue locked is the one t still waits on.
	var q *Queue
	for {
		q, _ = t.WaitQueue().(*Queue)
		if q == nil {
			break
		}
		q.mu.Lock()
		if cur, _ := t.WaitQueue().(*Queue); cur == q {
			defer q.mu.Unlock()
			break
		}
		q.mu.Unlock()
	}

	changes, err := t.SetBase(v)
	e.notify(t, changes)
	if err != nil {
		return fatal.New(fatal.SourcePriority, fatal.NodeSetFull, "%s: %v", t.Name, err)
	}
	if q == nil || !q.isWaiter(t) {
		return nil
	}
	q.reposition(t)
	if q.ops.Protocol == PriorityInherit {
		return q.inheritLocked()
	}
	return nil
}
