// internal/mrsp/resource.go

package mrsp

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"tqcore/internal/prio"
	"tqcore/internal/status"
	"tqcore/internal/thread"
	"tqcore/internal/threadq"
	"tqcore/internal/trace"
)

// Resource is a mutex shared across scheduler instances. Its owner holds a
// ceiling priority on every scheduler the resource declares one for, which
// also gives the owner standing (a helping scheduler) outside its home.
type Resource struct {
	q      *threadq.Queue
	engine *threadq.Engine
	trace  trace.Recorder

	mu       sync.Mutex
	ceilings *treemap.Map // prio.SchedulerID -> prio.Priority
}

// New creates an unowned resource with the given ceilings.
func New(e *threadq.Engine, name string, ceilings map[prio.SchedulerID]prio.Priority, rec trace.Recorder) *Resource {
	if rec == nil {
		rec = trace.Discard
	}
	r := &Resource{
		engine:   e,
		trace:    rec,
		ceilings: treemap.NewWith(schedulerCmp),
	}
	for s, p := range ceilings {
		r.ceilings.Put(s, p)
	}
	r.q = e.NewQueue(name, threadq.Operations{Ordering: threadq.PriorityFifo, Protocol: threadq.Ceiling}, handoff{r})
	return r
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.q.Name() }

// ID returns the identifier its inherited nodes carry.
func (r *Resource) ID() prio.ResourceID { return r.q.ID() }

// Owner returns the current owner, nil when unowned.
func (r *Resource) Owner() *thread.Thread { return r.q.Owner() }

// Len returns the number of threads waiting for ownership.
func (r *Resource) Len() int { return r.q.Len() }

// Queue returns the underlying thread queue.
func (r *Resource) Queue() *threadq.Queue { return r.q }

// Ceiling returns the ceiling priority on scheduler s.
func (r *Resource) Ceiling(s prio.SchedulerID) (prio.Priority, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.ceilings.Get(s)
	if !ok {
		return 0, false
	}
	return v.(prio.Priority), true
}

// SetCeiling changes the ceiling on scheduler s and returns the previous
// value. A current owner gets the new ceiling node at once, including
// standing on a scheduler that had no ceiling before.
func (r *Resource) SetCeiling(s prio.SchedulerID, p prio.Priority) (prio.Priority, bool, error) {
	r.mu.Lock()
	old, ok := r.ceilings.Get(s)
	r.ceilings.Put(s, p)
	r.mu.Unlock()

	if err := r.q.Refresh(); err != nil {
		return 0, false, err
	}
	r.trace.Record(trace.Event{Kind: trace.KindPriority, Object: r.Name(), Value: int64(p), Note: "ceiling"})
	if !ok {
		return 0, false, nil
	}
	return old.(prio.Priority), true, nil
}

// Obtain acquires the resource for t. An unowned resource is taken at once;
// otherwise t waits in priority order, bounded by timeout ticks when timeout
// is not zero. The result tells whether t blocked.
//
// Obtain fails with status.ErrCeilingViolated when t already runs more
// urgently than a ceiling of the resource, and with status.ErrDeadlock when
// t owns the resource or would close a wait cycle.
func (r *Resource) Obtain(t *thread.Thread, timeout uint64) (bool, error) {
	if err := r.checkCeilings(t); err != nil {
		return false, err
	}
	blocked, err := r.q.Seize(t, timeout)
	if err != nil {
		return false, fmt.Errorf("obtain %s: %w", r.Name(), err)
	}
	return blocked, nil
}

// Release gives up ownership. The resource passes to the most urgent waiter,
// which is returned, or becomes unowned.
func (r *Resource) Release(t *thread.Thread) (*thread.Thread, error) {
	next, err := r.q.Surrender(t)
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", r.Name(), err)
	}
	ev := trace.Event{Kind: trace.KindRelease, Thread: t.Name, Object: r.Name()}
	if next != nil {
		ev.Note = "to " + next.Name
	}
	r.trace.Record(ev)
	return next, nil
}

// checkCeilings compares t's priority on each ceiling scheduler, ignoring
// what other ceiling resources contribute, against the ceiling there.
func (r *Resource) checkCeilings(t *thread.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.ceilings.Iterator()
	for it.Next() {
		s := it.Key().(prio.SchedulerID)
		c := it.Value().(prio.Priority)
		p, ok := t.PriorityWithout(s, isCeiling)
		if ok && p.More(c) {
			return fmt.Errorf("obtain %s: %s priority %d above ceiling %d: %w",
				r.Name(), t.Name, p, c, status.ErrCeilingViolated)
		}
	}
	return nil
}

// nodes returns the ceiling nodes an owner holds, in scheduler order.
func (r *Resource) nodes() []prio.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]prio.Node, 0, r.ceilings.Size())
	it := r.ceilings.Iterator()
	for it.Next() {
		n := prio.Inherited(it.Key().(prio.SchedulerID), it.Value().(prio.Priority), r.q.ID())
		n.Ceiling = true
		out = append(out, n)
	}
	return out
}

func isCeiling(n prio.Node) bool { return n.Ceiling }

// handoff installs and removes the ceiling nodes as ownership changes.
type handoff struct{ r *Resource }

func (h handoff) Acquire(owner *thread.Thread) error {
	return h.r.engine.Apply(owner, h.r.q.ID(), h.r.nodes())
}

func (h handoff) Drop(owner *thread.Thread) error {
	return h.r.engine.Apply(owner, h.r.q.ID(), nil)
}

func schedulerCmp(a, b any) int {
	x, y := a.(prio.SchedulerID), b.(prio.SchedulerID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
