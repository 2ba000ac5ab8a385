// internal/threadq/queue.go

package threadq

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/redblacktree"

	"tqcore/internal/prio"
	"tqcore/internal/thread"
	"tqcore/internal/trace"
	"tqcore/internal/watchdog"
)

// Ordering selects the dequeue order of the waiters.
type Ordering uint8

const (
	PriorityFifo Ordering = iota // by home priority, FIFO among equals
	Fifo                         // by arrival
)

func (o Ordering) String() string {
	if o == Fifo {
		return "Fifo"
	}
	return "PriorityFifo"
}

// Protocol selects how ownership affects the owner's priority.
type Protocol uint8

const (
	Plain           Protocol = iota // no priority change
	PriorityInherit                 // owner inherits the waiters' priorities
	Ceiling                         // owner gets the resource's ceilings, see Handoff
)

func (p Protocol) String() string {
	switch p {
	case Plain:
		return "Plain"
	case PriorityInherit:
		return "PriorityInherit"
	case Ceiling:
		return "Ceiling"
	default:
		return "Unknown"
	}
}

// Operations is the capability set of a queue.
type Operations struct {
	Ordering Ordering
	Protocol Protocol
	Owner    bool // track an owner; implied by PriorityInherit and Ceiling
}

func (o Operations) tracksOwner() bool {
	return o.Owner || o.Protocol != Plain
}

// Scheduler is what the thread queue needs from the scheduler set. Every
// call is synchronous and bounded.
type Scheduler interface {
	Block(t *thread.Thread)
	Unblock(t *thread.Thread)
	UpdatePriority(t *thread.Thread, s prio.SchedulerID)
	AddHelper(t *thread.Thread, s prio.SchedulerID)
	RemoveHelper(t *thread.Thread, s prio.SchedulerID)
}

// Handoff adjusts the priority nodes of the owner of a Ceiling queue. Both
// methods run under the queue lock.
type Handoff interface {
	Acquire(owner *thread.Thread) error
	Drop(owner *thread.Thread) error
}

// Engine holds what all queues of one system share.
type Engine struct {
	sched  Scheduler
	header *watchdog.Header
	trace  trace.Recorder

	// path serialises priority inheritance updates, which lock more than
	// one queue along an ownership chain. It is taken before any queue lock.
	path   sync.Mutex
	nextID atomic.Uint32
}

// NewEngine returns an engine using s for scheduling and h for timeouts.
func NewEngine(s Scheduler, h *watchdog.Header, rec trace.Recorder) *Engine {
	if rec == nil {
		rec = trace.Discard
	}
	return &Engine{sched: s, header: h, trace: rec}
}

// Header returns the watchdog header used for bounded waits.
func (e *Engine) Header() *watchdog.Header { return e.header }

// Queue is the generic blocking engine behind every synchronization object.
type Queue struct {
	engine  *Engine
	id      prio.ResourceID
	name    string
	ops     Operations
	handoff Handoff

	mu      sync.Mutex
	owner   atomic.Pointer[thread.Thread] // written under mu, read anywhere
	waiters *redblacktree.Tree            // thread.Position -> *thread.Thread
	seq     uint64
}

// NewQueue creates a queue. A Ceiling queue needs a Handoff.
func (e *Engine) NewQueue(name string, ops Operations, h Handoff) *Queue {
	return &Queue{
		engine:  e,
		id:      prio.ResourceID(e.nextID.Add(1)),
		name:    name,
		ops:     ops,
		handoff: h,
		waiters: redblacktree.NewWith(cmp),
	}
}

// ID implements thread.Queue.
func (q *Queue) ID() prio.ResourceID { return q.id }

// Owner implements thread.Queue. Nil for unowned and non-owner queues.
func (q *Queue) Owner() *thread.Thread { return q.owner.Load() }

// Name returns the queue name used in traces.
func (q *Queue) Name() string { return q.name }

// Ops returns the capability set.
func (q *Queue) Ops() Operations { return q.ops }

// Len returns the number of waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Size()
}

// Waiters returns the waiters in dequeue order.
func (q *Queue) Waiters() []*thread.Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*thread.Thread, 0, q.waiters.Size())
	for it := q.waiters.Iterator(); it.Next(); {
		out = append(out, it.Value().(*thread.Thread))
	}
	return out
}

// lock acquires the queue lock, preceded by the engine path lock for
// priority inheritance queues.
func (q *Queue) lock() {
	if q.ops.Protocol == PriorityInherit {
		q.engine.path.Lock()
	}
	q.mu.Lock()
}

func (q *Queue) unlock() {
	q.mu.Unlock()
	if q.ops.Protocol == PriorityInherit {
		q.engine.path.Unlock()
	}
}

func (q *Queue) isWaiter(t *thread.Thread) bool {
	// t.Position belongs to this queue's lock only while t waits here.
	if wq, _ := t.WaitQueue().(*Queue); wq != q {
		return false
	}
	v, ok := q.waiters.Get(t.Position)
	return ok && v.(*thread.Thread) == t
}

func (q *Queue) insertWaiter(t *thread.Thread) {
	var p prio.Priority
	if q.ops.Ordering == PriorityFifo {
		p = t.HomePriority()
	}
	q.seq++
	t.Position = thread.Position{Priority: p, Seq: q.seq}
	q.waiters.Put(t.Position, t)
}

func (q *Queue) removeWaiter(t *thread.Thread) {
	q.waiters.Remove(t.Position)
}

// reposition moves a waiter whose priority changed to the end of its new
// priority group.
func (q *Queue) reposition(t *thread.Thread) {
	if q.ops.Ordering != PriorityFifo || !q.isWaiter(t) {
		return
	}
	q.removeWaiter(t)
	q.insertWaiter(t)
}

func (q *Queue) head() *thread.Thread {
	node := q.waiters.Left()
	if node == nil {
		return nil
	}
	return node.Value.(*thread.Thread)
}

func (q *Queue) emit(k trace.Kind, t *thread.Thread, note string) {
	ev := trace.Event{Kind: k, Object: q.name, Note: note}
	if t != nil {
		ev.Thread = t.Name
	}
	q.engine.trace.Record(ev)
}

// cmp orders waiters by priority, then by arrival.
func cmp(a, b any) int {
	ka, kb := a.(thread.Position), b.(thread.Position)
	switch {
	case ka.Priority < kb.Priority:
		return -1
	case ka.Priority > kb.Priority:
		return 1
	case ka.Seq < kb.Seq:
		return -1
	case ka.Seq > kb.Seq:
		return 1
	default:
		return 0
	}
}
