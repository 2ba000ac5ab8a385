// internal/thread/thread.go

package thread

import (
	"context"
	"sync"
	"sync/atomic"

	"tqcore/internal/prio"
	"tqcore/internal/status"
	"tqcore/internal/watchdog"
)

// WaitFlags track a blocking episode. They change only by compare-and-swap so
// that the enqueue path, a surrender and a timeout handler running on
// different processors agree on who resolves the episode.
type WaitFlags uint32

const (
	Ready         WaitFlags = iota // no episode in progress
	IntendToBlock                  // enqueued, the scheduler has not blocked it yet
	Blocked                        // enqueued and removed from the ready queues
	ReadyAgain                     // episode resolved, thread made ready
)

func (f WaitFlags) String() string {
	switch f {
	case Ready:
		return "Ready"
	case IntendToBlock:
		return "IntendToBlock"
	case Blocked:
		return "Blocked"
	case ReadyAgain:
		return "ReadyAgain"
	default:
		return "Unknown"
	}
}

// State is a bit set of reasons a thread is not ready. Zero means ready.
type State uint32

const (
	StateWaitingForObject State = 1 << iota
	StateSuspended
	StateDelayed
)

// Queue is the view a waiting thread keeps of the queue it waits on.
type Queue interface {
	ID() prio.ResourceID
	Owner() *Thread
}

// Position is a waiter's key inside its thread queue. It is guarded by that
// queue's lock, not by the thread lock.
type Position struct {
	Priority prio.Priority
	Seq      uint64
}

// Thread is the thread control block.
type Thread struct {
	ID       prio.ThreadID
	Name     string
	Timer    watchdog.Timer
	Position Position

	flags atomic.Uint32

	mu      sync.Mutex // thread lock, never held across a scheduler call
	home    prio.SchedulerID
	nodes   prio.Set
	queue   Queue
	status  status.Code
	states  State
	episode uint64
	done    chan struct{}
}

// New creates a ready thread homed on home with the given base priority.
// capacity bounds the number of priority nodes the thread can hold.
func New(id prio.ThreadID, name string, home prio.SchedulerID, base prio.Priority, capacity int) *Thread {
	t := &Thread{ID: id, Name: name, home: home, nodes: prio.NewSet(capacity)}
	t.nodes.SetBase(home, base, nil)
	return t
}

// Home returns the home scheduler.
func (t *Thread) Home() prio.SchedulerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.home
}

// Effective returns the thread's priority on scheduler s, false when it has
// no standing there.
func (t *Thread) Effective(s prio.SchedulerID) (prio.Priority, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes.Effective(s)
}

// HomePriority returns the effective priority on the home scheduler.
func (t *Thread) HomePriority() prio.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, _ := t.nodes.Effective(t.home)
	return p
}

// PriorityWithout returns the priority on s ignoring the nodes skip selects.
func (t *Thread) PriorityWithout(s prio.SchedulerID, skip func(prio.Node) bool) (prio.Priority, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes.EffectiveWithout(s, skip)
}

// BasePriority returns the priority of the base node.
func (t *Thread) BasePriority() prio.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes.Nodes() {
		if n.Source == prio.SourceBase {
			return n.Value
		}
	}
	return prio.LeastUrgent
}

// Schedulers returns the schedulers the thread has standing on, home first.
func (t *Thread) Schedulers() []prio.SchedulerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes.Schedulers(nil)
}

// Helping returns the schedulers other than home the thread has standing on.
func (t *Thread) Helping() []prio.SchedulerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []prio.SchedulerID
	for _, s := range t.nodes.Schedulers(nil) {
		if s != t.home {
			out = append(out, s)
		}
	}
	return out
}

// Nodes returns a copy of the priority nodes.
func (t *Thread) Nodes() []prio.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes.Nodes()
}

// Contributes reports whether resource r currently contributes a node.
func (t *Thread) Contributes(r prio.ResourceID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes.Contributes(r)
}

// ReplaceNodes swaps the nodes contributed by r for add. Only protocol code
// calls it, and only while holding the lock of the queue behind r.
func (t *Thread) ReplaceNodes(r prio.ResourceID, add []prio.Node) ([]prio.Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes.Replace(r, add, nil)
}

// SetBase changes the base priority, keeping the home scheduler.
func (t *Thread) SetBase(v prio.Priority) ([]prio.Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes.SetBase(t.home, v, nil)
}

// Flags returns the current wait flags.
func (t *Thread) Flags() WaitFlags { return WaitFlags(t.flags.Load()) }

// TryChangeFlags moves the wait flags from one value to another and reports
// whether this caller won the transition.
func (t *Thread) TryChangeFlags(from, to WaitFlags) bool {
	return t.flags.CompareAndSwap(uint32(from), uint32(to))
}

// BeginWait starts a blocking episode on q (nil for a delay) and returns the
// episode number. The wait status starts out Successful.
func (t *Thread) BeginWait(q Queue, reason State) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.episode++
	t.queue = q
	t.status = status.Successful
	t.states |= reason
	t.done = make(chan struct{})
	t.flags.Store(uint32(IntendToBlock))
	return t.episode
}

// Episode returns the number of the current or last blocking episode.
func (t *Thread) Episode() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.episode
}

// WaitQueue returns the queue the thread waits on, nil if none.
func (t *Thread) WaitQueue() Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue
}

// LeaveQueue clears the wait queue and records the episode's status.
func (t *Thread) LeaveQueue(code status.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
	t.status = code
}

// SetStatus records the wait status without touching queue membership.
func (t *Thread) SetStatus(code status.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = code
}

// Status returns the wait status of the last episode.
func (t *Thread) Status() status.Code {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// EndWait clears reason, completes the episode and reports whether the
// thread is now ready. Callers request a scheduler unblock only then; a
// suspended thread becomes ready when it is resumed.
func (t *Thread) EndWait(reason State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states &^= reason
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	return t.states == 0
}

// Await blocks until the current episode is resolved and returns its status
// as an error.
func (t *Thread) Await(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return t.Status().Err()
}

// States returns the not-ready reasons.
func (t *Thread) States() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states
}

// IsReady reports whether no not-ready reason is set.
func (t *Thread) IsReady() bool { return t.States() == 0 }

// Suspended reports whether the thread is suspended.
func (t *Thread) Suspended() bool { return t.States()&StateSuspended != 0 }

// Suspend sets the suspended state and reports whether the thread was ready
// before, in which case the caller blocks it in the scheduler.
func (t *Thread) Suspend() (wasReady bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasReady = t.states == 0
	t.states |= StateSuspended
	return wasReady
}

// Resume clears the suspended state and reports whether the thread became
// ready, in which case the caller unblocks it in the scheduler.
func (t *Thread) Resume() (nowReady bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states&StateSuspended == 0 {
		return false
	}
	t.states &^= StateSuspended
	return t.states == 0
}
