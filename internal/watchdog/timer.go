// internal/watchdog/timer.go

package watchdog

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// State is the life-cycle state of a timer.
type State uint8

const (
	Inactive  State = iota
	Scheduled       // armed, waiting for its deadline
	Pending         // deadline reached, handler dispatched but not resolved
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Scheduled:
		return "Scheduled"
	case Pending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// Kind selects the expiry handler. The set is closed: the dispatcher
// switches over every kind.
type Kind uint8

const (
	KindQueueTimeout Kind = iota + 1 // bounded wait on a thread queue
	KindDelay                        // plain thread delay
)

func (k Kind) String() string {
	switch k {
	case KindQueueTimeout:
		return "QueueTimeout"
	case KindDelay:
		return "Delay"
	default:
		return "Unknown"
	}
}

// Timer is the per-thread watchdog entry. Its fields are guarded by mu; the
// header lock is always taken after mu, never before.
type Timer struct {
	mu       sync.Mutex
	state    State
	deadline uint64
	kind     Kind
	arg      uint32
	episode  uint64
	gen      uint64
	header   *Header
	key      entryKey
}

// Expired is one timer whose deadline was reached by a tick.
type Expired struct {
	Timer   *Timer
	Kind    Kind
	Arg     uint32 // thread the timer belongs to
	Episode uint64 // blocking episode the timer was armed for

	gen uint64
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Deadline returns the tick the timer was last armed for.
func (t *Timer) Deadline() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Arm schedules the timer to expire at the absolute tick deadline. A deadline
// that already passed expires on the next tick. Arming a timer that is still
// Scheduled is a caller bug.
func (t *Timer) Arm(h *Header, deadline uint64, kind Kind, arg uint32, episode uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Scheduled {
		return fmt.Errorf("timer already scheduled for tick %d", t.deadline)
	}
	t.gen++
	t.state = Scheduled
	t.deadline = deadline
	t.kind = kind
	t.arg = arg
	t.episode = episode
	t.header = h
	t.key = h.insert(deadline, t)
	return nil
}

// Cancel stops a scheduled timer. It reports true when the timer already
// fired and its handler is pending; the handler still runs in that case and
// must find the wait already resolved.
func (t *Timer) Cancel() (wasPending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Scheduled:
		t.header.remove(t.key)
		t.state = Inactive
		return false
	case Pending:
		return true
	default:
		return false
	}
}

// Done resolves a pending expiry after its handler ran. A timer re-armed in
// the meantime is left alone.
func (t *Timer) Done(e Expired) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Pending && t.gen == e.gen {
		t.state = Inactive
	}
}

// claim moves the timer from Scheduled to Pending if it is still the
// generation the header removed. It fails when a Cancel or re-Arm won.
func (t *Timer) claim(gen uint64) (Expired, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Scheduled || t.gen != gen {
		return Expired{}, false
	}
	t.state = Pending
	return Expired{Timer: t, Kind: t.kind, Arg: t.arg, Episode: t.episode, gen: gen}, true
}

// entryKey orders header entries by deadline, then by arm order.
type entryKey struct {
	deadline uint64
	seq      uint64
}

func cmp(a, b any) int {
	ka, kb := a.(entryKey), b.(entryKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

type entry struct {
	timer *Timer
	gen   uint64
}

// Header keeps the scheduled timers of one clock ordered by deadline.
type Header struct {
	mu   sync.Mutex
	now  uint64
	seq  uint64
	tree *redblacktree.Tree // entryKey -> entry
}

// NewHeader returns an empty header at tick zero.
func NewHeader() *Header {
	return &Header{tree: redblacktree.NewWith(cmp)}
}

// Now returns the current tick.
func (h *Header) Now() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Len returns the number of scheduled timers.
func (h *Header) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Size()
}

// Tick advances the clock by one tick and returns the timers that expired,
// each already moved to Pending. The caller dispatches them by Kind and then
// calls Timer.Done.
func (h *Header) Tick() []Expired {
	h.mu.Lock()
	h.now++
	var due []entry
	for {
		node := h.tree.Left()
		if node == nil || node.Key.(entryKey).deadline > h.now {
			break
		}
		due = append(due, node.Value.(entry))
		h.tree.Remove(node.Key)
	}
	h.mu.Unlock()

	// The header lock is released before any timer lock is taken.
	var out []Expired
	for _, e := range due {
		if x, ok := e.timer.claim(e.gen); ok {
			out = append(out, x)
		}
	}
	return out
}

func (h *Header) insert(deadline uint64, t *Timer) entryKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	k := entryKey{deadline: deadline, seq: h.seq}
	h.tree.Put(k, entry{timer: t, gen: t.gen})
	return k
}

func (h *Header) remove(k entryKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tree.Remove(k)
}
