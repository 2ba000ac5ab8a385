// internal/sched/scheduler.go

package sched

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"

	"tqcore/internal/prio"
	"tqcore/internal/thread"
	"tqcore/internal/trace"
)

var (
	ErrProcessorInUse   = errors.New("processor in use")
	ErrInvalidProcessor = errors.New("invalid processor")
	ErrNoScheduler      = errors.New("no such scheduler")
)

// instance is one scheduler: a priority ordered ready queue bound to a set
// of processors.
type instance struct {
	id      prio.SchedulerID
	name    string
	cpus    []int
	ready   *redblacktree.Tree // readyKey -> *thread.Thread
	keys    map[prio.ThreadID]readyKey
	helpers map[prio.ThreadID]bool
	users   int // threads homed here
}

// Set is the collection of scheduler instances of one system. Each processor
// belongs to at most one instance.
type Set struct {
	mu        sync.Mutex // protects the scheduler state
	instances []*instance
	byName    map[string]prio.SchedulerID
	cpuOwner  map[int]prio.SchedulerID
	cpuCount  int
	seq       uint64
	trace     trace.Recorder
}

// Assignment is one processor and the thread it would execute.
type Assignment struct {
	CPU       int
	Scheduler prio.SchedulerID
	Thread    prio.ThreadID
	Idle      bool
}

// New creates a scheduler set for a system with cpus processors.
func New(cpus int, rec trace.Recorder) *Set {
	if rec == nil {
		rec = trace.Discard
	}
	return &Set{
		byName:   make(map[string]prio.SchedulerID),
		cpuOwner: make(map[int]prio.SchedulerID),
		cpuCount: cpus,
		trace:    rec,
	}
}

// AddScheduler creates a new instance without processors.
func (s *Set) AddScheduler(name string) (prio.SchedulerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byName[name]; dup {
		return 0, fmt.Errorf("scheduler %q already exists", name)
	}
	id := prio.SchedulerID(len(s.instances))
	s.instances = append(s.instances, &instance{
		id:      id,
		name:    name,
		ready:   redblacktree.NewWith(cmp),
		keys:    make(map[prio.ThreadID]readyKey),
		helpers: make(map[prio.ThreadID]bool),
	})
	s.byName[name] = id
	return id, nil
}

// Lookup returns the scheduler with the given name.
func (s *Set) Lookup(name string) (prio.SchedulerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	return id, ok
}

// Name returns the name of scheduler id.
func (s *Set) Name(id prio.SchedulerID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) >= len(s.instances) {
		return fmt.Sprintf("sched%d", id)
	}
	return s.instances[id].name
}

// Len returns the number of instances.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Register makes a newly created thread known to its home scheduler and
// places it in the ready queues if it is ready.
func (s *Set) Register(t *thread.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.get(t.Home())
	if err != nil {
		return err
	}
	inst.users++
	if t.IsReady() {
		s.insertAll(t)
	}
	return nil
}

// Block removes t from every ready queue it is in.
func (s *Set) Block(t *thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		s.removeFrom(inst, t.ID)
	}
	s.emit(trace.Event{Kind: trace.KindBlock, Thread: t.Name, Scheduler: s.nameOf(t.Home())})
}

// Unblock places t in the ready queue of every scheduler it has standing on.
func (s *Set) Unblock(t *thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertAll(t)
	s.emit(trace.Event{Kind: trace.KindUnblock, Thread: t.Name, Scheduler: s.nameOf(t.Home())})
}

// UpdatePriority repositions t in the ready queue of scheduler id after its
// effective priority there changed.
func (s *Set) UpdatePriority(t *thread.Thread, id prio.SchedulerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := t.Effective(id)
	if inst, err := s.get(id); err == nil && ok {
		if _, queued := inst.keys[t.ID]; queued {
			s.removeFrom(inst, t.ID)
			s.insert(inst, t, p)
		}
	}
	s.emit(trace.Event{Kind: trace.KindPriority, Thread: t.Name, Scheduler: s.nameOf(id), Value: int64(p)})
}

// AddHelper records that t gained standing on scheduler id, which is not its
// home, and makes it eligible there if it is ready.
func (s *Set) AddHelper(t *thread.Thread, id prio.SchedulerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.get(id)
	if err != nil {
		return
	}
	inst.helpers[t.ID] = true
	if p, ok := t.Effective(id); ok && t.IsReady() {
		s.removeFrom(inst, t.ID)
		s.insert(inst, t, p)
	}
	s.emit(trace.Event{Kind: trace.KindAddHelper, Thread: t.Name, Scheduler: inst.name})
}

// RemoveHelper detaches t from helping scheduler id.
func (s *Set) RemoveHelper(t *thread.Thread, id prio.SchedulerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.get(id)
	if err != nil {
		return
	}
	delete(inst.helpers, t.ID)
	s.removeFrom(inst, t.ID)
	s.emit(trace.Event{Kind: trace.KindRemoveHelper, Thread: t.Name, Scheduler: inst.name})
}

// Yield moves t behind the ready threads of equal priority.
func (s *Set) Yield(t *thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		k, ok := inst.keys[t.ID]
		if !ok {
			continue
		}
		s.removeFrom(inst, t.ID)
		s.insert(inst, t, k.priority)
	}
	s.emit(trace.Event{Kind: trace.KindYield, Thread: t.Name, Scheduler: s.nameOf(t.Home())})
}

// AddProcessor binds cpu to scheduler id. The processor must be unowned.
func (s *Set) AddProcessor(id prio.SchedulerID, cpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.get(id)
	if err != nil {
		return err
	}
	if cpu < 0 || cpu >= s.cpuCount {
		return fmt.Errorf("add processor %d: %w", cpu, ErrInvalidProcessor)
	}
	if owner, taken := s.cpuOwner[cpu]; taken {
		return fmt.Errorf("add processor %d: owned by %s: %w", cpu, s.instances[owner].name, ErrProcessorInUse)
	}
	s.cpuOwner[cpu] = id
	inst.cpus = append(inst.cpus, cpu)
	sort.Ints(inst.cpus)
	s.emit(trace.Event{Kind: trace.KindProcessor, Scheduler: inst.name, Value: int64(cpu), Note: "add"})
	return nil
}

// RemoveProcessor unbinds cpu from scheduler id. The last processor of a
// scheduler that still has threads homed on it cannot be removed.
func (s *Set) RemoveProcessor(id prio.SchedulerID, cpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.get(id)
	if err != nil {
		return err
	}
	if owner, ok := s.cpuOwner[cpu]; !ok || owner != id {
		return fmt.Errorf("remove processor %d from %s: %w", cpu, inst.name, ErrInvalidProcessor)
	}
	if len(inst.cpus) == 1 && inst.users > 0 {
		return fmt.Errorf("remove last processor of %s: %w", inst.name, ErrProcessorInUse)
	}
	delete(s.cpuOwner, cpu)
	for i, c := range inst.cpus {
		if c == cpu {
			inst.cpus = append(inst.cpus[:i], inst.cpus[i+1:]...)
			break
		}
	}
	s.emit(trace.Event{Kind: trace.KindProcessor, Scheduler: inst.name, Value: int64(cpu), Note: "remove"})
	return nil
}

// Processors returns the processors owned by scheduler id.
func (s *Set) Processors(id prio.SchedulerID) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.get(id)
	if err != nil {
		return nil
	}
	return append([]int(nil), inst.cpus...)
}

// Ready returns the ready threads of scheduler id in dispatch order.
func (s *Set) Ready(id prio.SchedulerID) []prio.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.get(id)
	if err != nil {
		return nil
	}
	var out []prio.ThreadID
	for it := inst.ready.Iterator(); it.Next(); {
		out = append(out, it.Key().(readyKey).id)
	}
	return out
}

// Helpers returns the threads helping on scheduler id, sorted by ID.
func (s *Set) Helpers(id prio.SchedulerID) []prio.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.get(id)
	if err != nil {
		return nil
	}
	out := make([]prio.ThreadID, 0, len(inst.helpers))
	for tid := range inst.helpers {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Heirs computes which thread every processor would execute next. Schedulers
// are visited in ID order; a thread already given a processor by an earlier
// scheduler is skipped, since a thread executes on one processor at a time.
func (s *Set) Heirs() []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := make(map[prio.ThreadID]bool)
	var out []Assignment
	for _, inst := range s.instances {
		it := inst.ready.Iterator()
		for _, cpu := range inst.cpus {
			a := Assignment{CPU: cpu, Scheduler: inst.id, Idle: true}
			for it.Next() {
				id := it.Key().(readyKey).id
				if taken[id] {
					continue
				}
				taken[id] = true
				a.Thread, a.Idle = id, false
				break
			}
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPU < out[j].CPU })
	return out
}

func (s *Set) get(id prio.SchedulerID) (*instance, error) {
	if int(id) >= len(s.instances) {
		return nil, fmt.Errorf("scheduler %d: %w", id, ErrNoScheduler)
	}
	return s.instances[id], nil
}

func (s *Set) nameOf(id prio.SchedulerID) string {
	if int(id) >= len(s.instances) {
		return ""
	}
	return s.instances[id].name
}

func (s *Set) insertAll(t *thread.Thread) {
	for _, id := range t.Schedulers() {
		inst, err := s.get(id)
		if err != nil {
			continue
		}
		p, _ := t.Effective(id)
		s.removeFrom(inst, t.ID)
		s.insert(inst, t, p)
	}
}

func (s *Set) insert(inst *instance, t *thread.Thread, p prio.Priority) {
	s.seq++
	k := readyKey{priority: p, seq: s.seq, id: t.ID}
	inst.ready.Put(k, t)
	inst.keys[t.ID] = k
}

func (s *Set) removeFrom(inst *instance, id prio.ThreadID) {
	if k, ok := inst.keys[id]; ok {
		inst.ready.Remove(k)
		delete(inst.keys, id)
	}
}

func (s *Set) emit(ev trace.Event) { s.trace.Record(ev) }

// readyKey is used as a key in the ready queue red-black tree.
type readyKey struct {
	priority prio.Priority
	seq      uint64
	id       prio.ThreadID
}

// cmp orders ready threads by priority, then FIFO by insertion.
func cmp(a, b any) int {
	ka, kb := a.(readyKey), b.(readyKey)
	switch {
	case ka.priority < kb.priority:
		return -1
	case ka.priority > kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
