// internal/kernel/system.go

package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tqcore/internal/fatal"
	"tqcore/internal/mrsp"
	"tqcore/internal/prio"
	"tqcore/internal/sched"
	"tqcore/internal/thread"
	"tqcore/internal/threadq"
	"tqcore/internal/trace"
	"tqcore/internal/watchdog"
)

var (
	ErrTooMany  = errors.New("too many objects")
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrWaiting  = errors.New("thread is waiting")
)

// System owns every kernel object of one boot session: the scheduler set,
// the tick header, and the fixed-size thread and object arenas.
type System struct {
	cfg    Config
	sched  *sched.Set
	header *watchdog.Header
	engine *threadq.Engine
	log    *trace.Log

	mu        sync.Mutex // protects the arenas
	threads   []*thread.Thread
	byName    map[string]*thread.Thread
	queues    map[string]*threadq.Queue
	resources map[string]*mrsp.Resource

	onFatal fatal.Handler
	halted  atomic.Pointer[fatal.Error]
}

// Option customises a System.
type Option func(*System)

// WithFatalHandler installs the handler the first fatal error is routed to.
func WithFatalHandler(h fatal.Handler) Option {
	return func(s *System) { s.onFatal = h }
}

// WithOutput prints every traced event to w.
func WithOutput(w io.Writer) Option {
	return func(s *System) { s.log.SetOutput(w) }
}

// New builds a system from cfg.
func New(cfg Config, opts ...Option) (*System, error) {
	cfg.clamp()
	s := &System{
		cfg:       cfg,
		header:    watchdog.NewHeader(),
		threads:   make([]*thread.Thread, 0, cfg.MaxThreads),
		byName:    make(map[string]*thread.Thread),
		queues:    make(map[string]*threadq.Queue),
		resources: make(map[string]*mrsp.Resource),
	}
	s.log = trace.NewLog(s.header.Now)
	s.onFatal = func(e *fatal.Error) {
		fmt.Fprintf(os.Stderr, "kernel halted: %v\n", e)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sched = sched.New(cfg.Processors, s.log)
	for _, sc := range cfg.Schedulers {
		id, err := s.sched.AddScheduler(sc.Name)
		if err != nil {
			return nil, err
		}
		for _, cpu := range sc.Processors {
			if err := s.sched.AddProcessor(id, cpu); err != nil {
				return nil, fmt.Errorf("scheduler %s: %w", sc.Name, err)
			}
		}
	}
	s.engine = threadq.NewEngine(s.sched, s.header, s.log)
	return s, nil
}

// Config returns the effective configuration.
func (s *System) Config() Config { return s.cfg }

// Log returns the event trace.
func (s *System) Log() *trace.Log { return s.log }

// Schedulers returns the scheduler set.
func (s *System) Schedulers() *sched.Set { return s.sched }

// Engine returns the thread queue engine.
func (s *System) Engine() *threadq.Engine { return s.engine }

// Now returns the current tick.
func (s *System) Now() uint64 { return s.header.Now() }

// Halted returns the fatal error that stopped the system, nil while running.
func (s *System) Halted() *fatal.Error { return s.halted.Load() }

// Scheduler resolves a scheduler name.
func (s *System) Scheduler(name string) (prio.SchedulerID, error) {
	id, ok := s.sched.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("scheduler %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// CreateThread allocates a ready thread from the arena.
func (s *System) CreateThread(name, scheduler string, p prio.Priority) (*thread.Thread, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	home, err := s.Scheduler(scheduler)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, dup := s.byName[name]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("thread %q: %w", name, ErrExists)
	}
	if len(s.threads) == cap(s.threads) {
		s.mu.Unlock()
		return nil, fmt.Errorf("thread %q: %w", name, ErrTooMany)
	}
	t := thread.New(prio.ThreadID(len(s.threads)+1), name, home, p, s.cfg.MaxNodes)
	s.threads = append(s.threads, t)
	s.byName[name] = t
	s.mu.Unlock()

	return t, s.sched.Register(t)
}

// Thread returns the thread with the given name.
func (s *System) Thread(name string) (*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("thread %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// Threads returns all threads in creation order.
func (s *System) Threads() []*thread.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*thread.Thread(nil), s.threads...)
}

func (s *System) threadByID(id uint32) *thread.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || int(id) > len(s.threads) {
		return nil
	}
	return s.threads[id-1]
}

// CreateQueue allocates a thread queue object.
func (s *System) CreateQueue(name string, ops threadq.Operations) (*threadq.Queue, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	if ops.Protocol == threadq.Ceiling {
		return nil, fmt.Errorf("queue %q: ceiling queues are created as resources", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserve(name); err != nil {
		return nil, err
	}
	q := s.engine.NewQueue(name, ops, nil)
	s.queues[name] = q
	return q, nil
}

// CreateResource allocates an MRSP resource with ceilings keyed by
// scheduler name.
func (s *System) CreateResource(name string, ceilings map[string]prio.Priority) (*mrsp.Resource, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	byID := make(map[prio.SchedulerID]prio.Priority, len(ceilings))
	for sn, p := range ceilings {
		id, err := s.Scheduler(sn)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", name, err)
		}
		byID[id] = p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserve(name); err != nil {
		return nil, err
	}
	r := mrsp.New(s.engine, name, byID, s.log)
	s.resources[name] = r
	return r, nil
}

// Queue returns the queue with the given name.
func (s *System) Queue(name string) (*threadq.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", name, ErrNotFound)
	}
	return q, nil
}

// Resource returns the resource with the given name.
func (s *System) Resource(name string) (*mrsp.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[name]
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", name, ErrNotFound)
	}
	return r, nil
}

func (s *System) reserve(name string) error {
	_, q := s.queues[name]
	_, r := s.resources[name]
	if q || r {
		return fmt.Errorf("object %q: %w", name, ErrExists)
	}
	if len(s.queues)+len(s.resources) >= s.cfg.MaxObjects {
		return fmt.Errorf("object %q: %w", name, ErrTooMany)
	}
	return nil
}

// Tick advances the clock by one tick and runs the handlers of the expired
// timers.
func (s *System) Tick() error {
	if err := s.running(); err != nil {
		return err
	}
	s.log.Record(trace.Event{Kind: trace.KindTick})
	expired := s.header.Tick()
	for i, x := range expired {
		err := s.expire(x)
		x.Timer.Done(x)
		if err != nil {
			// Claimed entries are Pending; return them to Inactive.
			for _, rest := range expired[i+1:] {
				rest.Timer.Done(rest)
			}
			return s.check(err)
		}
	}
	return nil
}

// Advance runs n ticks.
func (s *System) Advance(n int) error {
	for i := 0; i < n; i++ {
		if err := s.Tick(); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) expire(x watchdog.Expired) error {
	t := s.threadByID(x.Arg)
	if t == nil {
		return fatal.New(fatal.SourceWatchdog, fatal.TimerState, "timer of unknown thread %d", x.Arg)
	}
	switch x.Kind {
	case watchdog.KindQueueTimeout:
		return s.engine.Expire(t, x.Episode)
	case watchdog.KindDelay:
		return s.wake(t, x.Episode)
	default:
		return fatal.New(fatal.SourceWatchdog, fatal.TimerState, "timer kind %s", x.Kind)
	}
}

// Run drives the tick header from a real-time clock until ctx is done.
func (s *System) Run(ctx context.Context) error {
	clock := watchdog.NewClock(256)
	clock.Start(time.Duration(s.cfg.TickMS) * time.Millisecond)
	defer clock.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-clock.Ch:
			if !ok {
				return nil
			}
			if err := s.Tick(); err != nil {
				return err
			}
		}
	}
}

// running returns fatal.ErrHalted once the system stopped.
func (s *System) running() error {
	if s.halted.Load() != nil {
		return fatal.ErrHalted
	}
	return nil
}

// check routes a fatal error to the halt handler. Other errors pass through.
func (s *System) check(err error) error {
	fe, ok := fatal.As(err)
	if !ok {
		return err
	}
	if s.halted.CompareAndSwap(nil, fe) {
		s.log.Record(trace.Event{Kind: trace.KindFatal, Note: fe.Error()})
		if s.onFatal != nil {
			s.onFatal(fe)
		}
	}
	return err
}
