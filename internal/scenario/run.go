// internal/scenario/run.go

package scenario

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"tqcore/internal/kernel"
	"tqcore/internal/mrsp"
	"tqcore/internal/prio"
	"tqcore/internal/status"
	"tqcore/internal/thread"
	"tqcore/internal/threadq"
)

// ErrExpectation marks a step whose outcome differs from the scenario.
var ErrExpectation = errors.New("expectation failed")

// Runner executes a scenario against a fresh system.
type Runner struct {
	file *File
	sys  *kernel.System
}

// New boots a system from the scenario's configuration and creates its
// objects.
func New(f *File, opts ...kernel.Option) (*Runner, error) {
	sys, err := kernel.New(f.Config, opts...)
	if err != nil {
		return nil, err
	}
	for _, ts := range f.Threads {
		if _, err := sys.CreateThread(ts.Name, ts.Scheduler, prio.Priority(ts.Priority)); err != nil {
			return nil, err
		}
	}
	for _, qs := range f.Queues {
		ops, err := qs.operations()
		if err != nil {
			return nil, err
		}
		if _, err := sys.CreateQueue(qs.Name, ops); err != nil {
			return nil, err
		}
	}
	for _, rs := range f.Resources {
		ceilings := make(map[string]prio.Priority, len(rs.Ceilings))
		for s, p := range rs.Ceilings {
			ceilings[s] = prio.Priority(p)
		}
		if _, err := sys.CreateResource(rs.Name, ceilings); err != nil {
			return nil, err
		}
	}
	return &Runner{file: f, sys: sys}, nil
}

func (qs QueueSpec) operations() (threadq.Operations, error) {
	ops := threadq.Operations{Owner: qs.Owner}
	switch qs.Ordering {
	case "", "PriorityFifo":
		ops.Ordering = threadq.PriorityFifo
	case "Fifo":
		ops.Ordering = threadq.Fifo
	default:
		return ops, fmt.Errorf("queue %q: unknown ordering %q", qs.Name, qs.Ordering)
	}
	switch qs.Protocol {
	case "", "Plain":
		ops.Protocol = threadq.Plain
	case "PriorityInherit":
		ops.Protocol = threadq.PriorityInherit
	default:
		return ops, fmt.Errorf("queue %q: unknown protocol %q", qs.Name, qs.Protocol)
	}
	return ops, nil
}

// System returns the system the scenario runs on.
func (r *Runner) System() *kernel.System { return r.sys }

// Run executes the steps in order and stops at the first failure.
func (r *Runner) Run() error {
	for i, st := range r.file.Steps {
		if err := r.step(st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Op, err)
		}
	}
	return nil
}

func (r *Runner) step(st Step) error {
	if err := r.outcome(st, r.do(st)); err != nil {
		return err
	}
	if st.Expect != nil {
		return r.check(*st.Expect)
	}
	return nil
}

func (r *Runner) do(st Step) error {
	sys := r.sys
	switch st.Op {
	case "expect":
		return nil
	case "tick":
		n := st.Ticks
		if n <= 0 {
			n = 1
		}
		return sys.Advance(n)
	case "flush":
		return r.flush(st)
	case "set_ceiling":
		res, err := sys.Resource(st.Object)
		if err != nil {
			return err
		}
		return sys.SetCeiling(res, st.Scheduler, prio.Priority(st.Priority))
	case "add_processor":
		return sys.AddProcessor(st.Scheduler, st.CPU)
	case "remove_processor":
		return sys.RemoveProcessor(st.Scheduler, st.CPU)
	}

	t, err := sys.Thread(st.Thread)
	if err != nil {
		return err
	}
	switch st.Op {
	case "obtain":
		res, err := sys.Resource(st.Object)
		if err != nil {
			return err
		}
		_, err = sys.Obtain(res, t, st.Timeout)
		return err
	case "release":
		res, err := sys.Resource(st.Object)
		if err != nil {
			return err
		}
		_, err = sys.Release(res, t)
		return err
	case "enqueue", "seize", "surrender", "extract":
		q, err := r.queue(st.Object)
		if err != nil {
			return err
		}
		return r.queueOp(st, q, t)
	case "delay":
		return sys.Delay(t, uint64(st.Ticks))
	case "suspend":
		return sys.Suspend(t)
	case "resume":
		return sys.Resume(t)
	case "yield":
		return sys.Yield(t)
	case "set_priority":
		return sys.SetPriority(t, prio.Priority(st.Priority))
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func (r *Runner) queueOp(st Step, q *threadq.Queue, t *thread.Thread) error {
	var err error
	switch st.Op {
	case "enqueue":
		_, err = r.sys.Enqueue(q, t, st.Timeout)
	case "seize":
		_, err = r.sys.Seize(q, t, st.Timeout)
	case "surrender":
		_, err = r.sys.Surrender(q, t)
	case "extract":
		code, perr := statusOr(st.Status, status.Unavailable)
		if perr != nil {
			return perr
		}
		err = r.sys.Extract(q, t, code)
	}
	return err
}

func (r *Runner) flush(st Step) error {
	q, err := r.queue(st.Object)
	if err != nil {
		return err
	}
	code, err := statusOr(st.Status, status.ObjectWasDeleted)
	if err != nil {
		return err
	}
	_, err = r.sys.Flush(q, code)
	return err
}

func statusOr(name string, def status.Code) (status.Code, error) {
	if name == "" {
		return def, nil
	}
	code, ok := status.Parse(name)
	if !ok {
		return 0, fmt.Errorf("unknown status %q", name)
	}
	return code, nil
}

// outcome compares the error of a step with the expected status.
func (r *Runner) outcome(st Step, err error) error {
	if st.Error == "" {
		return err
	}
	want, ok := status.Parse(st.Error)
	if !ok {
		return fmt.Errorf("unknown status %q", st.Error)
	}
	if err == nil || status.FromErr(err) != want {
		return fmt.Errorf("%w: error = %v, want %s", ErrExpectation, err, want)
	}
	return nil
}

// queue resolves a queue or the queue behind a resource.
func (r *Runner) queue(name string) (*threadq.Queue, error) {
	if q, err := r.sys.Queue(name); err == nil {
		return q, nil
	}
	res, err := r.sys.Resource(name)
	if err != nil {
		return nil, fmt.Errorf("object %q: %w", name, kernel.ErrNotFound)
	}
	return res.Queue(), nil
}

func (r *Runner) check(e Expect) error {
	var failed []string
	fail := func(format string, args ...any) {
		failed = append(failed, fmt.Sprintf(format, args...))
	}

	if e.Thread != "" {
		t, err := r.sys.Thread(e.Thread)
		if err != nil {
			return err
		}
		s := t.Home()
		if e.Scheduler != "" {
			if s, err = r.sys.Scheduler(e.Scheduler); err != nil {
				return err
			}
		}
		p, standing := t.Effective(s)
		if e.Standing != nil && standing != *e.Standing {
			fail("%s standing on %s = %v", t.Name, r.sys.Schedulers().Name(s), standing)
		}
		if e.Priority != nil && (!standing || p != prio.Priority(*e.Priority)) {
			fail("%s priority on %s = %d, want %d", t.Name, r.sys.Schedulers().Name(s), p, *e.Priority)
		}
		if e.Ready != nil && t.IsReady() != *e.Ready {
			fail("%s ready = %v", t.Name, t.IsReady())
		}
		if e.Status != "" && t.Status().String() != e.Status {
			fail("%s status = %s, want %s", t.Name, t.Status(), e.Status)
		}
		if e.Helping != nil {
			var got []string
			for _, id := range t.Helping() {
				got = append(got, r.sys.Schedulers().Name(id))
			}
			if !sameSet(got, e.Helping) {
				fail("%s helping = %v, want %v", t.Name, got, e.Helping)
			}
		}
	}

	if e.Object != "" {
		q, err := r.queue(e.Object)
		if err != nil {
			return err
		}
		if e.Owner != nil {
			got := ""
			if o := q.Owner(); o != nil {
				got = o.Name
			}
			if got != *e.Owner {
				fail("%s owner = %q, want %q", q.Name(), got, *e.Owner)
			}
		}
		if e.Waiters != nil {
			var got []string
			for _, w := range q.Waiters() {
				got = append(got, w.Name)
			}
			if strings.Join(got, ",") != strings.Join(e.Waiters, ",") {
				fail("%s waiters = %v, want %v", q.Name(), got, e.Waiters)
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrExpectation, strings.Join(failed, "; "))
	}
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Resources returns the resources the scenario declares, in file order.
func (r *Runner) Resources() []*mrsp.Resource {
	var out []*mrsp.Resource
	for _, rs := range r.file.Resources {
		if res, err := r.sys.Resource(rs.Name); err == nil {
			out = append(out, res)
		}
	}
	return out
}
