package mrsp

import (
	"errors"
	"testing"

	"tqcore/internal/prio"
	"tqcore/internal/sched"
	"tqcore/internal/status"
	"tqcore/internal/thread"
	"tqcore/internal/threadq"
	"tqcore/internal/trace"
	"tqcore/internal/watchdog"
)

type env struct {
	t       *testing.T
	set     *sched.Set
	header  *watchdog.Header
	engine  *threadq.Engine
	log     *trace.Log
	x, y    prio.SchedulerID
	threads []*thread.Thread
}

func newEnv(t *testing.T) *env {
	e := &env{t: t, header: watchdog.NewHeader()}
	e.log = trace.NewLog(e.header.Now)
	e.set = sched.New(2, e.log)
	e.x, _ = e.set.AddScheduler("X")
	e.y, _ = e.set.AddScheduler("Y")
	if err := e.set.AddProcessor(e.x, 0); err != nil {
		t.Fatal(err)
	}
	if err := e.set.AddProcessor(e.y, 1); err != nil {
		t.Fatal(err)
	}
	e.engine = threadq.NewEngine(e.set, e.header, e.log)
	return e
}

func (e *env) thread(name string, home prio.SchedulerID, p prio.Priority) *thread.Thread {
	th := thread.New(prio.ThreadID(len(e.threads)+1), name, home, p, 8)
	if err := e.set.Register(th); err != nil {
		e.t.Fatal(err)
	}
	e.threads = append(e.threads, th)
	return th
}

func (e *env) resource(name string, ceilings map[prio.SchedulerID]prio.Priority) *Resource {
	return New(e.engine, name, ceilings, e.log)
}

func (e *env) tick() {
	for _, x := range e.header.Tick() {
		for _, th := range e.threads {
			if uint32(th.ID) == x.Arg {
				if err := e.engine.Expire(th, x.Episode); err != nil {
					e.t.Fatalf("expire: %v", err)
				}
			}
		}
		x.Timer.Done(x)
	}
}

func (e *env) prio(th *thread.Thread, s prio.SchedulerID) prio.Priority {
	e.t.Helper()
	p, ok := th.Effective(s)
	if !ok {
		e.t.Fatalf("%s has no standing on %s", th.Name, e.set.Name(s))
	}
	return p
}

func mustObtain(t *testing.T, r *Resource, th *thread.Thread) {
	t.Helper()
	blocked, err := r.Obtain(th, 0)
	if err != nil || blocked {
		t.Fatalf("obtain %s by %s = %v, %v", r.Name(), th.Name, blocked, err)
	}
}

func mustRelease(t *testing.T, r *Resource, th *thread.Thread) *thread.Thread {
	t.Helper()
	next, err := r.Release(th)
	if err != nil {
		t.Fatalf("release %s by %s: %v", r.Name(), th.Name, err)
	}
	return next
}

func TestScenarioCeilingRaiseAndRestore(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10})

	mustObtain(t, r, t1)
	if r.Owner() != t1 {
		t.Fatal("owner not set")
	}
	if p := e.prio(t1, e.x); p != 10 {
		t.Fatalf("priority while owning = %d, want 10", p)
	}
	if next := mustRelease(t, r, t1); next != nil {
		t.Fatalf("released to %s", next.Name)
	}
	if p := e.prio(t1, e.x); p != 50 {
		t.Fatalf("priority after release = %d, want 50", p)
	}
	if r.Owner() != nil {
		t.Fatal("resource still owned")
	}
	if n := e.log.Count(trace.KindPriority, "T1"); n != 2 {
		t.Fatalf("priority updates = %d, want 2", n)
	}
}

func TestScenarioHandoverAcrossSchedulers(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	t2 := e.thread("T2", e.y, 5)
	r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10, e.y: 3})

	mustObtain(t, r, t1)
	if got := t1.Helping(); len(got) != 1 || got[0] != e.y {
		t.Fatalf("T1 helping = %v, want [Y]", got)
	}

	blocked, err := r.Obtain(t2, 0)
	if err != nil || !blocked {
		t.Fatalf("obtain by T2 = %v, %v", blocked, err)
	}
	if r.Len() != 1 || t2.Flags() != thread.Blocked {
		t.Fatalf("len = %d flags = %s", r.Len(), t2.Flags())
	}

	if next := mustRelease(t, r, t1); next != t2 {
		t.Fatalf("new owner = %v", next)
	}
	if r.Owner() != t2 {
		t.Fatal("ownership not transferred")
	}
	if n := e.log.Count(trace.KindUnblock, "T2"); n != 1 {
		t.Fatalf("T2 unblocks = %d", n)
	}
	if p := e.prio(t2, e.x); p != 10 {
		t.Fatalf("T2 on X = %d, want 10", p)
	}
	if p := e.prio(t2, e.y); p != 3 {
		t.Fatalf("T2 on Y = %d, want 3", p)
	}
	if got := t2.Helping(); len(got) != 1 || got[0] != e.x {
		t.Fatalf("T2 helping = %v, want [X]", got)
	}
	if len(t1.Helping()) != 0 {
		t.Fatalf("T1 still helping on %v", t1.Helping())
	}
	if p := e.prio(t1, e.x); p != 50 {
		t.Fatalf("T1 = %d, want 50", p)
	}
	if h := e.set.Helpers(e.x); len(h) != 1 || h[0] != t2.ID {
		t.Fatalf("helpers on X = %v", h)
	}
}

func TestScenarioTimeoutAgainstRelease(t *testing.T) {
	for _, releaseFirst := range []bool{true, false} {
		e := newEnv(t)
		t1 := e.thread("T1", e.x, 50)
		t2 := e.thread("T2", e.y, 5)
		r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10, e.y: 3})
		mustObtain(t, r, t1)
		r.Obtain(t2, 5)

		for i := 0; i < 4; i++ {
			e.tick()
		}
		fired := e.header.Tick()
		if len(fired) != 1 {
			t.Fatalf("fired = %d", len(fired))
		}
		expire := func() {
			if err := e.engine.Expire(t2, fired[0].Episode); err != nil {
				t.Fatal(err)
			}
			fired[0].Timer.Done(fired[0])
		}
		if releaseFirst {
			mustRelease(t, r, t1)
			expire()
		} else {
			expire()
			mustRelease(t, r, t1)
		}

		want, owner := status.Timeout, (*thread.Thread)(nil)
		if releaseFirst {
			want, owner = status.Successful, t2
		}
		if t2.Status() != want || r.Owner() != owner {
			t.Fatalf("releaseFirst=%v: status = %s owner = %v", releaseFirst, t2.Status(), r.Owner())
		}
		if n := e.log.Count(trace.KindUnblock, "T2"); n != 1 {
			t.Fatalf("releaseFirst=%v: %d unblocks", releaseFirst, n)
		}
	}
}

func TestScenarioNestedCeilings(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	r1 := e.resource("R1", map[prio.SchedulerID]prio.Priority{e.x: 10})
	r2 := e.resource("R2", map[prio.SchedulerID]prio.Priority{e.x: 20})

	mustObtain(t, r1, t1)
	mustObtain(t, r2, t1)
	if p := e.prio(t1, e.x); p != 10 {
		t.Fatalf("priority = %d, want 10", p)
	}
	mustRelease(t, r1, t1)
	if p := e.prio(t1, e.x); p != 20 {
		t.Fatalf("after R1 = %d, want 20", p)
	}
	mustRelease(t, r2, t1)
	if p := e.prio(t1, e.x); p != 50 {
		t.Fatalf("after R2 = %d, want 50", p)
	}
}

func TestDispensableReleaseLeavesPriority(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	r1 := e.resource("R1", map[prio.SchedulerID]prio.Priority{e.x: 5})
	r2 := e.resource("R2", map[prio.SchedulerID]prio.Priority{e.x: 10})

	mustObtain(t, r1, t1)
	mustObtain(t, r2, t1)
	before := e.log.Count(trace.KindPriority, "T1")
	mustRelease(t, r2, t1)
	if n := e.log.Count(trace.KindPriority, "T1"); n != before {
		t.Fatalf("dispensable release notified the scheduler (%d updates)", n-before)
	}
	if p := e.prio(t1, e.x); p != 5 {
		t.Fatalf("priority = %d, want 5", p)
	}
}

func TestVitalHelpingStaysAttached(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	r1 := e.resource("R1", map[prio.SchedulerID]prio.Priority{e.x: 10, e.y: 20})
	r2 := e.resource("R2", map[prio.SchedulerID]prio.Priority{e.y: 15})

	before := t1.Helping()
	mustObtain(t, r1, t1)
	mustObtain(t, r2, t1)
	if n := e.log.Count(trace.KindAddHelper, "T1"); n != 1 {
		t.Fatalf("add helper = %d, want 1", n)
	}

	mustRelease(t, r1, t1)
	if n := e.log.Count(trace.KindRemoveHelper, "T1"); n != 0 {
		t.Fatal("helping scheduler still in use was detached")
	}
	if p := e.prio(t1, e.y); p != 15 {
		t.Fatalf("T1 on Y = %d, want 15", p)
	}

	mustRelease(t, r2, t1)
	if n := e.log.Count(trace.KindRemoveHelper, "T1"); n != 1 {
		t.Fatalf("remove helper = %d, want 1", n)
	}
	if after := t1.Helping(); len(after) != len(before) {
		t.Fatalf("helping before %v after %v", before, after)
	}
}

func TestSuspendedNewOwnerIsNotUnblocked(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	t2 := e.thread("T2", e.y, 5)
	r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10, e.y: 3})

	mustObtain(t, r, t1)
	r.Obtain(t2, 0)
	t2.Suspend()

	if next := mustRelease(t, r, t1); next != t2 {
		t.Fatalf("new owner = %v", next)
	}
	if r.Owner() != t2 || r.Len() != 0 {
		t.Fatal("ownership not transferred to the suspended thread")
	}
	if n := e.log.Count(trace.KindUnblock, "T2"); n != 0 {
		t.Fatalf("suspended owner unblocked %d times", n)
	}
	if len(e.set.Ready(e.y)) != 0 {
		t.Fatalf("ready on Y = %v", e.set.Ready(e.y))
	}
	if !t2.Resume() {
		t.Fatal("resume did not make T2 ready")
	}
}

func TestCeilingViolation(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 5)
	r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10})

	_, err := r.Obtain(t1, 0)
	if !errors.Is(err, status.ErrCeilingViolated) {
		t.Fatalf("err = %v", err)
	}
	if r.Owner() != nil {
		t.Fatal("violating thread became owner")
	}
}

func TestSelfObtainIsDeadlock(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10})
	mustObtain(t, r, t1)

	if _, err := r.Obtain(t1, 0); !errors.Is(err, status.ErrDeadlock) {
		t.Fatalf("err = %v", err)
	}
	if r.Owner() != t1 || r.Len() != 0 {
		t.Fatal("self obtain changed the resource")
	}
}

func TestReleaseByNonOwner(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	t2 := e.thread("T2", e.x, 60)
	r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10})
	mustObtain(t, r, t1)

	if _, err := r.Release(t2); !errors.Is(err, status.ErrNotOwner) {
		t.Fatalf("err = %v", err)
	}
	if p := e.prio(t1, e.x); p != 10 {
		t.Fatalf("owner priority = %d", p)
	}
}

func TestEqualCeilingsTieBreak(t *testing.T) {
	e := newEnv(t)
	t1 := e.thread("T1", e.x, 50)
	r1 := e.resource("R1", map[prio.SchedulerID]prio.Priority{e.x: 10})
	r2 := e.resource("R2", map[prio.SchedulerID]prio.Priority{e.x: 10})

	mustObtain(t, r1, t1)
	mustObtain(t, r2, t1)
	// The later equal node wins, so obtaining R2 is a (value preserving)
	// priority change and releasing R1 is not.
	if n := e.log.Count(trace.KindPriority, "T1"); n != 2 {
		t.Fatalf("updates after obtains = %d, want 2", n)
	}
	mustRelease(t, r1, t1)
	if n := e.log.Count(trace.KindPriority, "T1"); n != 2 {
		t.Fatalf("updates after releasing the tied loser = %d, want 2", n)
	}
	mustRelease(t, r2, t1)
	if n := e.log.Count(trace.KindPriority, "T1"); n != 3 {
		t.Fatalf("updates after releasing the winner = %d, want 3", n)
	}
}

func TestCeilingHeldForWholeOwnership(t *testing.T) {
	e := newEnv(t)
	ceilings := map[prio.SchedulerID]prio.Priority{e.x: 10, e.y: 3}
	r := e.resource("R", ceilings)
	ths := []*thread.Thread{
		e.thread("A", e.x, 50),
		e.thread("B", e.y, 5),
		e.thread("C", e.x, 40),
	}
	mustObtain(t, r, ths[0])
	r.Obtain(ths[1], 0)
	r.Obtain(ths[2], 0)

	owners := map[prio.ThreadID]bool{}
	for owner := r.Owner(); owner != nil; {
		if owners[owner.ID] {
			t.Fatalf("%s owned twice", owner.Name)
		}
		owners[owner.ID] = true
		for s, c := range ceilings {
			if p := e.prio(owner, s); p > c {
				t.Fatalf("%s on %s = %d, below ceiling %d", owner.Name, e.set.Name(s), p, c)
			}
		}
		next := mustRelease(t, r, owner)
		if next != nil && next.WaitQueue() != nil {
			t.Fatalf("%s still waiting after becoming owner", next.Name)
		}
		owner = next
	}
	if len(owners) != 3 {
		t.Fatalf("owners = %d", len(owners))
	}
	for _, th := range ths {
		if len(th.Helping()) != 0 {
			t.Fatalf("%s still helping on %v", th.Name, th.Helping())
		}
	}
}

func TestSetCeilingAppliesToOwner(t *testing.T) {
	e := newEnv(t)
	r := e.resource("R", map[prio.SchedulerID]prio.Priority{e.x: 10})
	a := e.thread("A", e.x, 50)

	if _, ok, err := r.SetCeiling(e.x, 12); err != nil || !ok {
		t.Fatalf("unowned set ceiling = %v, %v", ok, err)
	}
	mustObtain(t, r, a)
	if p := e.prio(a, e.x); p != 12 {
		t.Fatalf("A on X = %d, want 12", p)
	}

	old, ok, err := r.SetCeiling(e.x, 5)
	if err != nil || !ok || old != 12 {
		t.Fatalf("set ceiling = %d, %v, %v", old, ok, err)
	}
	if p := e.prio(a, e.x); p != 5 {
		t.Fatalf("A on X = %d after raising the ceiling", p)
	}
	if _, ok, _ := r.SetCeiling(e.y, 4); ok {
		t.Fatal("new ceiling reported a previous value")
	}
	if p := e.prio(a, e.y); p != 4 {
		t.Fatalf("A on Y = %d, want 4", p)
	}
	if got := e.set.Helpers(e.y); len(got) != 1 || got[0] != a.ID {
		t.Fatalf("helpers on Y = %v", got)
	}

	mustRelease(t, r, a)
	if p := e.prio(a, e.x); p != 50 {
		t.Fatalf("A on X after release = %d", p)
	}
	if len(a.Helping()) != 0 {
		t.Fatalf("A still helping on %v", a.Helping())
	}
	if c, _ := r.Ceiling(e.y); c != 4 {
		t.Fatalf("ceiling on Y = %d", c)
	}
}
