package sched

import (
	"errors"
	"testing"

	"tqcore/internal/prio"
	"tqcore/internal/thread"
	"tqcore/internal/trace"
)

func newSet(t *testing.T, cpus int, names ...string) (*Set, []prio.SchedulerID) {
	t.Helper()
	s := New(cpus, nil)
	var ids []prio.SchedulerID
	for i, n := range names {
		id, err := s.AddScheduler(n)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AddProcessor(id, i); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return s, ids
}

func register(t *testing.T, s *Set, id prio.ThreadID, home prio.SchedulerID, p prio.Priority) *thread.Thread {
	t.Helper()
	th := thread.New(id, "", home, p, 4)
	if err := s.Register(th); err != nil {
		t.Fatal(err)
	}
	return th
}

func sameIDs(got, want []prio.ThreadID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestReadyOrder(t *testing.T) {
	s, ids := newSet(t, 1, "A")
	register(t, s, 1, ids[0], 20)
	register(t, s, 2, ids[0], 10)
	register(t, s, 3, ids[0], 20)

	if got := s.Ready(ids[0]); !sameIDs(got, []prio.ThreadID{2, 1, 3}) {
		t.Fatalf("ready = %v", got)
	}
}

func TestBlockUnblock(t *testing.T) {
	s, ids := newSet(t, 1, "A")
	a := register(t, s, 1, ids[0], 20)
	register(t, s, 2, ids[0], 30)

	s.Block(a)
	if got := s.Ready(ids[0]); !sameIDs(got, []prio.ThreadID{2}) {
		t.Fatalf("ready after block = %v", got)
	}
	s.Unblock(a)
	if got := s.Ready(ids[0]); !sameIDs(got, []prio.ThreadID{1, 2}) {
		t.Fatalf("ready after unblock = %v", got)
	}
}

func TestUpdatePriorityRepositions(t *testing.T) {
	s, ids := newSet(t, 1, "A")
	a := register(t, s, 1, ids[0], 20)
	register(t, s, 2, ids[0], 10)

	a.SetBase(5)
	s.UpdatePriority(a, ids[0])
	if got := s.Ready(ids[0]); !sameIDs(got, []prio.ThreadID{1, 2}) {
		t.Fatalf("ready = %v", got)
	}
}

func TestYield(t *testing.T) {
	s, ids := newSet(t, 1, "A")
	a := register(t, s, 1, ids[0], 10)
	register(t, s, 2, ids[0], 10)
	register(t, s, 3, ids[0], 20)

	s.Yield(a)
	if got := s.Ready(ids[0]); !sameIDs(got, []prio.ThreadID{2, 1, 3}) {
		t.Fatalf("ready = %v", got)
	}
}

func TestHelperJoinsReadyQueue(t *testing.T) {
	s, ids := newSet(t, 2, "A", "B")
	a := register(t, s, 1, ids[0], 20)

	a.ReplaceNodes(9, []prio.Node{prio.Inherited(ids[1], 4, 0)})
	s.AddHelper(a, ids[1])
	if got := s.Ready(ids[1]); !sameIDs(got, []prio.ThreadID{1}) {
		t.Fatalf("ready on B = %v", got)
	}
	if got := s.Helpers(ids[1]); !sameIDs(got, []prio.ThreadID{1}) {
		t.Fatalf("helpers on B = %v", got)
	}

	s.Block(a)
	if len(s.Ready(ids[1])) != 0 {
		t.Fatal("blocked helper still ready")
	}
	s.Unblock(a)
	if got := s.Ready(ids[1]); !sameIDs(got, []prio.ThreadID{1}) {
		t.Fatalf("unblock did not restore helper: %v", got)
	}

	a.ReplaceNodes(9, nil)
	s.RemoveHelper(a, ids[1])
	if len(s.Ready(ids[1])) != 0 || len(s.Helpers(ids[1])) != 0 {
		t.Fatal("helper not removed")
	}
}

func TestProcessorManagement(t *testing.T) {
	s, ids := newSet(t, 3, "A", "B")

	if err := s.AddProcessor(ids[1], 0); !errors.Is(err, ErrProcessorInUse) {
		t.Fatalf("steal processor: %v", err)
	}
	if err := s.AddProcessor(ids[1], 7); !errors.Is(err, ErrInvalidProcessor) {
		t.Fatalf("bad processor: %v", err)
	}
	if err := s.AddProcessor(ids[1], 2); err != nil {
		t.Fatal(err)
	}
	if got := s.Processors(ids[1]); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("processors = %v", got)
	}
	if err := s.RemoveProcessor(ids[0], 2); !errors.Is(err, ErrInvalidProcessor) {
		t.Fatalf("remove foreign processor: %v", err)
	}

	register(t, s, 1, ids[0], 10)
	if err := s.RemoveProcessor(ids[0], 0); !errors.Is(err, ErrProcessorInUse) {
		t.Fatalf("remove last used processor: %v", err)
	}
	if err := s.RemoveProcessor(ids[1], 1); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveProcessor(ids[1], 2); err != nil {
		t.Fatalf("unused scheduler may lose its last processor: %v", err)
	}
	if _, err := s.AddScheduler("A"); err == nil {
		t.Fatal("duplicate scheduler name accepted")
	}
}

func TestHeirs(t *testing.T) {
	s, ids := newSet(t, 2, "A", "B")
	a := register(t, s, 1, ids[0], 20)
	register(t, s, 2, ids[0], 30)

	// A helps on B at a higher priority than it has at home.
	a.ReplaceNodes(9, []prio.Node{prio.Inherited(ids[1], 1, 0)})
	s.AddHelper(a, ids[1])

	got := s.Heirs()
	if len(got) != 2 {
		t.Fatalf("heirs = %+v", got)
	}
	if got[0].CPU != 0 || got[0].Thread != 1 {
		t.Fatalf("cpu0 = %+v", got[0])
	}
	if !got[1].Idle {
		t.Fatalf("cpu1 = %+v, a thread runs on one processor only", got[1])
	}
}

func TestEventsRecorded(t *testing.T) {
	log := trace.NewLog(nil)
	s := New(1, log)
	id, _ := s.AddScheduler("A")
	s.AddProcessor(id, 0)
	th := thread.New(1, "T", id, 5, 2)
	s.Register(th)
	s.Block(th)
	s.Unblock(th)

	if log.Count(trace.KindBlock, "T") != 1 || log.Count(trace.KindUnblock, "T") != 1 {
		t.Fatalf("events = %+v", log.Events())
	}
	if log.Count(trace.KindProcessor, "") != 1 {
		t.Fatal("processor event missing")
	}
}
