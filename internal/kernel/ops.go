// internal/kernel/ops.go

package kernel

import (
	"context"
	"fmt"

	"tqcore/internal/fatal"
	"tqcore/internal/mrsp"
	"tqcore/internal/prio"
	"tqcore/internal/status"
	"tqcore/internal/thread"
	"tqcore/internal/threadq"
	"tqcore/internal/trace"
	"tqcore/internal/watchdog"
)

// Enqueue blocks t on q. See threadq.Queue.Enqueue.
func (s *System) Enqueue(q *threadq.Queue, t *thread.Thread, timeout uint64) (bool, error) {
	if err := s.running(); err != nil {
		return false, err
	}
	blocked, err := q.Enqueue(t, timeout)
	return blocked, s.check(err)
}

// Seize acquires q for t, blocking while it is owned.
func (s *System) Seize(q *threadq.Queue, t *thread.Thread, timeout uint64) (bool, error) {
	if err := s.running(); err != nil {
		return false, err
	}
	blocked, err := q.Seize(t, timeout)
	return blocked, s.check(err)
}

// Surrender releases q held by prev.
func (s *System) Surrender(q *threadq.Queue, prev *thread.Thread) (*thread.Thread, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	next, err := q.Surrender(prev)
	return next, s.check(err)
}

// Extract removes t from q with the given wait status.
func (s *System) Extract(q *threadq.Queue, t *thread.Thread, code status.Code) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.check(q.Extract(t, code))
}

// Flush removes every waiter of q.
func (s *System) Flush(q *threadq.Queue, code status.Code) (int, error) {
	if err := s.running(); err != nil {
		return 0, err
	}
	n, err := q.Flush(code)
	return n, s.check(err)
}

// Obtain acquires r for t.
func (s *System) Obtain(r *mrsp.Resource, t *thread.Thread, timeout uint64) (bool, error) {
	if err := s.running(); err != nil {
		return false, err
	}
	blocked, err := r.Obtain(t, timeout)
	return blocked, s.check(err)
}

// Release gives r up.
func (s *System) Release(r *mrsp.Resource, t *thread.Thread) (*thread.Thread, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	next, err := r.Release(t)
	return next, s.check(err)
}

// SetCeiling changes the ceiling of r on the named scheduler. A current owner
// is updated at once.
func (s *System) SetCeiling(r *mrsp.Resource, scheduler string, p prio.Priority) error {
	if err := s.running(); err != nil {
		return err
	}
	id, err := s.Scheduler(scheduler)
	if err != nil {
		return err
	}
	_, _, err = r.SetCeiling(id, p)
	return s.check(err)
}

// SetPriority changes the base priority of t.
func (s *System) SetPriority(t *thread.Thread, p prio.Priority) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.check(s.engine.SetPriority(t, p))
}

// Wait blocks the caller until the episode of t is resolved.
func (s *System) Wait(ctx context.Context, t *thread.Thread) error {
	return t.Await(ctx)
}

// Suspend stops t from being scheduled until Resume. A waiting thread stays
// enqueued; when its wait ends it stays off the ready queues.
func (s *System) Suspend(t *thread.Thread) error {
	if err := s.running(); err != nil {
		return err
	}
	s.log.Record(trace.Event{Kind: trace.KindSuspend, Thread: t.Name})
	if t.Suspend() {
		s.sched.Block(t)
	}
	return nil
}

// Resume undoes Suspend.
func (s *System) Resume(t *thread.Thread) error {
	if err := s.running(); err != nil {
		return err
	}
	s.log.Record(trace.Event{Kind: trace.KindResume, Thread: t.Name})
	if t.Resume() {
		s.sched.Unblock(t)
	}
	return nil
}

// Yield moves t behind its peers of equal priority.
func (s *System) Yield(t *thread.Thread) error {
	if err := s.running(); err != nil {
		return err
	}
	s.sched.Yield(t)
	return nil
}

// Delay blocks t for the given number of ticks. Zero yields. A thread that
// already waits is refused with ErrWaiting.
func (s *System) Delay(t *thread.Thread, ticks uint64) error {
	if err := s.running(); err != nil {
		return err
	}
	if t.States()&(thread.StateWaitingForObject|thread.StateDelayed) != 0 {
		return fmt.Errorf("delay %s: %w", t.Name, ErrWaiting)
	}
	if ticks == 0 {
		s.sched.Yield(t)
		return nil
	}

	episode := t.BeginWait(nil, thread.StateDelayed)
	deadline := s.header.Now() + ticks
	if err := t.Timer.Arm(s.header, deadline, watchdog.KindDelay, uint32(t.ID), episode); err != nil {
		return s.check(fatal.New(fatal.SourceWatchdog, fatal.TimerState, "%s: %v", t.Name, err))
	}
	s.log.Record(trace.Event{Kind: trace.KindDelay, Thread: t.Name, Value: int64(ticks)})

	s.sched.Block(t)
	if t.TryChangeFlags(thread.IntendToBlock, thread.Blocked) {
		return nil
	}
	// The delay expired before the block completed.
	s.endDelay(t)
	return nil
}

// wake is the expiry handler of a delay.
func (s *System) wake(t *thread.Thread, episode uint64) error {
	if t.Episode() != episode || t.States()&thread.StateDelayed == 0 {
		return nil
	}
	if t.TryChangeFlags(thread.IntendToBlock, thread.ReadyAgain) {
		return nil
	}
	if t.TryChangeFlags(thread.Blocked, thread.ReadyAgain) {
		s.endDelay(t)
		return nil
	}
	return fatal.New(fatal.SourceWatchdog, fatal.InconsistentWaitFlags,
		"%s: delayed with wait flags %s", t.Name, t.Flags())
}

func (s *System) endDelay(t *thread.Thread) {
	if t.EndWait(thread.StateDelayed) {
		s.sched.Unblock(t)
	}
}

// AddProcessor assigns cpu to the named scheduler.
func (s *System) AddProcessor(scheduler string, cpu int) error {
	id, err := s.Scheduler(scheduler)
	if err != nil {
		return err
	}
	return s.sched.AddProcessor(id, cpu)
}

// RemoveProcessor takes cpu away from the named scheduler.
func (s *System) RemoveProcessor(scheduler string, cpu int) error {
	id, err := s.Scheduler(scheduler)
	if err != nil {
		return err
	}
	return s.sched.RemoveProcessor(id, cpu)
}
