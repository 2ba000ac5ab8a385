package watchdog

import (
	"testing"
	"time"
)

func TestTimerFiresAtDeadline(t *testing.T) {
	h := NewHeader()
	var tm Timer
	if err := tm.Arm(h, 3, KindQueueTimeout, 7, 1); err != nil {
		t.Fatal(err)
	}
	if tm.State() != Scheduled {
		t.Fatalf("state = %v", tm.State())
	}

	for i := 0; i < 2; i++ {
		if got := h.Tick(); len(got) != 0 {
			t.Fatalf("tick %d expired %d timers", h.Now(), len(got))
		}
	}
	got := h.Tick()
	if len(got) != 1 {
		t.Fatalf("expired %d timers at tick 3", len(got))
	}
	e := got[0]
	if e.Kind != KindQueueTimeout || e.Arg != 7 || e.Episode != 1 {
		t.Fatalf("expired = %+v", e)
	}
	if tm.State() != Pending {
		t.Fatalf("state after fire = %v", tm.State())
	}
	if !tm.Cancel() {
		t.Fatal("cancel of pending timer must report wasPending")
	}
	tm.Done(e)
	if tm.State() != Inactive {
		t.Fatalf("state after done = %v", tm.State())
	}
}

func TestCancelBeforeFire(t *testing.T) {
	h := NewHeader()
	var tm Timer
	tm.Arm(h, 1, KindDelay, 1, 1)
	if tm.Cancel() {
		t.Fatal("scheduled timer reported pending")
	}
	if h.Len() != 0 {
		t.Fatalf("header still holds %d entries", h.Len())
	}
	if got := h.Tick(); len(got) != 0 {
		t.Fatalf("cancelled timer fired: %+v", got)
	}
	if tm.State() != Inactive {
		t.Fatalf("state = %v", tm.State())
	}
}

func TestArmTwiceFails(t *testing.T) {
	h := NewHeader()
	var tm Timer
	tm.Arm(h, 5, KindDelay, 1, 1)
	if err := tm.Arm(h, 6, KindDelay, 1, 2); err == nil {
		t.Fatal("second arm succeeded")
	}
}

func TestRearmWhilePending(t *testing.T) {
	h := NewHeader()
	var tm Timer
	tm.Arm(h, 1, KindQueueTimeout, 1, 1)
	old := h.Tick()
	if len(old) != 1 {
		t.Fatal("timer did not fire")
	}
	if err := tm.Arm(h, 3, KindQueueTimeout, 1, 2); err != nil {
		t.Fatal(err)
	}
	// Resolving the stale expiry must not touch the new arming.
	tm.Done(old[0])
	if tm.State() != Scheduled {
		t.Fatalf("state = %v", tm.State())
	}
	h.Tick()
	got := h.Tick()
	if len(got) != 1 || got[0].Episode != 2 {
		t.Fatalf("expired = %+v", got)
	}
}

func TestExpiryOrder(t *testing.T) {
	h := NewHeader()
	timers := make([]Timer, 3)
	timers[0].Arm(h, 2, KindDelay, 0, 1)
	timers[1].Arm(h, 1, KindDelay, 1, 1)
	timers[2].Arm(h, 2, KindDelay, 2, 1)

	h.Tick()
	got := h.Tick()
	if len(got) != 2 || got[0].Arg != 0 || got[1].Arg != 2 {
		t.Fatalf("expired = %+v", got)
	}
}

func TestClockCounts(t *testing.T) {
	c := NewClock(16)
	c.Start(time.Millisecond)
	<-c.Ch
	<-c.Ch
	c.Stop()
	c.Stop()
	for range c.Ch {
	}
	if c.Count() < 2 {
		t.Fatalf("count = %d", c.Count())
	}
}
