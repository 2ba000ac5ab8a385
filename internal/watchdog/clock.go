// internal/watchdog/clock.go

package watchdog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock emits ticks at a fixed interval and counts them atomically. It is the
// hardware tick source of a simulated system.
type Clock struct {
	Ch    chan uint64
	count atomic.Uint64
	stop  chan struct{}
	once  sync.Once
}

// NewClock creates a stopped clock whose channel buffers up to buffer ticks.
func NewClock(buffer int) *Clock {
	return &Clock{
		Ch:   make(chan uint64, buffer),
		stop: make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval. Ticks are dropped while
// the channel is full, like a timer interrupt that nobody serviced.
func (c *Clock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := c.count.Add(1)
				select {
				case c.Ch <- n:
				default:
				}
			case <-c.stop:
				close(c.Ch)
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks. It is safe to call twice.
func (c *Clock) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Count returns the number of ticks emitted so far.
func (c *Clock) Count() uint64 {
	return c.count.Load()
}
