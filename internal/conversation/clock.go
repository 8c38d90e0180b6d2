// ABOUTME: Strictly increasing timestamp source for message creation times
// ABOUTME: Guarantees a total order within a process even when the wall clock stalls or steps back

package conversation

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps at microsecond
// resolution, which is what the stores persist.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock backed by time.Now. Pass a non-nil now for tests.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns a timestamp later than every previous one.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
