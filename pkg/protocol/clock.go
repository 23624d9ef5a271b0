package protocol

import (
	"sync"
	"time"
)

// Clock hands out message timestamps in milliseconds that never go backwards,
// even if the wall clock does.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewClock creates a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp that is >= every previously returned one.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts < c.last {
		ts = c.last
	}
	c.last = ts
	return ts
}
