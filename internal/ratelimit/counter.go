// Package ratelimit throttles repeated log lines from hot paths such as the
// per-detection flush attempt.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts occurrences and allows one log line per interval. Events
// seen while throttled are reported with the next allowed line. It is safe
// for concurrent use.
type Counter struct {
	interval   time.Duration
	lastLog    atomic.Int64
	total      atomic.Uint64
	suppressed atomic.Uint64
}

// NewCounter allows a log at most once per interval. A zero or negative
// interval always allows.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval}
}

// Inc records one occurrence at now. When logging is allowed it also returns
// how many occurrences were swallowed since the previous allowed one.
func (c *Counter) Inc(now time.Time) (total, suppressed uint64, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	total = c.total.Add(1)
	if c.interval <= 0 {
		return total, 0, true
	}
	ts := now.UnixNano()
	last := c.lastLog.Load()
	if last != 0 && ts-last < c.interval.Nanoseconds() {
		c.suppressed.Add(1)
		return total, 0, false
	}
	if !c.lastLog.CompareAndSwap(last, ts) {
		c.suppressed.Add(1)
		return total, 0, false
	}
	return total, c.suppressed.Swap(0), true
}

// Total returns the number of occurrences seen.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
