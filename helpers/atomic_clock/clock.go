// Package atomic_clock is lock-free "last seen" timestamp.
// Zero value means never set. Do not use where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 } // unix nanoseconds

func (c *Clock) IsZero() bool { return atomic.LoadInt64(&c.v) == 0 }

func (c *Clock) SetNow()             { c.SetTime(time.Now()) }
func (c *Clock) SetTime(t time.Time) { atomic.StoreInt64(&c.v, t.UnixNano()) }

func (c *Clock) UnixNano() int64 { return atomic.LoadInt64(&c.v) }

// Time returns zero time.Time when clock was never set.
func (c *Clock) Time() time.Time {
	v := atomic.LoadInt64(&c.v)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Since returns -1 when clock was never set.
func (c *Clock) Since() time.Duration {
	v := atomic.LoadInt64(&c.v)
	if v == 0 {
		return -1
	}
	return time.Duration(time.Now().UnixNano() - v)
}
