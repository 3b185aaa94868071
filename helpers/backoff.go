package helpers

import (
	"sync/atomic"
	"time"
)

// Limited exponential backoff for retry delays.
// Failure() returns delay to wait now and multiplies next delay by K, up to Max.
// Reset() sets next delay back to Min.
// With Min=1s Max=60s K=2 consecutive failures produce 1,2,4,8,16,32,60,60...
type Backoff struct {
	next int64 // atomic align

	Min time.Duration
	Max time.Duration
	K   float32
}

func NewBackoff(min, max time.Duration, k float32) *Backoff {
	b := &Backoff{Min: min, Max: max, K: k}
	b.Reset()
	return b
}

// Use scenario:
// for {
//   err := op()
//   if err == nil { backoff.Reset(); break }
//   time.Sleep(backoff.Failure())
// }
func (b *Backoff) Failure() time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	current := b.limit(time.Duration(atomic.LoadInt64(&b.next)))
	k := b.K
	if k < 1 {
		k = 1
	}
	atomic.StoreInt64(&b.next, int64(b.limit(time.Duration(float64(current)*float64(k)))))
	return current
}

// Next returns delay that following Failure() would return, without changing state.
func (b *Backoff) Next() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	}
	return b.limit(next)
}

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) Update(success bool) time.Duration {
	if success {
		b.Reset()
		return 0
	}
	return b.Failure()
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return d
}
