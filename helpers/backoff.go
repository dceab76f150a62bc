package helpers

import (
	"sync/atomic"
	"time"
)

// Limited exponential backoff for retry delays.
// Success resets delay to Min, every failure multiplies it by K up to Max.
type Backoff struct {
	next int64 // atomic align

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// for {
//   err := op()
//   clk.Sleep(backoff.DelayAfter(err==nil))
// }
func (b *Backoff) DelayAfter(success bool) time.Duration {
	if success {
		b.Reset()
		return b.round(b.Min)
	}
	for {
		cur := atomic.LoadInt64(&b.next)
		d := time.Duration(cur)
		if d == 0 {
			d = b.Min
		}
		next := b.limit(time.Duration(float32(d) * b.K))
		if atomic.CompareAndSwapInt64(&b.next, cur, int64(next)) {
			return b.limit(d)
		}
	}
}

// Next is delay the following failure would return.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(atomic.LoadInt64(&b.next))
	if d == 0 {
		d = b.Min
	}
	return b.limit(d)
}

func (b *Backoff) Reset() { atomic.StoreInt64(&b.next, 0) }

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
