// Package clock is monotonic time since boot, as seen by the capture engine
// and the modem transport. Production code uses Real(), tests use Fake()
// where time moves only on Sleep/Advance.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	// Now is time elapsed since clock start.
	Now() time.Duration
	Sleep(d time.Duration)
	// AfterFunc calls f once Now() passes current+d.
	AfterFunc(d time.Duration, f func())
}

// Millis is HAL-style u32 millisecond tick, wraps after ~49.7 days.
func Millis(c Clock) uint32 { return uint32(c.Now() / time.Millisecond) }

type real struct{ start time.Time }

func Real() Clock { return &real{start: time.Now()} }

func (self *real) Now() time.Duration                  { return time.Since(self.start) }
func (self *real) Sleep(d time.Duration)               { time.Sleep(d) }
func (self *real) AfterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }

type FakeClock struct {
	mu      sync.Mutex
	now     time.Duration
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Duration
	f  func()
}

func Fake(initial time.Duration) *FakeClock { return &FakeClock{now: initial} }

func (self *FakeClock) Now() time.Duration {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.now
}

func (self *FakeClock) Sleep(d time.Duration) { self.Advance(d) }

func (self *FakeClock) AfterFunc(d time.Duration, f func()) {
	self.mu.Lock()
	self.waiters = append(self.waiters, fakeWaiter{at: self.now + d, f: f})
	self.mu.Unlock()
	if d <= 0 {
		self.Advance(0)
	}
}

// Advance moves time forward, firing due callbacks in deadline order.
// Callbacks run without lock held, they may call AfterFunc.
func (self *FakeClock) Advance(d time.Duration) {
	self.mu.Lock()
	target := self.now + d
	self.mu.Unlock()
	for {
		self.mu.Lock()
		idx := -1
		for i, w := range self.waiters {
			if w.at <= target && (idx == -1 || w.at < self.waiters[idx].at) {
				idx = i
			}
		}
		if idx == -1 {
			self.now = target
			self.mu.Unlock()
			return
		}
		w := self.waiters[idx]
		self.waiters = append(self.waiters[:idx], self.waiters[idx+1:]...)
		if w.at > self.now {
			self.now = w.at
		}
		self.mu.Unlock()
		w.f()
	}
}

// Pending is number of callbacks not yet fired.
func (self *FakeClock) Pending() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.waiters)
}
