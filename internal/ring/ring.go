// Package ring is single producer, single consumer byte queue
// fed from receive "interrupt" goroutine, drained by polling consumer.
//
// Producer only advances head, consumer only advances tail.
// There is no backpressure: when producer laps consumer, unread bytes
// are silently overwritten, no overflow indicator.
package ring

import "sync/atomic"

const DefaultCapacity = 512

type Ring struct {
	head uint32 // producer
	tail uint32 // consumer
	size uint32
	buf  []byte
}

// Storage is allocated once, capacity must be >= 2.
func New(capacity int) *Ring {
	if capacity < 2 {
		panic("code error ring capacity < 2")
	}
	return &Ring{
		size: uint32(capacity),
		buf:  make([]byte, capacity),
	}
}

func (self *Ring) Cap() int { return int(self.size) }

// Push never blocks or fails. Producer side only.
func (self *Ring) Push(b byte) {
	h := atomic.LoadUint32(&self.head)
	self.buf[h] = b
	atomic.StoreUint32(&self.head, (h+1)%self.size)
}

// TryPop returns false when empty. Consumer side only.
func (self *Ring) TryPop() (byte, bool) {
	t := atomic.LoadUint32(&self.tail)
	if t == atomic.LoadUint32(&self.head) {
		return 0, false
	}
	b := self.buf[t]
	atomic.StoreUint32(&self.tail, (t+1)%self.size)
	return b, true
}

// Drain pops available bytes into p, returns count. Consumer side only.
func (self *Ring) Drain(p []byte) int {
	n := 0
	for n < len(p) {
		b, ok := self.TryPop()
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	return n
}

// Resync discards backlog: tail = head. Consumer side only.
func (self *Ring) Resync() {
	atomic.StoreUint32(&self.tail, atomic.LoadUint32(&self.head))
}

// Len is number of unread bytes, a snapshot.
func (self *Ring) Len() int {
	h := atomic.LoadUint32(&self.head)
	t := atomic.LoadUint32(&self.tail)
	return int((h + self.size - t) % self.size)
}
