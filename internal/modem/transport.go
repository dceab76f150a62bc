// Package modem is AT command transport over serial line.
// Receive goroutine feeds bytes into ring (Ingest), single consumer
// sends commands and polls ring for expected substring (SendCommand).
package modem

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/ring"
	"github.com/temoto/carbox/log2"
)

const modName string = "modem"

const (
	AccumSize  = 512
	ChunkSize  = 128
	ChunkDelay = 50 * time.Millisecond
	pollDelay  = time.Millisecond
)

type Stat struct {
	Command uint32
	Timeout uint32
	RxBytes uint32
	TxBytes uint32
}

func (self *Stat) String() string {
	return fmt.Sprintf("command=%d timeout=%d rx=%d tx=%d",
		atomic.LoadUint32(&self.Command), atomic.LoadUint32(&self.Timeout),
		atomic.LoadUint32(&self.RxBytes), atomic.LoadUint32(&self.TxBytes))
}

type Transport struct {
	Log *log2.Log
	clk clock.Clock
	rx  *ring.Ring
	tx  io.Writer
	// Response accumulation, consumer side only.
	// Wraps to 0 at AccumSize-1 without clearing, last byte is always 0.
	acc   [AccumSize]byte
	accN  int
	accHW int
	stat  Stat
}

func NewTransport(tx io.Writer, clk clock.Clock, log *log2.Log) *Transport {
	return &Transport{
		Log: log,
		clk: clk,
		rx:  ring.New(ring.DefaultCapacity),
		tx:  tx,
	}
}

func (self *Transport) Stat() *Stat { return &self.stat }

// Ingest is receive side. Never blocks or fails, overwrites unread bytes when full.
func (self *Transport) Ingest(b byte) {
	self.rx.Push(b)
	atomic.AddUint32(&self.stat.RxBytes, 1)
}

func (self *Transport) IngestBytes(p []byte) {
	for _, b := range p {
		self.Ingest(b)
	}
}

// Pump is receive goroutine body: reads r until error or stop.
func (self *Transport) Pump(r io.Reader, a *alive.Alive) {
	var buf [64]byte
	for a.IsRunning() {
		n, err := r.Read(buf[:])
		self.IngestBytes(buf[:n])
		if err != nil {
			if a.IsRunning() && err != io.EOF {
				self.Log.Error(errors.Annotatef(err, "%s receive", modName))
			}
			return
		}
	}
}

// SendCommand discards receive backlog, transmits text (unless empty),
// then polls received bytes until expected is found or timeout elapses.
// Timeout error satisfies errors.IsTimeout.
func (self *Transport) SendCommand(text, expected string, timeout time.Duration) error {
	atomic.AddUint32(&self.stat.Command, 1)
	self.rx.Resync()
	self.resetAccum()

	if text != "" {
		if err := self.write([]byte(text)); err != nil {
			return errors.Annotatef(err, "%s send=%q", modName, text)
		}
	}

	exp := []byte(expected)
	start := self.clk.Now()
	for self.clk.Now()-start < timeout {
		got := false
		for {
			b, ok := self.rx.TryPop()
			if !ok {
				break
			}
			got = true
			if self.accumulate(b, exp) {
				self.Log.Debugf("%s send=%q match=%q", modName, text, expected)
				return nil
			}
		}
		if !got {
			self.clk.Sleep(pollDelay)
		}
	}
	atomic.AddUint32(&self.stat.Timeout, 1)
	self.Log.Debugf("%s send=%q expect=%q received=%q", modName, text, expected, self.window())
	return errors.Timeoutf("%s send=%q expect=%q after %v", modName, text, expected, timeout)
}

// SendChunked transmits raw data in ChunkSize pieces with ChunkDelay after each.
// No response is expected per chunk.
func (self *Transport) SendChunked(data []byte) error {
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := self.write(data[off:end]); err != nil {
			return errors.Annotatef(err, "%s chunk offset=%d", modName, off)
		}
		self.clk.Sleep(ChunkDelay)
	}
	return nil
}

// Exchange transmits text and returns everything received within wait.
// Used by interactive console and diagnostics, not by session sequences.
func (self *Transport) Exchange(text string, wait time.Duration) ([]byte, error) {
	atomic.AddUint32(&self.stat.Command, 1)
	self.rx.Resync()
	if err := self.write([]byte(text)); err != nil {
		return nil, errors.Annotatef(err, "%s send=%q", modName, text)
	}
	out := make([]byte, 0, AccumSize)
	start := self.clk.Now()
	for self.clk.Now()-start < wait {
		if b, ok := self.rx.TryPop(); ok {
			out = append(out, b)
			continue
		}
		self.clk.Sleep(pollDelay)
	}
	return out, nil
}

// write retries short writes, uart driver may accept less than asked.
func (self *Transport) write(p []byte) error {
	for len(p) > 0 {
		n, err := self.tx.Write(p)
		atomic.AddUint32(&self.stat.TxBytes, uint32(n))
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func (self *Transport) resetAccum() {
	self.acc = [AccumSize]byte{}
	self.accN = 0
	self.accHW = 0
}

func (self *Transport) accumulate(b byte, expected []byte) bool {
	self.acc[self.accN] = b
	self.accN++
	if self.accN > self.accHW {
		self.accHW = self.accN
	}
	if self.accN >= AccumSize-1 {
		self.accN = 0
	}
	return bytes.Contains(self.window(), expected)
}

// window is accumulated text as string search sees it:
// up to high-water mark, cut at first zero byte.
// After wrap, stale tail bytes still participate.
func (self *Transport) window() []byte {
	w := self.acc[:self.accHW]
	if i := bytes.IndexByte(w, 0); i >= 0 {
		w = w[:i]
	}
	return w
}

// Command formats AT line with terminator.
func Command(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...) + "\r\n"
}
