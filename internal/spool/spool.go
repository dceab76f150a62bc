// Package spool keeps events whose publish failed in persistent queue
// and re-sends them in background, oldest first.
package spool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/log2"
	"github.com/temoto/spq"
)

const modName string = "spool"

// denote value type in persistent queue bytes form
const qEvent byte = 1

// OnlyForTesting keeps queue in memory.
const OnlyForTesting = spq.OnlyForTesting

type Record struct {
	ID      uuid.UUID `cbor:"1,keyasint"`
	Trigger uint32    `cbor:"2,keyasint"`
	Created int64     `cbor:"3,keyasint"` // unix nano
	Cause   string    `cbor:"4,keyasint,omitempty"`
	// zstd compressed payload
	Payload []byte `cbor:"5,keyasint"`
}

func (self *Record) String() string {
	return fmt.Sprintf("id=%s ts=%d created=%s cause=%q",
		self.ID, self.Trigger, time.Unix(0, self.Created).UTC().Format(time.RFC3339), self.Cause)
}

type Publisher interface {
	Publish(payload []byte) error
}

type Stat struct {
	Push    uint32
	Sent    uint32
	Retry   uint32
	Corrupt uint32
}

func (self *Stat) String() string {
	return fmt.Sprintf("push=%d sent=%d retry=%d corrupt=%d",
		atomic.LoadUint32(&self.Push), atomic.LoadUint32(&self.Sent),
		atomic.LoadUint32(&self.Retry), atomic.LoadUint32(&self.Corrupt))
}

type Spool struct {
	Log     *log2.Log
	Backoff helpers.Backoff
	clk     clock.Clock
	q       *spq.Queue
	encMode cbor.EncMode
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
	stat    Stat
}

func Open(path string, clk clock.Clock, log *log2.Log) (*Spool, error) {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, errors.Annotate(err, "cbor")
	}
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, errors.Annotate(err, "zstd writer")
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		zenc.Close()
		return nil, errors.Annotate(err, "zstd reader")
	}
	q, err := spq.Open(path)
	if err != nil {
		zenc.Close()
		zdec.Close()
		return nil, errors.Annotatef(err, "%s queue path=%s", modName, path)
	}
	self := &Spool{
		Log: log,
		Backoff: helpers.Backoff{
			Min: 5 * time.Second,
			Max: 10 * time.Minute,
			K:   2,
			Res: time.Second,
		},
		clk:     clk,
		q:       q,
		encMode: encMode,
		zenc:    zenc,
		zdec:    zdec,
	}
	return self, nil
}

// Close unblocks Run.
func (self *Spool) Close() error {
	err := self.q.Close()
	self.zenc.Close()
	self.zdec.Close()
	return err
}

func (self *Spool) Stat() *Stat { return &self.stat }

// Push copies payload, it may be reused after return.
func (self *Spool) Push(trigger uint32, payload []byte, cause error) error {
	r := Record{
		ID:      uuid.New(),
		Trigger: trigger,
		Created: time.Now().UnixNano(),
		Payload: self.zenc.EncodeAll(payload, make([]byte, 0, len(payload)/2)),
	}
	if cause != nil {
		r.Cause = cause.Error()
	}
	b, err := self.encode(&r)
	if err != nil {
		return errors.Annotatef(err, "%s encode", modName)
	}
	if err = self.q.Push(b); err != nil {
		return errors.Annotatef(err, "%s push", modName)
	}
	atomic.AddUint32(&self.stat.Push, 1)
	self.Log.Infof("%s push %s len=%d stored=%d", modName, r.String(), len(payload), len(b))
	return nil
}

func (self *Spool) encode(r *Record) ([]byte, error) {
	body, err := self.encMode.Marshal(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, 1+len(body))
	b = append(b, qEvent)
	return append(b, body...), nil
}

// Decode returns record and decompressed payload.
func (self *Spool) Decode(b []byte) (*Record, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errors.NotValidf("%s record empty", modName)
	}
	if b[0] != qEvent {
		return nil, nil, errors.NotSupportedf("%s record kind=%d", modName, b[0])
	}
	r := &Record{}
	if err := cbor.Unmarshal(b[1:], r); err != nil {
		return nil, nil, errors.Annotatef(err, "%s cbor", modName)
	}
	payload, err := self.zdec.DecodeAll(r.Payload, nil)
	if err != nil {
		return r, nil, errors.Annotatef(err, "%s zstd id=%s", modName, r.ID)
	}
	return r, payload, nil
}

// Run re-sends spooled events until Close.
// Failed event goes to the back of queue, next attempt waits for backoff.
func (self *Spool) Run(a *alive.Alive, pub Publisher) {
	defer a.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil: // success path

		case spq.ErrClosed:
			return

		default:
			self.Log.Errorf("CRITICAL %s peek err=%v", modName, err)
			self.clk.Sleep(self.Backoff.DelayAfter(false))
			continue
		}

		ok := self.handle(box.Bytes(), pub)
		if ok {
			err = self.q.Delete(box)
		} else {
			err = self.q.DeletePush(box)
		}
		if err == spq.ErrClosed {
			return
		}
		if err != nil {
			self.Log.Errorf("%s queue update err=%v", modName, err)
		}
		if !ok {
			atomic.AddUint32(&self.stat.Retry, 1)
		}
		if !a.IsRunning() {
			return
		}
		self.clk.Sleep(self.Backoff.DelayAfter(ok))
	}
}

// handle returns true when record must be deleted: sent or unreadable.
func (self *Spool) handle(b []byte, pub Publisher) bool {
	r, payload, err := self.Decode(b)
	if err != nil {
		atomic.AddUint32(&self.stat.Corrupt, 1)
		self.Log.Errorf("%s drop b=%x err=%v", modName, b, err)
		return true
	}
	if err = pub.Publish(payload); err != nil {
		self.Log.Errorf("%s resend %s err=%v", modName, r.String(), err)
		return false
	}
	atomic.AddUint32(&self.stat.Sent, 1)
	self.Log.Infof("%s resent %s", modName, r.String())
	return true
}
