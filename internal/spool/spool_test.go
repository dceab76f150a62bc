package spool

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/log2"
)

type flakyPublisher struct {
	mu   sync.Mutex
	fail int
	ch   chan string
}

func (self *flakyPublisher) Publish(b []byte) error {
	self.mu.Lock()
	fail := self.fail > 0
	if fail {
		self.fail--
	}
	self.mu.Unlock()
	self.ch <- string(b)
	if fail {
		return errors.Timeoutf("modem")
	}
	return nil
}

func newTestSpool(t *testing.T) *Spool {
	s, err := Open(OnlyForTesting, clock.Fake(0), log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	return s
}

func expectPublish(t *testing.T, ch <-chan string, expect string) {
	select {
	case got := <-ch:
		assert.Equal(t, expect, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for publish=%s", expect)
	}
}

func waitDone(t *testing.T, a *alive.Alive) {
	select {
	case <-a.WaitChan():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for spool worker")
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	s := newTestSpool(t)
	defer s.Close()
	payload := []byte(`{"dev":"car","ts":30,` + strings.Repeat(`"ax":[0.00,0.00],`, 40) + `}`)
	require.NoError(t, s.Push(30, payload, errors.New("connect aborted")))
	box, err := s.q.Peek()
	require.NoError(t, err)
	assert.True(t, len(box.Bytes()) < len(payload), "zstd should shrink repetitive payload")
	r, got, err := s.Decode(box.Bytes())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, uint32(30), r.Trigger)
	assert.Equal(t, "connect aborted", r.Cause)
	assert.Equal(t, 4, int(r.ID.Version()))
	assert.True(t, r.Created > 0)
}

func TestDecodeInvalid(t *testing.T) {
	t.Parallel()
	s := newTestSpool(t)
	defer s.Close()
	_, _, err := s.Decode(nil)
	assert.True(t, errors.IsNotValid(err))
	_, _, err = s.Decode([]byte{7, 1})
	assert.True(t, errors.IsNotSupported(err))
	_, _, err = s.Decode([]byte{qEvent, 0xff, 0xff})
	assert.Error(t, err)
}

func TestRunRetryOrder(t *testing.T) {
	t.Parallel()
	s := newTestSpool(t)
	require.NoError(t, s.Push(1, []byte("first"), nil))
	require.NoError(t, s.Push(2, []byte("second"), nil))

	pub := &flakyPublisher{fail: 1, ch: make(chan string, 8)}
	a := alive.NewAlive()
	a.Add(1)
	go s.Run(a, pub)

	expectPublish(t, pub.ch, "first")
	expectPublish(t, pub.ch, "second")
	expectPublish(t, pub.ch, "first")
	a.Stop()
	require.NoError(t, s.Close())
	waitDone(t, a)
	assert.Equal(t, "push=2 sent=2 retry=1 corrupt=0", s.Stat().String())
}

func TestRunDropsCorrupt(t *testing.T) {
	t.Parallel()
	s := newTestSpool(t)
	require.NoError(t, s.q.Push([]byte{9, 1, 2}))
	require.NoError(t, s.q.Push([]byte{qEvent, 0xa1}))
	require.NoError(t, s.Push(3, []byte("good"), nil))

	pub := &flakyPublisher{ch: make(chan string, 8)}
	a := alive.NewAlive()
	a.Add(1)
	go s.Run(a, pub)

	expectPublish(t, pub.ch, "good")
	a.Stop()
	require.NoError(t, s.Close())
	waitDone(t, a)
	assert.Equal(t, uint32(2), s.Stat().Corrupt)
	assert.Equal(t, uint32(1), s.Stat().Sent)
	assert.Len(t, pub.ch, 0)
}

func TestRecordString(t *testing.T) {
	t.Parallel()
	r := Record{Trigger: 5, Created: 0, Cause: "x"}
	assert.True(t, bytes.HasPrefix([]byte(r.String()), []byte("id=00000000-0000-0000-0000-000000000000 ts=5 created=1970-01-01T00:00:00Z")))
}
