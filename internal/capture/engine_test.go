package capture

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/payload"
	"github.com/temoto/carbox/internal/types"
	"github.com/temoto/carbox/log2"
)

type mockPublisher struct {
	err  error
	sent [][]byte
}

func (self *mockPublisher) Publish(b []byte) error {
	self.sent = append(self.sent, append([]byte(nil), b...))
	return self.err
}

type event struct {
	kind   string
	ts     uint32
	reason Reason
	n      int
	err    error
}

type mockReporter struct{ events []event }

func (self *mockReporter) Triggered(ts uint32, reason Reason) {
	self.events = append(self.events, event{kind: "trigger", ts: ts, reason: reason})
}
func (self *mockReporter) Published(ts uint32, b []byte) {
	self.events = append(self.events, event{kind: "published", ts: ts, n: len(b)})
}
func (self *mockReporter) Failed(ts uint32, b []byte, err error) {
	self.events = append(self.events, event{kind: "failed", ts: ts, n: len(b), err: err})
}

type env struct {
	clk *clock.FakeClock
	pub *mockPublisher
	rep *mockReporter
	e   *Engine
}

func newEnv(t testing.TB, pre, post uint16) *env {
	env := &env{clk: clock.Fake(0), pub: &mockPublisher{}, rep: &mockReporter{}}
	cfg := types.DefaultConfiguration()
	cfg.PreTriggerSamples = pre
	cfg.PostTriggerSamples = post
	var err error
	env.e, err = NewEngine("test-car", cfg, env.clk, env.pub, env.rep, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	return env
}

func quiet(ts uint32) types.Sample { return types.Sample{Timestamp: ts, Az: 9.81} }

func timestamps(t testing.TB, b []byte) []uint32 {
	var parsed struct {
		T []uint32 `json:"t"`
	}
	require.NoError(t, json.Unmarshal(b, &parsed), string(b))
	return parsed.T
}

func TestImpactWindow(t *testing.T) {
	t.Parallel()
	env := newEnv(t, 3, 2)
	for ts := uint32(0); ts <= 50; ts += 10 {
		s := quiet(ts)
		if ts == 30 {
			s.Ax = 5
		}
		env.e.Tick(s)
	}
	assert.Equal(t, StateProcessing, env.e.State())
	assert.Len(t, env.pub.sent, 0)

	env.clk.Advance(60 * time.Millisecond)
	env.e.Tick(quiet(60))
	assert.Equal(t, StateMonitoring, env.e.State())
	require.Len(t, env.pub.sent, 1)
	assert.Equal(t, []uint32{10, 20, 30, 40, 50}, timestamps(t, env.pub.sent[0]))
	assert.Contains(t, string(env.pub.sent[0]), `"dev":"test-car","ts":30,"thr":[3.00,3.00]`)
	assert.Contains(t, string(env.pub.sent[0]), `"ax":[0.00,0.00,5.00,0.00,0.00]`)
	assert.Equal(t, uint32(60), env.e.LastActivity())

	require.Len(t, env.rep.events, 2)
	assert.Equal(t, event{kind: "trigger", ts: 30, reason: ReasonThreshold}, env.rep.events[0])
	assert.Equal(t, "published", env.rep.events[1].kind)
	assert.Equal(t, uint32(1), env.e.Stat().Published)
}

func TestThresholdBoundary(t *testing.T) {
	t.Parallel()
	type Case struct {
		name    string
		ax, ay  float32
		trigger bool
	}
	cases := []Case{
		{"zero", 0, 0, false},
		{"x-equal", 3, 0, false},
		{"x-equal-negative", -3, 0, false},
		{"y-equal", 0, -3, false},
		{"x-above", 3.01, 0, true},
		{"x-negative", -3.5, 0, true},
		{"y-above", 0, 3.01, true},
		{"y-negative", 0, -4, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, 2, 1)
			env.e.Tick(types.Sample{Timestamp: 100, Ax: c.ax, Ay: c.ay})
			if c.trigger {
				assert.Equal(t, StatePostTrigger, env.e.State())
			} else {
				assert.Equal(t, StateMonitoring, env.e.State())
			}
		})
	}
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()
	type Case struct {
		name  string
		first uint32
	}
	cases := []Case{
		{"plain", 1000},
		{"wrap", 4294967000},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, 2, 1)
			env.e.Tick(quiet(c.first))
			assert.Equal(t, c.first, env.e.LastActivity())
			env.e.Tick(quiet(c.first + KeepAliveMs))
			assert.Equal(t, StateMonitoring, env.e.State())
			env.e.Tick(quiet(c.first + KeepAliveMs + 1))
			assert.Equal(t, StatePostTrigger, env.e.State())
			require.Len(t, env.rep.events, 1)
			assert.Equal(t, ReasonKeepAlive, env.rep.events[0].reason)
			assert.Equal(t, c.first+KeepAliveMs+1, env.e.LastActivity())
		})
	}
}

// zero timestamp leaves activity uninitialized until first nonzero tick
func TestLazyActivity(t *testing.T) {
	t.Parallel()
	env := newEnv(t, 2, 1)
	env.e.Tick(quiet(0))
	assert.Equal(t, uint32(0), env.e.LastActivity())
	env.e.Tick(quiet(5))
	assert.Equal(t, uint32(5), env.e.LastActivity())
	env.e.Tick(quiet(5 + KeepAliveMs))
	assert.Equal(t, StateMonitoring, env.e.State())
}

// activity resets to clock after publish, not to trigger time
func TestActivityAfterPublish(t *testing.T) {
	t.Parallel()
	env := newEnv(t, 1, 1)
	env.e.Tick(types.Sample{Timestamp: 10, Ax: 9})
	env.e.Tick(quiet(14))
	env.clk.Advance(5 * time.Second)
	env.e.Tick(quiet(18))
	assert.Equal(t, uint32(5000), env.e.LastActivity())
	env.e.Tick(quiet(5000 + KeepAliveMs))
	assert.Equal(t, StateMonitoring, env.e.State())
	env.e.Tick(quiet(5001 + KeepAliveMs))
	assert.Equal(t, StatePostTrigger, env.e.State())
}

func TestWindowOrder(t *testing.T) {
	t.Parallel()
	for quietTicks := 0; quietTicks < 12; quietTicks++ {
		env := newEnv(t, 5, 3)
		ts := uint32(1)
		for i := 0; i < quietTicks; i++ {
			env.e.Tick(quiet(ts))
			ts++
		}
		env.e.Tick(types.Sample{Timestamp: ts, Ay: 10})
		trigger := ts
		for i := 0; i < 4; i++ {
			ts++
			env.e.Tick(quiet(ts))
		}
		require.Len(t, env.pub.sent, 1)
		got := timestamps(t, env.pub.sent[0])
		require.Len(t, got, 8)
		assert.Equal(t, []uint32{trigger + 1, trigger + 2, trigger + 3}, got[5:], "quiet=%d", quietTicks)
		assert.Equal(t, trigger, got[4], "quiet=%d", quietTicks)
		// pre slots never written stay zero, written ones are chronological
		for i := 1; i < 5; i++ {
			if got[i-1] != 0 {
				assert.True(t, got[i-1] < got[i], "quiet=%d t=%v", quietTicks, got)
			}
		}
	}
}

func TestPublishFailure(t *testing.T) {
	t.Parallel()
	env := newEnv(t, 2, 1)
	env.pub.err = errors.Timeoutf("modem")
	env.e.Tick(types.Sample{Timestamp: 10, Ax: 9})
	env.e.Tick(quiet(20))
	env.e.Tick(quiet(30))
	assert.Equal(t, StateMonitoring, env.e.State())
	require.Len(t, env.rep.events, 2)
	ev := env.rep.events[1]
	assert.Equal(t, "failed", ev.kind)
	assert.Equal(t, uint32(10), ev.ts)
	assert.True(t, ev.n > 0)
	assert.True(t, errors.IsTimeout(ev.err))

	// next capture proceeds normally
	env.pub.err = nil
	env.e.Tick(types.Sample{Timestamp: 40, Ax: 9})
	env.e.Tick(quiet(50))
	env.e.Tick(quiet(60))
	assert.Len(t, env.pub.sent, 2)
	assert.Equal(t, "published", env.rep.events[3].kind)
	assert.Equal(t, uint32(1), env.e.Stat().Failed)
}

func TestEncodeOverrun(t *testing.T) {
	t.Parallel()
	env := newEnv(t, types.MaxSamples, types.MaxSamples)
	big := types.Sample{Ax: 2.5, Ay: -2.5, Az: -19.62, Gx: -250, Gy: -250, Gz: -250}
	ts := uint32(4000000000)
	for i := 0; i < types.MaxSamples; i++ {
		big.Timestamp = ts
		env.e.Tick(big)
		ts++
	}
	big.Ax = 20
	for i := 0; i <= types.MaxSamples+1; i++ {
		big.Timestamp = ts
		env.e.Tick(big)
		ts++
	}
	assert.Equal(t, StateMonitoring, env.e.State())
	assert.Len(t, env.pub.sent, 0)
	require.Len(t, env.rep.events, 2)
	assert.Equal(t, "failed", env.rep.events[1].kind)
	assert.Equal(t, 0, env.rep.events[1].n)
	assert.Equal(t, payload.ErrBufferOverrun, errors.Cause(env.rep.events[1].err))
}

func TestSetConfig(t *testing.T) {
	t.Parallel()
	env := newEnv(t, 5, 2)
	for ts := uint32(1); ts <= 4; ts++ {
		env.e.Tick(quiet(ts))
	}
	cfg := env.e.Config()
	cfg.PreTriggerSamples = 2
	require.NoError(t, env.e.SetConfig(cfg))
	// write index 4 is out of new range, restarts at 0
	env.e.Tick(quiet(5))
	win := env.e.Window()
	assert.Len(t, win.Pre, 2)
	assert.Equal(t, 1, win.PreIndex)
	assert.Equal(t, uint32(5), win.Pre[0].Timestamp)

	cfg.PostTriggerSamples = 0
	err := env.e.SetConfig(cfg)
	assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
	assert.Equal(t, uint16(2), env.e.Config().PostTriggerSamples)
}

func TestNewEngineInvalid(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(`bad"id`, types.DefaultConfiguration(), clock.Fake(0), &mockPublisher{}, nil, log2.NewTest(t, log2.LDebug))
	assert.True(t, errors.IsNotValid(err))
}

type seqSource struct {
	clk *clock.FakeClock
	a   *alive.Alive
	n   int
	max int
}

func (self *seqSource) Read() (types.Sample, error) {
	self.n++
	if self.n >= self.max {
		self.a.Stop()
	}
	if self.n%3 == 0 {
		return types.Sample{}, errors.New("i2c nack")
	}
	return types.Sample{Timestamp: clock.Millis(self.clk), Ax: 7}, nil
}

func TestRun(t *testing.T) {
	t.Parallel()
	env := newEnv(t, 2, 2)
	a := alive.NewAlive()
	a.Add(1)
	src := &seqSource{clk: env.clk, a: a, max: 9}
	ticks := 0
	env.e.Run(a, src, func() { ticks++ })
	a.Wait()
	assert.Equal(t, 9, ticks)
	assert.Equal(t, uint32(3), env.e.Stat().ReadError)
	assert.Equal(t, uint32(6), env.e.Stat().Ticks)
	assert.Equal(t, 9*4*time.Millisecond, env.clk.Now())
	assert.Len(t, env.pub.sent, 1)
}
