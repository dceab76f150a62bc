// Package capture is event capture state machine.
// Samples go into circular pre-trigger buffer until acceleration crosses
// threshold or device was idle for too long, then post-trigger buffer fills,
// then whole window is encoded and published. Exactly one capture in flight.
package capture

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/payload"
	"github.com/temoto/carbox/internal/types"
	"github.com/temoto/carbox/log2"
)

const modName string = "capture"

// KeepAliveMs is idle interval after which window is captured without threshold event.
const KeepAliveMs uint32 = 2 * 60 * 1000

type State uint8

const (
	StateMonitoring State = iota
	StatePostTrigger
	StateProcessing
)

func (self State) String() string {
	switch self {
	case StateMonitoring:
		return "Monitoring"
	case StatePostTrigger:
		return "PostTrigger"
	case StateProcessing:
		return "Processing"
	}
	return fmt.Sprintf("State(%d)", uint8(self))
}

type Reason uint8

const (
	ReasonThreshold Reason = iota + 1
	ReasonKeepAlive
)

func (self Reason) String() string {
	switch self {
	case ReasonThreshold:
		return "threshold"
	case ReasonKeepAlive:
		return "keep-alive"
	}
	return fmt.Sprintf("Reason(%d)", uint8(self))
}

// Publisher is session.Orchestrator or uplink.Client.
type Publisher interface {
	Publish(payload []byte) error
}

// Reporter observes capture outcomes. Payload slice is only valid during call.
type Reporter interface {
	Triggered(ts uint32, reason Reason)
	Published(ts uint32, payload []byte)
	// Failed payload is nil when encoding failed.
	Failed(ts uint32, payload []byte, err error)
}

// Source produces calibrated samples, sensor.Device or sensor.Sim.
type Source interface {
	Read() (types.Sample, error)
}

type Stat struct {
	Ticks       uint32
	Threshold   uint32
	KeepAlive   uint32
	Published   uint32
	Failed      uint32
	ReadError   uint32
	LastEvent   atomic_clock.Clock
	LastPublish atomic_clock.Clock
}

func (self *Stat) String() string {
	s := fmt.Sprintf("ticks=%d threshold=%d keepalive=%d published=%d failed=%d read_error=%d",
		atomic.LoadUint32(&self.Ticks), atomic.LoadUint32(&self.Threshold), atomic.LoadUint32(&self.KeepAlive),
		atomic.LoadUint32(&self.Published), atomic.LoadUint32(&self.Failed), atomic.LoadUint32(&self.ReadError))
	if !self.LastEvent.IsZero() {
		s += fmt.Sprintf(" last_event=%s", atomic_clock.Since(&self.LastEvent).Truncate(time.Second))
	}
	if !self.LastPublish.IsZero() {
		s += fmt.Sprintf(" last_publish=%s", atomic_clock.Since(&self.LastPublish).Truncate(time.Second))
	}
	return s
}

// Engine owns both capture buffers and all capture state.
// Not safe for concurrent use, Tick is called from single run loop.
type Engine struct {
	Log      *log2.Log
	DeviceID string

	clk clock.Clock
	cfg types.Configuration
	pub Publisher
	rep Reporter
	enc *payload.Encoder

	state        State
	pre          [types.MaxSamples]types.Sample
	post         [types.MaxSamples]types.Sample
	preIndex     int
	postCount    int
	trigger      uint32
	lastActivity uint32 // 0 means not yet initialized

	stat Stat
}

// NewEngine rep may be nil.
func NewEngine(deviceID string, cfg types.Configuration, clk clock.Clock, pub Publisher, rep Reporter, log *log2.Log) (*Engine, error) {
	if err := payload.ValidDeviceID(deviceID); err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "capture configuration")
	}
	return &Engine{
		Log:      log,
		DeviceID: deviceID,
		clk:      clk,
		cfg:      cfg,
		pub:      pub,
		rep:      rep,
		enc:      payload.NewEncoder(),
	}, nil
}

func (self *Engine) Stat() *Stat                 { return &self.stat }
func (self *Engine) State() State                { return self.state }
func (self *Engine) LastActivity() uint32        { return self.lastActivity }
func (self *Engine) Config() types.Configuration { return self.cfg }

// SetConfig takes effect on next Tick. Capture in flight keeps going
// with new sizes, post window completes when count reaches new limit.
func (self *Engine) SetConfig(cfg types.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "capture configuration")
	}
	self.cfg = cfg
	return nil
}

// Tick advances state machine by one sample. Sample timestamp is "now".
// Never fails, publish and encode errors go to Reporter.
func (self *Engine) Tick(s types.Sample) {
	atomic.AddUint32(&self.stat.Ticks, 1)
	now := s.Timestamp
	if self.lastActivity == 0 {
		self.lastActivity = now
	}

	switch self.state {
	case StateMonitoring:
		pre := int(self.cfg.PreTriggerSamples)
		if self.preIndex >= pre {
			self.preIndex = 0
		}
		self.pre[self.preIndex] = s
		self.preIndex = (self.preIndex + 1) % pre

		if reason := self.check(&s, now); reason != 0 {
			self.trigger = now
			self.postCount = 0
			self.state = StatePostTrigger
			self.lastActivity = now
			self.triggered(reason)
		}

	case StatePostTrigger:
		if self.postCount < len(self.post) {
			self.post[self.postCount] = s
			self.postCount++
		}
		if self.postCount >= int(self.cfg.PostTriggerSamples) {
			self.state = StateProcessing
		}

	case StateProcessing:
		// this tick's sample is not stored
		self.process()
		self.lastActivity = clock.Millis(self.clk)
		self.state = StateMonitoring
	}
}

func (self *Engine) check(s *types.Sample, now uint32) Reason {
	if math.Abs(float64(s.Ax)) > float64(self.cfg.ThresholdX) || math.Abs(float64(s.Ay)) > float64(self.cfg.ThresholdY) {
		return ReasonThreshold
	}
	// u32 subtraction survives tick wrap
	if now-self.lastActivity > KeepAliveMs {
		return ReasonKeepAlive
	}
	return 0
}

func (self *Engine) triggered(reason Reason) {
	switch reason {
	case ReasonThreshold:
		atomic.AddUint32(&self.stat.Threshold, 1)
	case ReasonKeepAlive:
		atomic.AddUint32(&self.stat.KeepAlive, 1)
	}
	self.stat.LastEvent.SetNow()
	self.Log.Infof("%s trigger ts=%d reason=%s", modName, self.trigger, reason)
	if self.rep != nil {
		self.rep.Triggered(self.trigger, reason)
	}
}

// Window is current capture as payload encoder sees it.
func (self *Engine) Window() payload.Window {
	pre := int(self.cfg.PreTriggerSamples)
	idx := self.preIndex
	if idx >= pre {
		idx = 0
	}
	return payload.Window{
		DeviceID:   self.DeviceID,
		Trigger:    self.trigger,
		ThresholdX: self.cfg.ThresholdX,
		ThresholdY: self.cfg.ThresholdY,
		Pre:        self.pre[:pre],
		PreIndex:   idx,
		Post:       self.post[:self.postCount],
	}
}

func (self *Engine) process() {
	win := self.Window()
	b, err := self.enc.Encode(&win)
	if err != nil {
		self.fail(nil, errors.Annotatef(err, "%s encode ts=%d", modName, self.trigger))
		return
	}
	self.Log.Debugf("%s publish ts=%d len=%d", modName, self.trigger, len(b))
	if err = self.pub.Publish(b); err != nil {
		self.fail(b, errors.Annotatef(err, "%s publish ts=%d", modName, self.trigger))
		return
	}
	atomic.AddUint32(&self.stat.Published, 1)
	self.stat.LastPublish.SetNow()
	self.Log.Infof("%s published ts=%d len=%d", modName, self.trigger, len(b))
	if self.rep != nil {
		self.rep.Published(self.trigger, b)
	}
}

func (self *Engine) fail(b []byte, err error) {
	atomic.AddUint32(&self.stat.Failed, 1)
	self.Log.Error(err)
	if self.rep != nil {
		self.rep.Failed(self.trigger, b, err)
	}
}

// Run reads source once per sample period until a is stopped.
// onTick, if not nil, is called after every tick (heartbeat LED).
func (self *Engine) Run(a *alive.Alive, src Source, onTick func()) {
	defer a.Done()
	self.Log.Infof("%s run config=(%s)", modName, self.cfg.String())
	for a.IsRunning() {
		s, err := src.Read()
		if err != nil {
			atomic.AddUint32(&self.stat.ReadError, 1)
			self.Log.Error(errors.Annotatef(err, "%s read", modName))
		} else {
			self.Tick(s)
		}
		self.clk.Sleep(self.cfg.SamplePeriod())
		if onTick != nil {
			onTick()
		}
	}
}
