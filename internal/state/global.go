// Package state wires config, hardware and capture components of one device.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/internal/capture"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/config"
	"github.com/temoto/carbox/internal/heartbeat"
	"github.com/temoto/carbox/internal/session"
	"github.com/temoto/carbox/internal/spool"
	"github.com/temoto/carbox/internal/uplink"
	"github.com/temoto/carbox/log2"
)

const ContextKey = "run/state-global"

// FailIndication is how long LED signals fatal error before exit.
const FailIndication = 3 * time.Second

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Clock        clock.Clock
	Config       *config.Config
	// FS resolves credential files relative to config file.
	FS       config.FullReader
	Hardware hardware // hardware.go
	Log      *log2.Log
	Spool    *spool.Spool // nil when disabled
	Store    *config.Store

	// modem is half-duplex, only one session at a time
	publishMu sync.Mutex
	uplink    struct {
		once
		pub     capture.Publisher
		session *session.Orchestrator // nil for direct uplink
		client  *uplink.Client        // nil for modem uplink
	}
	errorCount uint32

	_copy_guard sync.Mutex //nolint:unused
}

func NewGlobal(log *log2.Log, clk clock.Clock, fs config.FullReader) *Global {
	if log == nil {
		panic("code error NewGlobal() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Clock: clk,
		FS:    fs,
		Log:   log,
	}
	log.SetErrorFunc(func(error) { atomic.AddUint32(&g.errorCount, 1) })
	return g
}

func NewContext(g *Global) context.Context {
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, g.Log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s device=%s", g.BuildVersion, cfg.DeviceID)
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}

	if cfg.Persist.Root == "" {
		cfg.Persist.Root = "./tmp-carbox-db"
		g.Log.Errorf("config: persist.root=empty changed=%s", cfg.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", cfg.Persist.Root)

	var err error
	if g.Store, err = config.NewStore(cfg.Persist.Root, g.Log); err != nil {
		return errors.Annotate(err, "config store")
	}

	if cfg.Spool.Enable {
		path := filepath.Join(cfg.Persist.Root, "spool")
		if g.Spool, err = spool.Open(path, g.Clock, g.Log.Clone(log2.LInfo)); err != nil {
			return errors.Annotate(err, "spool")
		}
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Fatal(err)
	}
}

func (g *Global) ErrorCount() uint32 { return atomic.LoadUint32(&g.errorCount) }

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

// Fatal shows failure on LED, stops everything and exits.
func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.FailIndicate(FailIndication)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

// FailIndicate blinks LED fast for d.
func (g *Global) FailIndicate(d time.Duration) {
	g.LED().Fail(nil, d)
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close releases hardware and storage, unblocks modem receive and spool goroutines.
// Use Stop, Close, then Alive.Wait.
func (g *Global) Close() error {
	errs := make([]error, 0, 4)
	if g.uplink.client != nil {
		g.uplink.client.Close()
	}
	if g.Spool != nil {
		errs = append(errs, g.Spool.Close())
	}
	errs = append(errs, g.Hardware.close())
	return helpers.FoldErrors(errs)
}

// capture.Reporter adapter
type reporter struct{ g *Global }

func (g *Global) Reporter() capture.Reporter { return reporter{g} }

func (self reporter) Triggered(ts uint32, reason capture.Reason) {}

func (self reporter) Published(ts uint32, payload []byte) {}

func (self reporter) Failed(ts uint32, payload []byte, err error) {
	if payload == nil || self.g.Spool == nil {
		return
	}
	if serr := self.g.Spool.Push(ts, payload, err); serr != nil {
		self.g.Error(serr, "spool push ts=%d", ts)
	}
}

// LED is heartbeat LED or nil, nil *heartbeat.LED ignores all calls.
func (g *Global) LED() *heartbeat.LED {
	led, err := g.Heartbeat()
	if err != nil {
		g.Log.Error(errors.Annotate(err, "heartbeat led"))
		return nil
	}
	return led
}
