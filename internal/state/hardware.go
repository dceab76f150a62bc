package state

import (
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/internal/capture"
	"github.com/temoto/carbox/internal/config"
	"github.com/temoto/carbox/internal/heartbeat"
	"github.com/temoto/carbox/internal/modem"
	"github.com/temoto/carbox/internal/modemsim"
	"github.com/temoto/carbox/internal/sensor"
	"github.com/temoto/carbox/internal/session"
	"github.com/temoto/carbox/internal/uplink"
	"github.com/temoto/carbox/log2"
)

type hardware struct {
	Sensor struct {
		once
		// Source is set directly by tests, then Sensor() skips config.
		Source capture.Source
		dev    *sensor.Device
	}
	Modem struct {
		once
		// Transport is set directly by tests, then Modem() skips config.
		Transport *modem.Transport
		Sim       *modemsim.Sim
		port      io.ReadWriteCloser
	}
	Heartbeat struct {
		once
		LED *heartbeat.LED
	}
}

func (self *hardware) close() error {
	errs := make([]error, 0, 3)
	if self.Sensor.dev != nil {
		errs = append(errs, self.Sensor.dev.Close())
	}
	if self.Modem.port != nil {
		errs = append(errs, self.Modem.port.Close())
	}
	errs = append(errs, self.Heartbeat.LED.Close())
	return helpers.FoldErrors(errs)
}

// Sensor returns calibrated sample source. Real sensor is calibrated once,
// device must rest still meanwhile.
func (g *Global) Sensor() (capture.Source, error) {
	x := &g.Hardware.Sensor // short alias
	err := x.do(func() error {
		if x.Source != nil {
			return nil
		}
		cfg := &g.Config.Hardware.Sensor
		log := g.Log.Clone(log2.LInfo)
		if cfg.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		switch cfg.Driver {
		case config.DriverSim:
			x.Source = sensor.NewSim(g.Clock, time.Now().UnixNano())
			return nil

		case config.DriverMpu:
			dev, err := sensor.Open(cfg.I2CBus, uint16(cfg.Address), g.Clock, log)
			if err != nil {
				return errors.Annotate(err, "sensor")
			}
			g.Log.Infof("sensor calibrating, keep still reads=%d", sensor.CalibrateReads)
			if err = dev.Calibrate(sensor.CalibrateReads, sensor.CalibratePause); err != nil {
				_ = dev.Close()
				return errors.Annotate(err, "sensor calibrate")
			}
			g.Log.Infof("sensor offset %s", dev.Offset().String())
			x.dev = dev
			x.Source = dev
			return nil

		default:
			return errors.NotValidf("hardware.sensor.driver=%s", cfg.Driver)
		}
	})
	return x.Source, err
}

// Modem returns transport with receive goroutine running.
func (g *Global) Modem() (*modem.Transport, error) {
	x := &g.Hardware.Modem // short alias
	err := x.do(func() error {
		if x.Transport != nil {
			return nil
		}
		cfg := &g.Config.Hardware.Modem
		log := g.Log.Clone(log2.LInfo)
		if cfg.LogDebug {
			log.SetLevel(log2.LDebug)
		}
		switch cfg.Driver {
		case config.DriverSim:
			var tr *modem.Transport
			x.Sim = modemsim.New(g.Clock, func(b []byte) { tr.IngestBytes(b) }, modemsim.Options{Log: log})
			tr = modem.NewTransport(x.Sim, g.Clock, log)
			x.Transport = tr
			return nil

		case config.DriverUart:
			port, err := modem.OpenSerial(cfg.Device, cfg.Baud)
			if err != nil {
				return errors.Annotate(err, "modem")
			}
			if !g.Alive.Add(1) {
				_ = port.Close()
				return errors.Errorf("modem open after stop")
			}
			x.port = port
			x.Transport = modem.NewTransport(port, g.Clock, log)
			go func() {
				defer g.Alive.Done()
				x.Transport.Pump(port, g.Alive)
			}()
			return nil

		default:
			return errors.NotValidf("hardware.modem.driver=%s", cfg.Driver)
		}
	})
	return x.Transport, err
}

// Heartbeat LED, nil without error when disabled in config.
func (g *Global) Heartbeat() (*heartbeat.LED, error) {
	x := &g.Hardware.Heartbeat // short alias
	err := x.do(func() error {
		if x.LED != nil || g.Config == nil {
			return nil
		}
		cfg := &g.Config.Hardware.Heartbeat
		if !cfg.Enable {
			return nil
		}
		var err error
		x.LED, err = heartbeat.Open(cfg.PinChip, uint32(cfg.Pin), g.Clock, g.Log)
		return err
	})
	return x.LED, err
}

// Session reads credential files and builds orchestrator over modem.
func (g *Global) Session() (*session.Orchestrator, error) {
	tr, err := g.Modem()
	if err != nil {
		return nil, err
	}
	cfg := g.Config
	scfg := session.Config{
		APN:                  cfg.Network.APN,
		RegistrationAttempts: cfg.Network.RegistrationAttempts,
		ClientID:             cfg.ClientID(),
		Endpoint:             cfg.Broker.Endpoint,
		Topic:                cfg.Broker.Topic,
	}
	files := [3]string{cfg.Broker.CAFile, cfg.Broker.CertFile, cfg.Broker.KeyFile}
	errs := make([]error, 0, len(files))
	for i, name := range files {
		b, err := config.ReadRequired(g.FS, name)
		if err != nil {
			errs = append(errs, errors.Annotate(err, "broker credential"))
			continue
		}
		scfg.Credentials[i] = session.Credential{Name: filepath.Base(name), Body: b}
	}
	if err = helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	if err = scfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "session config")
	}
	return session.NewOrchestrator(tr, g.Clock, scfg, g.Log), nil
}

// Publisher is configured uplink, serialized so capture and spool replay
// never use it concurrently. Modem uplink requires Attach first.
func (g *Global) Publisher() (capture.Publisher, error) {
	x := &g.uplink
	err := x.do(func() error {
		var pub capture.Publisher
		switch g.Config.Broker.Uplink {
		case config.UplinkModem:
			s, err := g.Session()
			if err != nil {
				return err
			}
			pub = s
			x.session = s

		case config.UplinkMqtt:
			c, err := g.mqttUplink()
			if err != nil {
				return err
			}
			pub = c
			x.client = c

		default:
			return errors.NotValidf("broker.uplink=%s", g.Config.Broker.Uplink)
		}
		x.pub = &lockedPublisher{mu: &g.publishMu, pub: pub}
		return nil
	})
	return x.pub, err
}

// Attach brings modem session online, no-op for direct uplink.
func (g *Global) Attach() error {
	if _, err := g.Publisher(); err != nil {
		return err
	}
	s := g.uplink.session
	if s == nil {
		return nil
	}
	g.publishMu.Lock()
	defer g.publishMu.Unlock()
	return s.Attach()
}

func (g *Global) mqttUplink() (*uplink.Client, error) {
	cfg := &g.Config.Broker
	read := func(name string) []byte {
		if name == "" {
			return nil
		}
		b, err := g.FS.ReadAll(g.FS.Normalize(name))
		if err != nil {
			g.Log.Errorf("uplink read name=%s err=%v", name, err)
		}
		return b
	}
	opt := uplink.Options{
		Broker:   cfg.Endpoint,
		ClientID: g.Config.ClientID(),
		Topic:    cfg.Topic,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	ca, cert, key := read(cfg.CAFile), read(cfg.CertFile), read(cfg.KeyFile)
	if ca != nil || cert != nil {
		tlsConfig, err := uplink.TLSConfig(ca, cert, key)
		if err != nil {
			return nil, errors.Annotate(err, "uplink tls")
		}
		opt.TLS = tlsConfig
	}
	log := g.Log.Clone(log2.LInfo)
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	return uplink.New(opt, log)
}

type lockedPublisher struct {
	mu  *sync.Mutex
	pub capture.Publisher
}

func (self *lockedPublisher) Publish(b []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.pub.Publish(b)
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
