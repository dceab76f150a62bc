package state

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/carbox/internal/capture"
	"github.com/temoto/carbox/internal/modem"
)

const (
	StreamPeriod = 100 * time.Millisecond
	GNSSWarmup   = time.Second
)

var ErrStopped = fmt.Errorf("stopped")

// RunMonitor attaches uplink, starts spool replay and runs capture loop until Stop.
// Sensor errors are returned as is, caller should treat them as fatal.
func (g *Global) RunMonitor(ctx context.Context) (*capture.Engine, error) {
	src, err := g.Sensor()
	if err != nil {
		return nil, errors.Annotate(err, "monitor")
	}
	if err = g.Attach(); err != nil {
		return nil, errors.Annotate(err, "monitor attach")
	}
	pub, err := g.Publisher()
	if err != nil {
		return nil, errors.Annotate(err, "monitor")
	}
	e, err := capture.NewEngine(g.Config.DeviceID, g.Store.Load(), g.Clock, pub, g.Reporter(), g.Log)
	if err != nil {
		return nil, errors.Annotate(err, "monitor")
	}

	if g.Spool != nil {
		if !g.Alive.Add(1) {
			return e, ErrStopped
		}
		go g.Spool.Run(g.Alive, pub)
	}
	if !g.Alive.Add(1) {
		return e, ErrStopped
	}
	g.Log.Infof("monitor started")
	led := g.LED()
	e.Run(g.Alive, src, led.Toggle)
	g.Log.Infof("monitor stopped capture=(%s)", e.Stat().String())
	return e, nil
}

// RunStream prints calibrated acceleration every StreamPeriod until Stop or n lines, n<=0 means no limit.
func (g *Global) RunStream(w io.Writer, n int) error {
	src, err := g.Sensor()
	if err != nil {
		return errors.Annotate(err, "stream")
	}
	led := g.LED()
	for i := 0; g.Alive.IsRunning() && (n <= 0 || i < n); i++ {
		s, err := src.Read()
		if err != nil {
			g.Log.Error(errors.Annotate(err, "stream read"))
		} else {
			fmt.Fprintf(w, "ACC: X=%+05.2f Y=%+05.2f Z=%+05.2f\r", s.Ax, s.Ay, s.Az)
		}
		led.Toggle()
		g.Clock.Sleep(StreamPeriod)
	}
	_ = led.Set(false)
	return nil
}

// GNSSInfo powers GNSS receiver and returns position report line.
func (g *Global) GNSSInfo() (string, error) {
	tr, err := g.Modem()
	if err != nil {
		return "", errors.Annotate(err, "gnss")
	}
	g.publishMu.Lock()
	defer g.publishMu.Unlock()
	if err = tr.SendCommand("AT+CGNSSPWR=1\r\n", "OK", 2*time.Second); err != nil {
		return "", errors.Annotate(err, "gnss power")
	}
	g.Clock.Sleep(GNSSWarmup)
	b, err := tr.Exchange("AT+CGNSSINFO\r\n", 2*time.Second)
	if err != nil {
		return "", errors.Annotate(err, "gnss info")
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "+CGNSSINFO") {
			return line, nil
		}
	}
	return "", errors.NotFoundf("+CGNSSINFO in response=%q", b)
}

// ModemExchange sends console line to modem and returns raw response.
func (g *Global) ModemExchange(line string, wait time.Duration) ([]byte, error) {
	tr, err := g.Modem()
	if err != nil {
		return nil, err
	}
	g.publishMu.Lock()
	defer g.publishMu.Unlock()
	return tr.Exchange(modem.Command("%s", line), wait)
}
