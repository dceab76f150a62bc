// Package heartbeat drives status LED: toggle per sample, blink codes, failure pattern.
// Nil *LED is valid and does nothing, for boards without LED.
package heartbeat

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/log2"
	gpio "github.com/temoto/gpio-cdev-go"
)

const modName string = "heartbeat"

const (
	BlinkOn   = 100 * time.Millisecond
	BlinkOff  = 150 * time.Millisecond
	FailDelay = 100 * time.Millisecond
)

type LED struct {
	Log   *log2.Log
	mu    sync.Mutex
	clk   clock.Clock
	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
	on    bool
}

func Open(chipPath string, pin uint32, clk clock.Clock, log *log2.Log) (*LED, error) {
	chip, err := gpio.Open(chipPath, "carbox")
	if err != nil {
		return nil, errors.Annotatef(err, "%s open chip=%s", modName, chipPath)
	}
	led, err := NewLED(chip, pin, clk, log)
	if err != nil {
		chip.Close()
		return nil, err
	}
	led.chip = chip
	return led, nil
}

func NewLED(chip gpio.Chiper, pin uint32, clk clock.Clock, log *log2.Log) (*LED, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "carbox-led", pin)
	if err != nil {
		return nil, errors.Annotatef(err, "%s open line=%d", modName, pin)
	}
	self := &LED{
		Log:   log,
		clk:   clk,
		lines: lines,
		set:   lines.SetFunc(pin),
	}
	return self, errors.Annotate(self.Set(false), modName)
}

func (self *LED) Close() error {
	if self == nil {
		return nil
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	err := self.lines.Close()
	if self.chip != nil {
		self.chip.Close()
	}
	return err
}

func (self *LED) Set(on bool) error {
	if self == nil {
		return nil
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.setLocked(on)
}

func (self *LED) setLocked(on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	self.set(v)
	self.on = on
	return self.lines.Flush()
}

// Toggle is heartbeat, once per sample period. Errors are logged, never returned.
func (self *LED) Toggle() {
	if self == nil {
		return
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.setLocked(!self.on); err != nil {
		self.Log.Debugf("%s toggle err=%v", modName, err)
	}
}

// Blink flashes n times, signals selected mode.
func (self *LED) Blink(n int) {
	if self == nil {
		return
	}
	for i := 0; i < n; i++ {
		_ = self.Set(true)
		self.clk.Sleep(BlinkOn)
		_ = self.Set(false)
		self.clk.Sleep(BlinkOff)
	}
}

// Fail toggles fast for duration d, or until a stops when a is not nil.
// Used before exit on hardware failure.
func (self *LED) Fail(a *alive.Alive, d time.Duration) {
	if self == nil {
		return
	}
	start := self.clk.Now()
	for self.clk.Now()-start < d {
		if a != nil && !a.IsRunning() {
			break
		}
		self.Toggle()
		self.clk.Sleep(FailDelay)
	}
	_ = self.Set(false)
}
