// Package sensor reads calibrated acceleration and rotation samples.
// Device is InvenSense MPU6050 on I2C bus, Sim is synthetic source for bench runs.
package sensor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/types"
	"github.com/temoto/carbox/log2"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

const modName string = "sensor"

const DefaultAddr uint16 = 0x68

const (
	regConfig      = 0x1a
	regGyroConfig  = 0x1b
	regAccelConfig = 0x1c
	regAccelXoutH  = 0x3b
	regPwrMgmt1    = 0x6b
	regWhoAmI      = 0x75

	whoAmI = 0x68
	// DLPF 10Hz accel / 10Hz gyro
	dlpf5 = 0x05

	burstLen = 14

	// full scale ±2g and ±250°/s
	accelLSB = 16384.0
	gyroLSB  = 131.0
	gravity  = 9.81

	CalibrateReads = 500
	CalibratePause = 2 * time.Millisecond
)

type Raw struct {
	Ax, Ay, Az int16
	Gx, Gy, Gz int16
}

func (self Raw) String() string {
	return fmt.Sprintf("a=(%d,%d,%d) g=(%d,%d,%d)", self.Ax, self.Ay, self.Az, self.Gx, self.Gy, self.Gz)
}

type Stat struct {
	Read  uint32
	Error uint32
}

func (self *Stat) String() string {
	return fmt.Sprintf("read=%d error=%d", atomic.LoadUint32(&self.Read), atomic.LoadUint32(&self.Error))
}

type Device struct {
	Log    *log2.Log
	dev    i2c.Dev
	closer interface{ Close() error }
	clk    clock.Clock
	offset Raw
	buf    [burstLen]byte
	stat   Stat
}

// Open initializes periph host drivers and MPU6050 on named bus ("1", "/dev/i2c-1", "").
func Open(busName string, addr uint16, clk clock.Clock, log *log2.Log) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C Open bus=%s", busName)
	}
	if err = bus.SetSpeed(400 * physic.KiloHertz); err != nil {
		log.Debugf("%s I2C SetSpeed err=%v", modName, err)
	}
	d, err := NewDevice(bus, addr, clk, log)
	if err != nil {
		bus.Close()
		return nil, err
	}
	d.closer = bus
	return d, nil
}

// NewDevice checks identity and configures device over given bus.
func NewDevice(bus i2c.Bus, addr uint16, clk clock.Clock, log *log2.Log) (*Device, error) {
	self := &Device{
		Log: log,
		dev: i2c.Dev{Bus: bus, Addr: addr},
		clk: clk,
	}
	if err := self.init(); err != nil {
		return nil, errors.Annotatef(err, "%s addr=%#02x", modName, addr)
	}
	return self, nil
}

func (self *Device) Close() error {
	if self.closer == nil {
		return nil
	}
	return self.closer.Close()
}

func (self *Device) Stat() *Stat { return &self.stat }
func (self *Device) Offset() Raw { return self.offset }

func (self *Device) init() error {
	var id [1]byte
	if err := self.dev.Tx([]byte{regWhoAmI}, id[:]); err != nil {
		return errors.Annotate(err, "who_am_i")
	}
	if id[0] != whoAmI {
		return errors.NotFoundf("mpu6050 who_am_i=%#02x expected=%#02x", id[0], whoAmI)
	}
	for _, w := range [...][2]byte{
		{regPwrMgmt1, 0},
		{regConfig, dlpf5},
		{regGyroConfig, 0},
		{regAccelConfig, 0},
	} {
		if err := self.dev.Tx(w[:], nil); err != nil {
			return errors.Annotatef(err, "write reg=%#02x", w[0])
		}
	}
	return nil
}

func (self *Device) ReadRaw() (Raw, error) {
	atomic.AddUint32(&self.stat.Read, 1)
	if err := self.dev.Tx([]byte{regAccelXoutH}, self.buf[:]); err != nil {
		atomic.AddUint32(&self.stat.Error, 1)
		return Raw{}, errors.Annotatef(err, "%s burst read", modName)
	}
	b := self.buf[:]
	// bytes 6,7 are temperature
	return Raw{
		Ax: int16(uint16(b[0])<<8 | uint16(b[1])),
		Ay: int16(uint16(b[2])<<8 | uint16(b[3])),
		Az: int16(uint16(b[4])<<8 | uint16(b[5])),
		Gx: int16(uint16(b[8])<<8 | uint16(b[9])),
		Gy: int16(uint16(b[10])<<8 | uint16(b[11])),
		Gz: int16(uint16(b[12])<<8 | uint16(b[13])),
	}, nil
}

// Calibrate averages n raw reads taken pause apart into zero offsets.
// Device must be still. Gravity is absorbed into Z offset.
func (self *Device) Calibrate(n int, pause time.Duration) error {
	if n <= 0 {
		return errors.NotValidf("calibrate n=%d", n)
	}
	self.Log.Infof("%s calibrating, keep still reads=%d", modName, n)
	var sum [6]int64
	for i := 0; i < n; i++ {
		r, err := self.ReadRaw()
		if err != nil {
			return errors.Annotatef(err, "calibrate read=%d", i)
		}
		sum[0] += int64(r.Ax)
		sum[1] += int64(r.Ay)
		sum[2] += int64(r.Az)
		sum[3] += int64(r.Gx)
		sum[4] += int64(r.Gy)
		sum[5] += int64(r.Gz)
		self.clk.Sleep(pause)
	}
	nn := int64(n)
	self.offset = Raw{
		Ax: int16(sum[0] / nn), Ay: int16(sum[1] / nn), Az: int16(sum[2] / nn),
		Gx: int16(sum[3] / nn), Gy: int16(sum[4] / nn), Gz: int16(sum[5] / nn),
	}
	self.Log.Debugf("%s offset %s", modName, self.offset.String())
	return nil
}

// Read returns calibrated sample stamped with current clock millis.
func (self *Device) Read() (types.Sample, error) {
	ts := clock.Millis(self.clk)
	r, err := self.ReadRaw()
	if err != nil {
		return types.Sample{}, err
	}
	return Convert(r, self.offset, ts), nil
}

func Convert(r, offset Raw, ts uint32) types.Sample {
	return types.Sample{
		Timestamp: ts,
		Ax:        accel(r.Ax, offset.Ax),
		Ay:        accel(r.Ay, offset.Ay),
		Az:        accel(r.Az, offset.Az),
		Gx:        gyro(r.Gx, offset.Gx),
		Gy:        gyro(r.Gy, offset.Gy),
		Gz:        gyro(r.Gz, offset.Gz),
	}
}

func accel(raw, off int16) float32 { return (float32(int32(raw)-int32(off)) / accelLSB) * gravity }
func gyro(raw, off int16) float32  { return float32(int32(raw)-int32(off)) / gyroLSB }
