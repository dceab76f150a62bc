package sensor

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/types"
	"github.com/temoto/carbox/log2"
	"periph.io/x/periph/conn/i2c/i2ctest"
)

func TestInitSequence(t *testing.T) {
	t.Parallel()
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x68, W: []byte{0x75}, R: []byte{0x68}},
			{Addr: 0x68, W: []byte{0x6b, 0x00}},
			{Addr: 0x68, W: []byte{0x1a, 0x05}},
			{Addr: 0x68, W: []byte{0x1b, 0x00}},
			{Addr: 0x68, W: []byte{0x1c, 0x00}},
		},
		DontPanic: true,
	}
	_, err := NewDevice(bus, DefaultAddr, clock.Fake(0), log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	assert.NoError(t, bus.Close())
}

func TestInitWrongIdentity(t *testing.T) {
	t.Parallel()
	bus := NewMockBus()
	bus.Reg[regWhoAmI] = 0x70
	_, err := NewDevice(bus, DefaultAddr, clock.Fake(0), log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))
}

func TestInitAbsent(t *testing.T) {
	t.Parallel()
	bus := NewMockBus()
	_, err := NewDevice(bus, 0x69, clock.Fake(0), log2.NewTest(t, log2.LDebug))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nack")
}

func TestCalibrateRead(t *testing.T) {
	t.Parallel()
	bus := NewMockBus()
	clk := clock.Fake(0)
	d, err := NewDevice(bus, DefaultAddr, clk, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	assert.Equal(t, byte(0), bus.Reg[regPwrMgmt1])
	assert.Equal(t, byte(dlpf5), bus.Reg[regConfig])

	still := Raw{Ax: 100, Ay: -200, Az: 16484, Gx: 13, Gy: -7, Gz: 0}
	bus.SetRaw(still)
	require.NoError(t, d.Calibrate(CalibrateReads, CalibratePause))
	assert.Equal(t, still, d.Offset())
	assert.Equal(t, time.Second, clk.Now())

	bus.SetRaw(Raw{Ax: 100 + 16384, Ay: -200 - 8192, Az: 16484, Gx: 13 + 131, Gy: -7, Gz: -262})
	s, err := d.Read()
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), s.Timestamp)
	assert.InDelta(t, 9.81, s.Ax, 1e-5)
	assert.InDelta(t, -4.905, s.Ay, 1e-5)
	assert.InDelta(t, 0, s.Az, 1e-5)
	assert.InDelta(t, 1, s.Gx, 1e-5)
	assert.InDelta(t, -2, s.Gz, 1e-5)
}

func TestReadError(t *testing.T) {
	t.Parallel()
	bus := NewMockBus()
	d, err := NewDevice(bus, DefaultAddr, clock.Fake(0), log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	bus.Err = errors.New("bus stuck")
	_, err = d.Read()
	require.Error(t, err)
	assert.Error(t, d.Calibrate(10, time.Millisecond))
	assert.Equal(t, "read=2 error=2", d.Stat().String())
	assert.True(t, errors.IsNotValid(d.Calibrate(0, 0)))
}

func TestConvert(t *testing.T) {
	t.Parallel()
	type Case struct {
		name   string
		raw    Raw
		offset Raw
		expect types.Sample
	}
	cases := []Case{
		{"zero", Raw{}, Raw{}, types.Sample{Timestamp: 7}},
		{"one-g", Raw{Az: 16384}, Raw{}, types.Sample{Timestamp: 7, Az: 9.81}},
		{"offset", Raw{Ax: -16384, Gy: 131}, Raw{Ax: 16384, Gy: 262}, types.Sample{Timestamp: 7, Ax: -19.62, Gy: -1}},
		{"extreme", Raw{Ax: -32768, Gz: 32767}, Raw{Ax: 32767, Gz: -32768}, types.Sample{Timestamp: 7, Ax: -39.239, Gz: 500.2672}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s := Convert(c.raw, c.offset, 7)
			assert.Equal(t, c.expect.Timestamp, s.Timestamp)
			assert.InDelta(t, c.expect.Ax, s.Ax, 1e-3)
			assert.InDelta(t, c.expect.Az, s.Az, 1e-3)
			assert.InDelta(t, c.expect.Gy, s.Gy, 1e-3)
			assert.InDelta(t, c.expect.Gz, s.Gz, 1e-3)
		})
	}
}

func TestSim(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(0)
	sim := NewSim(clk, 1)
	sim.Noise = 0
	s, err := sim.Read()
	require.NoError(t, err)
	assert.Equal(t, types.Sample{}, s)

	clk.Advance(45*time.Second + 10*time.Millisecond)
	s, _ = sim.Read()
	assert.Equal(t, uint32(45010), s.Timestamp)
	assert.Equal(t, float32(8), s.Ax)

	clk.Advance(time.Second)
	s, _ = sim.Read()
	assert.Equal(t, float32(0), s.Ax)

	sim = NewSim(clk, 2)
	for i := 0; i < 100; i++ {
		s, _ = sim.Read()
		assert.True(t, s.Ay <= sim.Noise && s.Ay >= -sim.Noise)
	}
}
