package sensor

import (
	"math/rand"
	"time"

	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/types"
)

// Sim is calibrated noise with periodic lateral impacts.
type Sim struct {
	clk clock.Clock
	rnd *rand.Rand

	Noise       float32 // m/s², uniform ±Noise
	ImpactEvery time.Duration
	ImpactLen   time.Duration
	ImpactPeak  float32
}

func NewSim(clk clock.Clock, seed int64) *Sim {
	return &Sim{
		clk:         clk,
		rnd:         rand.New(rand.NewSource(seed)),
		Noise:       0.2,
		ImpactEvery: 45 * time.Second,
		ImpactLen:   60 * time.Millisecond,
		ImpactPeak:  8,
	}
}

func (self *Sim) Read() (types.Sample, error) {
	now := self.clk.Now()
	s := types.Sample{
		Timestamp: clock.Millis(self.clk),
		Ax:        self.noise(),
		Ay:        self.noise(),
		Az:        self.noise(),
		Gx:        self.noise() * 2,
		Gy:        self.noise() * 2,
		Gz:        self.noise() * 2,
	}
	if self.ImpactEvery > 0 && now >= self.ImpactEvery && now%self.ImpactEvery < self.ImpactLen {
		s.Ax += self.ImpactPeak
		s.Gz += self.ImpactPeak * 4
	}
	return s, nil
}

func (self *Sim) noise() float32 {
	if self.Noise == 0 {
		return 0
	}
	return (self.rnd.Float32()*2 - 1) * self.Noise
}
