package types

import (
	"fmt"
	"math"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/carbox/helpers"
)

// MaxSamples bounds both capture windows, storage is allocated for this many.
const MaxSamples = 200

// Sample is one calibrated sensor reading, acceleration in m/s², rotation in deg/s.
type Sample struct {
	Timestamp  uint32 // ms, wraps
	Ax, Ay, Az float32
	Gx, Gy, Gz float32
}

func (self Sample) String() string {
	return fmt.Sprintf("t=%d a=(%.2f,%.2f,%.2f) g=(%.2f,%.2f,%.2f)",
		self.Timestamp, self.Ax, self.Ay, self.Az, self.Gx, self.Gy, self.Gz)
}

// Configuration is capture parameters, edited by operator, persisted by config.Store.
type Configuration struct {
	PreTriggerSamples  uint16
	PostTriggerSamples uint16
	ThresholdX         float32
	ThresholdY         float32
	SamplePeriodMs     uint32
}

func DefaultConfiguration() Configuration {
	return Configuration{
		PreTriggerSamples:  24,
		PostTriggerSamples: 25,
		ThresholdX:         3.0,
		ThresholdY:         3.0,
		SamplePeriodMs:     4,
	}
}

func (self Configuration) SamplePeriod() time.Duration {
	return time.Duration(self.SamplePeriodMs) * time.Millisecond
}

func (self Configuration) WindowLen() int {
	return int(self.PreTriggerSamples) + int(self.PostTriggerSamples)
}

func (self Configuration) Validate() error {
	errs := make([]error, 0, 4)
	if self.PreTriggerSamples < 1 || self.PreTriggerSamples > MaxSamples {
		errs = append(errs, errors.NotValidf("pre_trigger_samples=%d range=[1,%d]", self.PreTriggerSamples, MaxSamples))
	}
	if self.PostTriggerSamples < 1 || self.PostTriggerSamples > MaxSamples {
		errs = append(errs, errors.NotValidf("post_trigger_samples=%d range=[1,%d]", self.PostTriggerSamples, MaxSamples))
	}
	for _, thr := range [...]struct {
		name string
		v    float32
	}{{"threshold_x", self.ThresholdX}, {"threshold_y", self.ThresholdY}} {
		if thr.v < 0 || math.IsNaN(float64(thr.v)) || math.IsInf(float64(thr.v), 0) {
			errs = append(errs, errors.NotValidf("%s=%v", thr.name, thr.v))
		}
	}
	if self.SamplePeriodMs == 0 {
		errs = append(errs, errors.NotValidf("sample_period_ms=0"))
	}
	return helpers.FoldErrors(errs)
}

func (self Configuration) String() string {
	return fmt.Sprintf("pre=%d post=%d threshold_x=%.2f threshold_y=%.2f period=%dms",
		self.PreTriggerSamples, self.PostTriggerSamples, self.ThresholdX, self.ThresholdY, self.SamplePeriodMs)
}
