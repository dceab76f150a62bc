package payload

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/juju/errors"
)

// Event is received payload, for ingest side and diagnostics.
type Event struct {
	DeviceID  string     `json:"dev"`
	Trigger   uint32     `json:"ts"`
	Threshold [2]float32 `json:"thr"`
	T         []uint32   `json:"t"`
	Ax        []float32  `json:"ax"`
	Ay        []float32  `json:"ay"`
	Az        []float32  `json:"az"`
	Gx        []float32  `json:"gx"`
	Gy        []float32  `json:"gy"`
	Gz        []float32  `json:"gz"`
}

func Decode(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Annotate(err, "payload decode")
	}
	if err := ValidDeviceID(e.DeviceID); err != nil {
		return nil, errors.Trace(err)
	}
	n := len(e.T)
	for i, l := range [...]int{len(e.Ax), len(e.Ay), len(e.Az), len(e.Gx), len(e.Gy), len(e.Gz)} {
		if l != n {
			return nil, errors.NotValidf("payload array=%s len=%d t=%d", fieldKeys[i+1][2:4], l, n)
		}
	}
	return &e, nil
}

func (self *Event) Len() int { return len(self.T) }

// Peak is max absolute lateral acceleration.
func (self *Event) Peak() (x, y float32) {
	for i := range self.T {
		x = float32(math.Max(float64(x), math.Abs(float64(self.Ax[i]))))
		y = float32(math.Max(float64(y), math.Abs(float64(self.Ay[i]))))
	}
	return x, y
}

func (self *Event) String() string {
	x, y := self.Peak()
	return fmt.Sprintf("dev=%s ts=%d samples=%d peak=(%.2f,%.2f) thr=(%.2f,%.2f)",
		self.DeviceID, self.Trigger, self.Len(), x, y, self.Threshold[0], self.Threshold[1])
}
