// Package payload serializes completed capture window into single line text:
// {"dev":"id","ts":123,"thr":[3.00,3.00],"t":[...],"ax":[...],...,"gz":[...]}
// Output goes into fixed preallocated buffer, never grows, never truncates.
package payload

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/carbox/internal/types"
)

const MaxSize = 4096

var ErrBufferOverrun = errors.New("payload buffer overrun")

// Window is capture result as engine holds it.
// Pre is circular, oldest sample at PreIndex. Post is in fill order.
type Window struct {
	DeviceID   string
	Trigger    uint32
	ThresholdX float32
	ThresholdY float32
	Pre        []types.Sample
	PreIndex   int
	Post       []types.Sample
}

func (self *Window) Len() int { return len(self.Pre) + len(self.Post) }

// At returns i-th sample of window in chronological order.
func (self *Window) At(i int) *types.Sample {
	if i < len(self.Pre) {
		return &self.Pre[(self.PreIndex+i)%len(self.Pre)]
	}
	return &self.Post[i-len(self.Pre)]
}

func ValidDeviceID(id string) error {
	if id == "" || strings.ContainsAny(id, "\"\\") {
		return errors.NotValidf("device id=%q", id)
	}
	return nil
}

type Encoder struct {
	buf [MaxSize]byte
	w   writer
}

func NewEncoder() *Encoder { return &Encoder{} }

type field int

const (
	fieldT field = iota
	fieldAx
	fieldAy
	fieldAz
	fieldGx
	fieldGy
	fieldGz
)

var fieldKeys = [...]string{`,"t":[`, `,"ax":[`, `,"ay":[`, `,"az":[`, `,"gx":[`, `,"gy":[`, `,"gz":[`}

// Encode returns slice of encoder internal buffer, valid until next Encode.
func (self *Encoder) Encode(win *Window) ([]byte, error) {
	if err := ValidDeviceID(win.DeviceID); err != nil {
		return nil, errors.Trace(err)
	}
	if len(win.Pre) == 0 || win.PreIndex < 0 || win.PreIndex >= len(win.Pre) {
		return nil, errors.NotValidf("pre window len=%d index=%d", len(win.Pre), win.PreIndex)
	}
	w := &self.w
	w.b = self.buf[:0]
	w.over = false

	w.str(`{"dev":"`)
	w.str(win.DeviceID)
	w.str(`","ts":`)
	w.uint(win.Trigger)
	w.str(`,"thr":[`)
	w.float(win.ThresholdX)
	w.str(",")
	w.float(win.ThresholdY)
	w.str("]")
	n := win.Len()
	for f := fieldT; f <= fieldGz; f++ {
		w.str(fieldKeys[f])
		for i := 0; i < n; i++ {
			if i != 0 {
				w.str(",")
			}
			s := win.At(i)
			switch f {
			case fieldT:
				w.uint(s.Timestamp)
			case fieldAx:
				w.float(s.Ax)
			case fieldAy:
				w.float(s.Ay)
			case fieldAz:
				w.float(s.Az)
			case fieldGx:
				w.float(s.Gx)
			case fieldGy:
				w.float(s.Gy)
			case fieldGz:
				w.float(s.Gz)
			}
		}
		w.str("]")
	}
	w.str("}")
	if w.over {
		return nil, errors.Annotatef(ErrBufferOverrun, "window=%d max=%d", n, MaxSize)
	}
	return w.b, nil
}

// writer appends within fixed capacity, remembers overflow.
type writer struct {
	b    []byte
	over bool
	tmp  [32]byte
}

func (self *writer) bytes(p []byte) {
	if self.over || len(self.b)+len(p) > cap(self.b) {
		self.over = true
		return
	}
	self.b = append(self.b, p...)
}

func (self *writer) str(s string) {
	if self.over || len(self.b)+len(s) > cap(self.b) {
		self.over = true
		return
	}
	self.b = append(self.b, s...)
}

func (self *writer) uint(v uint32) { self.bytes(strconv.AppendUint(self.tmp[:0], uint64(v), 10)) }

// two decimals of value widened to double
func (self *writer) float(v float32) {
	self.bytes(strconv.AppendFloat(self.tmp[:0], float64(v), 'f', 2, 64))
}
