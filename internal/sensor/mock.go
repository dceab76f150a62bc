package sensor

import (
	"sync"

	"github.com/juju/errors"
	"periph.io/x/periph/conn/physic"
)

// MockBus is register-level MPU6050 on fake I2C bus.
type MockBus struct {
	sync.Mutex
	Addr uint16
	Reg  [128]byte
	Err  error
	TxCount uint32
}

func NewMockBus() *MockBus {
	b := &MockBus{Addr: DefaultAddr}
	b.Reg[regWhoAmI] = whoAmI
	b.Reg[regPwrMgmt1] = 0x40 // sleep after reset
	return b
}

func (self *MockBus) String() string                    { return "mock-i2c" }
func (self *MockBus) SetSpeed(f physic.Frequency) error { return nil }

func (self *MockBus) Tx(addr uint16, w, r []byte) error {
	self.Lock()
	defer self.Unlock()
	self.TxCount++
	if self.Err != nil {
		return self.Err
	}
	if addr != self.Addr {
		return errors.Errorf("mock-i2c nack addr=%#02x", addr)
	}
	if len(w) == 0 {
		return errors.NotValidf("mock-i2c empty write")
	}
	reg := int(w[0])
	for _, b := range w[1:] {
		self.Reg[reg%len(self.Reg)] = b
		reg++
	}
	for i := range r {
		r[i] = self.Reg[(reg+i)%len(self.Reg)]
	}
	return nil
}

func (self *MockBus) SetRaw(raw Raw) {
	self.Lock()
	defer self.Unlock()
	put := func(reg int, v int16) {
		self.Reg[reg] = byte(uint16(v) >> 8)
		self.Reg[reg+1] = byte(uint16(v))
	}
	put(regAccelXoutH, raw.Ax)
	put(regAccelXoutH+2, raw.Ay)
	put(regAccelXoutH+4, raw.Az)
	put(regAccelXoutH+6, 0x0d0c) // temperature
	put(regAccelXoutH+8, raw.Gx)
	put(regAccelXoutH+10, raw.Gy)
	put(regAccelXoutH+12, raw.Gz)
}
