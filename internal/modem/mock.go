package modem

// Public API to easy create modem stubs to test your code.
import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/log2"
)

// NullUart records everything written, safe for concurrent use.
// Err, when set, is returned from every Write.
type NullUart struct {
	mu  sync.Mutex
	buf bytes.Buffer
	Err error
}

func (self *NullUart) Write(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.Err != nil {
		return 0, self.Err
	}
	return self.buf.Write(p)
}

func (self *NullUart) String() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.buf.String()
}

func (self *NullUart) Reset() {
	self.mu.Lock()
	self.buf.Reset()
	self.mu.Unlock()
}

// NewTestTransport returns transport on fake clock.
// mockRead schedules bytes to arrive after delay of fake time.
func NewTestTransport(t testing.TB) (tr *Transport, clk *clock.FakeClock, mockRead func(delay time.Duration, s string), w *NullUart) {
	clk = clock.Fake(0)
	w = &NullUart{}
	tr = NewTransport(w, clk, log2.NewTest(t, log2.LDebug))
	mockRead = func(delay time.Duration, s string) {
		clk.AfterFunc(delay, func() { tr.IngestBytes([]byte(s)) })
	}
	return
}

var ErrMockWrite = errors.New("mock write failure")
