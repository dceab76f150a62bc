package session

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Step is one AT exchange: send Text, wait for Expect within Timeout.
// With Data set, the step transmits raw chunked bytes instead and expects nothing.
type Step struct {
	Name     string
	Text     string
	Expect   string
	Timeout  time.Duration
	Required bool
	Data     []byte

	// Attempts > 1 retries failed exchange, RetryPause after each failure.
	Attempts   int
	RetryPause time.Duration
	// Exhausted replaces cause when all Attempts fail.
	Exhausted error

	// Pause after step, regardless of result.
	Pause time.Duration
}

func (self *Step) String() string {
	if self.Data != nil {
		return fmt.Sprintf("%s data=%d", self.Name, len(self.Data))
	}
	return fmt.Sprintf("%s send=%q expect=%q", self.Name, self.Text, self.Expect)
}

// Program is ordered Steps, first Required failure skips the rest.
// Finally steps always run afterwards and never change result.
type Program struct {
	Name    string
	Steps   []Step
	Finally []Step
}

type AbortError struct {
	Op   string
	Step string
	Err  error
}

func (self *AbortError) Error() string {
	return fmt.Sprintf("%s aborted at %s: %v", self.Op, self.Step, self.Err)
}

// Cause lets errors.Cause/IsTimeout see through abort.
func (self *AbortError) Cause() error  { return errors.Cause(self.Err) }
func (self *AbortError) Unwrap() error { return self.Err }

func IsAbort(err error) (*AbortError, bool) {
	a, ok := err.(*AbortError)
	return a, ok
}

var ErrRegistrationExhausted = errors.New("network registration attempts exhausted")
