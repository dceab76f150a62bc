package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 5 * time.Second, Max: 30 * time.Second, K: 2, Res: time.Second}

	type Case struct {
		success bool
		expect  time.Duration
	}
	steps := []Case{
		{false, 5 * time.Second},
		{false, 10 * time.Second},
		{false, 20 * time.Second},
		{false, 30 * time.Second},
		{false, 30 * time.Second},
		{true, 5 * time.Second},
		{false, 5 * time.Second},
		{false, 10 * time.Second},
	}
	for i, c := range steps {
		assert.Equal(t, c.expect, b.DelayAfter(c.success), "step=%d", i)
	}
	assert.Equal(t, 20*time.Second, b.Next())
	b.Reset()
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestBackoffRound(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 1500 * time.Microsecond, K: 1.5}
	assert.Equal(t, time.Millisecond, b.DelayAfter(false))
	assert.Equal(t, 2*time.Millisecond, b.DelayAfter(false))
}
