package setup

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/carbox/internal/types"
)

func TestSet(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		args   []string
		expect func(*types.Configuration)
		check  func(testing.TB, error)
	}
	cases := []Case{
		{"empty", nil, func(*types.Configuration) {}, nil},
		{"pre-post", []string{"--pre", "30", "--post=40"}, func(c *types.Configuration) {
			c.PreTriggerSamples = 30
			c.PostTriggerSamples = 40
		}, nil},
		{"thresholds", []string{"--thrx", "2.5", "--thry", "0"}, func(c *types.Configuration) {
			c.ThresholdX = 2.5
			c.ThresholdY = 0
		}, nil},
		{"period", []string{"--period", "10"}, func(c *types.Configuration) { c.SamplePeriodMs = 10 }, nil},
		{"pre-range", []string{"--pre", "201"}, nil, func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err), err)
		}},
		{"negative-threshold", []string{"--thrx=-1"}, nil, func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err), err)
		}},
		{"unknown-flag", []string{"--speed", "1"}, nil, func(t testing.TB, err error) {
			assert.Contains(t, err.Error(), "unknown flag")
		}},
		{"extra-arg", []string{"oops"}, nil, func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err), err)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			got, err := Set(types.DefaultConfiguration(), c.args)
			if c.check != nil {
				require.Error(t, err)
				c.check(t, err)
				return
			}
			require.NoError(t, err)
			expect := types.DefaultConfiguration()
			c.expect(&expect)
			assert.Equal(t, expect, got)
		})
	}
}
