// Operator edit of persistent capture parameters.
package setup

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/carbox/cmd/carbox/subcmd"
	"github.com/temoto/carbox/internal/config"
	"github.com/temoto/carbox/internal/state"
	"github.com/temoto/carbox/internal/types"
)

const usage = `config show            print stored capture parameters
config set [flags]     change and save, e.g. config set --pre 30 --thrx 2.5
config reset           save defaults
config erase           blank storage, defaults apply on next load`

var Mod = subcmd.Mod{Name: "config", Usage: usage, Main: Main}

func Main(ctx context.Context, cfg *config.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	g.LED().Blink(3)

	action := "show"
	if len(args) != 0 {
		action, args = args[0], args[1:]
	}
	switch action {
	case "show":
		fmt.Println(g.Store.Load().String())
		return nil

	case "set":
		c, err := Set(g.Store.Load(), args)
		if err != nil {
			return err
		}
		if err = g.Store.Save(c); err != nil {
			return err
		}
		fmt.Println(c.String())
		return nil

	case "reset":
		c := types.DefaultConfiguration()
		if err := g.Store.Save(c); err != nil {
			return err
		}
		fmt.Println(c.String())
		return nil

	case "erase":
		return g.Store.Erase()

	default:
		return errors.NotSupportedf("config action=%s\n%s\n", action, usage)
	}
}

// Set applies flags over current configuration.
func Set(c types.Configuration, args []string) (types.Configuration, error) {
	flags := pflag.NewFlagSet("config set", pflag.ContinueOnError)
	flags.Uint16Var(&c.PreTriggerSamples, "pre", c.PreTriggerSamples, "samples kept before trigger")
	flags.Uint16Var(&c.PostTriggerSamples, "post", c.PostTriggerSamples, "samples captured after trigger")
	flags.Float32Var(&c.ThresholdX, "thrx", c.ThresholdX, "X acceleration threshold, m/s²")
	flags.Float32Var(&c.ThresholdY, "thry", c.ThresholdY, "Y acceleration threshold, m/s²")
	flags.Uint32Var(&c.SamplePeriodMs, "period", c.SamplePeriodMs, "sample period, ms")
	if err := flags.Parse(args); err != nil {
		return c, err
	}
	if flags.NArg() != 0 {
		return c, errors.NotValidf("config set argument=%s", flags.Arg(0))
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
