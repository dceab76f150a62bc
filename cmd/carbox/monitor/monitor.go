// Main, unattended mode of operation.
package monitor

import (
	"context"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/carbox/cmd/carbox/subcmd"
	"github.com/temoto/carbox/internal/config"
	"github.com/temoto/carbox/internal/state"
)

var Mod = subcmd.Mod{Name: "monitor", Usage: "capture and publish events until stopped", Main: Main}
var StreamMod = subcmd.Mod{Name: "stream", Usage: "print calibrated acceleration, 10 lines per second", Main: StreamMain}
var ReplayMod = subcmd.Mod{Name: "replay", Usage: "resend spooled events", Main: ReplayMain}

func Main(ctx context.Context, cfg *config.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	subcmd.StopOnSignal(g.Stop)
	g.LED().Blink(1)

	// sensor is essential, nothing to do without it
	if _, err := g.Sensor(); err != nil {
		g.Fatal(err)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	e, err := g.RunMonitor(ctx)
	if err != nil && err != state.ErrStopped {
		return err
	}
	if e != nil {
		g.Log.Infof("monitor capture=(%s)", e.Stat().String())
	}
	if g.Spool != nil {
		g.Log.Infof("monitor spool=(%s)", g.Spool.Stat().String())
	}
	return nil
}

func StreamMain(ctx context.Context, cfg *config.Config, args []string) error {
	flags := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	count := flags.IntP("count", "n", 0, "stop after N lines, 0 means until interrupted")
	if err := flags.Parse(args); err != nil {
		return err
	}

	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	subcmd.StopOnSignal(g.Stop)
	g.LED().Blink(2)
	err := g.RunStream(os.Stdout, *count)
	os.Stdout.WriteString("\n")
	return err
}

func ReplayMain(ctx context.Context, cfg *config.Config, args []string) error {
	flags := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	duration := flags.DurationP("duration", "d", 0, "stop after duration, 0 means until interrupted")
	if err := flags.Parse(args); err != nil {
		return err
	}

	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	if g.Spool == nil {
		return errors.NotValidf("replay with spool.enable=false")
	}
	subcmd.StopOnSignal(g.Stop)
	if err := g.Attach(); err != nil {
		return errors.Annotate(err, "replay attach")
	}
	pub, err := g.Publisher()
	if err != nil {
		return errors.Annotate(err, "replay")
	}
	if !g.Alive.Add(1) {
		return nil
	}
	go g.Spool.Run(g.Alive, pub)
	if *duration > 0 {
		time.AfterFunc(*duration, g.Stop)
	}
	<-g.Alive.StopChan()
	g.Log.Infof("replay spool=(%s)", g.Spool.Stat().String())
	return nil
}
