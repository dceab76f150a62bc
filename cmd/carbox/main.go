package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"github.com/temoto/carbox/cmd/carbox/bench"
	"github.com/temoto/carbox/cmd/carbox/console"
	"github.com/temoto/carbox/cmd/carbox/monitor"
	"github.com/temoto/carbox/cmd/carbox/setup"
	"github.com/temoto/carbox/cmd/carbox/subcmd"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/internal/config"
	"github.com/temoto/carbox/internal/state"
	"github.com/temoto/carbox/internal/uplink"
	"github.com/temoto/carbox/log2"
)

var log = log2.NewStderr(log2.LDebug)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	monitor.Mod,
	monitor.StreamMod,
	setup.Mod,
	console.AtMod,
	console.GpsMod,
	monitor.ReplayMod,
	bench.Mod,
	{Name: "version", Usage: "print build version", NoConfig: true, Main: versionMain},
}

func main() {
	flags := pflag.NewFlagSet("carbox", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flagConfig := flags.StringP("config", "c", "carbox.hcl", "")
	flags.Usage = func() { usage(flags) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}
	cmdName := "monitor"
	if flags.NArg() != 0 {
		cmdName = flags.Arg(0)
	}
	mod, err := subcmd.Parse(cmdName, modules)
	if err != nil {
		usage(flags)
		log.Fatal(err)
	}
	var args []string
	if flags.NArg() > 1 {
		args = flags.Args()[1:]
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}
	uplink.SetLibraryLog(log.Clone(log2.LInfo))

	fs := config.NewOsFullReader()
	var cfg *config.Config
	if !mod.NoConfig {
		cfg = config.MustReadConfig(log, fs, *flagConfig)
	}
	g := state.NewGlobal(log, clock.Real(), fs)
	g.BuildVersion = BuildVersion
	ctx := state.NewContext(g)

	err = mod.Main(ctx, cfg, args)
	if err != nil {
		g.Fatal(errors.Annotatef(err, "command=%s", mod.Name))
	}
	g.Stop()
	if err = g.Close(); err != nil {
		g.Log.Error(errors.Annotate(err, "close"))
	}
	if !g.StopWait(5 * time.Second) {
		g.Log.Errorf("shutdown timeout")
	}
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: carbox [flags] [command] [command flags]\n\ncommands:\n")
	for _, m := range modules {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", m.Name, m.Usage)
	}
	fmt.Fprintf(os.Stderr, "\nflags:\n%s", flags.FlagUsages())
}

func versionMain(ctx context.Context, _ *config.Config, _ []string) error {
	fmt.Printf("carbox %s\n", BuildVersion)
	return nil
}
