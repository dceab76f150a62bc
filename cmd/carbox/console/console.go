// Modem diagnostics: raw AT console and GNSS position query.
package console

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/pflag"
	"github.com/temoto/carbox/cmd/carbox/subcmd"
	"github.com/temoto/carbox/helpers/cli"
	"github.com/temoto/carbox/internal/config"
	"github.com/temoto/carbox/internal/state"
)

const modName = "at"

var AtMod = subcmd.Mod{Name: modName, Usage: "interactive AT command console, x to exit", Main: AtMain}
var GpsMod = subcmd.Mod{Name: "gps", Usage: "power GNSS receiver and print position report", Main: GpsMain}

var suggests = []prompt.Suggest{
	{Text: "AT", Description: "modem alive"},
	{Text: "ATI", Description: "product information"},
	{Text: "AT+CPIN?", Description: "SIM status"},
	{Text: "AT+CSQ", Description: "signal quality"},
	{Text: "AT+CGREG?", Description: "network registration"},
	{Text: "AT+COPS?", Description: "operator"},
	{Text: "AT+CCERTLIST", Description: "stored certificates"},
	{Text: "AT+CMQTTSTOP", Description: "stop MQTT service"},
	{Text: "AT+CGNSSPWR=1", Description: "GNSS power on"},
	{Text: "AT+CGNSSINFO", Description: "GNSS position"},
	{Text: "x", Description: "exit"},
}

func AtMain(ctx context.Context, cfg *config.Config, args []string) error {
	flags := pflag.NewFlagSet(modName, pflag.ContinueOnError)
	wait := flags.DurationP("wait", "w", time.Second, "collect modem output for this long after each line")
	if err := flags.Parse(args); err != nil {
		return err
	}

	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	if _, err := g.Modem(); err != nil {
		return err
	}
	g.LED().Blink(4)
	cli.MainLoop(modName, newExecutor(g, *wait), newCompleter(), func() {
		g.Stop()
		_ = g.Close()
	})
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(g *state.Global, wait time.Duration) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		switch line {
		case "":
			return
		case "x", "X":
			g.Stop()
			_ = g.Close()
			os.Exit(0)
		}
		b, err := g.ModemExchange(line, wait)
		if err != nil {
			g.Log.Error(err)
			return
		}
		fmt.Print(string(b))
	}
}

func GpsMain(ctx context.Context, cfg *config.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, cfg)
	g.LED().Blink(5)
	info, err := g.GNSSInfo()
	if err != nil {
		return err
	}
	fmt.Println(info)
	return nil
}
