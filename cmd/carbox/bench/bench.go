// Bench ingest server: accepts events from devices with direct-IP uplink
// and logs decoded summary.
package bench

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/carbox/cmd/carbox/subcmd"
	"github.com/temoto/carbox/internal/broker"
	"github.com/temoto/carbox/internal/config"
	"github.com/temoto/carbox/internal/payload"
	"github.com/temoto/carbox/internal/state"
)

const modName = "broker"

var Mod = subcmd.Mod{Name: modName, Usage: "bench MQTT ingest server", NoConfig: true, Main: Main}

func Main(ctx context.Context, _ *config.Config, args []string) error {
	flags := pflag.NewFlagSet(modName, pflag.ContinueOnError)
	listen := flags.StringSlice("listen", []string{"tcp://0.0.0.0:1883"}, "tcp://, tls:// or unix:// URL, repeatable")
	auth := flags.StringToString("auth", nil, "allowed username=password pairs, empty allows everybody")
	certFile := flags.String("tls-cert", "", "server certificate for tls://")
	keyFile := flags.String("tls-key", "", "server key for tls://")
	topic := flags.String("topic", "", "accept only this topic prefix")
	if err := flags.Parse(args); err != nil {
		return err
	}

	g := state.GetGlobal(ctx)
	opts := make([]*broker.ListenOptions, 0, len(*listen))
	var tlsConfig *tls.Config
	if *certFile != "" {
		pair, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			return errors.Annotate(err, "tls")
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	}
	for _, u := range *listen {
		opts = append(opts, &broker.ListenOptions{URL: u, TLS: tlsConfig})
	}

	onConnect := broker.AuthAllowAll
	if len(*auth) != 0 {
		onConnect = broker.AuthMap(*auth)
	}
	srv := broker.NewServer(broker.ServerOptions{
		Log:       g.Log,
		OnConnect: onConnect,
		OnClose: func(clientID string, e error) {
			g.Log.Infof("%s client=%s closed err=%v", modName, clientID, e)
		},
		OnPublish: NewIngest(g, *topic),
	})
	if err := srv.Listen(ctx, opts); err != nil {
		return err
	}
	subcmd.StopOnSignal(g.Stop)
	g.Log.Infof("%s listening %s", modName, strings.Join(srv.Addrs(), " "))
	<-g.Alive.StopChan()
	g.Log.Infof("%s stat %s", modName, srv.Stat().String())
	return srv.Close()
}

// NewIngest accepts valid capture events, rejected message is not acknowledged.
func NewIngest(g *state.Global, topicPrefix string) broker.MessageFunc {
	return func(ctx context.Context, clientID string, msg *packet.Message) error {
		if !strings.HasPrefix(msg.Topic, topicPrefix) {
			return errors.Errorf("%s client=%s unexpected topic=%s", modName, clientID, msg.Topic)
		}
		e, err := payload.Decode(msg.Payload)
		if err != nil {
			err = errors.Annotatef(err, "%s client=%s %s", modName, clientID, broker.MessageString(msg))
			g.Log.Error(err)
			return err
		}
		g.Log.Infof("%s event client=%s topic=%s %s", modName, clientID, msg.Topic, e.String())
		return nil
	}
}
