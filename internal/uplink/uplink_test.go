package uplink_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/carbox/internal/broker"
	"github.com/temoto/carbox/internal/uplink"
	"github.com/temoto/carbox/log2"
)

type sink struct {
	sync.Mutex
	reject bool
	got    []packet.Message
}

func (self *sink) onPublish(ctx context.Context, client string, msg *packet.Message) error {
	self.Lock()
	defer self.Unlock()
	if self.reject {
		return fmt.Errorf("rejected")
	}
	self.got = append(self.got, *msg.Copy())
	return nil
}

func startBroker(t *testing.T, s *sink) string {
	srv := broker.NewServer(broker.ServerOptions{
		Log:       log2.NewTest(t, log2.LDebug),
		OnConnect: broker.AuthMap(map[string]string{"car": "secret"}),
		OnPublish: s.onPublish,
	})
	require.NoError(t, srv.Listen(context.Background(), []*broker.ListenOptions{{URL: "tcp://127.0.0.1:", NetworkTimeout: 5 * time.Second}}))
	t.Cleanup(func() { _ = srv.Close() })
	return "tcp://" + srv.Addrs()[0]
}

// paho calls handlers from own goroutines, test log would outlive test
func testLog() *log2.Log { return log2.NewStderr(log2.LDebug) }

func TestPublish(t *testing.T) {
	t.Parallel()
	s := &sink{}
	addr := startBroker(t, s)
	c, err := uplink.New(uplink.Options{
		Broker: addr, ClientID: "car-1", Topic: "veiculos/carbox/eventos",
		Username: "car", Password: "secret", Timeout: 2 * time.Second,
	}, testLog())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Publish([]byte(`{"dev":"car-1","ts":1}`)))
	require.NoError(t, c.Publish([]byte(`{"dev":"car-1","ts":2}`)))
	s.Lock()
	defer s.Unlock()
	require.Len(t, s.got, 2)
	assert.Equal(t, "veiculos/carbox/eventos", s.got[0].Topic)
	assert.Equal(t, packet.QOSAtLeastOnce, s.got[0].QOS)
	assert.Equal(t, `{"dev":"car-1","ts":2}`, string(s.got[1].Payload))
	assert.Equal(t, uint32(2), c.Stat().Publish)
}

func TestPublishBadCredentials(t *testing.T) {
	t.Parallel()
	addr := startBroker(t, &sink{})
	c, err := uplink.New(uplink.Options{
		Broker: addr, ClientID: "car-2", Topic: "t",
		Username: "car", Password: "wrong", Timeout: 2 * time.Second,
	}, testLog())
	require.NoError(t, err)
	defer c.Close()
	err = c.Publish([]byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
	assert.Equal(t, "connect=0 publish=0 error=1", c.Stat().String())
}

func TestPublishNoAck(t *testing.T) {
	t.Parallel()
	s := &sink{reject: true}
	addr := startBroker(t, s)
	c, err := uplink.New(uplink.Options{
		Broker: addr, ClientID: "car-3", Topic: "t",
		Username: "car", Password: "secret", Timeout: 300 * time.Millisecond,
	}, testLog())
	require.NoError(t, err)
	defer c.Close()
	err = c.Publish([]byte("x"))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), errors.ErrorStack(err))
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()
	type Case struct {
		name string
		opt  uplink.Options
	}
	cases := []Case{
		{"broker", uplink.Options{ClientID: "c", Topic: "t"}},
		{"client", uplink.Options{Broker: "tcp://x:1", Topic: "t"}},
		{"topic", uplink.Options{Broker: "tcp://x:1", ClientID: "c"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := uplink.New(c.opt, nil)
			assert.True(t, errors.IsNotValid(err), "err=%v", err)
		})
	}
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	c, err := uplink.TLSConfig(nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, c.RootCAs)
	assert.Len(t, c.Certificates, 0)

	_, err = uplink.TLSConfig([]byte("not a pem"), nil, nil)
	assert.True(t, errors.IsNotValid(err))

	_, err = uplink.TLSConfig(nil, []byte("cert"), []byte("key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client certificate")
}
