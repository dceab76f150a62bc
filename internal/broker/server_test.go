package broker_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/internal/broker"
	"github.com/temoto/carbox/log2"
)

const testDefaultTimeout = 1000 * time.Millisecond

type received struct {
	client string
	msg    packet.Message
}

type tenv struct {
	t    testing.TB
	log  *log2.Log
	s    *broker.Server
	addr string
	rand *rand.Rand

	mu     sync.Mutex
	msgs   []received
	reject bool
	closed chan string
}

func (env *tenv) onPublish(ctx context.Context, client string, msg *packet.Message) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.reject {
		return fmt.Errorf("rejected")
	}
	env.msgs = append(env.msgs, received{client, *msg.Copy()})
	return nil
}

func (env *tenv) received() []received {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]received(nil), env.msgs...)
}

func newEnv(t *testing.T) *tenv {
	env := &tenv{
		t:      t,
		log:    log2.NewTest(t, log2.LDebug),
		rand:   helpers.RandUnix(),
		closed: make(chan string, 8),
	}
	env.log.SetFlags(log2.LTestFlags)
	env.s = broker.NewServer(broker.ServerOptions{
		Log:       env.log,
		OnConnect: broker.AuthMap(map[string]string{"testuser": "testsecret"}),
		OnPublish: env.onPublish,
		OnClose:   func(id string, e error) { env.closed <- id },
	})
	lopts := []*broker.ListenOptions{{URL: "tcp://localhost:", NetworkTimeout: testDefaultTimeout}}
	require.NoError(t, env.s.Listen(context.Background(), lopts))
	addrs := env.s.Addrs()
	require.Len(t, addrs, 1)
	env.addr = addrs[0]
	t.Cleanup(func() { assert.NoError(t, env.s.Close()) })
	return env
}

func TestServer(t *testing.T) {
	t.Parallel()
	type Case struct {
		name  string
		check func(*tenv)
	}
	cases := []Case{
		{"invalid-credentials", func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.ClientID = "cli"
			pktConnect.Username = "unknown"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.NotAuthorized, pktConnack.ReturnCode)
		}},
		{"empty-clientid", func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.Username = "testuser"
			pktConnect.Password = "testsecret"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.IdentifierRejected, pktConnack.ReturnCode)
		}},
		{"ping", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "")
			require.NoError(env.t, conn.Send(packet.NewPingreq(), false))
			_ = connReceive(env, conn).(*packet.Pingresp)
		}},
		{"publish-qos0", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "car1")
			msg := packet.Message{Topic: "veiculos/carbox/eventos", QOS: packet.QOSAtMostOnce, Payload: []byte(`{"dev":"car1"}`)}
			connPublish(env, conn, msg)
			// ping roundtrip orders after publish processing
			require.NoError(env.t, conn.Send(packet.NewPingreq(), false))
			_ = connReceive(env, conn).(*packet.Pingresp)
			got := env.received()
			require.Len(env.t, got, 1)
			assert.Equal(env.t, "car1", got[0].client)
			assert.Equal(env.t, msg.Payload, got[0].msg.Payload)
		}},
		{"publish-qos1", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "car2")
			for i := 0; i < 3; i++ {
				connPublish(env, conn, packet.Message{Topic: "t", QOS: packet.QOSAtLeastOnce, Payload: []byte{byte(i)}})
			}
			got := env.received()
			require.Len(env.t, got, 3)
			for i, r := range got {
				assert.Equal(env.t, []byte{byte(i)}, r.msg.Payload)
			}
			assert.Equal(env.t, "connect=1 reject=0 publish=3 nack=0", env.s.Stat().String())
		}},
		{"publish-rejected", func(env *tenv) {
			env.mu.Lock()
			env.reject = true
			env.mu.Unlock()
			conn := connDial(env)
			connConnect(env, conn, "car3")
			pkt := packet.NewPublish()
			pkt.ID = 7
			pkt.Message = packet.Message{Topic: "t", QOS: packet.QOSAtLeastOnce, Payload: []byte("x")}
			require.NoError(env.t, conn.Send(pkt, false))
			// no puback, next reply is pingresp
			require.NoError(env.t, conn.Send(packet.NewPingreq(), false))
			_ = connReceive(env, conn).(*packet.Pingresp)
			assert.Equal(env.t, uint32(1), env.s.Stat().Nack)
		}},
		{"subscribe-closes", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "car4")
			pkt := packet.NewSubscribe()
			pkt.ID = 1
			pkt.Subscriptions = []packet.Subscription{{Topic: "#"}}
			require.NoError(env.t, conn.Send(pkt, false))
			_, err := conn.Receive()
			require.Error(env.t, err)
			assert.Equal(env.t, "car4", <-env.closed)
		}},
		{"disconnect", func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "car5")
			require.NoError(env.t, conn.Send(packet.NewDisconnect(), false))
			assert.Equal(env.t, "car5", <-env.closed)
			assert.Len(env.t, env.s.Clients(), 0)
		}},
		{"overtake", func(env *tenv) {
			conn1 := connDial(env)
			connConnect(env, conn1, "same")
			conn2 := connDial(env)
			connConnect(env, conn2, "same")
			assert.Equal(env.t, "same", <-env.closed)
			assert.Equal(env.t, []string{"same"}, env.s.Clients())
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t)
			c.check(env)
		})
	}
}

func TestServerCloseListen(t *testing.T) {
	t.Parallel()
	s := broker.NewServer(broker.ServerOptions{OnPublish: func(context.Context, string, *packet.Message) error {
		t.Error("unexpected call OnPublish")
		return nil
	}})
	require.NoError(t, s.Close())
	err := s.Listen(context.Background(), []*broker.ListenOptions{{URL: "tcp://localhost:"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func TestServerListenUnsupported(t *testing.T) {
	t.Parallel()
	s := broker.NewServer(broker.ServerOptions{OnPublish: func(context.Context, string, *packet.Message) error { return nil }})
	defer s.Close()
	err := s.Listen(context.Background(), []*broker.ListenOptions{{URL: "ws://localhost:"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func connDial(env *tenv) transport.Conn {
	c, err := transport.Dial("tcp://" + env.addr)
	require.NoError(env.t, err)
	c.SetReadTimeout(testDefaultTimeout)
	env.t.Cleanup(func() { _ = c.Close() })
	return c
}

func connConnect(env *tenv, c transport.Conn, id string) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = "testuser"
	pktConnect.Password = "testsecret"
	require.NoError(env.t, c.Send(pktConnect, false))
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	assert.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(1 + env.rand.Uint32()%(1<<15))
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	if msg.QOS == packet.QOSAtLeastOnce {
		pktPuback := connReceive(env, c).(*packet.Puback)
		assert.Equal(env.t, pktPublish.ID, pktPuback.ID)
	}
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	require.NoError(env.t, err)
	env.log.Infof("testClient recv pkt=%s", broker.PacketString(pkt))
	return pkt
}
