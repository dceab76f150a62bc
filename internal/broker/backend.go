package broker

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/log2"
)

// Server side connection state.
// Thin transport.Conn wrapper.
type backend struct {
	alive    *alive.Alive
	conn     transport.Conn
	connmu   sync.RWMutex
	ctx      context.Context
	err      helpers.AtomicError
	id       string
	opt      *ListenOptions
	log      *log2.Log
	username string
}

func newBackend(ctx context.Context, conn transport.Conn, opt *ListenOptions, log *log2.Log, pktConnect *packet.Connect) *backend {
	return &backend{
		alive:    alive.NewAlive(),
		conn:     conn,
		ctx:      ctx,
		id:       pktConnect.ClientID,
		opt:      opt,
		log:      log,
		username: pktConnect.Username,
	}
}

func (b *backend) Receive() (packet.Generic, error) {
	conn := b.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	b.log.Debugf("%s recv addr=%s id=%s pkt=%s err=%v", modName, addrString(conn.RemoteAddr()), b.id, PacketString(pkt), err)
	switch err {
	case nil:
		return pkt, nil

	case io.EOF: // remote properly closed connection
		_ = b.die(err)
		return nil, err

	default:
		if !b.alive.IsRunning() && isClosedConn(err) {
			// conn.Close was used to interrupt blocking Receive
			return nil, ErrClosing
		}
		_ = b.die(err)
		return nil, err
	}
}

func (b *backend) Send(pkt packet.Generic) error {
	conn := b.getConn()
	if conn == nil {
		return ErrClosing
	}
	b.log.Debugf("%s send id=%s pkt=%s", modName, b.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !b.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return b.die(errors.Annotatef(err, "clientid=%s", b.id))
	}
	return nil
}

func (b *backend) RemoteAddr() net.Addr {
	if conn := b.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die stores first error, stops backend and closes connection.
// Returns first stored error.
func (b *backend) die(e error) error {
	err, found := b.err.StoreOnce(e)
	if found {
		return err
	}
	b.log.Debugf("%s die id=%s e=%v", modName, b.id, e)
	b.alive.Stop()
	helpers.WithLock(&b.connmu, func() {
		if b.conn != nil {
			_ = b.conn.Close()
			b.conn = nil
		}
	})
	return e
}

func (b *backend) getConn() transport.Conn {
	b.connmu.RLock()
	c := b.conn
	b.connmu.RUnlock()
	return c
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

func keepaliveAndHalf(d time.Duration) time.Duration {
	return d + d/2
}
