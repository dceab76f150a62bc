// Package broker is minimal MQTT 3.1.1 ingest server for bench installs
// and tests of the direct-IP uplink. Clients connect and publish events,
// QoS 0 and 1. No subscriptions, no retain, no will.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gbroker "github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/log2"
)

const modName string = "broker"

const defaultReadLimit = 1 << 20

var (
	ErrSameClient = fmt.Errorf("clientid overtake")
	ErrClosing    = fmt.Errorf("server is closing")
)

type ListenOptions struct {
	URL            string
	TLS            *tls.Config
	NetworkTimeout time.Duration // conn receive timeout
	ReadLimit      int64
}

type ServerOptions struct {
	Log       *log2.Log
	OnClose   CloseFunc // valid client connection lost
	OnConnect ConnectFunc
	OnPublish MessageFunc
}

type CloseFunc = func(clientID string, e error)
type ConnectFunc = func(context.Context, *ListenOptions, *packet.Connect) (bool, error)

// MessageFunc error rejects message, QoS 1 publish is not acknowledged.
type MessageFunc = func(ctx context.Context, clientID string, msg *packet.Message) error

type Stat struct {
	Connect uint32
	Reject  uint32
	Publish uint32
	Nack    uint32
}

func (self *Stat) String() string {
	return fmt.Sprintf("connect=%d reject=%d publish=%d nack=%d",
		atomic.LoadUint32(&self.Connect), atomic.LoadUint32(&self.Reject),
		atomic.LoadUint32(&self.Publish), atomic.LoadUint32(&self.Nack))
}

type Server struct {
	sync.RWMutex

	alive    *alive.Alive
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
	ctx       context.Context
	listens   map[string]*transport.NetServer
	log       *log2.Log
	onClose   CloseFunc
	onConnect ConnectFunc
	onPublish MessageFunc
	stat      Stat
}

func NewServer(opt ServerOptions) *Server {
	if opt.OnPublish == nil {
		panic("code error broker.ServerOptions.OnPublish is mandatory")
	}
	s := &Server{
		alive:     alive.NewAlive(),
		log:       opt.Log,
		onConnect: defaultAuthDenyAll,
		onClose:   opt.OnClose,
		onPublish: opt.OnPublish,
	}
	s.backends.m = make(map[string]*backend)
	if opt.OnConnect != nil {
		s.onConnect = opt.OnConnect
	}
	return s
}

func (s *Server) Stat() *Stat { return &s.stat }

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Clients returns ids of connected clients.
func (s *Server) Clients() []string {
	s.backends.RLock()
	defer s.backends.RUnlock()
	ids := make([]string, 0, len(s.backends.m))
	for id := range s.backends.m {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) Close() error {
	// serialize well with acceptLoop
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, b := range s.backends.m {
			switch err := b.die(nil); err {
			case nil, ErrClosing, io.EOF:
			default:
				errs = append(errs, err)
			}
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(ctx context.Context, lopts []*ListenOptions) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	s.listens = make(map[string]*transport.NetServer, len(lopts))

	errs := make([]error, 0)
	for _, opt := range lopts {
		s.log.Debugf("%s listen url=%s timeout=%v", modName, opt.URL, opt.NetworkTimeout)
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = time.Minute
		}

		ns, err := s.listen(opt)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "%s listen url=%s", modName, opt.URL))
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	var ns *transport.NetServer
	switch u.Scheme {
	case "tls":
		if ns, err = transport.CreateSecureNetServer(u.Host, opt.TLS); err != nil {
			return nil, errors.Annotate(err, "CreateSecureNetServer")
		}

	case "tcp", "unix":
		listen, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		ns = transport.NewNetServer(listen)
	}
	if ns == nil {
		return nil, errors.NotSupportedf("listen url=%s", opt.URL)
	}
	return ns, nil
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "%s accept listen=%s", modName, opt.URL))
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

func (s *Server) onAccept(ctx context.Context, conn transport.Conn, opt *ListenOptions) (*backend, error) {
	var pkt packet.Generic
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)
	// first packet without backend
	pkt, err = conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}

	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = gbroker.ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false

	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotatef(gbroker.ErrNotAuthorized, "invalid clientid=%s", pktConnect.ClientID)
		return nil, errors.Trace(err)
	}

	ok, err = s.onConnect(ctx, opt, pktConnect)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		err = gbroker.ErrNotAuthorized
		return nil, errors.Trace(err)
	}
	s.log.Debugf("%s CONNECT addr=%s client=%s username=%s keepalive=%d",
		modName, addr, pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)

	connack.ReturnCode = packet.ConnectionAccepted
	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > opt.NetworkTimeout {
		keepalive = opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepaliveAndHalf(keepalive))
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newBackend(ctx, conn, opt, s.log, pktConnect), nil
}

func defaultAuthDenyAll(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error) {
	return false, fmt.Errorf("default connect callback is deny-all, please supply ServerOptions.OnConnect")
}

// AuthMap accepts username/password pairs from m.
func AuthMap(m map[string]string) ConnectFunc {
	return func(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error) {
		if secret, ok := m[pkt.Username]; ok {
			return pkt.Password == secret, nil
		}
		return false, nil
	}
}

func AuthAllowAll(context.Context, *ListenOptions, *packet.Connect) (bool, error) { return true, nil }

func (s *Server) processConn(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	addrNew := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	b, err := s.onAccept(s.ctx, conn, opt)
	if err != nil {
		atomic.AddUint32(&s.stat.Reject, 1)
		s.log.Infof("%s onAccept addr=%s err=%v", modName, addrNew, err)
		_ = conn.Close()
		return
	}
	atomic.AddUint32(&s.stat.Connect, 1)

	helpers.WithLock(&s.backends, func() {
		// close existing client with same id
		if ex, ok := s.backends.m[b.id]; ok {
			s.log.Infof("%s client overtake id=%s ex=%s new=%s", modName, b.id, addrString(ex.RemoteAddr()), addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.backends.m[b.id] = b
	})

	// packets of one client are processed in order, puback order matches publish order
	for {
		var pkt packet.Generic
		pkt, err = b.Receive()
		if !b.alive.IsRunning() || !s.alive.IsRunning() {
			_ = b.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		if done := s.processPacket(b, pkt); done {
			break
		}
	}

	// mandatory cleanup on backend closed
	closeErr := b.die(ErrClosing)
	helpers.WithLock(&s.backends, func() {
		if ex := s.backends.m[b.id]; b == ex {
			delete(s.backends.m, b.id)
		}
	})
	s.log.Debugf("%s close id=%s err=%v", modName, b.id, closeErr)
	if s.onClose != nil {
		s.onClose(b.id, closeErr)
	}
}

// on each incoming packet after connect handshake
func (s *Server) processPacket(b *backend, pkt packet.Generic) bool {
	if !s.attached(b) {
		s.log.Errorf("%s processPacket ignore from detached id=%s pkt=%s", modName, b.id, PacketString(pkt))
		_ = b.die(ErrSameClient)
		return true
	}

	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = b.Send(packet.NewPingresp())

	case *packet.Publish:
		atomic.AddUint32(&s.stat.Publish, 1)
		if pt.Message.QOS > packet.QOSAtLeastOnce {
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
			break
		}
		if perr := s.onPublish(b.ctx, b.id, &pt.Message); perr != nil {
			atomic.AddUint32(&s.stat.Nack, 1)
			s.log.Errorf("%s onPublish client=%s msg=%s err=%v", modName, b.id, MessageString(&pt.Message), perr)
			break
		}
		if pt.Message.QOS == packet.QOSAtLeastOnce {
			pktPuback := packet.NewPuback()
			pktPuback.ID = pt.ID
			err = b.Send(pktPuback)
		}

	case *packet.Subscribe:
		err = fmt.Errorf("subscribe not supported")

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		_ = b.die(nil)
		return true

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", PacketString(pkt))
	}
	if err != nil {
		_ = b.die(err)
		return true
	}
	return false
}

func (s *Server) attached(b *backend) bool {
	s.backends.RLock()
	defer s.backends.RUnlock()
	return s.backends.m[b.id] == b
}
