// Package uplink publishes capture payloads straight over IP with MQTT,
// for installs where the box has wired network instead of cellular modem.
package uplink

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/carbox/log2"
)

const modName string = "uplink"

const (
	DefaultTimeout   = 15 * time.Second
	DefaultKeepAlive = 60 * time.Second
)

type Options struct {
	// Broker is paho server URL: tcp://host:1883, ssl://host:8883
	Broker    string
	ClientID  string
	Topic     string
	Username  string
	Password  string
	TLS       *tls.Config
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (self *Options) Validate() error {
	if self.Broker == "" {
		return errors.NotValidf("uplink broker empty")
	}
	if self.ClientID == "" {
		return errors.NotValidf("uplink client id empty")
	}
	if self.Topic == "" {
		return errors.NotValidf("uplink topic empty")
	}
	return nil
}

type Stat struct {
	Connect uint32
	Publish uint32
	Error   uint32
}

func (self *Stat) String() string {
	return fmt.Sprintf("connect=%d publish=%d error=%d",
		atomic.LoadUint32(&self.Connect), atomic.LoadUint32(&self.Publish), atomic.LoadUint32(&self.Error))
}

// Client implements capture.Publisher. Connects on first Publish,
// reconnects on next Publish after connection loss.
type Client struct {
	Log  *log2.Log
	mu   sync.Mutex
	m    mqtt.Client
	opt  Options
	stat Stat
}

func New(opt Options, log *log2.Log) (*Client, error) {
	if err := opt.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.KeepAlive == 0 {
		opt.KeepAlive = DefaultKeepAlive
	}
	self := &Client{Log: log, opt: opt}
	mopt := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(opt.KeepAlive).
		SetPingTimeout(opt.Timeout).
		SetConnectTimeout(opt.Timeout).
		SetWriteTimeout(opt.Timeout).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost)
	if opt.TLS != nil {
		mopt.SetTLSConfig(opt.TLS)
	}
	self.m = mqtt.NewClient(mopt)
	return self, nil
}

// SetLibraryLog routes paho internal messages, process wide.
func SetLibraryLog(log *log2.Log) {
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log
}

func (self *Client) Stat() *Stat { return &self.stat }

func (self *Client) Publish(payload []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.connect(); err != nil {
		atomic.AddUint32(&self.stat.Error, 1)
		return errors.Annotatef(err, "%s connect broker=%s", modName, self.opt.Broker)
	}
	token := self.m.Publish(self.opt.Topic, 1, false, payload)
	if err := self.wait(token); err != nil {
		atomic.AddUint32(&self.stat.Error, 1)
		return errors.Annotatef(err, "%s publish topic=%s len=%d", modName, self.opt.Topic, len(payload))
	}
	atomic.AddUint32(&self.stat.Publish, 1)
	self.Log.Debugf("%s published topic=%s len=%d", modName, self.opt.Topic, len(payload))
	return nil
}

func (self *Client) Close() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.m.IsConnected() {
		self.m.Disconnect(uint(self.opt.Timeout / time.Millisecond))
	}
}

func (self *Client) connect() error {
	if self.m.IsConnected() {
		return nil
	}
	return self.wait(self.m.Connect())
}

func (self *Client) wait(token mqtt.Token) error {
	if !token.WaitTimeout(self.opt.Timeout) {
		return errors.Timeoutf("%s wait %v", modName, self.opt.Timeout)
	}
	return token.Error()
}

func (self *Client) onConnect(mqtt.Client) {
	atomic.AddUint32(&self.stat.Connect, 1)
	self.Log.Infof("%s connected broker=%s client=%s", modName, self.opt.Broker, self.opt.ClientID)
}

func (self *Client) onConnectionLost(_ mqtt.Client, err error) {
	self.Log.Errorf("%s connection lost err=%v", modName, err)
}

// TLSConfig builds mutual TLS config from PEM blocks. Empty ca means system roots.
func TLSConfig(ca, cert, key []byte) (*tls.Config, error) {
	c := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(ca) != 0 {
		c.RootCAs = x509.NewCertPool()
		if !c.RootCAs.AppendCertsFromPEM(ca) {
			return nil, errors.NotValidf("ca certificate PEM")
		}
	}
	if len(cert) != 0 || len(key) != 0 {
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, errors.Annotate(err, "client certificate")
		}
		c.Certificates = []tls.Certificate{pair}
	}
	return c, nil
}
