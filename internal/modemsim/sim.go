// Package modemsim is software SIMCom A76xx modem: AT command parser,
// certificate store, MQTT session state. Bytes written by transport
// are parsed here, responses come back through sink after latency.
// Used by tests and by bench setups without cellular hardware.
package modemsim

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/log2"
)

const modName string = "modemsim"

type Fault int

const (
	FaultNone   Fault = iota
	FaultError        // reply ERROR
	FaultSilent       // no reply at all
)

type Options struct {
	Log *log2.Log
	// Command response delay, default 10ms.
	Latency time.Duration
	// Delay of OK after raw data block completes, default 100ms.
	// Must exceed chunk delay, transport discards backlog before waiting for it.
	DataLatency time.Duration
	// Number of AT+CGREG? queries answered "not registered" before success.
	// Negative means never registers.
	Unregistered int
	// Keyed by command name, e.g. "AT+CMQTTCONNECT".
	Faults map[string]Fault
	// Fix reported by AT+CGNSSINFO, default is no fix.
	GNSSInfo string
}

type rawBlock struct {
	kind string // cert|topic|payload
	name string
	need int
	buf  []byte
}

type Sim struct {
	opt  Options
	clk  clock.Clock
	sink func([]byte)

	mu        sync.Mutex
	echo      bool
	line      []byte
	skipLF    bool // CRLF terminator, LF must not leak into raw block
	raw       *rawBlock
	commands  []string
	certs     map[string][]byte
	regQuery  int
	gnss      bool
	started   bool
	acquired  bool
	connected bool
	clientID  string
	endpoint  string
	topic     string
	payload   []byte
	delivered []packet.Message

	emitMu sync.Mutex
}

func New(clk clock.Clock, sink func([]byte), opt Options) *Sim {
	if opt.Latency == 0 {
		opt.Latency = 10 * time.Millisecond
	}
	if opt.DataLatency == 0 {
		opt.DataLatency = 100 * time.Millisecond
	}
	if opt.GNSSInfo == "" {
		opt.GNSSInfo = ",,,,,,,,,,,,,,,"
	}
	return &Sim{
		opt:   opt,
		clk:   clk,
		sink:  sink,
		echo:  true,
		certs: make(map[string][]byte),
	}
}

type reply struct {
	delay time.Duration
	b     []byte
}

// Write accepts bytes from transport, never fails.
func (self *Sim) Write(p []byte) (int, error) {
	self.mu.Lock()
	replies := make([]reply, 0, 2)
	for _, b := range p {
		if r, ok := self.feed(b); ok && r.b != nil {
			replies = append(replies, r)
		}
	}
	self.mu.Unlock()

	for _, r := range replies {
		r := r
		self.clk.AfterFunc(r.delay, func() { self.emit(r.b) })
	}
	return len(p), nil
}

func (self *Sim) Close() error { return nil }

func (self *Sim) emit(b []byte) {
	self.emitMu.Lock()
	self.sink(b)
	self.emitMu.Unlock()
}

// Commands returns received command lines in order, without terminator.
func (self *Sim) Commands() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.commands...)
}

func (self *Sim) Certificate(name string) ([]byte, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	b, ok := self.certs[name]
	return b, ok
}

func (self *Sim) PutCertificate(name string, b []byte) {
	self.mu.Lock()
	self.certs[name] = b
	self.mu.Unlock()
}

// Delivered returns messages accepted for publish by broker side.
func (self *Sim) Delivered() []packet.Message {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]packet.Message(nil), self.delivered...)
}

func (self *Sim) SetFault(name string, f Fault) {
	self.mu.Lock()
	if self.opt.Faults == nil {
		self.opt.Faults = make(map[string]Fault)
	}
	self.opt.Faults[name] = f
	self.mu.Unlock()
}

// feed consumes one byte, returns reply when line or data block completes.
// Caller holds mu.
func (self *Sim) feed(b byte) (reply, bool) {
	if self.skipLF {
		self.skipLF = false
		if b == '\n' {
			return reply{}, false
		}
	}
	if r := self.raw; r != nil {
		r.buf = append(r.buf, b)
		if len(r.buf) < r.need {
			return reply{}, false
		}
		self.raw = nil
		return reply{self.opt.DataLatency, self.completeRaw(r)}, true
	}
	if b != '\r' && b != '\n' {
		self.line = append(self.line, b)
		return reply{}, false
	}
	if len(self.line) == 0 {
		return reply{}, false
	}
	line := string(self.line)
	self.line = self.line[:0]
	self.skipLF = b == '\r'
	self.commands = append(self.commands, line)

	name, args := splitCommand(line)
	fault := self.opt.Faults[name]
	self.opt.Log.Debugf("%s command=%q fault=%d", modName, line, fault)
	var out []byte
	if self.echo {
		out = append(out, line...)
		out = append(out, "\r\n"...)
	}
	switch fault {
	case FaultSilent:
		return reply{self.opt.Latency, out}, true
	case FaultError:
		return reply{self.opt.Latency, append(out, "\r\nERROR\r\n"...)}, true
	}
	return reply{self.opt.Latency, append(out, self.handle(name, args)...)}, true
}

const (
	respOK    = "\r\nOK\r\n"
	respError = "\r\nERROR\r\n"
)

func (self *Sim) handle(name string, args []string) string {
	switch name {
	case "AT", "AT+CGDCONT", "AT+CSSLCFG", "AT+CMQTTSSLCFG":
		return respOK
	case "ATE0":
		self.echo = false
		return respOK
	case "ATE1":
		self.echo = true
		return respOK
	case "AT+CPIN":
		return "\r\n+CPIN: READY\r\n" + respOK
	case "AT+CSQ":
		return "\r\n+CSQ: 21,99\r\n" + respOK
	case "AT+CGREG":
		self.regQuery++
		if self.opt.Unregistered < 0 || self.regQuery <= self.opt.Unregistered {
			return "\r\n+CGREG: 0,2\r\n" + respOK
		}
		return "\r\n+CGREG: 0,1\r\n" + respOK

	case "AT+CCERTLIST":
		var sb strings.Builder
		for name := range self.certs {
			fmt.Fprintf(&sb, "\r\n+CCERTLIST: %q", name)
		}
		return sb.String() + "\r\n" + respOK
	case "AT+CCERTDELE":
		if len(args) != 1 {
			return respError
		}
		if _, ok := self.certs[args[0]]; !ok {
			return respError
		}
		delete(self.certs, args[0])
		return respOK
	case "AT+CCERTDOWN":
		if len(args) != 2 {
			return respError
		}
		return self.expectRaw("cert", args[0], args[1])

	case "AT+CMQTTSTART":
		if self.started {
			return "\r\nOK\r\n\r\n+CMQTTSTART: 23\r\n"
		}
		self.started = true
		return "\r\nOK\r\n\r\n+CMQTTSTART: 0\r\n"
	case "AT+CMQTTSTOP":
		if !self.started {
			return respError
		}
		self.started, self.acquired, self.connected = false, false, false
		return "\r\nOK\r\n\r\n+CMQTTSTOP: 0\r\n"
	case "AT+CMQTTACCQ":
		if !self.started || self.acquired || len(args) < 2 {
			return respError
		}
		self.acquired = true
		self.clientID = args[1]
		return respOK
	case "AT+CMQTTREL":
		if !self.acquired || self.connected {
			return respError
		}
		self.acquired = false
		return respOK
	case "AT+CMQTTCONNECT":
		if !self.acquired || len(args) < 2 {
			return respError
		}
		if !self.haveCerts() {
			return "\r\nOK\r\n\r\n+CMQTTCONNECT: 0,11\r\n"
		}
		self.connected = true
		self.endpoint = args[1]
		return "\r\nOK\r\n\r\n+CMQTTCONNECT: 0,0\r\n"
	case "AT+CMQTTDISC":
		if !self.connected {
			return respError
		}
		self.connected = false
		return "\r\nOK\r\n\r\n+CMQTTDISC: 0,0\r\n"
	case "AT+CMQTTTOPIC":
		if !self.acquired || len(args) != 2 {
			return respError
		}
		return self.expectRaw("topic", "", args[1])
	case "AT+CMQTTPAYLOAD":
		if !self.acquired || len(args) != 2 {
			return respError
		}
		return self.expectRaw("payload", "", args[1])
	case "AT+CMQTTPUB":
		return self.publish(args)

	case "AT+CGNSSPWR":
		self.gnss = len(args) == 1 && args[0] == "1"
		return respOK
	case "AT+CGNSSINFO":
		if !self.gnss {
			return respError
		}
		return "\r\n+CGNSSINFO: " + self.opt.GNSSInfo + "\r\n" + respOK
	}
	return respError
}

func (self *Sim) expectRaw(kind, name, lenText string) string {
	n, err := strconv.Atoi(lenText)
	if err != nil || n <= 0 {
		return respError
	}
	self.raw = &rawBlock{kind: kind, name: name, need: n, buf: make([]byte, 0, n)}
	return "\r\n>"
}

func (self *Sim) completeRaw(r *rawBlock) []byte {
	switch r.kind {
	case "cert":
		self.certs[r.name] = r.buf
	case "topic":
		t, err := topic.Parse(string(r.buf), false)
		if err != nil {
			self.opt.Log.Debugf("%s topic=%q err=%v", modName, r.buf, err)
			return []byte(respError)
		}
		self.topic = t
	case "payload":
		self.payload = r.buf
	}
	return []byte(respOK)
}

func (self *Sim) publish(args []string) string {
	if !self.connected || self.topic == "" || len(args) < 2 {
		return respError
	}
	qos, err := strconv.Atoi(args[1])
	if err != nil || qos < 0 || qos > 2 {
		return respError
	}
	msg := packet.Message{
		Topic:   self.topic,
		Payload: self.payload,
		QOS:     packet.QOS(qos),
	}
	self.delivered = append(self.delivered, msg)
	self.opt.Log.Debugf("%s delivered client=%s endpoint=%s topic=%s len=%d", modName, self.clientID, self.endpoint, msg.Topic, len(msg.Payload))
	self.topic, self.payload = "", nil
	return "\r\nOK\r\n\r\n+CMQTTPUB: 0,0\r\n"
}

func (self *Sim) haveCerts() bool {
	for _, name := range [...]string{"ca.pem", "device.pem", "private.pem"} {
		if _, ok := self.certs[name]; !ok {
			return false
		}
	}
	return true
}

// splitCommand("AT+CCERTDOWN=\"ca.pem\",10") = "AT+CCERTDOWN", ["ca.pem", "10"]
func splitCommand(line string) (string, []string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, "=?")
	if i < 0 {
		return strings.ToUpper(line), nil
	}
	name := strings.ToUpper(line[:i])
	if line[i] == '?' {
		return name, nil
	}
	return name, splitArgs(line[i+1:])
}

func splitArgs(s string) []string {
	args := make([]string, 0, 4)
	var cur bytes.Buffer
	quoted := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			args = append(args, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(args, cur.String())
}
