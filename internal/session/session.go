// Package session sequences modem transport exchanges into network attach,
// certificate provisioning and MQTT publish over SIMCom A76xx AT commands.
package session

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/internal/clock"
	"github.com/temoto/carbox/log2"
	"github.com/zeebo/blake3"
)

const modName string = "session"

const DefaultRegistrationAttempts = 5

// Sender is modem.Transport as seen by session.
type Sender interface {
	SendCommand(text, expected string, timeout time.Duration) error
	SendChunked(data []byte) error
}

type Credential struct {
	Name string // file name in modem storage, e.g. ca.pem
	Body []byte
}

type Config struct {
	APN                  string
	RegistrationAttempts int
	ClientID             string
	Endpoint             string
	Topic                string
	// Order matters: CA, client certificate, client key.
	Credentials [3]Credential
}

func (self *Config) Validate() error {
	errs := make([]error, 0, 8)
	if self.ClientID == "" {
		errs = append(errs, errors.NotValidf("client_id empty"))
	}
	if self.Endpoint == "" {
		errs = append(errs, errors.NotValidf("endpoint empty"))
	}
	if self.Topic == "" {
		errs = append(errs, errors.NotValidf("topic empty"))
	}
	for _, c := range self.Credentials {
		if c.Name == "" || len(c.Body) == 0 {
			errs = append(errs, errors.NotValidf("credential name=%q len=%d", c.Name, len(c.Body)))
		}
	}
	return helpers.FoldErrors(errs)
}

type Stat struct {
	Attach    uint32
	Provision uint32
	Publish   uint32
	Abort     uint32
}

func (self *Stat) String() string {
	return fmt.Sprintf("attach=%d provision=%d publish=%d abort=%d",
		atomic.LoadUint32(&self.Attach), atomic.LoadUint32(&self.Provision),
		atomic.LoadUint32(&self.Publish), atomic.LoadUint32(&self.Abort))
}

type Orchestrator struct {
	Log  *log2.Log
	tr   Sender
	clk  clock.Clock
	cfg  Config
	stat Stat
}

func NewOrchestrator(tr Sender, clk clock.Clock, cfg Config, log *log2.Log) *Orchestrator {
	if cfg.RegistrationAttempts <= 0 {
		cfg.RegistrationAttempts = DefaultRegistrationAttempts
	}
	return &Orchestrator{
		Log: log,
		tr:  tr,
		clk: clk,
		cfg: cfg,
	}
}

func (self *Orchestrator) Stat() *Stat { return &self.stat }

// Attach brings modem onto network, then provisions credentials.
// Provision is not attempted when any required attach step fails.
func (self *Orchestrator) Attach() error {
	atomic.AddUint32(&self.stat.Attach, 1)
	if err := self.Run(self.AttachProgram()); err != nil {
		return err
	}
	self.Log.Infof("%s network attached apn=%s", modName, self.cfg.APN)
	return self.Provision()
}

func (self *Orchestrator) Provision() error {
	atomic.AddUint32(&self.stat.Provision, 1)
	for _, c := range self.cfg.Credentials {
		sum := blake3.Sum256(c.Body)
		self.Log.Infof("%s credential name=%s len=%d blake3=%s", modName, c.Name, len(c.Body), hex.EncodeToString(sum[:8]))
	}
	return self.Run(self.ProvisionProgram())
}

// Publish delivers payload to configured topic over fresh MQTT session.
func (self *Orchestrator) Publish(payload []byte) error {
	atomic.AddUint32(&self.stat.Publish, 1)
	return self.Run(self.PublishProgram(payload))
}

func (self *Orchestrator) AttachProgram() *Program {
	return &Program{
		Name: "attach",
		Steps: []Step{
			{Name: "echo-off", Text: "ATE0\r\n", Expect: "OK", Timeout: 1 * time.Second},
			{Name: "alive", Text: "AT\r\n", Expect: "OK", Timeout: 1 * time.Second, Required: true},
			{Name: "sim", Text: "AT+CPIN?\r\n", Expect: "READY", Timeout: 5 * time.Second, Required: true},
			{Name: "apn", Text: fmt.Sprintf("AT+CGDCONT=1,\"IP\",\"%s\"\r\n", self.cfg.APN), Expect: "OK", Timeout: 2 * time.Second},
			{Name: "registration", Text: "AT+CGREG?\r\n", Expect: "0,1", Timeout: 1 * time.Second, Required: true,
				Attempts: self.cfg.RegistrationAttempts, RetryPause: 1 * time.Second, Exhausted: ErrRegistrationExhausted},
		},
	}
}

func (self *Orchestrator) ProvisionProgram() *Program {
	p := &Program{Name: "provision", Steps: make([]Step, 0, 4*len(self.cfg.Credentials))}
	for _, c := range self.cfg.Credentials {
		p.Steps = append(p.Steps,
			Step{Name: c.Name + "/delete", Text: fmt.Sprintf("AT+CCERTDELE=\"%s\"\r\n", c.Name), Expect: "OK", Timeout: 2 * time.Second},
			Step{Name: c.Name + "/download", Text: fmt.Sprintf("AT+CCERTDOWN=\"%s\",%d\r\n", c.Name, len(c.Body)), Expect: ">", Timeout: 5 * time.Second, Required: true},
			Step{Name: c.Name + "/body", Data: c.Body, Required: true},
			Step{Name: c.Name + "/confirm", Text: "", Expect: "OK", Timeout: 30 * time.Second, Required: true},
		)
	}
	return p
}

func (self *Orchestrator) PublishProgram(payload []byte) *Program {
	ca, cert, key := self.cfg.Credentials[0].Name, self.cfg.Credentials[1].Name, self.cfg.Credentials[2].Name
	return &Program{
		Name: "publish",
		Steps: []Step{
			{Name: "stale-stop", Text: "AT+CMQTTSTOP\r\n", Expect: "OK", Timeout: 2 * time.Second, Pause: 500 * time.Millisecond},
			{Name: "start", Text: "AT+CMQTTSTART\r\n", Expect: "+CMQTTSTART: 0", Timeout: 10 * time.Second, Required: true},
			{Name: "acquire", Text: fmt.Sprintf("AT+CMQTTACCQ=0,\"%s\",1\r\n", self.cfg.ClientID), Expect: "OK", Timeout: 5 * time.Second, Required: true},
			{Name: "ssl-version", Text: "AT+CSSLCFG=\"sslversion\",0,4\r\n", Expect: "OK", Timeout: 5 * time.Second},
			{Name: "ssl-authmode", Text: "AT+CSSLCFG=\"authmode\",0,2\r\n", Expect: "OK", Timeout: 5 * time.Second},
			{Name: "ssl-cacert", Text: fmt.Sprintf("AT+CSSLCFG=\"cacert\",0,\"%s\"\r\n", ca), Expect: "OK", Timeout: 5 * time.Second},
			{Name: "ssl-clientcert", Text: fmt.Sprintf("AT+CSSLCFG=\"clientcert\",0,\"%s\"\r\n", cert), Expect: "OK", Timeout: 5 * time.Second},
			{Name: "ssl-clientkey", Text: fmt.Sprintf("AT+CSSLCFG=\"clientkey\",0,\"%s\"\r\n", key), Expect: "OK", Timeout: 5 * time.Second},
			{Name: "ssl-bind", Text: "AT+CMQTTSSLCFG=0,0\r\n", Expect: "OK", Timeout: 2 * time.Second},
			{Name: "connect", Text: fmt.Sprintf("AT+CMQTTCONNECT=0,\"%s\",60,1\r\n", self.cfg.Endpoint), Expect: "+CMQTTCONNECT: 0,0", Timeout: 20 * time.Second, Required: true},
			{Name: "topic-len", Text: fmt.Sprintf("AT+CMQTTTOPIC=0,%d\r\n", len(self.cfg.Topic)), Expect: ">", Timeout: 2 * time.Second, Required: true},
			{Name: "topic", Text: self.cfg.Topic, Expect: "OK", Timeout: 2 * time.Second, Required: true},
			{Name: "payload-len", Text: fmt.Sprintf("AT+CMQTTPAYLOAD=0,%d\r\n", len(payload)), Expect: ">", Timeout: 2 * time.Second, Required: true},
			{Name: "payload", Text: string(payload), Expect: "OK", Timeout: 5 * time.Second, Required: true},
			{Name: "publish", Text: "AT+CMQTTPUB=0,1,60\r\n", Expect: "+CMQTTPUB: 0,0", Timeout: 15 * time.Second, Required: true},
		},
		Finally: []Step{
			{Name: "disconnect", Text: "AT+CMQTTDISC=0,60\r\n", Expect: "OK", Timeout: 5 * time.Second},
			{Name: "release", Text: "AT+CMQTTREL=0\r\n", Expect: "OK", Timeout: 2 * time.Second},
			{Name: "stop", Text: "AT+CMQTTSTOP\r\n", Expect: "OK", Timeout: 5 * time.Second},
		},
	}
}

// Run interprets program. Result is nil or *AbortError naming the failed required step.
func (self *Orchestrator) Run(p *Program) error {
	var result error
	for i := range p.Steps {
		step := &p.Steps[i]
		err := self.runStep(step)
		if err == nil {
			continue
		}
		if step.Required {
			atomic.AddUint32(&self.stat.Abort, 1)
			result = &AbortError{Op: p.Name, Step: step.Name, Err: err}
			break
		}
		self.Log.Debugf("%s %s best-effort step=%s err=%v", modName, p.Name, step.Name, err)
	}
	for i := range p.Finally {
		step := &p.Finally[i]
		if err := self.runStep(step); err != nil {
			self.Log.Debugf("%s %s cleanup step=%s err=%v", modName, p.Name, step.Name, err)
		}
	}
	return result
}

func (self *Orchestrator) runStep(step *Step) error {
	if step.Pause != 0 {
		defer self.clk.Sleep(step.Pause)
	}
	if step.Data != nil {
		return self.tr.SendChunked(step.Data)
	}
	attempts := step.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = self.tr.SendCommand(step.Text, step.Expect, step.Timeout); err == nil {
			return nil
		}
		if attempts > 1 {
			self.Log.Debugf("%s step=%s attempt=%d/%d err=%v", modName, step.Name, i, attempts, err)
			self.clk.Sleep(step.RetryPause)
		}
	}
	if attempts > 1 && step.Exhausted != nil {
		return errors.Wrap(err, step.Exhausted)
	}
	return err
}
