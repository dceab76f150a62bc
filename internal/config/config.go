// Package config is application config file (HCL) and persistent capture parameters.
package config

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/carbox/helpers"
	"github.com/temoto/carbox/log2"
)

const (
	DriverSim    = "sim"
	DriverUart   = "uart"
	DriverMpu    = "mpu6050"
	UplinkModem  = "modem"
	UplinkMqtt   = "mqtt"
	DefaultBaud  = 115200
	DefaultI2C   = 0x68
	DefaultTopic = "veiculos/carbox/eventos"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	DeviceID string `hcl:"device_id"`
	LogDebug bool   `hcl:"log_debug"`

	Hardware struct {
		Sensor struct {
			Driver   string `hcl:"driver"`
			I2CBus   string `hcl:"i2c_bus"`
			Address  int    `hcl:"address"`
			LogDebug bool   `hcl:"log_debug"`
		}
		Modem struct {
			Driver   string `hcl:"driver"`
			Device   string `hcl:"device"`
			Baud     int    `hcl:"baud"`
			LogDebug bool   `hcl:"log_debug"`
		}
		Heartbeat struct {
			Enable  bool   `hcl:"enable"`
			PinChip string `hcl:"pin_chip"`
			Pin     int    `hcl:"pin"`
		}
	}
	Network struct {
		APN                  string `hcl:"apn"`
		RegistrationAttempts int    `hcl:"registration_attempts"`
	}
	Broker struct {
		Endpoint string `hcl:"endpoint"`
		Topic    string `hcl:"topic"`
		ClientID string `hcl:"client_id"`
		CAFile   string `hcl:"ca_file"`
		CertFile string `hcl:"cert_file"`
		KeyFile  string `hcl:"key_file"`
		// modem: publish through cellular modem AT session
		// mqtt: publish directly over IP (bench, wired network)
		Uplink   string `hcl:"uplink"`
		Username string `hcl:"username"`
		Password string `hcl:"password"`
		LogDebug bool   `hcl:"log_debug"`
	}
	Persist struct {
		Root string `hcl:"root"`
	}
	Spool struct {
		Enable bool `hcl:"enable"`
	}

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func newConfig() *Config {
	c := &Config{includeSeen: make(map[string]struct{})}
	c.Hardware.Sensor.Driver = DriverMpu
	c.Hardware.Sensor.I2CBus = "1"
	c.Hardware.Sensor.Address = DefaultI2C
	c.Hardware.Modem.Driver = DriverUart
	c.Hardware.Modem.Device = "/dev/ttyS1"
	c.Hardware.Modem.Baud = DefaultBaud
	c.Broker.Topic = DefaultTopic
	c.Broker.Uplink = UplinkModem
	c.Broker.CAFile = "ca.pem"
	c.Broker.CertFile = "device.pem"
	c.Broker.KeyFile = "private.pem"
	return c
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if c.DeviceID == "" || strings.ContainsAny(c.DeviceID, "\"\\") {
		errs = append(errs, errors.NotValidf("device_id=%q", c.DeviceID))
	}
	switch c.Hardware.Sensor.Driver {
	case DriverMpu, DriverSim:
	default:
		errs = append(errs, errors.NotValidf("hardware.sensor.driver=%q", c.Hardware.Sensor.Driver))
	}
	switch c.Hardware.Modem.Driver {
	case DriverUart, DriverSim:
	default:
		errs = append(errs, errors.NotValidf("hardware.modem.driver=%q", c.Hardware.Modem.Driver))
	}
	if c.Broker.Endpoint == "" {
		errs = append(errs, errors.NotValidf("broker.endpoint empty"))
	}
	if c.Broker.Topic == "" {
		errs = append(errs, errors.NotValidf("broker.topic empty"))
	}
	switch c.Broker.Uplink {
	case UplinkModem, UplinkMqtt:
	default:
		errs = append(errs, errors.NotValidf("broker.uplink=%q", c.Broker.Uplink))
	}
	if c.Spool.Enable && c.Persist.Root == "" {
		errs = append(errs, errors.NotValidf("spool enabled but persist.root empty"))
	}
	return helpers.FoldErrors(errs)
}

// ClientID defaults to device id.
func (c *Config) ClientID() string {
	if c.Broker.ClientID != "" {
		return c.Broker.ClientID
	}
	return c.DeviceID
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := newConfig()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
