package config

import (
	"encoding/binary"
	"io"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/carbox/internal/types"
	"github.com/temoto/carbox/log2"
	"github.com/temoto/extremofile"
)

// Capture parameters record, little endian:
// pre u16, post u16, threshold_x f32, threshold_y f32, period_ms u32.
// Leading 0xffffffff marks erased storage, same as blank flash page.
const recordSize = 16

const erased uint32 = 0xffffffff

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Store persists capture Configuration. Absent, erased, corrupt or invalid
// records load as defaults.
type Store struct {
	sync.Mutex
	log     *log2.Log
	storage storage
}

func NewStore(root string, log *log2.Log) (*Store, error) {
	if root == "" {
		return nil, errors.NotValidf("persist.root empty")
	}
	s := &Store{
		log: log,
		storage: extremofile.New(extremofile.Config{
			Dir:      filepath.Join(root, "capture"),
			DirPerm:  0755,
			FilePerm: 0644,
		}),
	}
	return s, nil
}

func (self *Store) Load() types.Configuration {
	self.Lock()
	defer self.Unlock()
	tbegin := time.Now()
	b, err := self.storage.Read()
	self.log.Debugf("config store read duration=%v", time.Since(tbegin))
	if err != nil {
		if b == nil {
			self.log.Errorf("config store read, using defaults err=%v", err)
			return types.DefaultConfiguration()
		}
		self.log.Errorf("config store ignore non-critical err=%v", err)
	}
	if b == nil {
		self.log.Debugf("config store empty, using defaults")
		return types.DefaultConfiguration()
	}
	c, err := UnmarshalConfiguration(b)
	if err != nil {
		self.log.Errorf("config store using defaults err=%v", err)
		return types.DefaultConfiguration()
	}
	return c
}

func (self *Store) Save(c types.Configuration) error {
	if err := c.Validate(); err != nil {
		return errors.Annotate(err, "config store save")
	}
	self.Lock()
	defer self.Unlock()
	tbegin := time.Now()
	_, err := self.storage.Write(MarshalConfiguration(c))
	self.log.Debugf("config store write duration=%v", time.Since(tbegin))
	return errors.Annotate(err, "config store save")
}

// Erase writes blank record, next Load returns defaults.
func (self *Store) Erase() error {
	b := make([]byte, recordSize)
	for i := range b {
		b[i] = 0xff
	}
	self.Lock()
	defer self.Unlock()
	_, err := self.storage.Write(b)
	return errors.Annotate(err, "config store erase")
}

func MarshalConfiguration(c types.Configuration) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint16(b[0:], c.PreTriggerSamples)
	binary.LittleEndian.PutUint16(b[2:], c.PostTriggerSamples)
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(c.ThresholdX))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(c.ThresholdY))
	binary.LittleEndian.PutUint32(b[12:], c.SamplePeriodMs)
	return b
}

func UnmarshalConfiguration(b []byte) (types.Configuration, error) {
	var c types.Configuration
	if len(b) != recordSize {
		return c, errors.NotValidf("configuration record len=%d expected=%d", len(b), recordSize)
	}
	if binary.LittleEndian.Uint32(b) == erased {
		return c, errors.NotFoundf("configuration record (erased)")
	}
	c.PreTriggerSamples = binary.LittleEndian.Uint16(b[0:])
	c.PostTriggerSamples = binary.LittleEndian.Uint16(b[2:])
	c.ThresholdX = math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	c.ThresholdY = math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))
	c.SamplePeriodMs = binary.LittleEndian.Uint32(b[12:])
	if err := c.Validate(); err != nil {
		return c, errors.Annotate(err, "configuration record")
	}
	return c, nil
}
