// Package sensor provides the register-backed entities: scalar sensors,
// binary sensors, text sensors and switches.
package sensor

import (
	"context"
	"math"
	"sync"

	"github.com/resident-x/go-waterfurnace/internal/bus"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// Bus is the part of the register bus entities use.
type Bus interface {
	RegisterListener(addr uint16, capability registers.Capability, fn bus.Listener)
	Write(ctx context.Context, addr, value uint16) error
}

// Config declares a scalar sensor.
type Config struct {
	domain.EntityInfo `yaml:",inline"`
	Address           uint16               `yaml:"address"`
	Type              registers.Type       `yaml:"type"`
	Capability        registers.Capability `yaml:"capability"`
}

// Sensor decodes a register (or a hi/lo register pair) into a float and
// publishes it when it changes.
type Sensor struct {
	cfg  Config
	sink domain.EntitySink

	mu        sync.Mutex
	hi        uint16
	hasHi     bool
	last      float64
	published bool
}

// NewSensor creates a sensor publishing to sink.
func NewSensor(cfg Config, sink domain.EntitySink) *Sensor {
	cfg.Kind = domain.KindSensor
	return &Sensor{cfg: cfg, sink: sink}
}

// Info implements domain.Entity.
func (s *Sensor) Info() domain.EntityInfo {
	return s.cfg.EntityInfo
}

// Attach registers the sensor's listeners. A 32-bit sensor listens on the
// high word at its address and the low word at address+1.
func (s *Sensor) Attach(b Bus) {
	if s.cfg.Type.Is32Bit() {
		b.RegisterListener(s.cfg.Address, s.cfg.Capability, s.onHigh)
		b.RegisterListener(s.cfg.Address+1, s.cfg.Capability, s.onValue)
		return
	}
	b.RegisterListener(s.cfg.Address, s.cfg.Capability, s.onValue)
}

// Value returns the last published value and whether one exists.
func (s *Sensor) Value() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.published
}

func (s *Sensor) onHigh(v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hi = v
	s.hasHi = true
}

func (s *Sensor) onValue(v uint16) {
	s.mu.Lock()
	var value float64
	if s.cfg.Type.Is32Bit() {
		if !s.hasHi {
			s.mu.Unlock()
			return
		}
		value = registers.Decode32(s.cfg.Type, s.hi, v)
	} else {
		value = registers.Decode(s.cfg.Type, v)
	}

	if s.published && !registers.Changed(s.last, value) {
		s.mu.Unlock()
		return
	}
	s.last = value
	s.published = true
	s.mu.Unlock()

	s.sink.Publish(floatState(s.cfg.ID, domain.KindSensor, value))
}

// floatState builds a state for a float, marking NaN unavailable.
func floatState(id string, kind domain.EntityKind, v float64) domain.EntityState {
	if math.IsNaN(v) {
		return domain.EntityState{ID: id, Kind: kind}
	}
	return domain.EntityState{ID: id, Kind: kind, Value: v, Available: true}
}
