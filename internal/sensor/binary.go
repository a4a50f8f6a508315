package sensor

import (
	"sync"

	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// BinaryConfig declares a binary sensor over one bit of a register.
type BinaryConfig struct {
	domain.EntityInfo `yaml:",inline"`
	Address           uint16               `yaml:"address"`
	Mask              uint16               `yaml:"mask"`
	Capability        registers.Capability `yaml:"capability"`
}

// BinarySensor publishes whether its mask is set in a register.
type BinarySensor struct {
	cfg  BinaryConfig
	sink domain.EntitySink

	mu        sync.Mutex
	last      bool
	published bool
}

// NewBinarySensor creates a binary sensor publishing to sink.
func NewBinarySensor(cfg BinaryConfig, sink domain.EntitySink) *BinarySensor {
	cfg.Kind = domain.KindBinarySensor
	return &BinarySensor{cfg: cfg, sink: sink}
}

// Info implements domain.Entity.
func (s *BinarySensor) Info() domain.EntityInfo {
	return s.cfg.EntityInfo
}

// Attach registers the sensor's listener.
func (s *BinarySensor) Attach(b Bus) {
	b.RegisterListener(s.cfg.Address, s.cfg.Capability, s.onValue)
}

// State returns the last published state and whether one exists.
func (s *BinarySensor) State() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.published
}

func (s *BinarySensor) onValue(v uint16) {
	on := v&s.cfg.Mask != 0

	s.mu.Lock()
	if s.published && s.last == on {
		s.mu.Unlock()
		return
	}
	s.last = on
	s.published = true
	s.mu.Unlock()

	s.sink.Publish(domain.EntityState{ID: s.cfg.ID, Kind: domain.KindBinarySensor, Value: on, Available: true})
}
