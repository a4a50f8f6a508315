package sensor

import (
	"context"
	"fmt"
	"sync"

	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// SwitchConfig declares an on/off register.
type SwitchConfig struct {
	domain.EntityInfo `yaml:",inline"`
	Address           uint16               `yaml:"address"`
	WriteAddress      uint16               `yaml:"write_address"`
	Capability        registers.Capability `yaml:"capability"`
}

// Switch reflects a register as on/off and writes 1/0 to turn it on or off.
type Switch struct {
	cfg  SwitchConfig
	sink domain.EntitySink
	bus  Bus

	mu        sync.Mutex
	state     bool
	published bool
}

// NewSwitch creates a switch. A zero write address means the read address.
func NewSwitch(cfg SwitchConfig, sink domain.EntitySink) *Switch {
	cfg.Kind = domain.KindSwitch
	if cfg.WriteAddress == 0 {
		cfg.WriteAddress = cfg.Address
	}
	return &Switch{cfg: cfg, sink: sink}
}

// Info implements domain.Entity.
func (s *Switch) Info() domain.EntityInfo {
	return s.cfg.EntityInfo
}

// Attach registers the switch's listener and keeps b for writes.
func (s *Switch) Attach(b Bus) {
	s.bus = b
	b.RegisterListener(s.cfg.Address, s.cfg.Capability, func(v uint16) {
		s.apply(v != 0)
	})
}

// State returns the current state.
func (s *Switch) State() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set writes the new state and publishes it without waiting for a read-back.
func (s *Switch) Set(ctx context.Context, on bool) error {
	if s.bus == nil {
		return fmt.Errorf("switch %s is not attached", s.cfg.ID)
	}
	var v uint16
	if on {
		v = 1
	}
	if err := s.bus.Write(ctx, s.cfg.WriteAddress, v); err != nil {
		return fmt.Errorf("failed to set %s: %w", s.cfg.ID, err)
	}
	s.apply(on)
	return nil
}

func (s *Switch) apply(on bool) {
	s.mu.Lock()
	if s.published && s.state == on {
		s.mu.Unlock()
		return
	}
	s.state = on
	s.published = true
	s.mu.Unlock()

	s.sink.Publish(domain.EntityState{ID: s.cfg.ID, Kind: domain.KindSwitch, Value: on, Available: true})
}
