// Package domain provides core domain models and interfaces for the go-waterfurnace application
package domain

import (
	"context"
	"time"

	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// EntityKind identifies how an entity is presented.
type EntityKind string

// Entity kinds.
const (
	KindSensor       EntityKind = "sensor"
	KindBinarySensor EntityKind = "binary_sensor"
	KindTextSensor   EntityKind = "text_sensor"
	KindSwitch       EntityKind = "switch"
	KindClimate      EntityKind = "climate"
)

// EntityInfo describes an entity for discovery and the API.
type EntityInfo struct {
	ID             string     `json:"id" yaml:"id"`
	Name           string     `json:"name" yaml:"name"`
	Kind           EntityKind `json:"kind" yaml:"kind"`
	Unit           string     `json:"unit,omitempty" yaml:"unit"`
	DeviceClass    string     `json:"device_class,omitempty" yaml:"device_class"`
	StateClass     string     `json:"state_class,omitempty" yaml:"state_class"`
	Icon           string     `json:"icon,omitempty" yaml:"icon"`
	EntityCategory string     `json:"entity_category,omitempty" yaml:"entity_category"`
	Precision      int        `json:"precision,omitempty" yaml:"precision"`
}

// EntityState is the latest published state of one entity. Value is nil
// when the entity is unavailable.
type EntityState struct {
	ID        string      `json:"id"`
	Kind      EntityKind  `json:"kind"`
	Value     interface{} `json:"value"`
	Available bool        `json:"available"`
	Timestamp time.Time   `json:"timestamp"`
}

// Entity is anything that publishes state.
type Entity interface {
	Info() EntityInfo
}

// EntitySink receives entity state updates.
type EntitySink interface {
	Publish(state EntityState)
}

// SinkFunc adapts a function to EntitySink.
type SinkFunc func(EntityState)

// Publish calls f.
func (f SinkFunc) Publish(state EntityState) { f(state) }

// MessagePublisher defines the interface for publishing entity data.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// DeviceIdentity is read once from the ABC board during setup.
type DeviceIdentity struct {
	Model         string          `json:"model"`
	Serial        string          `json:"serial"`
	ABCProgram    string          `json:"abc_program"`
	ABCVersion    float64         `json:"abc_version"`
	BlowerType    uint16          `json:"blower_type"`
	PumpType      uint16          `json:"pump_type"`
	EnergyMonitor uint16          `json:"energy_monitor"`
	IZ2Zones      int             `json:"iz2_zones"`
	Components    []Component     `json:"components"`
	Capabilities  registers.Flags `json:"capabilities"`
}

// Component is one accessory found during detection.
type Component struct {
	Name    string  `json:"name"`
	Status  uint16  `json:"status"`
	Present bool    `json:"present"`
	Version float64 `json:"version,omitempty"`
}

// Component returns the named component.
func (d DeviceIdentity) Component(name string) (Component, bool) {
	for _, c := range d.Components {
		if c.Name == name {
			return c, true
		}
	}
	return Component{}, false
}
