// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/control"
	"github.com/resident-x/go-waterfurnace/internal/domain"
)

// MQTT payloads. PayloadUnknown is published for a value that is not known.
const (
	PayloadAvailable    = "online"
	PayloadNotAvailable = "offline"
	PayloadOn           = "ON"
	PayloadOff          = "OFF"
	PayloadUnknown      = "None"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled         bool
	DiscoveryPrefix string
	NodeID          string
	Retain          bool
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id"`
	StateTopic          string     `json:"state_topic,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	DisplayPrecision    *int       `json:"suggested_display_precision,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	CommandTopic        string     `json:"command_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available"`
	PayloadNotAvailable string     `json:"payload_not_available"`

	// climate
	CurrentTemperatureTopic    string   `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTemplate string   `json:"current_temperature_template,omitempty"`
	ModeStateTopic             string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate          string   `json:"mode_state_template,omitempty"`
	ModeCommandTopic           string   `json:"mode_command_topic,omitempty"`
	Modes                      []string `json:"modes,omitempty"`
	FanModeStateTopic          string   `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate       string   `json:"fan_mode_state_template,omitempty"`
	FanModeCommandTopic        string   `json:"fan_mode_command_topic,omitempty"`
	FanModes                   []string `json:"fan_modes,omitempty"`
	PresetModeStateTopic       string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeValueTemplate    string   `json:"preset_mode_value_template,omitempty"`
	PresetModeCommandTopic     string   `json:"preset_mode_command_topic,omitempty"`
	PresetModes                []string `json:"preset_modes,omitempty"`
	TemperatureStateTopic      string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTemplate   string   `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic    string   `json:"temperature_command_topic,omitempty"`
	TemperatureLowStateTopic   string   `json:"temperature_low_state_topic,omitempty"`
	TemperatureLowTemplate     string   `json:"temperature_low_state_template,omitempty"`
	TemperatureLowCommandTopic string   `json:"temperature_low_command_topic,omitempty"`
	TemperatureHighStateTopic  string   `json:"temperature_high_state_topic,omitempty"`
	TemperatureHighTemplate    string   `json:"temperature_high_state_template,omitempty"`
	TemperatureHighCommand     string   `json:"temperature_high_command_topic,omitempty"`
	MinTemp                    float64  `json:"min_temp,omitempty"`
	MaxTemp                    float64  `json:"max_temp,omitempty"`
	TempStep                   float64  `json:"temp_step,omitempty"`
	TemperatureUnit            string   `json:"temperature_unit,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// Entity is one entity to announce. Traits is set for climate entities.
type Entity struct {
	Info   domain.EntityInfo
	Traits *climate.Traits
}

// StateTopic returns the topic an entity's state is published on.
func StateTopic(baseTopic, id string) string {
	return fmt.Sprintf("%s/%s/state", baseTopic, id)
}

// CommandTopic returns the topic a command for field of entity id is received on.
func CommandTopic(baseTopic, id, field string) string {
	return fmt.Sprintf("%s/%s/%s/set", baseTopic, id, field)
}

// CommandSubscription matches every command topic under baseTopic.
func CommandSubscription(baseTopic string) string {
	return baseTopic + "/+/+/set"
}

// ParseCommandTopic splits a command topic into entity id and field.
func ParseCommandTopic(baseTopic, topic string) (id, field string, ok bool) {
	rest, found := strings.CutPrefix(topic, baseTopic+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// AvailabilityTopic returns the bridge's availability topic.
func AvailabilityTopic(baseTopic string) string {
	return baseTopic + "/status"
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config    Config
	baseTopic string
	device    DeviceInfo
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config, baseTopic string) *AutoDiscovery {
	if config.NodeID == "" {
		config.NodeID = "waterfurnace"
	}
	if config.DiscoveryPrefix == "" {
		config.DiscoveryPrefix = "homeassistant"
	}
	return &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		device: DeviceInfo{
			Identifiers:  []string{config.NodeID},
			Name:         "WaterFurnace",
			Manufacturer: "WaterFurnace",
		},
	}
}

// SetIdentity fills the device block from the identity read at setup.
func (ad *AutoDiscovery) SetIdentity(id domain.DeviceIdentity) {
	ad.device.Model = id.Model
	ad.device.SerialNumber = id.Serial
	if id.ABCProgram != "" {
		ad.device.SwVersion = fmt.Sprintf("%s %.2f", id.ABCProgram, id.ABCVersion)
	}
	if id.Model != "" {
		ad.device.Name = "WaterFurnace " + id.Model
	}
	log.Debug().
		Str("component", "homeassistant").
		Str("model", id.Model).
		Str("serial", id.Serial).
		Msg("Device identity set for discovery")
}

// Device returns the device block.
func (ad *AutoDiscovery) Device() DeviceInfo { return ad.device }

// GenerateDiscoveryMessages generates all discovery messages for entities,
// keyed by discovery topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(entities []Entity) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage, len(entities))
	for _, e := range entities {
		msg := ad.createDiscoveryMessage(e)
		messages[ad.getDiscoveryTopic(e.Info)] = msg
	}
	return messages
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove entities from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(infos []domain.EntityInfo) map[string]string {
	messages := make(map[string]string, len(infos))
	for _, info := range infos {
		messages[ad.getDiscoveryTopic(info)] = ""
	}
	return messages
}

func (ad *AutoDiscovery) createDiscoveryMessage(e Entity) DiscoveryMessage {
	info := e.Info
	objectID := fmt.Sprintf("%s_%s", ad.config.NodeID, info.ID)
	msg := DiscoveryMessage{
		Name:                info.Name,
		UniqueID:            objectID,
		ObjectID:            objectID,
		Icon:                info.Icon,
		EntityCategory:      info.EntityCategory,
		Device:              ad.device,
		AvailabilityTopic:   AvailabilityTopic(ad.baseTopic),
		PayloadAvailable:    PayloadAvailable,
		PayloadNotAvailable: PayloadNotAvailable,
	}

	switch info.Kind {
	case domain.KindSensor:
		msg.StateTopic = StateTopic(ad.baseTopic, info.ID)
		msg.DeviceClass = info.DeviceClass
		msg.UnitOfMeasurement = info.Unit
		msg.StateClass = info.StateClass
		if info.Precision > 0 {
			p := info.Precision
			msg.DisplayPrecision = &p
		}
	case domain.KindBinarySensor:
		msg.StateTopic = StateTopic(ad.baseTopic, info.ID)
		msg.DeviceClass = info.DeviceClass
		msg.PayloadOn = PayloadOn
		msg.PayloadOff = PayloadOff
	case domain.KindTextSensor:
		msg.StateTopic = StateTopic(ad.baseTopic, info.ID)
	case domain.KindSwitch:
		msg.StateTopic = StateTopic(ad.baseTopic, info.ID)
		msg.CommandTopic = CommandTopic(ad.baseTopic, info.ID, control.FieldState)
		msg.PayloadOn = PayloadOn
		msg.PayloadOff = PayloadOff
	case domain.KindClimate:
		ad.fillClimate(&msg, info.ID, e.Traits)
	}
	return msg
}

func (ad *AutoDiscovery) fillClimate(msg *DiscoveryMessage, id string, traits *climate.Traits) {
	state := StateTopic(ad.baseTopic, id)
	msg.CurrentTemperatureTopic = state
	msg.CurrentTemperatureTemplate = jsonTemplate("current_temperature")
	msg.ModeStateTopic = state
	msg.ModeStateTemplate = jsonTemplate("mode")
	msg.ModeCommandTopic = CommandTopic(ad.baseTopic, id, control.FieldMode)
	msg.FanModeStateTopic = state
	msg.FanModeStateTemplate = jsonTemplate("fan_mode")
	msg.FanModeCommandTopic = CommandTopic(ad.baseTopic, id, control.FieldFanMode)
	msg.TemperatureStateTopic = state
	msg.TemperatureStateTemplate = jsonTemplate("target_temperature")
	msg.TemperatureCommandTopic = CommandTopic(ad.baseTopic, id, control.FieldTemperature)
	msg.TemperatureLowStateTopic = state
	msg.TemperatureLowTemplate = jsonTemplate("target_temperature_low")
	msg.TemperatureLowCommandTopic = CommandTopic(ad.baseTopic, id, control.FieldTemperatureLow)
	msg.TemperatureHighStateTopic = state
	msg.TemperatureHighTemplate = jsonTemplate("target_temperature_high")
	msg.TemperatureHighCommand = CommandTopic(ad.baseTopic, id, control.FieldTemperatureHigh)
	msg.TemperatureUnit = "F"

	if traits == nil {
		return
	}
	msg.MinTemp = traits.MinTemperature
	msg.MaxTemp = traits.MaxTemperature
	msg.TempStep = traits.Step
	for _, m := range traits.Modes {
		msg.Modes = append(msg.Modes, string(m))
	}
	for _, f := range traits.FanModes {
		msg.FanModes = append(msg.FanModes, string(f))
	}
	if len(traits.Presets) > 0 {
		msg.PresetModes = traits.Presets
		msg.PresetModeStateTopic = state
		msg.PresetModeValueTemplate = "{{ value_json.preset | default('none') }}"
		msg.PresetModeCommandTopic = CommandTopic(ad.baseTopic, id, control.FieldPreset)
	}
}

func jsonTemplate(key string) string {
	return fmt.Sprintf("{{ value_json.%s }}", key)
}

// component maps an entity kind to its Home Assistant platform.
func component(kind domain.EntityKind) string {
	if kind == domain.KindTextSensor {
		return "sensor"
	}
	return string(kind)
}

// getDiscoveryTopic generates the MQTT discovery topic for an entity:
// <discovery_prefix>/<component>/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(info domain.EntityInfo) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", ad.config.DiscoveryPrefix, component(info.Kind), ad.config.NodeID, info.ID)
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return AvailabilityTopic(ad.baseTopic)
}

// BirthTopic is where Home Assistant announces that it came online.
func (ad *AutoDiscovery) BirthTopic() string {
	return ad.config.DiscoveryPrefix + "/status"
}

// Retain reports whether discovery messages are retained.
func (ad *AutoDiscovery) Retain() bool { return ad.config.Retain }
