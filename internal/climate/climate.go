// Package climate decodes thermostat and IZ2 zone registers into zone
// state and turns zone commands into register writes.
package climate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// Mode is the HVAC mode of a zone.
type Mode string

// Zone modes.
const (
	ModeOff      Mode = "off"
	ModeHeatCool Mode = "heat_cool"
	ModeCool     Mode = "cool"
	ModeHeat     Mode = "heat"
)

// FanMode is the fan setting of a zone.
type FanMode string

// Fan modes. Intermittent is presented as a custom fan mode.
const (
	FanAuto         FanMode = "auto"
	FanOn           FanMode = "on"
	FanIntermittent FanMode = "Intermittent"
)

// PresetEHeat is the emergency heat preset.
const PresetEHeat = "E-Heat"

// Setpoint limits in °F.
const (
	MinSetpoint  = 45.0
	MaxSetpoint  = 92.0
	SetpointStep = 1.0
)

// ParseMode converts a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeHeatCool, ModeCool, ModeHeat:
		return m, nil
	case "auto":
		return ModeHeatCool, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// ParseFanMode converts a fan mode name.
func ParseFanMode(s string) (FanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return FanAuto, nil
	case "on", "continuous":
		return FanOn, nil
	case "intermittent":
		return FanIntermittent, nil
	}
	return "", fmt.Errorf("unknown fan mode %q", s)
}

// modeFromRaw maps a board mode value. E-Heat is reported as heat plus the
// preset flag; unknown values report ok=false.
func modeFromRaw(raw uint16) (mode Mode, eheat bool, ok bool) {
	switch raw {
	case registers.ModeOff:
		return ModeOff, false, true
	case registers.ModeAuto:
		return ModeHeatCool, false, true
	case registers.ModeCool:
		return ModeCool, false, true
	case registers.ModeHeat:
		return ModeHeat, false, true
	case registers.ModeEHeat:
		return ModeHeat, true, true
	}
	return "", false, false
}

func modeToRaw(m Mode) uint16 {
	switch m {
	case ModeOff:
		return registers.ModeOff
	case ModeCool:
		return registers.ModeCool
	case ModeHeat:
		return registers.ModeHeat
	default:
		return registers.ModeAuto
	}
}

func fanFromRaw(raw uint16) FanMode {
	switch raw {
	case registers.FanContinuous:
		return FanOn
	case registers.FanIntermittent:
		return FanIntermittent
	default:
		return FanAuto
	}
}

func fanToRaw(f FanMode) uint16 {
	switch f {
	case FanOn:
		return registers.FanContinuous
	case FanIntermittent:
		return registers.FanIntermittent
	default:
		return registers.FanAuto
	}
}

// ThermostatMode extracts the mode from the thermostat mode config register.
func ThermostatMode(v uint16) uint16 {
	return (v >> 8) & 0x07
}

// ThermostatFan extracts the fan mode from the thermostat fan config register.
func ThermostatFan(v uint16) uint16 {
	switch {
	case v&0x80 != 0:
		return registers.FanContinuous
	case v&0x100 != 0:
		return registers.FanIntermittent
	}
	return registers.FanAuto
}

// IZ2Mode extracts the mode from zone config word 2. Three bits are
// needed: E-Heat is 4.
func IZ2Mode(config2 uint16) uint16 {
	return (config2 >> 8) & 0x07
}

// IZ2Fan extracts the fan mode from zone config word 1.
func IZ2Fan(config1 uint16) uint16 {
	return ThermostatFan(config1)
}

// IZ2CoolingSetpoint extracts the cooling setpoint in whole °F.
func IZ2CoolingSetpoint(config1 uint16) uint16 {
	return ((config1 & 0x7E) >> 1) + 36
}

// IZ2HeatingSetpoint extracts the heating setpoint in whole °F. Bit 0 of
// config word 1 is the high bit; bits 11-15 of config word 2 are the rest.
func IZ2HeatingSetpoint(config1, config2 uint16) uint16 {
	carry := config1 & 0x01
	return ((carry << 5) | ((config2 & 0xF800) >> 11)) + 36
}

// IZ2DamperOpen reports the damper bit of zone config word 2.
func IZ2DamperOpen(config2 uint16) bool {
	return config2&0x10 != 0
}

// SetpointRaw converts °F to the board's write encoding: whole degrees
// times ten.
func SetpointRaw(f float64) uint16 {
	return uint16(math.Round(f)) * 10
}

// Traits describes what a zone supports.
type Traits struct {
	MinTemperature float64   `json:"min_temperature"`
	MaxTemperature float64   `json:"max_temperature"`
	Step           float64   `json:"step"`
	Modes          []Mode    `json:"modes"`
	FanModes       []FanMode `json:"fan_modes"`
	Presets        []string  `json:"presets,omitempty"`
}

// State is the published state of a zone. Temperatures are °F and NaN
// until known.
type State struct {
	Zone       int
	Mode       Mode
	Fan        FanMode
	Preset     string
	Current    float64
	Low        float64
	High       float64
	DamperOpen *bool
}

func (s State) equal(o State) bool {
	if registers.Changed(s.Current, o.Current) ||
		registers.Changed(s.Low, o.Low) ||
		registers.Changed(s.High, o.High) {
		return false
	}
	if (s.DamperOpen == nil) != (o.DamperOpen == nil) {
		return false
	}
	if s.DamperOpen != nil && *s.DamperOpen != *o.DamperOpen {
		return false
	}
	return s.Zone == o.Zone && s.Mode == o.Mode && s.Fan == o.Fan && s.Preset == o.Preset
}

// Target returns the single target temperature for heat or cool mode.
func (s State) Target() (float64, bool) {
	switch s.Mode {
	case ModeHeat:
		return s.Low, !math.IsNaN(s.Low)
	case ModeCool:
		return s.High, !math.IsNaN(s.High)
	}
	return math.NaN(), false
}

type stateJSON struct {
	Zone       int      `json:"zone"`
	Mode       Mode     `json:"mode"`
	Fan        FanMode  `json:"fan_mode"`
	Preset     string   `json:"preset,omitempty"`
	Current    *float64 `json:"current_temperature"`
	Low        *float64 `json:"target_temperature_low"`
	High       *float64 `json:"target_temperature_high"`
	Target     *float64 `json:"target_temperature,omitempty"`
	DamperOpen *bool    `json:"damper_open,omitempty"`
}

func optional(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// MarshalJSON renders unknown temperatures as null.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		Zone:       s.Zone,
		Mode:       s.Mode,
		Fan:        s.Fan,
		Preset:     s.Preset,
		Current:    optional(s.Current),
		Low:        optional(s.Low),
		High:       optional(s.High),
		DamperOpen: s.DamperOpen,
	}
	if t, ok := s.Target(); ok {
		out.Target = &t
	}
	return json.Marshal(out)
}
