// Package validation checks zone commands and raw register writes before
// they reach the board.
package validation

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/control"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelBasic ValidationLevel = iota
	ValidationLevelStandard
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// MaxFanCycleMinutes bounds the intermittent fan on and off times.
const MaxFanCycleMinutes = 60

// ValidationError represents a validation error with severity and context.
type ValidationError struct {
	Type     string      `json:"type"`
	Severity string      `json:"severity"`
	Message  string      `json:"message"`
	Field    string      `json:"field"`
	Value    interface{} `json:"value,omitempty"`
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of a validation check.
type ValidationResult struct {
	Valid    bool               `json:"valid"`
	Errors   []*ValidationError `json:"errors,omitempty"`
	Warnings []*ValidationError `json:"warnings,omitempty"`
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return "valid"
	}

	var parts []string
	for _, e := range vr.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}
	return strings.Join(parts, "; ")
}

// Err returns the first error, or nil when the result is valid.
func (vr *ValidationResult) Err() error {
	if vr.Valid || len(vr.Errors) == 0 {
		return nil
	}
	return vr.Errors[0]
}

// ZoneRule checks a zone update.
type ZoneRule struct {
	Name  string
	Level ValidationLevel
	Check func(zone int, u control.ZoneUpdate) *ValidationError
}

// RegisterRule checks a raw register write.
type RegisterRule struct {
	Name  string
	Level ValidationLevel
	Check func(addr, value int) *ValidationError
}

// Stats counts validations.
type Stats struct {
	Performed int64 `json:"performed"`
	Errors    int64 `json:"errors"`
	Warnings  int64 `json:"warnings"`
}

// Validator applies the zone and register rules up to its level.
type Validator struct {
	level         ValidationLevel
	zoneRules     []*ZoneRule
	registerRules []*RegisterRule
	logger        zerolog.Logger

	performed atomic.Int64
	errors    atomic.Int64
	warnings  atomic.Int64
}

// NewValidator creates a validator with the default rules.
func NewValidator(level ValidationLevel, logger zerolog.Logger) *Validator {
	v := &Validator{
		level:  level,
		logger: logger.With().Str("component", "validator").Logger(),
	}
	v.registerDefaultZoneRules()
	v.registerDefaultRegisterRules()
	return v
}

// Level returns the validator's level.
func (v *Validator) Level() ValidationLevel { return v.level }

// ValidateZoneUpdate checks a partial zone update.
func (v *Validator) ValidateZoneUpdate(zone int, u control.ZoneUpdate) *ValidationResult {
	result := v.newResult()
	for _, rule := range v.zoneRules {
		if rule.Level <= v.level {
			if err := rule.Check(zone, u); err != nil {
				v.add(result, err)
			}
		}
	}
	v.log("zone", result)
	return result
}

// ValidateRegisterWrite checks a raw register write.
func (v *Validator) ValidateRegisterWrite(addr, value int) *ValidationResult {
	result := v.newResult()
	for _, rule := range v.registerRules {
		if rule.Level <= v.level {
			if err := rule.Check(addr, value); err != nil {
				v.add(result, err)
			}
		}
	}
	v.log("register", result)
	return result
}

// Stats returns the validation counters.
func (v *Validator) Stats() Stats {
	return Stats{
		Performed: v.performed.Load(),
		Errors:    v.errors.Load(),
		Warnings:  v.warnings.Load(),
	}
}

func (v *Validator) newResult() *ValidationResult {
	v.performed.Add(1)
	return &ValidationResult{Valid: true}
}

func (v *Validator) add(result *ValidationResult, err *ValidationError) {
	if err.Severity == SeverityWarning {
		result.Warnings = append(result.Warnings, err)
		v.warnings.Add(1)
		return
	}
	result.Errors = append(result.Errors, err)
	result.Valid = false
	v.errors.Add(1)
}

func (v *Validator) log(kind string, result *ValidationResult) {
	v.logger.Debug().
		Str("kind", kind).
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Msg("Validation completed")
}

func zoneError(field, msg string, value interface{}) *ValidationError {
	return &ValidationError{Type: "zone", Severity: SeverityError, Message: msg, Field: field, Value: value}
}

func setpointError(field string, f *float64) *ValidationError {
	if f == nil {
		return nil
	}
	if *f < climate.MinSetpoint || *f > climate.MaxSetpoint {
		return zoneError(field, fmt.Sprintf("must be between %.0f and %.0f °F", climate.MinSetpoint, climate.MaxSetpoint), *f)
	}
	return nil
}

func (v *Validator) registerDefaultZoneRules() {
	v.zoneRules = []*ZoneRule{
		{
			Name:  "zone_number",
			Level: ValidationLevelBasic,
			Check: func(zone int, _ control.ZoneUpdate) *ValidationError {
				if zone < 0 || zone > registers.MaxIZ2Zones {
					return zoneError("zone", fmt.Sprintf("must be between 0 and %d", registers.MaxIZ2Zones), zone)
				}
				return nil
			},
		},
		{
			Name:  "not_empty",
			Level: ValidationLevelBasic,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if u.Empty() {
					return zoneError("body", "no fields to update", nil)
				}
				return nil
			},
		},
		{
			Name:  "mode_name",
			Level: ValidationLevelBasic,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if u.Mode == nil {
					return nil
				}
				if _, err := climate.ParseMode(*u.Mode); err != nil {
					return zoneError("mode", err.Error(), *u.Mode)
				}
				return nil
			},
		},
		{
			Name:  "fan_mode_name",
			Level: ValidationLevelBasic,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if u.FanMode == nil {
					return nil
				}
				if _, err := climate.ParseFanMode(*u.FanMode); err != nil {
					return zoneError("fan_mode", err.Error(), *u.FanMode)
				}
				return nil
			},
		},
		{
			Name:  "preset_name",
			Level: ValidationLevelBasic,
			Check: func(zone int, u control.ZoneUpdate) *ValidationError {
				if u.Preset == nil {
					return nil
				}
				if *u.Preset != climate.PresetEHeat {
					return zoneError("preset", fmt.Sprintf("only %q is supported", climate.PresetEHeat), *u.Preset)
				}
				if zone > 1 {
					return zoneError("preset", "emergency heat is only available on the thermostat and zone 1", zone)
				}
				return nil
			},
		},
		{
			Name:  "mode_and_preset",
			Level: ValidationLevelStandard,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if u.Mode != nil && u.Preset != nil {
					return zoneError("preset", "cannot be combined with mode", *u.Preset)
				}
				return nil
			},
		},
		{
			Name:  "setpoint_range",
			Level: ValidationLevelBasic,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if err := setpointError("target_temperature", u.Target); err != nil {
					return err
				}
				if err := setpointError("target_temperature_low", u.Low); err != nil {
					return err
				}
				return setpointError("target_temperature_high", u.High)
			},
		},
		{
			Name:  "setpoint_order",
			Level: ValidationLevelStandard,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if u.Low != nil && u.High != nil && *u.Low >= *u.High {
					return zoneError("target_temperature_low", "must be below target_temperature_high", *u.Low)
				}
				return nil
			},
		},
		{
			Name:  "target_or_range",
			Level: ValidationLevelStandard,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if u.Target != nil && (u.Low != nil || u.High != nil) {
					return zoneError("target_temperature", "cannot be combined with a low or high target", *u.Target)
				}
				return nil
			},
		},
		{
			Name:  "fan_cycle",
			Level: ValidationLevelBasic,
			Check: func(_ int, u control.ZoneUpdate) *ValidationError {
				if (u.FanOnMinutes == nil) != (u.FanOffMinutes == nil) {
					return zoneError("fan_on_minutes", "fan_on_minutes and fan_off_minutes must be set together", nil)
				}
				if u.FanOnMinutes != nil && (*u.FanOnMinutes > MaxFanCycleMinutes || *u.FanOffMinutes > MaxFanCycleMinutes) {
					return zoneError("fan_on_minutes", fmt.Sprintf("fan cycle times must be at most %d minutes", MaxFanCycleMinutes), nil)
				}
				return nil
			},
		},
	}
}

// readOnlyRanges hold identity and component detection registers.
var readOnlyRanges = [][2]int{
	{0, registers.RegSerialNumber + registers.SerialNumberLen},
	{registers.RegThermostatStatus, registers.RegAWLStatus + 3},
}

// isKnownWritable reports whether addr is a register the bridge itself writes.
func isKnownWritable(addr int) bool {
	switch addr {
	case registers.RegDHWEnable, registers.RegDHWSetpoint:
		return true
	}
	if addr >= registers.RegWriteMode && addr <= registers.RegWriteFanOffTime {
		return true
	}
	first := int(registers.IZ2WriteBase(1))
	last := int(registers.IZ2WriteBase(registers.MaxIZ2Zones)) + registers.IZ2WriteStride - 1
	return addr >= first && addr <= last
}

func registerError(field, msg string, value interface{}) *ValidationError {
	return &ValidationError{Type: "register", Severity: SeverityError, Message: msg, Field: field, Value: value}
}

func (v *Validator) registerDefaultRegisterRules() {
	v.registerRules = []*RegisterRule{
		{
			Name:  "address_range",
			Level: ValidationLevelBasic,
			Check: func(addr, _ int) *ValidationError {
				if addr < 0 || addr > 0xFFFF {
					return registerError("address", "must be between 0 and 65535", addr)
				}
				return nil
			},
		},
		{
			Name:  "value_range",
			Level: ValidationLevelBasic,
			Check: func(_, value int) *ValidationError {
				if value < 0 || value > 0xFFFF {
					return registerError("value", "must be between 0 and 65535", value)
				}
				return nil
			},
		},
		{
			Name:  "read_only_registers",
			Level: ValidationLevelStandard,
			Check: func(addr, _ int) *ValidationError {
				for _, r := range readOnlyRanges {
					if addr >= r[0] && addr < r[1] {
						return registerError("address", "register is read-only", addr)
					}
				}
				return nil
			},
		},
		{
			Name:  "unknown_register",
			Level: ValidationLevelStandard,
			Check: func(addr, _ int) *ValidationError {
				if isKnownWritable(addr) {
					return nil
				}
				return &ValidationError{
					Type:     "register",
					Severity: SeverityWarning,
					Message:  "register is not a known setting",
					Field:    "address",
					Value:    addr,
				}
			},
		},
		{
			Name:  "known_registers_only",
			Level: ValidationLevelStrict,
			Check: func(addr, _ int) *ValidationError {
				if !isKnownWritable(addr) {
					return registerError("address", "only known setting registers may be written", addr)
				}
				return nil
			},
		},
	}
}
