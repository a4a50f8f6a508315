package validation

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-waterfurnace/internal/control"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

func str(s string) *string { return &s }
func num(f float64) *float64 { return &f }
func minutes(v uint16) *uint16 { return &v }

func TestValidationLevel_String(t *testing.T) {
	tests := []struct {
		level    ValidationLevel
		expected string
	}{
		{ValidationLevelBasic, "basic"},
		{ValidationLevelStandard, "standard"},
		{ValidationLevelStrict, "strict"},
		{ValidationLevel(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		Type:     "zone",
		Severity: SeverityError,
		Message:  "test error",
		Field:    "mode",
	}

	assert.Equal(t, "error validation error in mode: test error", err.Error())
}

func TestValidationResult(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		result := &ValidationResult{Valid: true}
		assert.Equal(t, "valid", result.Summary())
		assert.NoError(t, result.Err())
	})

	t.Run("errors and warnings", func(t *testing.T) {
		result := &ValidationResult{
			Errors:   []*ValidationError{{Field: "mode", Message: "bad"}},
			Warnings: []*ValidationError{{Field: "address"}},
		}
		assert.True(t, result.HasWarnings())
		assert.Equal(t, "mode: bad; 1 warnings", result.Summary())
		assert.Error(t, result.Err())
	})
}

func TestValidateZoneUpdate(t *testing.T) {
	v := NewValidator(ValidationLevelStandard, zerolog.Nop())

	tests := []struct {
		name      string
		zone      int
		update    control.ZoneUpdate
		wantField string
	}{
		{"mode and target", 0, control.ZoneUpdate{Mode: str("heat"), Target: num(70)}, ""},
		{"range", 3, control.ZoneUpdate{Low: num(66), High: num(76)}, ""},
		{"auto alias", 0, control.ZoneUpdate{Mode: str("auto")}, ""},
		{"fan cycle", 0, control.ZoneUpdate{FanOnMinutes: minutes(5), FanOffMinutes: minutes(25)}, ""},
		{"eheat on zone 1", 1, control.ZoneUpdate{Preset: str("E-Heat")}, ""},
		{"zone out of range", 7, control.ZoneUpdate{Mode: str("heat")}, "zone"},
		{"empty", 0, control.ZoneUpdate{}, "body"},
		{"unknown mode", 0, control.ZoneUpdate{Mode: str("dry")}, "mode"},
		{"unknown fan", 0, control.ZoneUpdate{FanMode: str("turbo")}, "fan_mode"},
		{"unknown preset", 0, control.ZoneUpdate{Preset: str("Away")}, "preset"},
		{"eheat on zone 2", 2, control.ZoneUpdate{Preset: str("E-Heat")}, "preset"},
		{"mode with preset", 0, control.ZoneUpdate{Mode: str("heat"), Preset: str("E-Heat")}, "preset"},
		{"target too hot", 0, control.ZoneUpdate{Target: num(95)}, "target_temperature"},
		{"low too cold", 0, control.ZoneUpdate{Low: num(40)}, "target_temperature_low"},
		{"high too hot", 0, control.ZoneUpdate{High: num(93)}, "target_temperature_high"},
		{"inverted range", 0, control.ZoneUpdate{Low: num(75), High: num(70)}, "target_temperature_low"},
		{"target and range", 0, control.ZoneUpdate{Target: num(70), Low: num(68)}, "target_temperature"},
		{"half fan cycle", 0, control.ZoneUpdate{FanOnMinutes: minutes(5)}, "fan_on_minutes"},
		{"long fan cycle", 0, control.ZoneUpdate{FanOnMinutes: minutes(5), FanOffMinutes: minutes(90)}, "fan_on_minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateZoneUpdate(tt.zone, tt.update)
			if tt.wantField == "" {
				assert.True(t, result.Valid, result.Summary())
				return
			}
			require.False(t, result.Valid)
			assert.Equal(t, tt.wantField, result.Errors[0].Field)
		})
	}
}

func TestValidateZoneUpdateBasicLevel(t *testing.T) {
	v := NewValidator(ValidationLevelBasic, zerolog.Nop())
	result := v.ValidateZoneUpdate(0, control.ZoneUpdate{Low: num(75), High: num(70)})
	assert.True(t, result.Valid, "ordering is a standard level rule")
}

func TestValidateRegisterWrite(t *testing.T) {
	tests := []struct {
		name         string
		level        ValidationLevel
		addr, value  int
		valid        bool
		wantWarnings int
	}{
		{"dhw enable", ValidationLevelStandard, registers.RegDHWEnable, 1, true, 0},
		{"thermostat mode", ValidationLevelStrict, registers.RegWriteMode, registers.ModeHeat, true, 0},
		{"last IZ2 zone", ValidationLevelStrict, int(registers.IZ2WriteBase(6)) + 5, 10, true, 0},
		{"unknown setting", ValidationLevelStandard, 340, 3, true, 1},
		{"unknown setting strict", ValidationLevelStrict, 340, 3, false, 1},
		{"unknown setting basic", ValidationLevelBasic, 340, 3, true, 0},
		{"abc version", ValidationLevelStandard, registers.RegABCVersion, 1, false, 1},
		{"component status", ValidationLevelStandard, registers.RegAXBStatus, 1, false, 1},
		{"identity writable at basic", ValidationLevelBasic, registers.RegModelNumber, 1, true, 0},
		{"negative value", ValidationLevelBasic, registers.RegDHWSetpoint, -1, false, 0},
		{"value too large", ValidationLevelBasic, registers.RegDHWSetpoint, 70000, false, 0},
		{"address too large", ValidationLevelBasic, 70000, 1, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.level, zerolog.Nop())
			result := v.ValidateRegisterWrite(tt.addr, tt.value)
			assert.Equal(t, tt.valid, result.Valid, result.Summary())
			assert.Len(t, result.Warnings, tt.wantWarnings)
		})
	}
}

func TestStats(t *testing.T) {
	v := NewValidator(ValidationLevelStandard, zerolog.Nop())
	v.ValidateRegisterWrite(registers.RegDHWEnable, 1)
	v.ValidateRegisterWrite(340, 1)
	v.ValidateZoneUpdate(9, control.ZoneUpdate{})

	s := v.Stats()
	assert.Equal(t, int64(3), s.Performed)
	assert.Equal(t, int64(1), s.Warnings)
	assert.Equal(t, int64(2), s.Errors)
	assert.Equal(t, ValidationLevelStandard, v.Level())
}
