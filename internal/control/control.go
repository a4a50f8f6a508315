// Package control applies zone, switch and raw register commands coming
// from the API and MQTT to the built entities.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/catalog"
	"github.com/resident-x/go-waterfurnace/internal/climate"
)

var (
	// ErrUnknownZone is returned for a zone that was not built.
	ErrUnknownZone = errors.New("unknown zone")
	// ErrUnknownEntity is returned for a command to an entity that takes none.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrEmptyUpdate is returned for a zone update without fields.
	ErrEmptyUpdate = errors.New("empty zone update")
	// ErrPartialFanCycle is returned when only one of the fan cycle times is given.
	ErrPartialFanCycle = errors.New("fan on and off minutes must be set together")
)

// Command fields accepted by Apply.
const (
	FieldState           = "state"
	FieldMode            = "mode"
	FieldPreset          = "preset"
	FieldFanMode         = "fan_mode"
	FieldTemperature     = "temperature"
	FieldTemperatureLow  = "temperature_low"
	FieldTemperatureHigh = "temperature_high"
)

// ZoneUpdate is a partial zone change. Nil fields are left alone.
type ZoneUpdate struct {
	Mode          *string  `json:"mode,omitempty"`
	FanMode       *string  `json:"fan_mode,omitempty"`
	Preset        *string  `json:"preset,omitempty"`
	Target        *float64 `json:"target_temperature,omitempty"`
	Low           *float64 `json:"target_temperature_low,omitempty"`
	High          *float64 `json:"target_temperature_high,omitempty"`
	FanOnMinutes  *uint16  `json:"fan_on_minutes,omitempty"`
	FanOffMinutes *uint16  `json:"fan_off_minutes,omitempty"`
}

// Empty reports whether u changes nothing.
func (u ZoneUpdate) Empty() bool {
	return u.Mode == nil && u.FanMode == nil && u.Preset == nil && u.Target == nil &&
		u.Low == nil && u.High == nil && u.FanOnMinutes == nil && u.FanOffMinutes == nil
}

// RegisterWriter writes one raw register.
type RegisterWriter interface {
	Write(ctx context.Context, addr, value uint16) error
}

// Controller routes commands to zones, switches and the register bus.
type Controller struct {
	entities *catalog.Entities
	writer   RegisterWriter
	logger   zerolog.Logger
}

// New creates a controller.
func New(entities *catalog.Entities, writer RegisterWriter) *Controller {
	return &Controller{
		entities: entities,
		writer:   writer,
		logger:   log.With().Str("component", "control").Logger(),
	}
}

// Zone returns the zone with number n.
func (c *Controller) Zone(n int) (*climate.Zone, error) {
	z, ok := c.entities.Zone(n)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownZone, n)
	}
	return z, nil
}

// Zones returns every built zone ordered by number.
func (c *Controller) Zones() []*climate.Zone {
	return c.entities.Zones()
}

// UpdateZone applies u to zone n: mode or preset first, then the fan, then
// temperatures so a single target follows the new mode. It stops at the
// first failed write and returns the zone state after the update.
func (c *Controller) UpdateZone(ctx context.Context, n int, u ZoneUpdate) (climate.State, error) {
	z, err := c.Zone(n)
	if err != nil {
		return climate.State{}, err
	}
	if u.Empty() {
		return z.State(), ErrEmptyUpdate
	}

	if u.Mode != nil {
		m, err := climate.ParseMode(*u.Mode)
		if err != nil {
			return z.State(), err
		}
		if err := z.SetMode(ctx, m); err != nil {
			return z.State(), err
		}
	}
	if u.Preset != nil {
		if err := z.SetPreset(ctx, *u.Preset); err != nil {
			return z.State(), err
		}
	}
	if u.FanMode != nil {
		f, err := climate.ParseFanMode(*u.FanMode)
		if err != nil {
			return z.State(), err
		}
		if err := z.SetFan(ctx, f); err != nil {
			return z.State(), err
		}
	}
	if u.FanOnMinutes != nil || u.FanOffMinutes != nil {
		if u.FanOnMinutes == nil || u.FanOffMinutes == nil {
			return z.State(), ErrPartialFanCycle
		}
		if err := z.SetFanCycle(ctx, *u.FanOnMinutes, *u.FanOffMinutes); err != nil {
			return z.State(), err
		}
	}
	if u.Target != nil {
		if err := z.SetTargetTemperature(ctx, *u.Target); err != nil {
			return z.State(), err
		}
	}
	if u.Low != nil || u.High != nil {
		low, high := math.NaN(), math.NaN()
		if u.Low != nil {
			low = *u.Low
		}
		if u.High != nil {
			high = *u.High
		}
		if err := z.SetTargetRange(ctx, low, high); err != nil {
			return z.State(), err
		}
	}

	c.logger.Info().Int("zone", n).Interface("update", u).Msg("Zone updated")
	return z.State(), nil
}

// SetSwitch turns the switch with id on or off.
func (c *Controller) SetSwitch(ctx context.Context, id string, on bool) error {
	sw, ok := c.entities.Switch(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return sw.Set(ctx, on)
}

// WriteRegister writes a raw register through the bus so cooldowns apply.
func (c *Controller) WriteRegister(ctx context.Context, addr, value uint16) error {
	if err := c.writer.Write(ctx, addr, value); err != nil {
		return err
	}
	c.logger.Info().Uint16("address", addr).Uint16("value", value).Msg("Raw register written")
	return nil
}

// Apply runs a text command addressed to an entity, as received on an MQTT
// command topic. Switches take ON or OFF on the state field. Zones take the
// Field* names with the mode, preset or fan name or a temperature in °F.
func (c *Controller) Apply(ctx context.Context, entityID, field, payload string) error {
	payload = strings.TrimSpace(payload)

	if _, ok := c.entities.Switch(entityID); ok {
		if field != FieldState {
			return fmt.Errorf("switch %s has no field %q", entityID, field)
		}
		on, err := parseOnOff(payload)
		if err != nil {
			return err
		}
		return c.SetSwitch(ctx, entityID, on)
	}

	n, ok := ZoneNumber(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	var u ZoneUpdate
	switch field {
	case FieldMode:
		u.Mode = &payload
	case FieldPreset:
		u.Preset = &payload
	case FieldFanMode:
		u.FanMode = &payload
	case FieldTemperature, FieldTemperatureLow, FieldTemperatureHigh:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return fmt.Errorf("invalid temperature %q: %w", payload, err)
		}
		switch field {
		case FieldTemperature:
			u.Target = &f
		case FieldTemperatureLow:
			u.Low = &f
		default:
			u.High = &f
		}
	default:
		return fmt.Errorf("zone %d has no field %q", n, field)
	}
	_, err := c.UpdateZone(ctx, n, u)
	return err
}

// ZoneNumber parses a climate entity id of the form zone_<n>.
func ZoneNumber(entityID string) (int, bool) {
	rest, ok := strings.CutPrefix(entityID, "zone_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "ON", "TRUE", "1":
		return true, nil
	case "OFF", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch payload %q", s)
}
