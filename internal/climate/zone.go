package climate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/bus"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// ErrNoSingleTarget is returned when a single target is set outside heat
// or cool mode.
var ErrNoSingleTarget = errors.New("single target temperature needs heat or cool mode")

// ErrSetpointRange is returned for setpoints outside the supported range.
var ErrSetpointRange = errors.New("setpoint out of range")

// Bus is the part of the register bus a zone uses.
type Bus interface {
	RegisterListener(addr uint16, capability registers.Capability, fn bus.Listener)
	Write(ctx context.Context, addr, value uint16) error
	InCooldown(category bus.Category, zone int) bool
}

// Zone is one climate zone. Zone 0 is a non-zoned AWL thermostat; zones
// 1-6 are IZ2 zones read from packed configuration words.
type Zone struct {
	number int
	id     string
	name   string
	sink   domain.EntitySink
	bus    Bus
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	config1    uint16
	config2    uint16
	hasConfig1 bool
	hasConfig2 bool
	last       State
	published  bool
	detached   bool
}

// NewZone creates zone number n publishing to sink.
func NewZone(n int, sink domain.EntitySink) (*Zone, error) {
	if n < 0 || n > registers.MaxIZ2Zones {
		return nil, fmt.Errorf("invalid zone %d", n)
	}
	name := "Thermostat"
	if n > 0 {
		name = fmt.Sprintf("Zone %d", n)
	}
	return &Zone{
		number: n,
		id:     fmt.Sprintf("zone_%d", n),
		name:   name,
		sink:   sink,
		logger: log.With().Str("component", "climate").Int("zone", n).Logger(),
		state: State{
			Zone:    n,
			Mode:    ModeOff,
			Fan:     FanAuto,
			Current: math.NaN(),
			Low:     math.NaN(),
			High:    math.NaN(),
		},
	}, nil
}

// Number returns the zone number.
func (z *Zone) Number() int { return z.number }

// Info implements domain.Entity.
func (z *Zone) Info() domain.EntityInfo {
	return domain.EntityInfo{
		ID:          z.id,
		Name:        z.name,
		Kind:        domain.KindClimate,
		Unit:        "°F",
		DeviceClass: "temperature",
		Precision:   1,
	}
}

// IsIZ2 reports whether the zone uses IZ2 registers.
func (z *Zone) IsIZ2() bool { return z.number > 0 }

// Traits returns what the zone supports.
func (z *Zone) Traits() Traits {
	t := Traits{
		MinTemperature: MinSetpoint,
		MaxTemperature: MaxSetpoint,
		Step:           SetpointStep,
		Modes:          []Mode{ModeOff, ModeHeatCool, ModeCool, ModeHeat},
		FanModes:       []FanMode{FanAuto, FanOn, FanIntermittent},
	}
	if z.showsPreset() {
		t.Presets = []string{PresetEHeat}
	}
	return t
}

// State returns a copy of the current state.
func (z *Zone) State() State {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// Attach registers the zone's listeners and keeps b for writes.
func (z *Zone) Attach(b Bus) {
	z.bus = b
	if !z.IsIZ2() {
		b.RegisterListener(registers.RegTstatAmbient, registers.AWLThermostat, z.onAmbient)
		b.RegisterListener(registers.RegHeatingSetpoint, registers.AWLThermostat, z.onHeatingSetpoint)
		b.RegisterListener(registers.RegCoolingSetpoint, registers.AWLThermostat, z.onCoolingSetpoint)
		b.RegisterListener(registers.RegModeConfig, registers.AWLThermostat, z.onModeConfig)
		b.RegisterListener(registers.RegFanConfig, registers.AWLThermostat, z.onFanConfig)
		return
	}
	base := registers.IZ2ZoneBase(z.number)
	b.RegisterListener(base, registers.IZ2, z.onAmbient)
	b.RegisterListener(base+1, registers.IZ2, z.onConfig1)
	b.RegisterListener(base+2, registers.IZ2, z.onConfig2)
}

func (z *Zone) showsPreset() bool {
	return z.number <= 1
}

func (z *Zone) inCooldown(c bus.Category) bool {
	return z.bus != nil && z.bus.InCooldown(c, z.number)
}

// applyMode must be called with z.mu held.
func (z *Zone) applyMode(raw uint16) {
	mode, eheat, ok := modeFromRaw(raw)
	if !ok {
		return
	}
	z.state.Mode = mode
	z.state.Preset = ""
	if eheat && z.showsPreset() {
		z.state.Preset = PresetEHeat
	}
}

func (z *Zone) onAmbient(v uint16) {
	z.mu.Lock()
	z.state.Current = registers.Decode(registers.SignedTenths, v)
	z.mu.Unlock()
	z.logger.Debug().Uint16("raw", v).Msg("Ambient temperature")
	z.publishIfChanged()
}

func (z *Zone) onHeatingSetpoint(v uint16) {
	if z.inCooldown(bus.CategoryHeatingSetpoint) {
		return
	}
	z.mu.Lock()
	z.state.Low = registers.Decode(registers.Tenths, v)
	z.mu.Unlock()
	z.publishIfChanged()
}

func (z *Zone) onCoolingSetpoint(v uint16) {
	if z.inCooldown(bus.CategoryCoolingSetpoint) {
		return
	}
	z.mu.Lock()
	z.state.High = registers.Decode(registers.Tenths, v)
	z.mu.Unlock()
	z.publishIfChanged()
}

func (z *Zone) onModeConfig(v uint16) {
	if z.inCooldown(bus.CategoryMode) {
		return
	}
	z.logger.Debug().Uint16("raw", v).Uint16("mode", ThermostatMode(v)).Msg("Mode config")
	z.mu.Lock()
	z.applyMode(ThermostatMode(v))
	z.mu.Unlock()
	z.publishIfChanged()
}

func (z *Zone) onFanConfig(v uint16) {
	if z.inCooldown(bus.CategoryFan) {
		return
	}
	z.mu.Lock()
	z.state.Fan = fanFromRaw(ThermostatFan(v))
	z.mu.Unlock()
	z.publishIfChanged()
}

func (z *Zone) onConfig1(v uint16) {
	fanCool := z.inCooldown(bus.CategoryFan)
	coolCool := z.inCooldown(bus.CategoryCoolingSetpoint)
	heatCool := z.inCooldown(bus.CategoryHeatingSetpoint)
	z.logger.Debug().Uint16("raw", v).Msg("IZ2 config1")

	z.mu.Lock()
	z.config1 = v
	z.hasConfig1 = true
	if !fanCool {
		z.state.Fan = fanFromRaw(IZ2Fan(v))
	}
	if !coolCool {
		z.state.High = float64(IZ2CoolingSetpoint(v))
	}
	if !heatCool && z.hasConfig2 {
		z.state.Low = float64(IZ2HeatingSetpoint(v, z.config2))
	}
	z.mu.Unlock()
	z.publishIfChanged()
}

func (z *Zone) onConfig2(v uint16) {
	modeCool := z.inCooldown(bus.CategoryMode)
	heatCool := z.inCooldown(bus.CategoryHeatingSetpoint)
	z.logger.Debug().Uint16("raw", v).Uint16("mode", IZ2Mode(v)).Msg("IZ2 config2")

	z.mu.Lock()
	z.config2 = v
	z.hasConfig2 = true
	if !modeCool {
		z.applyMode(IZ2Mode(v))
	}
	if !heatCool && z.hasConfig1 {
		z.state.Low = float64(IZ2HeatingSetpoint(z.config1, v))
	}
	open := IZ2DamperOpen(v)
	z.state.DamperOpen = &open
	z.mu.Unlock()
	z.publishIfChanged()
}

// Detach stops the zone from publishing. Its listeners stay on the bus
// but their values are ignored.
func (z *Zone) Detach() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.detached = true
}

func (z *Zone) publishIfChanged() {
	z.mu.Lock()
	if z.detached || (z.published && z.state.equal(z.last)) {
		z.mu.Unlock()
		return
	}
	st := z.state
	if st.DamperOpen != nil {
		open := *st.DamperOpen
		st.DamperOpen = &open
	}
	z.last = st
	z.published = true
	z.mu.Unlock()

	z.sink.Publish(domain.EntityState{ID: z.id, Kind: domain.KindClimate, Value: st, Available: true})
}

func (z *Zone) writeRegister(offset uint16, thermostatReg uint16) uint16 {
	if z.IsIZ2() {
		return registers.IZ2WriteBase(z.number) + offset
	}
	return thermostatReg
}

func (z *Zone) write(ctx context.Context, addr, value uint16) error {
	if z.bus == nil {
		return fmt.Errorf("zone %d is not attached", z.number)
	}
	return z.bus.Write(ctx, addr, value)
}

// SetMode writes a new mode and clears any preset.
func (z *Zone) SetMode(ctx context.Context, m Mode) error {
	if err := z.write(ctx, z.writeRegister(0, registers.RegWriteMode), modeToRaw(m)); err != nil {
		return fmt.Errorf("failed to set zone %d mode: %w", z.number, err)
	}
	z.mu.Lock()
	z.state.Mode = m
	z.state.Preset = ""
	z.mu.Unlock()
	z.publishIfChanged()
	return nil
}

// SetPreset selects a preset. Only E-Heat exists; it puts the zone in heat.
func (z *Zone) SetPreset(ctx context.Context, preset string) error {
	if preset != PresetEHeat || !z.showsPreset() {
		return fmt.Errorf("zone %d does not support preset %q", z.number, preset)
	}
	if err := z.write(ctx, z.writeRegister(0, registers.RegWriteMode), registers.ModeEHeat); err != nil {
		return fmt.Errorf("failed to set zone %d preset: %w", z.number, err)
	}
	z.mu.Lock()
	z.state.Mode = ModeHeat
	z.state.Preset = PresetEHeat
	z.mu.Unlock()
	z.publishIfChanged()
	return nil
}

// SetFan writes a new fan mode.
func (z *Zone) SetFan(ctx context.Context, f FanMode) error {
	if err := z.write(ctx, z.writeRegister(3, registers.RegWriteFanMode), fanToRaw(f)); err != nil {
		return fmt.Errorf("failed to set zone %d fan: %w", z.number, err)
	}
	z.mu.Lock()
	z.state.Fan = f
	z.mu.Unlock()
	z.publishIfChanged()
	return nil
}

// SetFanCycle writes the intermittent fan on and off times in minutes.
func (z *Zone) SetFanCycle(ctx context.Context, onMinutes, offMinutes uint16) error {
	if err := z.write(ctx, z.writeRegister(4, registers.RegWriteFanOnTime), onMinutes); err != nil {
		return fmt.Errorf("failed to set zone %d fan on time: %w", z.number, err)
	}
	if err := z.write(ctx, z.writeRegister(5, registers.RegWriteFanOffTime), offMinutes); err != nil {
		return fmt.Errorf("failed to set zone %d fan off time: %w", z.number, err)
	}
	return nil
}

func checkSetpoint(f float64) (float64, error) {
	r := math.Round(f)
	if math.IsNaN(f) || r < MinSetpoint || r > MaxSetpoint {
		return 0, fmt.Errorf("%w: %.1f°F", ErrSetpointRange, f)
	}
	return r, nil
}

func (z *Zone) setHeating(ctx context.Context, f float64) error {
	r, err := checkSetpoint(f)
	if err != nil {
		return err
	}
	if err := z.write(ctx, z.writeRegister(1, registers.RegWriteHeatingSP), SetpointRaw(r)); err != nil {
		return fmt.Errorf("failed to set zone %d heating setpoint: %w", z.number, err)
	}
	z.mu.Lock()
	z.state.Low = r
	z.mu.Unlock()
	return nil
}

func (z *Zone) setCooling(ctx context.Context, f float64) error {
	r, err := checkSetpoint(f)
	if err != nil {
		return err
	}
	if err := z.write(ctx, z.writeRegister(2, registers.RegWriteCoolingSP), SetpointRaw(r)); err != nil {
		return fmt.Errorf("failed to set zone %d cooling setpoint: %w", z.number, err)
	}
	z.mu.Lock()
	z.state.High = r
	z.mu.Unlock()
	return nil
}

// SetTargetRange writes the heating (low) and cooling (high) setpoints.
// NaN leaves a bound unchanged.
func (z *Zone) SetTargetRange(ctx context.Context, low, high float64) error {
	defer z.publishIfChanged()
	if !math.IsNaN(low) {
		if err := z.setHeating(ctx, low); err != nil {
			return err
		}
	}
	if !math.IsNaN(high) {
		if err := z.setCooling(ctx, high); err != nil {
			return err
		}
	}
	return nil
}

// SetTargetTemperature writes the heating setpoint in heat mode or the
// cooling setpoint in cool mode.
func (z *Zone) SetTargetTemperature(ctx context.Context, f float64) error {
	var err error
	switch z.State().Mode {
	case ModeHeat:
		err = z.setHeating(ctx, f)
	case ModeCool:
		err = z.setCooling(ctx, f)
	default:
		return ErrNoSingleTarget
	}
	if err != nil {
		return err
	}
	z.publishIfChanged()
	return nil
}
