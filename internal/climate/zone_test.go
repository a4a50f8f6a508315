package climate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-waterfurnace/internal/bus"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type writes struct {
	calls [][2]uint16
	err   error
}

func (w *writes) WriteRegister(_ context.Context, addr, value uint16) error {
	w.calls = append(w.calls, [2]uint16{addr, value})
	return w.err
}

type states struct {
	mu  sync.Mutex
	all []State
}

func (s *states) Publish(st domain.EntityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, st.Value.(State))
}

func (s *states) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

type fixture struct {
	bus    *bus.Bus
	clock  *clock
	writes *writes
	states *states
	zone   *Zone
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &clock{t: time.Unix(1000, 0)},
		writes: &writes{},
		states: &states{},
	}
	f.bus = bus.New(bus.WithClock(f.clock.Now))
	f.bus.SetWriter(f.writes)
	f.bus.SetCapabilities(registers.Flags{AWLThermostat: true, AWLIZ2: true})
	z, err := NewZone(n, f.states)
	require.NoError(t, err)
	z.Attach(f.bus)
	f.zone = z
	return f
}

func TestIZ2Extraction(t *testing.T) {
	t.Run("mode keeps three bits", func(t *testing.T) {
		for mode := uint16(0); mode <= 4; mode++ {
			assert.Equal(t, mode, IZ2Mode(mode<<8), "mode %d", mode)
		}
		// a two-bit mask would read E-Heat as off
		assert.NotEqual(t, (uint16(registers.ModeEHeat<<8)>>8)&0x03, IZ2Mode(registers.ModeEHeat<<8))
	})

	t.Run("cooling setpoint", func(t *testing.T) {
		assert.Equal(t, uint16(36), IZ2CoolingSetpoint(0))
		assert.Equal(t, uint16(75), IZ2CoolingSetpoint(39<<1))
		assert.Equal(t, uint16(99), IZ2CoolingSetpoint(0x7E))
	})

	t.Run("heating setpoint uses carry bit", func(t *testing.T) {
		assert.Equal(t, uint16(36), IZ2HeatingSetpoint(0, 0))
		assert.Equal(t, uint16(68), IZ2HeatingSetpoint(1, 0))
		assert.Equal(t, uint16(70), IZ2HeatingSetpoint(1, 2<<11))
		assert.Equal(t, uint16(67), IZ2HeatingSetpoint(0, 31<<11))
	})

	t.Run("fan", func(t *testing.T) {
		assert.Equal(t, uint16(registers.FanAuto), IZ2Fan(0))
		assert.Equal(t, uint16(registers.FanContinuous), IZ2Fan(0x80))
		assert.Equal(t, uint16(registers.FanIntermittent), IZ2Fan(0x100))
		assert.Equal(t, uint16(registers.FanContinuous), IZ2Fan(0x180))
	})

	t.Run("damper", func(t *testing.T) {
		assert.True(t, IZ2DamperOpen(0x10))
		assert.False(t, IZ2DamperOpen(0x0F))
	})
}

func TestSetpointRaw(t *testing.T) {
	assert.Equal(t, uint16(680), SetpointRaw(68))
	assert.Equal(t, uint16(690), SetpointRaw(68.6))
	assert.Equal(t, uint16(680), SetpointRaw(68.4))
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"off", ModeOff, false},
		{"HEAT", ModeHeat, false},
		{"auto", ModeHeatCool, false},
		{"heat_cool", ModeHeatCool, false},
		{"dry", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	fan, err := ParseFanMode("Intermittent")
	require.NoError(t, err)
	assert.Equal(t, FanIntermittent, fan)
	_, err = ParseFanMode("turbo")
	assert.Error(t, err)
}

func TestThermostatZoneReads(t *testing.T) {
	f := newFixture(t, 0)

	f.bus.Dispatch(registers.RegTstatAmbient, 715)
	f.bus.Dispatch(registers.RegHeatingSetpoint, 680)
	f.bus.Dispatch(registers.RegCoolingSetpoint, 750)
	f.bus.Dispatch(registers.RegModeConfig, registers.ModeCool<<8)
	f.bus.Dispatch(registers.RegFanConfig, 0x80)

	st := f.zone.State()
	assert.InDelta(t, 71.5, st.Current, 1e-9)
	assert.InDelta(t, 68.0, st.Low, 1e-9)
	assert.InDelta(t, 75.0, st.High, 1e-9)
	assert.Equal(t, ModeCool, st.Mode)
	assert.Equal(t, FanOn, st.Fan)
	assert.Nil(t, st.DamperOpen)
	assert.Equal(t, 5, f.states.count())

	target, ok := st.Target()
	require.True(t, ok)
	assert.Equal(t, 75.0, target)
}

func TestThermostatZoneEHeat(t *testing.T) {
	f := newFixture(t, 0)

	f.bus.Dispatch(registers.RegModeConfig, registers.ModeEHeat<<8)
	st := f.zone.State()
	assert.Equal(t, ModeHeat, st.Mode)
	assert.Equal(t, PresetEHeat, st.Preset)

	f.bus.Dispatch(registers.RegModeConfig, registers.ModeHeat<<8)
	assert.Equal(t, "", f.zone.State().Preset)
}

func TestThermostatZoneIgnoresUnknownMode(t *testing.T) {
	f := newFixture(t, 0)
	f.bus.Dispatch(registers.RegModeConfig, registers.ModeCool<<8)
	f.bus.Dispatch(registers.RegModeConfig, 7<<8)
	assert.Equal(t, ModeCool, f.zone.State().Mode)
}

func TestIZ2ZoneReads(t *testing.T) {
	f := newFixture(t, 2)
	base := registers.IZ2ZoneBase(2)
	require.Equal(t, uint16(31010), base)

	config1 := uint16(0x80 | 39<<1 | 1) // fan on, cool 75, carry
	config2 := uint16(2<<11 | registers.ModeHeat<<8 | 0x10)

	f.bus.Dispatch(base, 702)
	f.bus.Dispatch(base+1, config1)

	st := f.zone.State()
	assert.True(t, math.IsNaN(st.Low), "heating setpoint needs both words")
	assert.Equal(t, 75.0, st.High)
	assert.Equal(t, FanOn, st.Fan)

	f.bus.Dispatch(base+2, config2)
	st = f.zone.State()
	assert.Equal(t, 70.0, st.Low)
	assert.Equal(t, ModeHeat, st.Mode)
	require.NotNil(t, st.DamperOpen)
	assert.True(t, *st.DamperOpen)
	assert.InDelta(t, 70.2, st.Current, 1e-9)
}

func TestIZ2HeatingSetpointWithConfig2First(t *testing.T) {
	f := newFixture(t, 1)
	base := registers.IZ2ZoneBase(1)

	f.bus.Dispatch(base+2, 0)
	assert.True(t, math.IsNaN(f.zone.State().Low))

	// a zero config2 is still a seen word
	f.bus.Dispatch(base+1, 1)
	assert.Equal(t, 68.0, f.zone.State().Low)
}

func TestIZ2EHeatPreset(t *testing.T) {
	for _, n := range []int{1, 3} {
		f := newFixture(t, n)
		f.bus.Dispatch(registers.IZ2ZoneBase(n)+2, registers.ModeEHeat<<8)
		st := f.zone.State()
		assert.Equal(t, ModeHeat, st.Mode)
		if n == 1 {
			assert.Equal(t, PresetEHeat, st.Preset)
			assert.Equal(t, []string{PresetEHeat}, f.zone.Traits().Presets)
		} else {
			assert.Empty(t, st.Preset)
			assert.Empty(t, f.zone.Traits().Presets)
		}
	}
}

func TestZoneCapabilityGating(t *testing.T) {
	f := newFixture(t, 0)
	f.bus.SetCapabilities(registers.Flags{})
	f.bus.Dispatch(registers.RegTstatAmbient, 700)
	assert.Equal(t, 0, f.states.count())
}

func TestZoneCompositeDedup(t *testing.T) {
	f := newFixture(t, 0)

	f.bus.Dispatch(registers.RegModeConfig, 0)
	assert.Equal(t, 1, f.states.count(), "first update always publishes")

	f.bus.Dispatch(registers.RegModeConfig, 0)
	f.bus.Dispatch(registers.RegFanConfig, 0)
	assert.Equal(t, 1, f.states.count())

	f.bus.Dispatch(registers.RegTstatAmbient, 700)
	f.bus.Dispatch(registers.RegTstatAmbient, 700)
	assert.Equal(t, 2, f.states.count())
}

func TestZoneWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("thermostat registers", func(t *testing.T) {
		f := newFixture(t, 0)
		require.NoError(t, f.zone.SetMode(ctx, ModeCool))
		require.NoError(t, f.zone.SetFan(ctx, FanIntermittent))
		require.NoError(t, f.zone.SetTargetRange(ctx, 67.6, 74.2))
		require.NoError(t, f.zone.SetPreset(ctx, PresetEHeat))
		require.NoError(t, f.zone.SetFanCycle(ctx, 5, 25))

		assert.Equal(t, [][2]uint16{
			{12606, registers.ModeCool},
			{12621, registers.FanIntermittent},
			{12619, 680},
			{12620, 740},
			{12606, registers.ModeEHeat},
			{12622, 5},
			{12623, 25},
		}, f.writes.calls)

		st := f.zone.State()
		assert.Equal(t, ModeHeat, st.Mode)
		assert.Equal(t, PresetEHeat, st.Preset)
		assert.Equal(t, FanIntermittent, st.Fan)
		assert.Equal(t, 68.0, st.Low)
		assert.Equal(t, 74.0, st.High)
	})

	t.Run("iz2 registers", func(t *testing.T) {
		f := newFixture(t, 3)
		require.NoError(t, f.zone.SetMode(ctx, ModeHeat))
		require.NoError(t, f.zone.SetTargetTemperature(ctx, 70))
		require.NoError(t, f.zone.SetFan(ctx, FanOn))

		base := uint16(21202 + 2*9)
		assert.Equal(t, [][2]uint16{
			{base, registers.ModeHeat},
			{base + 1, 700},
			{base + 3, registers.FanContinuous},
		}, f.writes.calls)
	})

	t.Run("single target follows mode", func(t *testing.T) {
		f := newFixture(t, 0)
		assert.ErrorIs(t, f.zone.SetTargetTemperature(ctx, 70), ErrNoSingleTarget)

		require.NoError(t, f.zone.SetMode(ctx, ModeCool))
		require.NoError(t, f.zone.SetTargetTemperature(ctx, 76))
		assert.Equal(t, [2]uint16{12620, 760}, f.writes.calls[len(f.writes.calls)-1])
		assert.Equal(t, 76.0, f.zone.State().High)
	})

	t.Run("setting mode clears preset", func(t *testing.T) {
		f := newFixture(t, 0)
		require.NoError(t, f.zone.SetPreset(ctx, PresetEHeat))
		require.NoError(t, f.zone.SetMode(ctx, ModeHeat))
		assert.Empty(t, f.zone.State().Preset)
	})

	t.Run("setpoint range", func(t *testing.T) {
		f := newFixture(t, 0)
		assert.ErrorIs(t, f.zone.SetTargetRange(ctx, 40, math.NaN()), ErrSetpointRange)
		assert.ErrorIs(t, f.zone.SetTargetRange(ctx, math.NaN(), 93), ErrSetpointRange)
		assert.Empty(t, f.writes.calls)
	})

	t.Run("preset not offered on higher zones", func(t *testing.T) {
		f := newFixture(t, 4)
		assert.Error(t, f.zone.SetPreset(ctx, PresetEHeat))
		assert.Error(t, f.zone.SetPreset(ctx, "Away"))
	})

	t.Run("failed write leaves state", func(t *testing.T) {
		f := newFixture(t, 0)
		f.writes.err = errors.New("bus timeout")
		assert.Error(t, f.zone.SetMode(ctx, ModeCool))
		assert.Equal(t, ModeOff, f.zone.State().Mode)
		assert.Equal(t, 0, f.states.count())
	})
}

func TestZoneCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	require.NoError(t, f.zone.SetMode(ctx, ModeCool))
	require.NoError(t, f.zone.SetTargetRange(ctx, 68, math.NaN()))

	// stale read-backs are ignored
	f.bus.Dispatch(registers.RegModeConfig, registers.ModeHeat<<8)
	f.bus.Dispatch(registers.RegHeatingSetpoint, 650)
	st := f.zone.State()
	assert.Equal(t, ModeCool, st.Mode)
	assert.Equal(t, 68.0, st.Low)

	// other categories are not affected
	f.bus.Dispatch(registers.RegCoolingSetpoint, 780)
	f.bus.Dispatch(registers.RegFanConfig, 0x80)
	st = f.zone.State()
	assert.Equal(t, 78.0, st.High)
	assert.Equal(t, FanOn, st.Fan)

	f.clock.Advance(9999 * time.Millisecond)
	f.bus.Dispatch(registers.RegModeConfig, registers.ModeHeat<<8)
	assert.Equal(t, ModeCool, f.zone.State().Mode)

	f.clock.Advance(time.Millisecond)
	f.bus.Dispatch(registers.RegModeConfig, registers.ModeHeat<<8)
	assert.Equal(t, ModeHeat, f.zone.State().Mode)
}

func TestIZ2CooldownIsPerZone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	other, err := NewZone(3, f.states)
	require.NoError(t, err)
	other.Attach(f.bus)

	require.NoError(t, f.zone.SetMode(ctx, ModeCool))

	f.bus.Dispatch(registers.IZ2ZoneBase(2)+2, registers.ModeHeat<<8)
	f.bus.Dispatch(registers.IZ2ZoneBase(3)+2, registers.ModeHeat<<8)

	assert.Equal(t, ModeCool, f.zone.State().Mode)
	assert.Equal(t, ModeHeat, other.State().Mode)
}

func TestNewZoneRange(t *testing.T) {
	_, err := NewZone(-1, &states{})
	assert.Error(t, err)
	_, err = NewZone(7, &states{})
	assert.Error(t, err)

	z, err := NewZone(0, &states{})
	require.NoError(t, err)
	assert.Equal(t, "zone_0", z.Info().ID)
	assert.Equal(t, domain.KindClimate, z.Info().Kind)
	assert.Equal(t, 45.0, z.Traits().MinTemperature)
	assert.Equal(t, 92.0, z.Traits().MaxTemperature)
}

func TestStateJSON(t *testing.T) {
	z, err := NewZone(0, &states{})
	require.NoError(t, err)
	data, err := json.Marshal(z.State())
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Nil(t, got["current_temperature"])
	assert.Equal(t, "off", got["mode"])
	assert.NotContains(t, got, "target_temperature")
}
