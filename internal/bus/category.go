package bus

import "github.com/resident-x/go-waterfurnace/internal/registers"

// Category groups write registers whose read-backs are suppressed together.
type Category uint8

// Write cooldown categories.
const (
	CategoryMode Category = iota
	CategoryHeatingSetpoint
	CategoryCoolingSetpoint
	CategoryFan
)

func (c Category) String() string {
	switch c {
	case CategoryMode:
		return "mode"
	case CategoryHeatingSetpoint:
		return "heating_setpoint"
	case CategoryCoolingSetpoint:
		return "cooling_setpoint"
	case CategoryFan:
		return "fan"
	default:
		return "unknown"
	}
}

// ClassifyWrite maps a write register to its cooldown category and zone.
// Zone 0 is the non-zoned thermostat; IZ2 zones are 1-based.
func ClassifyWrite(addr uint16) (Category, int, bool) {
	switch addr {
	case registers.RegWriteMode:
		return CategoryMode, 0, true
	case registers.RegWriteHeatingSP:
		return CategoryHeatingSetpoint, 0, true
	case registers.RegWriteCoolingSP:
		return CategoryCoolingSetpoint, 0, true
	case registers.RegWriteFanMode:
		return CategoryFan, 0, true
	}

	base := int(registers.RegIZ2WriteBase)
	end := base + registers.MaxIZ2Zones*registers.IZ2WriteStride
	a := int(addr)
	if a < base || a >= end {
		return 0, 0, false
	}
	zone := (a-base)/registers.IZ2WriteStride + 1
	switch (a - base) % registers.IZ2WriteStride {
	case 0:
		return CategoryMode, zone, true
	case 1:
		return CategoryHeatingSetpoint, zone, true
	case 2:
		return CategoryCoolingSetpoint, zone, true
	case 3:
		return CategoryFan, zone, true
	}
	return 0, 0, false
}
