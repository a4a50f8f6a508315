package hub

import (
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// Minimum component firmware versions for AWL communication.
const (
	minAWLThermostatVersion = 3.0
	minAWLAXBVersion        = 2.0
	minAWLIZ2Version        = 2.0
)

// Component names used in DeviceIdentity.Components.
const (
	ComponentThermostat = "thermostat"
	ComponentAXB        = "axb"
	ComponentIZ2        = "iz2"
	ComponentAOC        = "aoc"
	ComponentMOC        = "moc"
	ComponentEEV2       = "eev2"
	ComponentAWL        = "awl"
)

var componentStatus = []struct {
	name string
	addr uint16
}{
	{ComponentThermostat, registers.RegThermostatStatus},
	{ComponentAXB, registers.RegAXBStatus},
	{ComponentIZ2, registers.RegIZ2Status},
	{ComponentAOC, registers.RegAOCStatus},
	{ComponentMOC, registers.RegMOCStatus},
	{ComponentEEV2, registers.RegEEV2Status},
	{ComponentAWL, registers.RegAWLStatus},
}

func words(regs map[uint16]uint16, start uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = regs[start+uint16(i)]
	}
	return out
}

// Detect builds the device identity and capability flags from the
// identity and component-detection registers.
func Detect(regs map[uint16]uint16) domain.DeviceIdentity {
	id := domain.DeviceIdentity{
		Model:         registers.DecodeString(words(regs, registers.RegModelNumber, registers.ModelNumberLen)),
		Serial:        registers.DecodeString(words(regs, registers.RegSerialNumber, registers.SerialNumberLen)),
		ABCProgram:    registers.DecodeString(words(regs, registers.RegABCProgram, registers.ABCProgramLen)),
		ABCVersion:    float64(regs[registers.RegABCVersion]) / 100,
		BlowerType:    regs[registers.RegBlowerType],
		PumpType:      regs[registers.RegPumpType],
		EnergyMonitor: regs[registers.RegEnergyMonitor],
	}

	for _, cs := range componentStatus {
		status := regs[cs.addr]
		c := domain.Component{Name: cs.name, Status: status, Present: registers.ComponentPresent(status)}
		if c.Present {
			c.Version = float64(regs[cs.addr+1]) / 100
		}
		id.Components = append(id.Components, c)
	}

	tstat, _ := id.Component(ComponentThermostat)
	axb, _ := id.Component(ComponentAXB)
	iz2, _ := id.Component(ComponentIZ2)
	moc, _ := id.Component(ComponentMOC)

	var f registers.Flags
	f.AWLThermostat = tstat.Present && tstat.Version >= minAWLThermostatVersion
	f.AWLAXB = axb.Present && axb.Version >= minAWLAXBVersion
	f.HasAXB = axb.Present
	f.HasRefrigerationMonitoring = axb.Present && id.EnergyMonitor >= 1
	f.HasEnergyMonitoring = axb.Present && id.EnergyMonitor == 2
	f.HasVSDrive = moc.Present || isVSProgram(id.ABCProgram)

	if iz2.Present && iz2.Version >= minAWLIZ2Version {
		if zones := int(regs[registers.RegIZ2ZoneCount]); zones > 0 {
			f.AWLIZ2 = true
			id.IZ2Zones = min(zones, registers.MaxIZ2Zones)
		}
	}

	id.Capabilities = f
	return id
}

func isVSProgram(program string) bool {
	for _, p := range registers.VSDrivePrograms {
		if program == p {
			return true
		}
	}
	return false
}
