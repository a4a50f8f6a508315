package simulator

import (
	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// tenths encodes a signed value in tenths.
func tenths(v float64) uint16 {
	if v < 0 {
		return uint16(int16(v*10 - 0.5))
	}
	return uint16(v*10 + 0.5)
}

// NewDefaultBoard returns a board that looks like a variable speed unit
// with an AWL thermostat, an AXB with energy monitoring and no IZ2.
func NewDefaultBoard() *Board {
	b := NewBoard()

	b.Set(registers.RegABCVersion, 310)
	b.SetString(registers.RegABCProgram, registers.ABCProgramLen, "ABCVSP")
	b.SetString(registers.RegModelNumber, registers.ModelNumberLen, "NVV036A111CTL01")
	b.SetString(registers.RegSerialNumber, registers.SerialNumberLen, "1234567890")
	b.Set(registers.RegDHWEnable, 1)
	b.Set(registers.RegDHWSetpoint, 1300)
	b.Set(registers.RegBlowerType, 2)
	b.Set(registers.RegEnergyMonitor, 2)
	b.Set(registers.RegPumpType, 3)

	b.Set(registers.RegThermostatStatus, registers.ComponentActive)
	b.Set(registers.RegThermostatStatus+1, 310)
	b.Set(registers.RegAXBStatus, registers.ComponentActive)
	b.Set(registers.RegAXBStatus+1, 203)
	b.Set(registers.RegIZ2Status, registers.ComponentMissing)
	b.Set(registers.RegAOCStatus, registers.ComponentMissing)
	b.Set(registers.RegMOCStatus, registers.ComponentActive)
	b.Set(registers.RegMOCStatus+1, 120)
	b.Set(registers.RegEEV2Status, registers.ComponentActive)
	b.Set(registers.RegEEV2Status+1, 110)
	b.Set(registers.RegAWLStatus, registers.ComponentActive)
	b.Set(registers.RegAWLStatus+1, 300)

	b.Set(registers.RegLineVoltage, 240)
	b.Set(registers.RegFP1Temp, tenths(38.2))
	b.Set(registers.RegFP2Temp, tenths(41.6))
	b.Set(registers.RegSystemOutputs, registers.OutputCC|registers.OutputBlower)
	b.Set(registers.RegECMSpeed, 5)
	b.Set(registers.RegTstatAmbient, tenths(70.8))
	b.Set(registers.RegEnteringAirABC, tenths(70.1))
	b.Set(registers.RegEnteringAir, tenths(70.1))
	b.Set(registers.RegHumidity, 43)
	b.Set(registers.RegOutdoorTemp, tenths(28.4))
	b.Set(registers.RegHeatingSetpoint, tenths(69))
	b.Set(registers.RegCoolingSetpoint, tenths(75))
	b.Set(registers.RegLeavingAir, tenths(95.3))
	b.Set(registers.RegFanConfig, 0)
	b.Set(registers.RegModeConfig, registers.ModeHeat<<8)

	b.Set(1105, tenths(2.1))
	b.Set(1107, tenths(9.8))
	b.Set(1109, tenths(97.0))
	b.Set(1110, tenths(36.9))
	b.Set(1111, tenths(41.2))
	b.Set(1112, tenths(95.1))
	b.Set(1113, tenths(33.4))
	b.Set(1114, tenths(124.5))
	b.Set(1115, tenths(288.6))
	b.Set(1116, tenths(98.2))
	b.Set(1117, tenths(7.5))
	b.Set(1119, tenths(21.0))
	b.Set(1124, tenths(30.1))
	b.Set(1125, tenths(6.2))
	b.Set(1134, tenths(101.3))

	b.SetUint32(registers.RegCompressorWattsHi, 1820)
	b.SetUint32(1148, 210)
	b.SetUint32(1150, 0)
	b.SetUint32(registers.RegTotalWattsHi, 2130)
	b.SetUint32(1154, 25400)
	b.SetUint32(1164, 100)

	b.Set(registers.RegVSSpeedActual, 6)
	b.Set(3027, 6)
	b.Set(registers.RegVSDischargePress, tenths(288.0))
	b.Set(3323, tenths(98.0))
	b.Set(3325, tenths(150.2))
	b.Set(registers.RegVSDriveTemp, tenths(104.5))
	b.Set(3330, tenths(41.0))
	b.Set(3331, 238)
	b.SetUint32(registers.RegVSCompWattsHi, 1790)
	b.Set(3522, tenths(96.0))
	b.Set(3523, 336)
	b.Set(3524, 40)
	b.Set(3808, 55)

	return b
}

// AddIZ2 fits an IZ2 zoning panel with n zones, each in heat mode at 68/76.
func (b *Board) AddIZ2(n int) {
	b.Set(registers.RegIZ2Status, registers.ComponentActive)
	b.Set(registers.RegIZ2Status+1, 210)
	b.Set(registers.RegIZ2ZoneCount, uint16(n))
	b.Set(registers.RegIZ2OutdoorTemp, tenths(28.4))
	b.Set(registers.RegIZ2Demand, 12)
	for z := 1; z <= n; z++ {
		base := registers.IZ2ZoneBase(z)
		b.Set(base, tenths(70.0+float64(z)/2))
		b.mu.Lock()
		b.applyWrite(protocol.RegisterWrite{Address: registers.IZ2WriteBase(z), Value: registers.ModeHeat})
		b.applyWrite(protocol.RegisterWrite{Address: registers.IZ2WriteBase(z) + 1, Value: tenths(68)})
		b.applyWrite(protocol.RegisterWrite{Address: registers.IZ2WriteBase(z) + 2, Value: tenths(76)})
		b.mu.Unlock()
	}
	b.mu.Lock()
	b.writes = nil
	b.mu.Unlock()
}
