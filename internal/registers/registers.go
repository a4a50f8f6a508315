// Package registers provides the ABC control board register map, register
// value decoding and hardware capability gating.
package registers

import "github.com/resident-x/go-waterfurnace/internal/protocol"

// Component detection registers. Each status register is followed by a
// version register holding version*100.
const (
	RegThermostatStatus = 800
	RegAXBStatus        = 806
	RegIZ2Status        = 812
	RegAOCStatus        = 815
	RegMOCStatus        = 818
	RegEEV2Status       = 824
	RegAWLStatus        = 827
)

// Component status values.
const (
	ComponentActive  = 1
	ComponentAdded   = 2
	ComponentRemoved = 3
	ComponentMissing = 0xFFFF
)

// System identification registers.
const (
	RegABCVersion   = 2   // hundredths
	RegABCProgram   = 88  // 4 registers, 8 chars
	RegModelNumber  = 92  // 12 registers, 24 chars
	RegSerialNumber = 105 // 5 registers, 10 chars
	RegIZ2ZoneCount = 483

	RegBlowerType    = 404
	RegEnergyMonitor = 412 // 0 none, 1 compressor monitor, 2 energy monitor
	RegPumpType      = 413

	ABCProgramLen   = 4
	ModelNumberLen  = 12
	SerialNumberLen = 5
)

// Energy monitor levels reported by RegEnergyMonitor.
const (
	EnergyMonitorNone       = 0
	EnergyMonitorCompressor = 1
	EnergyMonitorFull       = 2
)

// Status registers.
const (
	RegCompressorDelay   = 6
	RegLineVoltage       = 16
	RegFP1Temp           = 19
	RegFP2Temp           = 20
	RegLastFault         = 25 // bit 15 lockout, bits 0-14 fault code
	RegLastLockout       = 26
	RegOutputsAtLockout  = 27
	RegInputsAtLockout   = 28
	RegSystemOutputs     = 30
	RegStatus            = 31
	RegECMSpeed          = 344
	RegActiveDehumidify  = 362
	RegDHWEnable         = 400
	RegDHWSetpoint       = 401
	RegTstatAmbient      = 502
	RegEnteringAirABC    = 567
	RegEnteringAir       = 740
	RegHumidity          = 741
	RegOutdoorTemp       = 742
	RegHeatingSetpoint   = 745
	RegCoolingSetpoint   = 746
	RegAmbientTemp       = 747
	RegLeavingAir        = 900
	RegFanConfig         = 12005
	RegModeConfig        = 12006
	RegWriteMode         = 12606
	RegWriteHeatingSP    = 12619
	RegWriteCoolingSP    = 12620
	RegWriteFanMode      = 12621
	RegWriteFanOnTime    = 12622
	RegWriteFanOffTime   = 12623
	RegAXBInputs         = 1103
	RegAXBOutputs        = 1104
	RegIZ2OutdoorTemp    = 31003
	RegIZ2Demand         = 31005
	RegIZ2ZoneBase       = 31007 // + (zone-1)*3: ambient, config1, config2
	RegIZ2WriteBase      = 21202 // + (zone-1)*9: mode, heat, cool, fan, fan on, fan off
	IZ2ReadStride        = 3
	IZ2WriteStride       = 9
	MaxIZ2Zones          = 6
	RegVSSpeedActual     = 3001
	RegVSDriveTemp       = 3327
	RegVSDischargePress  = 3322
	RegVSCompWattsHi     = 3422
	RegCompressorWattsHi = 1146
	RegTotalWattsHi      = 1152
)

// System output bits (register 30 and 27).
const (
	OutputCC        = 0x01
	OutputCC2       = 0x02
	OutputRV        = 0x04
	OutputBlower    = 0x08
	OutputEH1       = 0x10
	OutputEH2       = 0x20
	OutputAccessory = 0x200
	OutputLockout   = 0x400
	OutputAlarm     = 0x800
)

// System input bits (register 31 and 28).
const (
	InputY1                = 0x01
	InputY2                = 0x02
	InputW                 = 0x04
	InputO                 = 0x08
	InputG                 = 0x10
	InputDHRH              = 0x20
	InputEmergencyShutdown = 0x40
	InputLPS               = 0x80
	InputHPS               = 0x100
	InputLoadShed          = 0x200
)

// AXB output bits (register 1104).
const (
	AXBOutputDHW            = 0x01
	AXBOutputLoopPump       = 0x02
	AXBOutputDivertingValve = 0x04
	AXBOutputDehumidifier   = 0x08
	AXBOutputAccessory2     = 0x10
)

// Heating mode values.
const (
	ModeOff   = 0
	ModeAuto  = 1
	ModeCool  = 2
	ModeHeat  = 3
	ModeEHeat = 4
)

// Fan mode values.
const (
	FanAuto         = 0
	FanContinuous   = 1
	FanIntermittent = 2
)

// The ABC needs separate queries across these address boundaries.
const (
	Breakpoint1 = 12100
	Breakpoint2 = 12500
	// HighZoneBase starts the IZ2 block, which is range-merged on its own.
	HighZoneBase = 31000
)

// VSDrivePrograms are ABC program names that imply a variable speed drive.
var VSDrivePrograms = []string{"ABCVSP", "ABCVSPR", "ABCSPLVS"}

// SystemIDRanges returns the ranges read once to identify the unit.
func SystemIDRanges() []protocol.Range {
	return []protocol.Range{
		{Start: RegABCVersion, Count: 1},
		{Start: RegABCProgram, Count: ABCProgramLen},
		{Start: RegModelNumber, Count: ModelNumberLen},
		{Start: RegSerialNumber, Count: SerialNumberLen},
		{Start: RegDHWEnable, Count: 2},
		{Start: RegBlowerType, Count: 1},
		{Start: RegEnergyMonitor, Count: 2},
	}
}

// ComponentDetectRanges returns the ranges read once to detect fitted components.
func ComponentDetectRanges() []protocol.Range {
	return []protocol.Range{
		{Start: RegThermostatStatus, Count: 3},
		{Start: RegAXBStatus, Count: 3},
		{Start: RegIZ2Status, Count: 3},
		{Start: RegAOCStatus, Count: 3},
		{Start: RegMOCStatus, Count: 3},
		{Start: RegEEV2Status, Count: 3},
		{Start: RegAWLStatus, Count: 3},
		{Start: RegIZ2ZoneCount, Count: 1},
	}
}

// ComponentPresent reports whether a detection status value means fitted.
func ComponentPresent(status uint16) bool {
	return status == ComponentActive || status == ComponentAdded
}

// DecodeString decodes registers holding two ASCII characters each, high
// byte first. Trailing spaces and NULs are trimmed.
func DecodeString(words []uint16) string {
	buf := make([]byte, 0, 2*len(words))
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}
	end := len(buf)
	for end > 0 && (buf[end-1] == ' ' || buf[end-1] == 0) {
		end--
	}
	out := buf[:0]
	for _, b := range buf[:end] {
		if b >= 32 && b <= 126 {
			out = append(out, b)
		}
	}
	return string(out)
}

// IZ2ZoneBase returns the first read register of an IZ2 zone (1-based).
func IZ2ZoneBase(zone int) uint16 {
	return uint16(RegIZ2ZoneBase + (zone-1)*IZ2ReadStride)
}

// IZ2WriteBase returns the first write register of an IZ2 zone (1-based).
func IZ2WriteBase(zone int) uint16 {
	return uint16(RegIZ2WriteBase + (zone-1)*IZ2WriteStride)
}
