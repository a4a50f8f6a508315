package registers

import (
	"fmt"
	"strings"
)

const (
	faultLockoutFlag = 0x8000
	faultCodeMask    = 0x7FFF
)

var faultTable = map[uint16]string{
	// ABC/AXB
	1:  "Input Error",
	2:  "High Pressure",
	3:  "Low Pressure",
	4:  "Freeze Detect FP2",
	5:  "Freeze Detect FP1",
	7:  "Condensate Overflow",
	8:  "Over/Under Voltage",
	9:  "AirF/RPM",
	10: "Compressor Monitor",
	11: "FP1/2 Sensor Error",
	12: "RefPerfrm Error",
	13: "Non-Critical AXB Sensor Error",
	14: "Critical AXB Sensor Error",
	15: "Hot Water Limit",
	16: "VS Pump Error",
	17: "Communicating Thermostat Error",
	18: "Non-Critical Communications Error",
	19: "Critical Communications Error",
	21: "Low Loop Pressure",
	22: "Communicating ECM Error",
	23: "HA Alarm 1",
	24: "HA Alarm 2",
	25: "AxbEev Error",
	// VS drive
	41: "High Drive Temp",
	42: "High Discharge Temp",
	43: "Low Suction Pressure",
	44: "Low Condensing Pressure",
	45: "High Condensing Pressure",
	46: "Output Power Limit",
	47: "EEV ID Comm Error",
	48: "EEV OD Comm Error",
	49: "Cabinet Temperature Sensor",
	51: "Discharge Temp Sensor",
	52: "Suction Pressure Sensor",
	53: "Condensing Pressure Sensor",
	54: "Low Supply Voltage",
	55: "Out of Envelope",
	56: "Drive Over Current",
	57: "Drive Over/Under Voltage",
	58: "High Drive Temp",
	59: "Internal Drive Error",
	61: "Multiple Safe Mode",
	// EEV2
	71: "Loss of Charge",
	72: "Suction Temperature Sensor",
	73: "Leaving Air Temperature Sensor",
	74: "Maximum Operating Pressure",
	99: "System Reset",
}

// FaultDescription returns the description of a fault code.
func FaultDescription(code uint16) string {
	if d, ok := faultTable[code]; ok {
		return d
	}
	return "Unknown Fault"
}

// FormatFault renders the last-fault register.
func FormatFault(raw uint16) string {
	code := raw & faultCodeMask
	if code == 0 {
		return "No Fault"
	}
	s := fmt.Sprintf("E%d %s", code, FaultDescription(code))
	if raw&faultLockoutFlag != 0 {
		s += " (LOCKOUT)"
	}
	return s
}

// BitLabel names one bit of a bitmask register.
type BitLabel struct {
	Mask  uint16
	Label string
}

// OutputBits labels the system output register.
var OutputBits = []BitLabel{
	{OutputCC, "CC"},
	{OutputCC2, "CC2"},
	{OutputRV, "RV"},
	{OutputBlower, "Blower"},
	{OutputEH1, "EH1"},
	{OutputEH2, "EH2"},
	{OutputAccessory, "Accessory"},
	{OutputLockout, "Lockout"},
	{OutputAlarm, "Alarm"},
}

// InputBits labels the system input register.
var InputBits = []BitLabel{
	{InputY1, "Y1"},
	{InputY2, "Y2"},
	{InputW, "W"},
	{InputO, "O"},
	{InputG, "G"},
	{InputDHRH, "DH/RH"},
	{InputEmergencyShutdown, "Emergency Shutdown"},
	{InputLPS, "LPS"},
	{InputHPS, "HPS"},
	{InputLoadShed, "Load Shed"},
}

// FormatBits joins the labels of every set bit, or "None".
func FormatBits(raw uint16, labels []BitLabel) string {
	var set []string
	for _, l := range labels {
		if raw&l.Mask != 0 {
			set = append(set, l.Label)
		}
	}
	if len(set) == 0 {
		return "None"
	}
	return strings.Join(set, ", ")
}
