package sensor

import "github.com/resident-x/go-waterfurnace/internal/registers"

// System mode labels.
const (
	ModeLockout        = "Lockout"
	ModeDehumidify     = "Dehumidify"
	ModeCooling        = "Cooling"
	ModeHeatingWithAux = "Heating with Aux"
	ModeHeating        = "Heating"
	ModeEmergencyHeat  = "Emergency Heat"
	ModeFanOnly        = "Fan Only"
	ModeWaiting        = "Waiting"
	ModeStandby        = "Standby"
)

// ClassifySystemMode derives the operating state from the system outputs
// register, the active dehumidify flag and the anti-short-cycle delay.
// The first matching rule wins.
func ClassifySystemMode(outputs, dehumidify, delay uint16) string {
	compressor := outputs&(registers.OutputCC|registers.OutputCC2) != 0
	aux := outputs&(registers.OutputEH1|registers.OutputEH2) != 0

	switch {
	case outputs&registers.OutputLockout != 0:
		return ModeLockout
	case dehumidify != 0:
		return ModeDehumidify
	case compressor && outputs&registers.OutputRV != 0:
		return ModeCooling
	case compressor && aux:
		return ModeHeatingWithAux
	case compressor:
		return ModeHeating
	case aux:
		return ModeEmergencyHeat
	case outputs&registers.OutputBlower != 0:
		return ModeFanOnly
	case delay != 0:
		return ModeWaiting
	default:
		return ModeStandby
	}
}
