package registers

import "strings"

// Capability is the hardware feature a register needs before it is polled.
type Capability uint8

// Capabilities.
const (
	None Capability = iota
	AWLThermostat
	AWLAXB
	AWLCommunicating // thermostat or IZ2 on the AWL bus
	AXB
	Refrigeration
	Energy
	VSDrive
	IZ2
)

var capabilityNames = map[Capability]string{
	None:             "none",
	AWLThermostat:    "awl_thermostat",
	AWLAXB:           "awl_axb",
	AWLCommunicating: "awl_communicating",
	AXB:              "axb",
	Refrigeration:    "refrigeration",
	Energy:           "energy",
	VSDrive:          "vs_drive",
	IZ2:              "iz2",
}

// ParseCapability converts a capability name. Unknown names map to None.
func ParseCapability(name string) Capability {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range capabilityNames {
		if n == name {
			return c
		}
	}
	return None
}

func (c Capability) String() string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	*c = ParseCapability(string(text))
	return nil
}

// Flags is the set of features found during detection.
type Flags struct {
	AWLThermostat              bool `json:"awl_thermostat"`
	AWLAXB                     bool `json:"awl_axb"`
	AWLIZ2                     bool `json:"awl_iz2"`
	HasAXB                     bool `json:"has_axb"`
	HasVSDrive                 bool `json:"has_vs_drive"`
	HasEnergyMonitoring        bool `json:"has_energy_monitoring"`
	HasRefrigerationMonitoring bool `json:"has_refrigeration_monitoring"`
}

// HasCapability reports whether c is satisfied by f.
func HasCapability(c Capability, f Flags) bool {
	switch c {
	case None:
		return true
	case AWLThermostat:
		return f.AWLThermostat
	case AWLAXB:
		return f.AWLAXB
	case AWLCommunicating:
		return f.AWLThermostat || f.AWLIZ2
	case AXB:
		return f.HasAXB
	case Refrigeration:
		return f.HasRefrigerationMonitoring
	case Energy:
		return f.HasEnergyMonitoring
	case VSDrive:
		return f.HasVSDrive
	case IZ2:
		return f.AWLIZ2
	default:
		return false
	}
}
