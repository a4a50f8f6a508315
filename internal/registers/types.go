package registers

import (
	"fmt"
	"math"
	"strings"
)

// Type describes how a raw register word is interpreted.
type Type uint8

// Register types.
const (
	Unsigned Type = iota
	Signed
	Tenths
	SignedTenths
	Hundredths
	Boolean
	Uint32 // high word at the address, low word at address+1
	Int32
)

var typeNames = map[Type]string{
	Unsigned:     "unsigned",
	Signed:       "signed",
	Tenths:       "tenths",
	SignedTenths: "signed_tenths",
	Hundredths:   "hundredths",
	Boolean:      "boolean",
	Uint32:       "uint32",
	Int32:        "int32",
}

// ChangeEpsilon is the smallest difference treated as a new value.
const ChangeEpsilon = 0.001

// sentinel magnitude the board reports for an absent sensor
const (
	sentinelValue     = 999.9
	sentinelTolerance = 0.1
)

// ParseType converts a type name. Unknown names decode as Unsigned.
func ParseType(name string) Type {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name {
			return t
		}
	}
	return Unsigned
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Is32Bit reports whether the type spans two registers.
func (t Type) Is32Bit() bool {
	return t == Uint32 || t == Int32
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	*t = ParseType(string(text))
	return nil
}

// Decode converts a raw word to a value. Tenths and signed tenths map the
// board's ±999.9 "sensor absent" marker to NaN.
func Decode(t Type, raw uint16) float64 {
	var v float64
	switch t {
	case Signed:
		v = float64(int16(raw))
	case Tenths:
		v = float64(raw) / 10
	case SignedTenths:
		v = float64(int16(raw)) / 10
	case Hundredths:
		v = float64(raw) / 100
	case Boolean:
		if raw != 0 {
			v = 1
		}
	default:
		v = float64(raw)
	}

	if (t == Tenths || t == SignedTenths) && IsSentinel(v) {
		return math.NaN()
	}
	return v
}

// Decode32 combines a high and low word.
func Decode32(t Type, hi, lo uint16) float64 {
	u := uint32(hi)<<16 | uint32(lo)
	if t == Int32 {
		return float64(int32(u))
	}
	return float64(u)
}

// IsSentinel reports whether v is the board's "sensor absent" marker.
func IsSentinel(v float64) bool {
	return math.Abs(v-sentinelValue) < sentinelTolerance ||
		math.Abs(v+sentinelValue) < sentinelTolerance
}

// Changed reports whether next should be published after prev. Two NaNs
// are equal; NaN differs from every number.
func Changed(prev, next float64) bool {
	prevNaN, nextNaN := math.IsNaN(prev), math.IsNaN(next)
	if prevNaN || nextNaN {
		return prevNaN != nextNaN
	}
	return math.Abs(prev-next) >= ChangeEpsilon
}
