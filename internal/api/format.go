// Package api provides format conversion utilities for register operations.
package api

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatType represents different data format types supported by the API.
type FormatType string

const (
	FormatDec  FormatType = "dec"
	FormatHex  FormatType = "hex"
	FormatText FormatType = "text"
)

// FormatConverter converts register values to and from the API formats.
// Text packs two ASCII characters per register, high byte first, the way
// the board stores its model and serial numbers.
type FormatConverter struct{}

// NewFormatConverter creates a new format converter instance.
func NewFormatConverter() *FormatConverter {
	return &FormatConverter{}
}

// ParseFormat validates a format name. An empty name selects decimal.
func (fc *FormatConverter) ParseFormat(format string) (FormatType, error) {
	switch f := FormatType(strings.ToLower(strings.TrimSpace(format))); f {
	case "":
		return FormatDec, nil
	case FormatDec, FormatHex, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("invalid format specified: %s (supported: dec, hex, text)", format)
	}
}

// ParseValue converts a single register value from the given format.
func (fc *FormatConverter) ParseValue(value string, format FormatType) (uint16, error) {
	switch format {
	case FormatDec:
		val, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
		if err != nil {
			return 0, fmt.Errorf("decimal value out of range (0-65535): %s", value)
		}
		return uint16(val), nil
	case FormatHex:
		h := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
		val, err := strconv.ParseUint(h, 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid hex value: %s", value)
		}
		return uint16(val), nil
	case FormatText:
		if len(value) == 0 || len(value) > 2 {
			return 0, fmt.Errorf("text value must be one or two characters: %q", value)
		}
		b := []byte(value)
		for _, c := range b {
			if c > 0x7f {
				return 0, fmt.Errorf("text value must be ASCII: %q", value)
			}
		}
		if len(b) == 1 {
			b = append(b, ' ')
		}
		return uint16(b[0])<<8 | uint16(b[1]), nil
	default:
		return 0, fmt.Errorf("unsupported input format: %s", format)
	}
}

// FormatValues renders register values in the requested format: numbers
// for dec, 0x-prefixed strings for hex and one trimmed string for text.
func (fc *FormatConverter) FormatValues(values []uint16, format FormatType) interface{} {
	switch format {
	case FormatHex:
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = fmt.Sprintf("0x%04x", v)
		}
		return out
	case FormatText:
		var sb strings.Builder
		for _, v := range values {
			for _, c := range []byte{byte(v >> 8), byte(v)} {
				if c >= 0x20 && c < 0x7f {
					sb.WriteByte(c)
				}
			}
		}
		return strings.TrimSpace(sb.String())
	default:
		out := make([]int, len(values))
		for i, v := range values {
			out[i] = int(v)
		}
		return out
	}
}
