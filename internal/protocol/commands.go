// Package protocol provides frame building and validation for the ABC control board bus.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/sigurn/crc16"
)

// SlaveAddress is the bus address of the ABC board.
const SlaveAddress = 0x01

// Function codes used on the AID tool port.
const (
	FuncReadRanges     = 0x41 // repeated (start,count) pairs
	FuncReadRegisters  = 0x42 // repeated addresses
	FuncWriteRegisters = 0x43 // repeated (address,value) pairs
	FuncWriteSingle    = 0x06 // single (address,value)

	ErrorFlag = 0x80
)

// Frame size constants.
const (
	CRCSize        = 2
	MinFrameSize   = 2 + CRCSize // address + function + crc
	ReadHeaderSize = 3           // address + function + byte count
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Range is a contiguous block of registers read with FuncReadRanges.
type Range struct {
	Start uint16 `json:"start"`
	Count uint16 `json:"count"`
}

// End returns the last address covered by the range.
func (r Range) End() uint16 {
	return r.Start + r.Count - 1
}

// RegisterWrite is one (address, value) pair of a write request.
type RegisterWrite struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
}

// CRC16 computes the CRC-16/MODBUS checksum over data.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// AppendCRC appends the checksum of frame in little-endian order.
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

func newFrame(fn byte, payloadLen int) []byte {
	frame := make([]byte, 2, 2+payloadLen+CRCSize)
	frame[0] = SlaveAddress
	frame[1] = fn
	return frame
}

// BuildReadRanges builds a FuncReadRanges request.
func BuildReadRanges(ranges []Range) []byte {
	frame := newFrame(FuncReadRanges, 4*len(ranges))
	for _, r := range ranges {
		frame = binary.BigEndian.AppendUint16(frame, r.Start)
		frame = binary.BigEndian.AppendUint16(frame, r.Count)
	}
	return AppendCRC(frame)
}

// BuildReadRegisters builds a FuncReadRegisters request.
func BuildReadRegisters(addrs []uint16) []byte {
	frame := newFrame(FuncReadRegisters, 2*len(addrs))
	for _, addr := range addrs {
		frame = binary.BigEndian.AppendUint16(frame, addr)
	}
	return AppendCRC(frame)
}

// BuildWriteRegisters builds a FuncWriteRegisters request.
func BuildWriteRegisters(writes []RegisterWrite) []byte {
	frame := newFrame(FuncWriteRegisters, 4*len(writes))
	for _, w := range writes {
		frame = binary.BigEndian.AppendUint16(frame, w.Address)
		frame = binary.BigEndian.AppendUint16(frame, w.Value)
	}
	return AppendCRC(frame)
}

// BuildWriteSingle builds a FuncWriteSingle request.
func BuildWriteSingle(addr, value uint16) []byte {
	frame := newFrame(FuncWriteSingle, 4)
	frame = binary.BigEndian.AppendUint16(frame, addr)
	frame = binary.BigEndian.AppendUint16(frame, value)
	return AppendCRC(frame)
}

// ValidateFrameCRC checks the trailing checksum of a complete frame.
func ValidateFrameCRC(frame []byte) bool {
	if len(frame) < MinFrameSize {
		return false
	}
	body := frame[:len(frame)-CRCSize]
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	return CRC16(body) == got
}

// ParseRegisterValues decodes a payload of big-endian words.
// A trailing odd byte is ignored.
func ParseRegisterValues(payload []byte) []uint16 {
	values := make([]uint16, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		values = append(values, binary.BigEndian.Uint16(payload[i:]))
	}
	return values
}

// IsErrorResponse reports whether fn is the error form of a function code.
func IsErrorResponse(fn byte) bool {
	return fn&ErrorFlag != 0
}

// ResponseHeaderSize returns the fixed number of bytes that precede the
// data payload of a reply to fn. For replies with no payload it is the
// whole frame size.
func ResponseHeaderSize(fn byte) int {
	switch {
	case IsErrorResponse(fn):
		return 5
	case fn == FuncWriteSingle:
		return 8
	case fn == FuncWriteRegisters:
		return 4
	default:
		return ReadHeaderSize
	}
}

// FunctionName returns a readable name for a function code.
func FunctionName(fn byte) string {
	name := "unknown"
	switch fn &^ ErrorFlag {
	case FuncReadRanges:
		name = "read_ranges"
	case FuncReadRegisters:
		name = "read_registers"
	case FuncWriteRegisters:
		name = "write_registers"
	case FuncWriteSingle:
		name = "write_single"
	}
	if IsErrorResponse(fn) {
		return name + "_error"
	}
	return name
}

// FormatFrameHex formats frame bytes as spaced upper-case hex for logs.
func FormatFrameHex(frame []byte) string {
	s := strings.ToUpper(hex.EncodeToString(frame))
	var b strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String()
}
