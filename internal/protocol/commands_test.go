package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"standard modbus read", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 0x0A84},
		{"read ranges", []byte{0x01, 0x41, 0x00, 0x58, 0x00, 0x04}, 0xD5BD},
		{"read registers", []byte{0x01, 0x42, 0x02, 0xE9, 0x02, 0xEA}, 0x6629},
		{"header only", []byte{0x01, 0x41}, 0x10C0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CRC16(tt.data))
		})
	}
}

func TestBuildReadRanges(t *testing.T) {
	t.Run("single range", func(t *testing.T) {
		frame := BuildReadRanges([]Range{{Start: 88, Count: 4}})
		assert.Equal(t, []byte{0x01, 0x41, 0x00, 0x58, 0x00, 0x04, 0xBD, 0xD5}, frame)
	})

	t.Run("payload size", func(t *testing.T) {
		for n := 0; n < 8; n++ {
			ranges := make([]Range, n)
			for i := range ranges {
				ranges[i] = Range{Start: uint16(i * 10), Count: uint16(i + 1)}
			}
			frame := BuildReadRanges(ranges)
			assert.Len(t, frame, 2+4*n+CRCSize)
			assert.True(t, ValidateFrameCRC(frame))
		}
	})

	t.Run("decodes back", func(t *testing.T) {
		ranges := []Range{{Start: 2, Count: 1}, {Start: 88, Count: 4}, {Start: 92, Count: 12}}
		req, err := DecodeRequest(BuildReadRanges(ranges))
		require.NoError(t, err)
		assert.Equal(t, byte(FuncReadRanges), req.Function)
		assert.Equal(t, ranges, req.Ranges)
	})
}

func TestBuildReadRegisters(t *testing.T) {
	frame := BuildReadRegisters([]uint16{745, 746})
	assert.Equal(t, []byte{0x01, 0x42, 0x02, 0xE9, 0x02, 0xEA, 0x29, 0x66}, frame)
	assert.True(t, ValidateFrameCRC(frame))
}

func TestBuildWriteRegisters(t *testing.T) {
	frame := BuildWriteRegisters([]RegisterWrite{{Address: 12619, Value: 700}, {Address: 12620, Value: 730}})
	require.Len(t, frame, 12)
	assert.Equal(t, byte(FuncWriteRegisters), frame[1])
	assert.Equal(t, []byte{0x31, 0x4B, 0x02, 0xBC, 0x31, 0x4C, 0x02, 0xDA}, frame[2:10])
	assert.True(t, ValidateFrameCRC(frame))
}

func TestBuildWriteSingle(t *testing.T) {
	frame := BuildWriteSingle(400, 1)
	require.Len(t, frame, 8)
	assert.Equal(t, []byte{0x01, 0x06, 0x01, 0x90, 0x00, 0x01}, frame[:6])
	assert.True(t, ValidateFrameCRC(frame))
}

func TestValidateFrameCRC(t *testing.T) {
	frame := BuildReadRanges([]Range{{Start: 88, Count: 4}})

	t.Run("valid", func(t *testing.T) {
		assert.True(t, ValidateFrameCRC(frame))
	})

	t.Run("any flipped byte invalidates", func(t *testing.T) {
		for i := range frame {
			corrupt := append([]byte(nil), frame...)
			corrupt[i] ^= 0xFF
			assert.False(t, ValidateFrameCRC(corrupt), "byte %d", i)
		}
	})

	t.Run("too short", func(t *testing.T) {
		assert.False(t, ValidateFrameCRC(nil))
		assert.False(t, ValidateFrameCRC([]byte{0x01, 0x41, 0xC0}))
	})
}

func TestParseRegisterValues(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []uint16
	}{
		{"empty", nil, []uint16{}},
		{"two words", []byte{0x02, 0xBC, 0xFF, 0x9C}, []uint16{700, 0xFF9C}},
		{"odd trailing byte dropped", []byte{0x00, 0x01, 0x02}, []uint16{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRegisterValues(tt.payload))
		})
	}
}

func TestIsErrorResponse(t *testing.T) {
	for _, fn := range []byte{0xC1, 0xC2, 0x83} {
		assert.True(t, IsErrorResponse(fn), "0x%02X", fn)
	}
	for _, fn := range []byte{0x41, 0x42, 0x03} {
		assert.False(t, IsErrorResponse(fn), "0x%02X", fn)
	}
}

func TestResponseHeaderSize(t *testing.T) {
	assert.Equal(t, 5, ResponseHeaderSize(0xC1))
	assert.Equal(t, 3, ResponseHeaderSize(FuncReadRanges))
	assert.Equal(t, 3, ResponseHeaderSize(FuncReadRegisters))
	assert.Equal(t, 8, ResponseHeaderSize(FuncWriteSingle))
	assert.Equal(t, 4, ResponseHeaderSize(FuncWriteRegisters))
}

func TestFunctionName(t *testing.T) {
	assert.Equal(t, "read_ranges", FunctionName(FuncReadRanges))
	assert.Equal(t, "read_registers_error", FunctionName(FuncReadRegisters|ErrorFlag))
	assert.Equal(t, "unknown", FunctionName(0x10))
}

func TestFormatFrameHex(t *testing.T) {
	assert.Equal(t, "01 41 00 58", FormatFrameHex([]byte{0x01, 0x41, 0x00, 0x58}))
	assert.Equal(t, "", FormatFrameHex(nil))
}
