// Package protocol provides response parsing and generation for the ABC control board bus.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Exception codes carried by error replies.
const (
	ExceptionIllegalFunction = 0x01
	ExceptionIllegalAddress  = 0x02
	ExceptionIllegalValue    = 0x03
)

// Errors returned while decoding frames.
var (
	ErrFrameTooShort      = errors.New("frame too short")
	ErrBadCRC             = errors.New("crc mismatch")
	ErrUnexpectedAddress  = errors.New("unexpected slave address")
	ErrUnexpectedFunction = errors.New("unexpected function code")
	ErrByteCount          = errors.New("byte count does not match payload")
	ErrTooManyValues      = errors.New("too many values for one reply")
)

// DeviceError is a well-formed error reply from the board.
type DeviceError struct {
	Function  byte
	Exception byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error reply to %s: exception 0x%02X", FunctionName(e.Function), e.Exception)
}

// Response is a decoded reply frame.
type Response struct {
	Function byte
	Values   []uint16
	Raw      []byte
}

// DecodeResponse validates a complete reply frame and extracts its values.
// Error replies are returned as *DeviceError.
func DecodeResponse(frame []byte) (*Response, error) {
	if len(frame) < MinFrameSize {
		return nil, ErrFrameTooShort
	}
	if !ValidateFrameCRC(frame) {
		return nil, ErrBadCRC
	}
	if frame[0] != SlaveAddress {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedAddress, frame[0])
	}

	fn := frame[1]
	resp := &Response{Function: fn, Raw: frame}

	switch {
	case IsErrorResponse(fn):
		if len(frame) < ResponseHeaderSize(fn) {
			return nil, ErrFrameTooShort
		}
		return nil, &DeviceError{Function: fn &^ ErrorFlag, Exception: frame[2]}
	case fn == FuncWriteSingle || fn == FuncWriteRegisters:
		return resp, nil
	case fn == FuncReadRanges || fn == FuncReadRegisters:
		if len(frame) < ReadHeaderSize+CRCSize {
			return nil, ErrFrameTooShort
		}
		count := int(frame[2])
		payload := frame[ReadHeaderSize : len(frame)-CRCSize]
		if len(payload) != count {
			return nil, fmt.Errorf("%w: header %d, payload %d", ErrByteCount, count, len(payload))
		}
		resp.Values = ParseRegisterValues(payload)
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedFunction, fn)
	}
}

// ReadFrame reads exactly one reply frame from r, sizing it from the
// function code. The returned frame is not CRC checked.
func ReadFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, 2, 260)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	fn := head[1]
	var total int
	switch {
	case IsErrorResponse(fn), fn == FuncWriteSingle, fn == FuncWriteRegisters:
		total = ResponseHeaderSize(fn)
	case fn == FuncReadRanges || fn == FuncReadRegisters:
		var count [1]byte
		if _, err := io.ReadFull(r, count[:]); err != nil {
			return nil, fmt.Errorf("failed to read byte count: %w", err)
		}
		head = append(head, count[0])
		total = ReadHeaderSize + int(count[0]) + CRCSize
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedFunction, fn)
	}

	frame := append(head, make([]byte, total-len(head))...)
	if _, err := io.ReadFull(r, frame[len(head):]); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return frame, nil
}

// Request is a decoded request frame, as seen by the board side of the bus.
type Request struct {
	Function  byte
	Ranges    []Range
	Addresses []uint16
	Writes    []RegisterWrite
}

// DecodeRequest validates a request frame and decodes its payload.
func DecodeRequest(frame []byte) (*Request, error) {
	if len(frame) < MinFrameSize {
		return nil, ErrFrameTooShort
	}
	if !ValidateFrameCRC(frame) {
		return nil, ErrBadCRC
	}

	req := &Request{Function: frame[1]}
	words := ParseRegisterValues(frame[2 : len(frame)-CRCSize])

	switch req.Function {
	case FuncReadRanges:
		for i := 0; i+1 < len(words); i += 2 {
			req.Ranges = append(req.Ranges, Range{Start: words[i], Count: words[i+1]})
		}
	case FuncReadRegisters:
		req.Addresses = words
	case FuncWriteRegisters, FuncWriteSingle:
		for i := 0; i+1 < len(words); i += 2 {
			req.Writes = append(req.Writes, RegisterWrite{Address: words[i], Value: words[i+1]})
		}
		if req.Function == FuncWriteSingle && len(req.Writes) != 1 {
			return nil, ErrFrameTooShort
		}
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedFunction, req.Function)
	}
	return req, nil
}

// ReadRequest reads one request frame from r.
func ReadRequest(r io.Reader) ([]byte, error) {
	head := make([]byte, 2, 260)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("failed to read request header: %w", err)
	}

	var payload int
	switch head[1] {
	case FuncWriteSingle:
		payload = 4
	case FuncReadRanges, FuncReadRegisters, FuncWriteRegisters:
		// No length field: the board relies on inter-frame silence.
		return readUntilCRC(r, head)
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedFunction, head[1])
	}

	frame := append(head, make([]byte, payload+CRCSize)...)
	if _, err := io.ReadFull(r, frame[2:]); err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return frame, nil
}

// readUntilCRC reads two bytes at a time until the accumulated frame
// carries a valid checksum. Payloads are always a whole number of words.
func readUntilCRC(r io.Reader, frame []byte) ([]byte, error) {
	var pair [2]byte
	for len(frame) < 256 {
		if _, err := io.ReadFull(r, pair[:]); err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		frame = append(frame, pair[:]...)
		if len(frame) > MinFrameSize && ValidateFrameCRC(frame) {
			return frame, nil
		}
	}
	return nil, ErrBadCRC
}

// MaxReplyValues is the most register values one read reply can carry.
const MaxReplyValues = 0xFF / 2

// BuildReadResponse builds a read reply carrying values.
func BuildReadResponse(fn byte, values []uint16) ([]byte, error) {
	if len(values) > MaxReplyValues {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyValues, len(values), MaxReplyValues)
	}
	frame := newFrame(fn, 1+2*len(values))
	frame = append(frame, byte(2*len(values)))
	for _, v := range values {
		frame = binary.BigEndian.AppendUint16(frame, v)
	}
	return AppendCRC(frame), nil
}

// BuildWriteRegistersAck builds the acknowledgement to a FuncWriteRegisters request.
func BuildWriteRegistersAck() []byte {
	return AppendCRC(newFrame(FuncWriteRegisters, 0))
}

// BuildErrorResponse builds an error reply for fn.
func BuildErrorResponse(fn, exception byte) []byte {
	frame := newFrame(fn|ErrorFlag, 1)
	frame = append(frame, exception)
	return AppendCRC(frame)
}
