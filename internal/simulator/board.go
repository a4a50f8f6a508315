// Package simulator provides an in-process ABC control board that answers
// request frames from a register map.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// Board simulates an ABC board. It is safe for concurrent use.
type Board struct {
	mu       sync.Mutex
	regs     map[uint16]uint16
	writes   []protocol.RegisterWrite
	requests int
	corrupt  int
	illegal  map[uint16]bool
	rng      *rand.Rand
	logger   zerolog.Logger
}

// NewBoard returns a board with every register reading zero.
func NewBoard() *Board {
	return &Board{
		regs:    make(map[uint16]uint16),
		illegal: make(map[uint16]bool),
		rng:     rand.New(rand.NewSource(1)),
		logger:  log.With().Str("component", "abc_sim").Logger(),
	}
}

// Set stores a register value.
func (b *Board) Set(addr, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = value
}

// Get returns a register value.
func (b *Board) Get(addr uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr]
}

// SetString stores s in n registers, two characters each, space padded.
func (b *Board) SetString(addr uint16, n int, s string) {
	buf := make([]byte, 2*n)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, s)

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.regs[addr+uint16(i)] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}
}

// SetUint32 stores v as a high word at addr and a low word at addr+1.
func (b *Board) SetUint32(addr uint16, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = uint16(v >> 16)
	b.regs[addr+1] = uint16(v)
}

// Writes returns every write received so far.
func (b *Board) Writes() []protocol.RegisterWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.RegisterWrite, len(b.writes))
	copy(out, b.writes)
	return out
}

// Requests returns the number of requests handled.
func (b *Board) Requests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

// CorruptNext makes the next n replies fail their checksum.
func (b *Board) CorruptNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corrupt = n
}

// RejectAddress makes any request touching addr get an illegal address reply.
func (b *Board) RejectAddress(addr uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.illegal[addr] = true
}

// Handle answers one request frame. Frames that fail to decode get no reply.
func (b *Board) Handle(frame []byte) []byte {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		b.logger.Warn().Err(err).Str("frame", protocol.FormatFrameHex(frame)).Msg("Dropping bad request")
		if errors.Is(err, protocol.ErrUnexpectedFunction) && len(frame) > 1 {
			return protocol.BuildErrorResponse(frame[1], protocol.ExceptionIllegalFunction)
		}
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++

	reply := b.answer(req, frame)
	if b.corrupt > 0 {
		b.corrupt--
		reply[len(reply)-1] ^= 0xFF
	}
	return reply
}

// answer must be called with b.mu held.
func (b *Board) answer(req *protocol.Request, frame []byte) []byte {
	switch req.Function {
	case protocol.FuncReadRanges:
		var values []uint16
		for _, r := range req.Ranges {
			for i := uint16(0); i < r.Count; i++ {
				if b.illegal[r.Start+i] {
					return protocol.BuildErrorResponse(req.Function, protocol.ExceptionIllegalAddress)
				}
				values = append(values, b.regs[r.Start+i])
			}
		}
		return b.readReply(req.Function, values)

	case protocol.FuncReadRegisters:
		values := make([]uint16, 0, len(req.Addresses))
		for _, addr := range req.Addresses {
			if b.illegal[addr] {
				return protocol.BuildErrorResponse(req.Function, protocol.ExceptionIllegalAddress)
			}
			values = append(values, b.regs[addr])
		}
		return b.readReply(req.Function, values)

	case protocol.FuncWriteRegisters, protocol.FuncWriteSingle:
		for _, w := range req.Writes {
			if b.illegal[w.Address] {
				return protocol.BuildErrorResponse(req.Function, protocol.ExceptionIllegalAddress)
			}
		}
		for _, w := range req.Writes {
			b.applyWrite(w)
		}
		if req.Function == protocol.FuncWriteSingle {
			echo := make([]byte, len(frame))
			copy(echo, frame)
			return echo
		}
		return protocol.BuildWriteRegistersAck()
	}
	return protocol.BuildErrorResponse(req.Function, protocol.ExceptionIllegalFunction)
}

// applyWrite stores a write and mirrors it into the registers the board
// reports it through. Must be called with b.mu held.
func (b *Board) applyWrite(w protocol.RegisterWrite) {
	b.writes = append(b.writes, w)
	b.regs[w.Address] = w.Value

	switch w.Address {
	case registers.RegWriteMode:
		b.regs[registers.RegModeConfig] = b.regs[registers.RegModeConfig]&^0x0700 | (w.Value&0x07)<<8
		return
	case registers.RegWriteHeatingSP:
		b.regs[registers.RegHeatingSetpoint] = w.Value
		return
	case registers.RegWriteCoolingSP:
		b.regs[registers.RegCoolingSetpoint] = w.Value
		return
	case registers.RegWriteFanMode:
		cfg := b.regs[registers.RegFanConfig] &^ 0x0180
		switch w.Value {
		case registers.FanContinuous:
			cfg |= 0x80
		case registers.FanIntermittent:
			cfg |= 0x100
		}
		b.regs[registers.RegFanConfig] = cfg
		return
	}

	base := int(registers.RegIZ2WriteBase)
	off := int(w.Address) - base
	if off < 0 || off >= registers.MaxIZ2Zones*registers.IZ2WriteStride {
		return
	}
	zone := off/registers.IZ2WriteStride + 1
	read := registers.IZ2ZoneBase(zone)
	c1, c2 := b.regs[read+1], b.regs[read+2]
	switch off % registers.IZ2WriteStride {
	case 0:
		c2 = c2&^0x0700 | (w.Value&0x07)<<8
	case 1:
		heat := w.Value/10 - 36
		c1 = c1&^0x01 | (heat>>5)&0x01
		c2 = c2&^0xF800 | (heat&0x1F)<<11
	case 2:
		cool := w.Value/10 - 36
		c1 = c1&^0x7E | (cool&0x3F)<<1
	case 3:
		c1 &^= 0x0180
		switch w.Value {
		case registers.FanContinuous:
			c1 |= 0x80
		case registers.FanIntermittent:
			c1 |= 0x100
		}
	}
	b.regs[read+1], b.regs[read+2] = c1, c2
}

func (b *Board) readReply(fn byte, values []uint16) []byte {
	frame, err := protocol.BuildReadResponse(fn, values)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Read request too large")
		return protocol.BuildErrorResponse(fn, protocol.ExceptionIllegalValue)
	}
	return frame
}

// Vary nudges temperatures and loads so pollers see changing values.
func (b *Board) Vary() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, addr := range []uint16{
		registers.RegTstatAmbient, registers.RegEnteringAir, registers.RegLeavingAir,
		registers.RegFP1Temp, registers.RegFP2Temp, 1110, 1111, 1113, 1114,
	} {
		v := int16(b.regs[addr])
		if v == 0 {
			continue
		}
		b.regs[addr] = uint16(v + int16(b.rng.Intn(5)-2))
	}
	watts := uint32(b.regs[registers.RegTotalWattsHi])<<16 | uint32(b.regs[registers.RegTotalWattsHi+1])
	if watts > 0 {
		watts = uint32(int64(watts) + int64(b.rng.Intn(101)-50))
		b.regs[registers.RegTotalWattsHi] = uint16(watts >> 16)
		b.regs[registers.RegTotalWattsHi+1] = uint16(watts)
	}
}

// Serve answers requests read from rw until ctx is done or rw fails.
func (b *Board) Serve(ctx context.Context, rw io.ReadWriter) error {
	for ctx.Err() == nil {
		frame, err := protocol.ReadRequest(rw)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}
		reply := b.Handle(frame)
		if reply == nil {
			continue
		}
		if _, err := rw.Write(reply); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
	}
	return ctx.Err()
}

// ServeListener accepts connections on l and serves each until ctx is done.
func (b *Board) ServeListener(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}
		b.logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("Client connected")
		go func() {
			defer conn.Close()
			if err := b.Serve(ctx, conn); err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("Connection ended")
			}
		}()
	}
}
