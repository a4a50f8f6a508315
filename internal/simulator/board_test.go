package simulator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

func decode(t *testing.T, frame []byte) *protocol.Response {
	t.Helper()
	resp, err := protocol.DecodeResponse(frame)
	require.NoError(t, err)
	return resp
}

func TestBoardReads(t *testing.T) {
	b := NewDefaultBoard()

	t.Run("ranges", func(t *testing.T) {
		resp := decode(t, b.Handle(protocol.BuildReadRanges(registers.SystemIDRanges())))
		require.Len(t, resp.Values, 1+4+12+5+2+1+2)
		assert.Equal(t, uint16(310), resp.Values[0])
		assert.Equal(t, "ABCVSP", registers.DecodeString(resp.Values[1:5]))
		assert.Equal(t, "NVV036A111CTL01", registers.DecodeString(resp.Values[5:17]))
	})

	t.Run("individual registers", func(t *testing.T) {
		resp := decode(t, b.Handle(protocol.BuildReadRegisters([]uint16{registers.RegLineVoltage, 9999})))
		assert.Equal(t, []uint16{240, 0}, resp.Values)
	})

	t.Run("rejected address", func(t *testing.T) {
		b := NewDefaultBoard()
		b.RejectAddress(3001)
		_, err := protocol.DecodeResponse(b.Handle(protocol.BuildReadRegisters([]uint16{3001})))
		var devErr *protocol.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, byte(protocol.ExceptionIllegalAddress), devErr.Exception)
	})

	t.Run("corrupted reply", func(t *testing.T) {
		b := NewDefaultBoard()
		b.CorruptNext(1)
		_, err := protocol.DecodeResponse(b.Handle(protocol.BuildReadRegisters([]uint16{16})))
		assert.ErrorIs(t, err, protocol.ErrBadCRC)
		decode(t, b.Handle(protocol.BuildReadRegisters([]uint16{16})))
	})

	t.Run("oversized read", func(t *testing.T) {
		req := protocol.BuildReadRanges([]protocol.Range{{Start: 0, Count: protocol.MaxReplyValues + 1}})
		_, err := protocol.DecodeResponse(b.Handle(req))
		var devErr *protocol.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, byte(protocol.ExceptionIllegalValue), devErr.Exception)
	})

	t.Run("bad request crc gets no reply", func(t *testing.T) {
		frame := protocol.BuildReadRegisters([]uint16{16})
		frame[len(frame)-1] ^= 0xFF
		assert.Nil(t, b.Handle(frame))
	})
}

func TestBoardWrites(t *testing.T) {
	t.Run("write single echoes", func(t *testing.T) {
		b := NewDefaultBoard()
		req := protocol.BuildWriteSingle(registers.RegDHWEnable, 0)
		assert.Equal(t, req, b.Handle(req))
		assert.Equal(t, uint16(0), b.Get(registers.RegDHWEnable))
	})

	t.Run("thermostat writes reflect into reads", func(t *testing.T) {
		b := NewDefaultBoard()
		resp := decode(t, b.Handle(protocol.BuildWriteRegisters([]protocol.RegisterWrite{
			{Address: registers.RegWriteMode, Value: registers.ModeCool},
			{Address: registers.RegWriteHeatingSP, Value: 680},
			{Address: registers.RegWriteCoolingSP, Value: 770},
			{Address: registers.RegWriteFanMode, Value: registers.FanContinuous},
		})))
		assert.Equal(t, byte(protocol.FuncWriteRegisters), resp.Function)

		assert.Equal(t, uint16(registers.ModeCool), (b.Get(registers.RegModeConfig)>>8)&0x07)
		assert.Equal(t, uint16(680), b.Get(registers.RegHeatingSetpoint))
		assert.Equal(t, uint16(770), b.Get(registers.RegCoolingSetpoint))
		assert.Equal(t, uint16(0x80), b.Get(registers.RegFanConfig)&0x180)
		assert.Len(t, b.Writes(), 4)
	})

	t.Run("iz2 writes reflect into config words", func(t *testing.T) {
		b := NewDefaultBoard()
		b.AddIZ2(2)
		assert.Empty(t, b.Writes())

		base := registers.IZ2WriteBase(2)
		b.Handle(protocol.BuildWriteRegisters([]protocol.RegisterWrite{
			{Address: base, Value: registers.ModeEHeat},
			{Address: base + 1, Value: 710},
			{Address: base + 2, Value: 780},
			{Address: base + 3, Value: registers.FanIntermittent},
		}))

		read := registers.IZ2ZoneBase(2)
		c1, c2 := b.Get(read+1), b.Get(read+2)
		assert.Equal(t, uint16(registers.ModeEHeat), (c2>>8)&0x07)
		assert.Equal(t, uint16(78), ((c1&0x7E)>>1)+36)
		assert.Equal(t, uint16(71), (((c1&0x01)<<5)|((c2&0xF800)>>11))+36)
		assert.Equal(t, uint16(0x100), c1&0x180)

		// zone 1 untouched
		c1, c2 = b.Get(registers.IZ2ZoneBase(1)+1), b.Get(registers.IZ2ZoneBase(1)+2)
		assert.Equal(t, uint16(registers.ModeHeat), (c2>>8)&0x07)
		assert.Equal(t, uint16(76), ((c1&0x7E)>>1)+36)
	})
}

func TestBoardServe(t *testing.T) {
	b := NewDefaultBoard()
	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, server) }()

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))

	_, err := client.Write(protocol.BuildReadRanges([]protocol.Range{{Start: registers.RegHeatingSetpoint, Count: 2}}))
	require.NoError(t, err)
	reply, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, []uint16{690, 750}, decode(t, reply).Values)

	_, err = client.Write(protocol.BuildWriteSingle(registers.RegDHWEnable, 0))
	require.NoError(t, err)
	_, err = protocol.ReadFrame(client)
	require.NoError(t, err)

	server.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 2, b.Requests())
}

func TestBoardVary(t *testing.T) {
	b := NewDefaultBoard()
	before := b.Get(registers.RegLineVoltage)
	for i := 0; i < 10; i++ {
		b.Vary()
	}
	assert.Equal(t, before, b.Get(registers.RegLineVoltage), "voltage is not varied")
	amb := int16(b.Get(registers.RegTstatAmbient))
	assert.InDelta(t, 708, int(amb), 20)
}
