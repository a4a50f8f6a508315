package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
	"github.com/resident-x/go-waterfurnace/internal/simulator"
)

// execute runs the root command with fresh flag values and returns its output.
func execute(t *testing.T, args ...string) (string, int) {
	t.Helper()
	configFile, portName, address, logLevel = "", "", "", "error"
	registerFormat, forceWrite, infoJSON = "dec", false, false
	require.NoError(t, rootCmd.Flags().Set("version", "false"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	code := run(append([]string{"--log-level", "error"}, args...))
	return out.String(), code
}

func startBoard(t *testing.T) (*simulator.Board, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	board := simulator.NewDefaultBoard()
	go board.ServeListener(ctx, l)
	t.Cleanup(func() {
		cancel()
		l.Close()
	})
	return board, l.Addr().String()
}

func TestVersion(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"flag alone", []string{"--version"}},
		{"flag before other flags", []string{"--version", "--log-level", "warn"}},
		{"flag after other flags", []string{"--log-level", "warn", "--version"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code := execute(t, tt.args...)
			assert.Equal(t, 0, code)
			assert.Equal(t, "waterfurnace version "+Version+"\n", out)
		})
	}
}

func TestConfigErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  baud: 19200\n"), 0o600))

	_, code := execute(t, "info", "--config", path)
	assert.Equal(t, 1, code, "no port or address")

	_, code = execute(t, "info", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
}

func TestArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"read without address", []string{"read"}},
		{"read bad address", []string{"read", "abc"}},
		{"read count too large", []string{"read", "16", "65"}},
		{"read past last register", []string{"read", "65530", "10"}},
		{"read bad format", []string{"read", "16", "--format", "oct"}},
		{"write missing value", []string{"write", "400"}},
		{"write bad value", []string{"write", "400", "70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, code := execute(t, tt.args...)
			assert.Equal(t, 1, code)
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"16", 16, false},
		{"0x10", 16, false},
		{"65535", 65535, false},
		{"65536", 0, true},
		{"-1", 0, true},
		{"voltage", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadWriteInfo(t *testing.T) {
	board, addr := startBoard(t)

	t.Run("read decimal", func(t *testing.T) {
		out, code := execute(t, "read", "16", "--address", addr)
		require.Equal(t, 0, code)
		assert.Equal(t, "   16  240\n", out)
	})

	t.Run("read text", func(t *testing.T) {
		out, code := execute(t, "read", "92", "12", "--format", "text", "--address", addr)
		require.Equal(t, 0, code)
		assert.Equal(t, "NVV036A111CTL01\n", out)
	})

	t.Run("write", func(t *testing.T) {
		out, code := execute(t, "write", "12619", "700", "--address", addr)
		require.Equal(t, 0, code)
		assert.Contains(t, out, "12619 <- 700")
		assert.Equal(t, uint16(700), board.Get(registers.RegWriteHeatingSP))
	})

	t.Run("write read-only refused", func(t *testing.T) {
		before := len(board.Writes())
		_, code := execute(t, "write", "92", "1", "--address", addr)
		assert.Equal(t, 1, code)
		assert.Len(t, board.Writes(), before)
	})

	t.Run("info json", func(t *testing.T) {
		out, code := execute(t, "info", "--json", "--address", addr)
		require.Equal(t, 0, code)
		assert.Contains(t, out, `"model": "NVV036A111CTL01"`)
		assert.Contains(t, out, `"serial": "1234567890"`)
	})

	t.Run("info", func(t *testing.T) {
		out, code := execute(t, "info", "--address", addr)
		require.Equal(t, 0, code)
		assert.Contains(t, out, "NVV036A111CTL01")
		assert.Contains(t, out, "AWL thermostat")
	})
}

func TestRenderIdentity(t *testing.T) {
	out := renderIdentity(domain.DeviceIdentity{
		Model:      "NVV036",
		Serial:     "42",
		ABCProgram: "ABCVSP",
		ABCVersion: 3.1,
		Components: []domain.Component{
			{Name: "thermostat", Present: true, Version: 3.1},
			{Name: "iz2", Present: false},
		},
		Capabilities: registers.Flags{AWLThermostat: true},
	})
	assert.Contains(t, out, "NVV036")
	assert.Contains(t, out, "3.10")
	assert.Contains(t, out, "v3.10")
	assert.Contains(t, out, "missing")
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		state domain.EntityState
		info  domain.EntityInfo
		want  string
	}{
		{"unavailable", domain.EntityState{Value: 1.0}, domain.EntityInfo{}, "-"},
		{"precision", domain.EntityState{Value: 71.25, Available: true}, domain.EntityInfo{Precision: 1}, "71.2"},
		{"nan", domain.EntityState{Value: math.NaN(), Available: true}, domain.EntityInfo{}, "-"},
		{"bool", domain.EntityState{Value: true, Available: true}, domain.EntityInfo{}, "ON"},
		{"text", domain.EntityState{Value: "Heating", Available: true}, domain.EntityInfo{}, "Heating"},
		{
			"climate",
			domain.EntityState{Available: true, Value: climate.State{
				Mode: climate.ModeHeat, Fan: climate.FanAuto, Current: 68.5, Low: 69, High: math.NaN(),
			}},
			domain.EntityInfo{},
			"heat 68.5  heat 69.0  cool -  fan auto",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.state, tt.info))
		})
	}
}

type fakeStore struct {
	infos []domain.EntityInfo
}

func (f *fakeStore) Infos() []domain.EntityInfo { return f.infos }
func (f *fakeStore) All() []domain.EntityState { return nil }

type fakeApplier struct {
	got []string
	err error
}

func (f *fakeApplier) Apply(_ context.Context, entityID, field, payload string) error {
	f.got = []string{entityID, field, payload}
	return f.err
}

func TestMonitorModel(t *testing.T) {
	store := &fakeStore{infos: []domain.EntityInfo{
		{ID: "line_voltage", Name: "Line Voltage", Kind: domain.KindSensor, Unit: "V"},
		{ID: "zone_0", Name: "Thermostat", Kind: domain.KindClimate},
	}}
	applier := &fakeApplier{}
	m := newMonitorModel(nil, store, applier, "pipe")

	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "Thermostat", rows[0][0], "climate entities first")
	assert.Equal(t, "-", rows[1][1])

	next, _ := m.Update(stateMsg(domain.EntityState{ID: "line_voltage", Value: 241.0, Available: true}))
	m = next.(monitorModel)
	assert.Equal(t, "241", m.table.Rows()[1][1])

	t.Run("command", func(t *testing.T) {
		msg := m.applyCmd("zone_0 mode  heat_cool")()
		assert.Equal(t, []string{"zone_0", "mode", "heat_cool"}, applier.got)
		next, _ := m.Update(msg)
		mm := next.(monitorModel)
		require.Len(t, mm.log, 1)
		assert.False(t, mm.log[0].isError)
	})

	t.Run("command error", func(t *testing.T) {
		applier.err = errors.New("no such zone")
		next, _ := m.Update(m.applyCmd("zone_9 mode heat")())
		mm := next.(monitorModel)
		require.Len(t, mm.log, 1)
		assert.True(t, mm.log[0].isError)

		next, _ = m.Update(m.applyCmd("zone_0")())
		mm = next.(monitorModel)
		assert.True(t, mm.log[0].isError)
	})

	t.Run("quit", func(t *testing.T) {
		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
		assert.True(t, next.(monitorModel).quitting)
		assert.NotNil(t, cmd)
	})
}

func TestInitLogger(t *testing.T) {
	originalLogger := log.Logger
	originalLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = originalLogger
		zerolog.SetGlobalLevel(originalLevel)
	}()

	tests := []struct {
		name     string
		level    string
		format   string
		expected zerolog.Level
	}{
		{"info level", "info", "console", zerolog.InfoLevel},
		{"debug level", "debug", "console", zerolog.DebugLevel},
		{"warn json", "warn", "json", zerolog.WarnLevel},
		{"uppercase level", "ERROR", "console", zerolog.ErrorLevel},
		{"invalid level defaults to info", "invalid", "console", zerolog.InfoLevel},
		{"empty level defaults to info", "", "json", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initLogger(tt.level, tt.format)
			assert.Equal(t, tt.expected, zerolog.GlobalLevel())
		})
	}
}
