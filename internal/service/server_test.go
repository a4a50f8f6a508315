package service

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-waterfurnace/internal/config"
	"github.com/resident-x/go-waterfurnace/internal/control"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/homeassistant"
	"github.com/resident-x/go-waterfurnace/internal/pubsub"
	"github.com/resident-x/go-waterfurnace/internal/registers"
	"github.com/resident-x/go-waterfurnace/internal/simulator"
	"github.com/resident-x/go-waterfurnace/internal/transport"
)

type recordingPublisher struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	states    map[string]domain.EntityState
	discovery []homeassistant.Entity
	identity  domain.DeviceIdentity
	cleanup   []domain.EntityInfo
	handler   pubsub.CommandHandler
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{states: make(map[string]domain.EntityState)}
}

func (p *recordingPublisher) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *recordingPublisher) Publish(context.Context, string, interface{}) error { return nil }

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) PublishState(_ context.Context, state domain.EntityState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[state.ID] = state
	return nil
}

func (p *recordingPublisher) PublishDiscovery(_ context.Context, id domain.DeviceIdentity, entities []homeassistant.Entity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = id
	p.discovery = entities
	return nil
}

func (p *recordingPublisher) PublishCleanup(_ context.Context, infos []domain.EntityInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanup = infos
	return nil
}

func (p *recordingPublisher) SetCommandHandler(h pubsub.CommandHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *recordingPublisher) state(id string) (domain.EntityState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[id]
	return s, ok
}

func (p *recordingPublisher) discovered() []homeassistant.Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discovery
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Polling.UpdateInterval = 50 * time.Millisecond
	cfg.Polling.WriteCooldown = 0
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = true
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, board *simulator.Board, pub StatePublisher) *HeatPumpServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	client, device := net.Pipe()
	go board.Serve(ctx, device)

	s, err := NewHeatPumpServer(cfg, transport.NewConn(client, "pipe", time.Second), pub)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		assert.NoError(t, s.Stop(stopCtx))
		cancel()
		client.Close()
		device.Close()
	})
	return s
}

func TestNewHeatPumpServer(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()
	tr := transport.NewConn(client, "pipe", time.Second)

	t.Run("defaults", func(t *testing.T) {
		cfg := testConfig()
		s, err := NewHeatPumpServer(cfg, tr, nil)
		require.NoError(t, err)
		assert.IsType(t, &pubsub.NoopPublisher{}, s.publisher)
		assert.NotNil(t, s.metrics)
		assert.Nil(t, s.apiServer)
		assert.Equal(t, []int{0}, s.entities.ZoneNumbers())
	})

	t.Run("api enabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.API.Enabled = true
		cfg.API.ListenAddr = "127.0.0.1:0"
		s, err := NewHeatPumpServer(cfg, tr, nil)
		require.NoError(t, err)
		assert.NotNil(t, s.apiServer)
	})

	t.Run("disabled entities", func(t *testing.T) {
		cfg := testConfig()
		cfg.Entities.Disabled = []string{"line_voltage", "lockout"}
		s, err := NewHeatPumpServer(cfg, tr, nil)
		require.NoError(t, err)
		_, ok := s.Store().Info("line_voltage")
		assert.False(t, ok)
		require.Len(t, s.disabled, 2)
	})

	t.Run("command handler wired", func(t *testing.T) {
		pub := newRecordingPublisher()
		s, err := NewHeatPumpServer(testConfig(), tr, pub)
		require.NoError(t, err)
		assert.Same(t, s.Controller(), pub.handler)
	})

	t.Run("missing catalog", func(t *testing.T) {
		cfg := testConfig()
		cfg.Entities.CatalogFile = "/nonexistent/entities.yaml"
		_, err := NewHeatPumpServer(cfg, tr, nil)
		assert.Error(t, err)
	})
}

func TestHeatPumpServer_PollsAndPublishes(t *testing.T) {
	board := simulator.NewDefaultBoard()
	pub := newRecordingPublisher()
	cfg := testConfig()
	cfg.Entities.Disabled = []string{"lockout"}
	s := startServer(t, cfg, board, pub)

	require.Eventually(t, func() bool {
		st, ok := pub.state("line_voltage")
		return ok && st.Value == 240.0
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, s.Hub().Ready())
	pub.mu.Lock()
	assert.True(t, pub.connected)
	pub.mu.Unlock()

	entities := pub.discovered()
	require.NotEmpty(t, entities)
	var climate int
	for _, e := range entities {
		if e.Info.Kind == domain.KindClimate {
			climate++
			assert.NotNil(t, e.Traits)
		} else {
			assert.Nil(t, e.Traits)
		}
	}
	assert.Equal(t, 1, climate)
	pub.mu.Lock()
	assert.Equal(t, "NVV036A111CTL01", pub.identity.Model)
	require.Len(t, pub.cleanup, 1)
	assert.Equal(t, "lockout", pub.cleanup[0].ID)
	pub.mu.Unlock()

	m := s.GetMetrics()
	assert.Equal(t, true, m["ready"])
	assert.Equal(t, []int{0}, m["zones"])
}

func TestHeatPumpServer_CommandsReachBoard(t *testing.T) {
	board := simulator.NewDefaultBoard()
	pub := newRecordingPublisher()
	s := startServer(t, testConfig(), board, pub)

	require.Eventually(t, s.Hub().Ready, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pub.handler.Apply(ctx, "zone_0", control.FieldTemperature, "71"))
	assert.Equal(t, uint16(710), board.Get(registers.RegWriteHeatingSP))
}

func TestHeatPumpServer_AutoZones(t *testing.T) {
	board := simulator.NewDefaultBoard()
	board.AddIZ2(2)
	cfg := testConfig()
	cfg.AutoZones = true
	pub := newRecordingPublisher()
	s := startServer(t, cfg, board, pub)

	require.Eventually(t, func() bool {
		st, ok := s.Store().Get("zone_2")
		return ok && st.Available
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2}, s.entities.ZoneNumbers())

	t.Run("thermostat zone retired", func(t *testing.T) {
		_, ok := s.Store().Info("zone_0")
		assert.False(t, ok)
		_, ok = s.Store().Get("zone_0")
		assert.False(t, ok)

		for _, e := range pub.discovered() {
			assert.NotEqual(t, "zone_0", e.Info.ID)
		}
		pub.mu.Lock()
		var cleared []string
		for _, info := range pub.cleanup {
			cleared = append(cleared, info.ID)
		}
		pub.mu.Unlock()
		assert.Contains(t, cleared, "zone_0")

		_, ok = pub.state("zone_0")
		assert.False(t, ok)
	})

	t.Run("commands go to iz2 registers", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		before := board.Get(registers.RegWriteHeatingSP)
		assert.Error(t, pub.handler.Apply(ctx, "zone_0", control.FieldTemperature, "71"))
		assert.Equal(t, before, board.Get(registers.RegWriteHeatingSP))

		require.NoError(t, pub.handler.Apply(ctx, "zone_1", control.FieldTemperature, "66"))
		assert.Equal(t, uint16(660), board.Get(registers.IZ2WriteBase(1)+1))
	})
}

func TestHeatPumpServer_ZoneKeptWithoutIZ2(t *testing.T) {
	board := simulator.NewDefaultBoard()
	cfg := testConfig()
	cfg.AutoZones = true
	s := startServer(t, cfg, board, newRecordingPublisher())

	require.Eventually(t, s.Hub().Ready, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{0}, s.entities.ZoneNumbers())
	_, ok := s.Store().Info("zone_0")
	assert.True(t, ok)
}

func TestHeatPumpServer_NoopPublisher(t *testing.T) {
	board := simulator.NewDefaultBoard()
	s := startServer(t, testConfig(), board, pubsub.NewNoopPublisher())

	require.Eventually(t, func() bool {
		_, ok := s.Store().Get("line_voltage")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}
