// Package hub drives the ABC board: it detects the fitted hardware, polls
// the registers entities asked for and carries entity writes back.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/bus"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/registers"
	"github.com/resident-x/go-waterfurnace/internal/scheduler"
	"github.com/resident-x/go-waterfurnace/internal/session"
)

// Defaults.
const (
	DefaultUpdateInterval   = 10 * time.Second
	DefaultConnectedTimeout = 30 * time.Second
)

// ErrNotSetup is returned by PollOnce before detection has succeeded.
var ErrNotSetup = errors.New("hub setup has not completed")

// Transport exchanges one request frame for one reply frame.
type Transport interface {
	Exchange(ctx context.Context, request []byte) ([]byte, error)
	Endpoint() string
}

// Config configures a Hub.
type Config struct {
	UpdateInterval   time.Duration
	ConnectedTimeout time.Duration
	Scheduler        *scheduler.SchedulerConfig
}

// Hub owns the bus and the link to the board.
type Hub struct {
	bus       *bus.Bus
	transport Transport
	session   *session.Session
	scheduler *scheduler.CommandScheduler
	interval  time.Duration
	logger    zerolog.Logger

	mu       sync.RWMutex
	identity domain.DeviceIdentity
	ready    bool
	onSetup  []func(domain.DeviceIdentity)
	polls    int64
	failures int64
}

// New creates a hub and attaches it to b as the write path.
func New(t Transport, b *bus.Bus, cfg Config) *Hub {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.ConnectedTimeout <= 0 {
		cfg.ConnectedTimeout = DefaultConnectedTimeout
	}

	logger := log.With().Str("component", "hub").Str("endpoint", t.Endpoint()).Logger()
	sess := session.NewSession(t.Endpoint(), cfg.ConnectedTimeout)

	h := &Hub{
		bus:       b,
		transport: t,
		session:   sess,
		scheduler: scheduler.NewCommandScheduler(t, sess, cfg.Scheduler, logger),
		interval:  cfg.UpdateInterval,
		logger:    logger,
	}
	b.SetWriter(h)
	return h
}

// Bus returns the register bus.
func (h *Hub) Bus() *bus.Bus { return h.bus }

// Session returns the link statistics.
func (h *Hub) Session() *session.Session { return h.session }

// Scheduler returns the command scheduler.
func (h *Hub) Scheduler() *scheduler.CommandScheduler { return h.scheduler }

// Start starts the command scheduler. It must be called before Setup.
func (h *Hub) Start(ctx context.Context) error {
	return h.scheduler.Start(ctx)
}

// Stop stops the command scheduler and closes the session.
func (h *Hub) Stop() error {
	h.session.Close()
	if !h.scheduler.IsRunning() {
		return nil
	}
	return h.scheduler.Stop()
}

// OnSetup registers fn to run with the detected identity after every
// successful Setup.
func (h *Hub) OnSetup(fn func(domain.DeviceIdentity)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSetup = append(h.onSetup, fn)
}

// Identity returns the detected identity and whether Setup has succeeded.
func (h *Hub) Identity() (domain.DeviceIdentity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identity, h.ready
}

// Ready reports whether Setup has succeeded.
func (h *Hub) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Connected reports whether a good reply arrived within the connected timeout.
func (h *Hub) Connected() bool {
	return h.session.IsConnected()
}

// Setup reads the identity and detection registers, sets the capability
// flags and rebuilds the poll groups.
func (h *Hub) Setup(ctx context.Context) (domain.DeviceIdentity, error) {
	regs := make(map[uint16]uint16)
	for _, ranges := range [][]protocol.Range{registers.SystemIDRanges(), registers.ComponentDetectRanges()} {
		group := bus.PollGroup{Ranges: ranges}
		resp, err := h.scheduler.Submit(ctx, scheduler.CommandTypeDetect, scheduler.PriorityHigh, group.Request())
		if err != nil {
			return domain.DeviceIdentity{}, fmt.Errorf("failed to read detection registers: %w", err)
		}
		addrs := group.Addresses()
		if len(resp.Values) != len(addrs) {
			return domain.DeviceIdentity{}, fmt.Errorf("failed to read detection registers: got %d values for %d addresses",
				len(resp.Values), len(addrs))
		}
		for i, addr := range addrs {
			regs[addr] = resp.Values[i]
		}
	}

	id := Detect(regs)
	h.bus.SetCapabilities(id.Capabilities)
	groups := h.bus.RebuildPollGroups()

	h.mu.Lock()
	h.identity = id
	h.ready = true
	callbacks := append([]func(domain.DeviceIdentity){}, h.onSetup...)
	h.mu.Unlock()

	h.logger.Info().
		Str("model", id.Model).
		Str("serial", id.Serial).
		Str("abc_program", id.ABCProgram).
		Float64("abc_version", id.ABCVersion).
		Bool("awl_thermostat", id.Capabilities.AWLThermostat).
		Bool("awl_axb", id.Capabilities.AWLAXB).
		Bool("awl_iz2", id.Capabilities.AWLIZ2).
		Bool("axb", id.Capabilities.HasAXB).
		Bool("vs_drive", id.Capabilities.HasVSDrive).
		Bool("energy", id.Capabilities.HasEnergyMonitoring).
		Bool("refrigeration", id.Capabilities.HasRefrigerationMonitoring).
		Int("iz2_zones", id.IZ2Zones).
		Int("poll_groups", len(groups)).
		Msg("Device detected")

	for _, fn := range callbacks {
		fn(id)
	}
	return id, nil
}

// PollOnce reads every poll group and dispatches the values. A group that
// fails is skipped; an error is returned only when every group failed.
func (h *Hub) PollOnce(ctx context.Context) error {
	if !h.Ready() {
		return ErrNotSetup
	}

	groups := h.bus.PollGroups()
	var failed int
	var lastErr error
	for _, g := range groups {
		if err := h.pollGroup(ctx, g); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			lastErr = err
			h.logger.Warn().Err(err).Int("size", g.Size()).Msg("Poll group failed")
		}
	}

	h.mu.Lock()
	h.polls++
	if failed > 0 {
		h.failures++
	}
	h.mu.Unlock()

	if len(groups) > 0 && failed == len(groups) {
		return fmt.Errorf("failed to poll any of %d groups: %w", failed, lastErr)
	}
	return nil
}

func (h *Hub) pollGroup(ctx context.Context, g bus.PollGroup) error {
	resp, err := h.scheduler.Submit(ctx, scheduler.CommandTypePoll, scheduler.PriorityNormal, g.Request())
	if err != nil {
		return err
	}
	addrs := g.Addresses()
	if len(resp.Values) != len(addrs) {
		return fmt.Errorf("got %d values for %d addresses", len(resp.Values), len(addrs))
	}

	h.logger.Debug().Int("registers", len(addrs)).Msg("Dispatching poll group")
	for i, addr := range addrs {
		h.bus.Dispatch(addr, resp.Values[i])
	}
	return nil
}

// Run sets up the hub, retrying every update interval until it succeeds,
// then polls every update interval until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.update(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Hub) update(ctx context.Context) {
	if !h.Ready() {
		if _, err := h.Setup(ctx); err != nil {
			if ctx.Err() == nil {
				h.logger.Warn().Err(err).Msg("Device setup failed, will retry")
			}
			return
		}
	}
	if err := h.PollOnce(ctx); err != nil && ctx.Err() == nil {
		h.logger.Warn().Err(err).Msg("Poll failed")
	}
}

// WriteRegister sends one register write at urgent priority. Registers in
// the thermostat and zone blocks are written with the multi-register
// function, everything else with write single.
func (h *Hub) WriteRegister(ctx context.Context, addr, value uint16) error {
	var frame []byte
	if _, _, ok := bus.ClassifyWrite(addr); ok || addr >= registers.Breakpoint1 {
		frame = protocol.BuildWriteRegisters([]protocol.RegisterWrite{{Address: addr, Value: value}})
	} else {
		frame = protocol.BuildWriteSingle(addr, value)
	}

	if _, err := h.scheduler.Submit(ctx, scheduler.CommandTypeRegisterWrite, scheduler.PriorityUrgent, frame); err != nil {
		return err
	}
	h.logger.Info().Uint16("address", addr).Uint16("value", value).Msg("Register written")
	return nil
}

// ReadRegisters reads addrs directly, bypassing the bus.
func (h *Hub) ReadRegisters(ctx context.Context, addrs []uint16) ([]uint16, error) {
	resp, err := h.scheduler.Submit(ctx, scheduler.CommandTypeRegisterRead, scheduler.PriorityHigh, protocol.BuildReadRegisters(addrs))
	if err != nil {
		return nil, fmt.Errorf("failed to read registers: %w", err)
	}
	if len(resp.Values) != len(addrs) {
		return nil, fmt.Errorf("failed to read registers: got %d values for %d addresses", len(resp.Values), len(addrs))
	}
	return resp.Values, nil
}

// Stats summarizes the hub for the API and metrics.
type Stats struct {
	Ready        bool                 `json:"ready"`
	Connected    bool                 `json:"connected"`
	Polls        int64                `json:"polls"`
	PollFailures int64                `json:"poll_failures"`
	PollGroups   int                  `json:"poll_groups"`
	Session      session.SessionStats `json:"session"`
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{Ready: h.ready, Polls: h.polls, PollFailures: h.failures}
	h.mu.RUnlock()
	s.Connected = h.Connected()
	s.PollGroups = len(h.bus.PollGroups())
	s.Session = h.session.GetStats()
	return s
}
