// Package service wires the board link, entities and outputs into one server.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/api"
	"github.com/resident-x/go-waterfurnace/internal/bus"
	"github.com/resident-x/go-waterfurnace/internal/catalog"
	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/config"
	"github.com/resident-x/go-waterfurnace/internal/control"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/homeassistant"
	"github.com/resident-x/go-waterfurnace/internal/hub"
	"github.com/resident-x/go-waterfurnace/internal/metrics"
	"github.com/resident-x/go-waterfurnace/internal/pubsub"
	"github.com/resident-x/go-waterfurnace/internal/registers"
	"github.com/resident-x/go-waterfurnace/internal/validation"
)

const (
	stateQueueSize   = 256
	publishTimeout   = 10 * time.Second
	discoveryTimeout = 30 * time.Second
)

// StatePublisher publishes entity states and discovery and delivers commands.
type StatePublisher interface {
	domain.MessagePublisher
	PublishState(ctx context.Context, state domain.EntityState) error
	PublishDiscovery(ctx context.Context, identity domain.DeviceIdentity, entities []homeassistant.Entity) error
	PublishCleanup(ctx context.Context, infos []domain.EntityInfo) error
	SetCommandHandler(h pubsub.CommandHandler)
}

// HeatPumpServer polls the board and fans entity states out to MQTT,
// Prometheus and the HTTP API.
type HeatPumpServer struct {
	config     *config.Config
	bus        *bus.Bus
	hub        *hub.Hub
	store      *domain.StateStore
	entities   *catalog.Entities
	controller *control.Controller
	validator  *validation.Validator
	metrics    *metrics.Collector
	apiServer  *api.Server
	publisher  StatePublisher
	disabled   []domain.EntityInfo
	retired    []domain.EntityInfo

	states      chan domain.EntityState
	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      zerolog.Logger
	startTime   time.Time
}

// NewHeatPumpServer builds every component for the board behind t.
func NewHeatPumpServer(cfg *config.Config, t hub.Transport, publisher StatePublisher) (*HeatPumpServer, error) {
	logger := log.With().Str("component", "server").Logger()

	b := bus.New(
		bus.WithCooldown(cfg.Polling.WriteCooldown),
		bus.WithMaxGap(uint16(cfg.Polling.MaxGap)),
		bus.WithMaxGroupSize(cfg.Polling.MaxGroupSize),
	)
	h := hub.New(t, b, hub.Config{
		UpdateInterval:   cfg.Polling.UpdateInterval,
		ConnectedTimeout: cfg.Polling.ConnectedTimeout,
	})

	full, err := catalog.Load(cfg.Entities.CatalogFile)
	if err != nil {
		return nil, err
	}
	store := domain.NewStateStore()
	entities, err := catalog.Build(full.Without(cfg.Entities.Disabled...), b, store, cfg.Zones)
	if err != nil {
		return nil, err
	}

	if publisher == nil {
		publisher = pubsub.NewNoopPublisher()
	}

	s := &HeatPumpServer{
		config:     cfg,
		bus:        b,
		hub:        h,
		store:      store,
		entities:   entities,
		controller: control.New(entities, b),
		validator:  validation.NewValidator(validation.ValidationLevelStandard, logger),
		publisher:  publisher,
		disabled:   full.Infos(cfg.Entities.Disabled...),
		states:     make(chan domain.EntityState, stateQueueSize),
		logger:     logger,
	}
	publisher.SetCommandHandler(s.controller)

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(h)
		s.unsubscribe = append(s.unsubscribe, store.Subscribe(s.metrics.Observe))
	}
	s.unsubscribe = append(s.unsubscribe, store.Subscribe(s.enqueueState))

	if cfg.API.Enabled {
		deps := api.Deps{
			Device:     h,
			Store:      store,
			Controller: s.controller,
			Validator:  s.validator,
		}
		if s.metrics != nil {
			deps.Metrics = s.metrics.Handler()
		}
		s.apiServer = api.NewServer(cfg, deps)
	}

	h.OnSetup(s.handleSetup)
	return s, nil
}

// Hub returns the board hub.
func (s *HeatPumpServer) Hub() *hub.Hub { return s.hub }

// Store returns the entity state store.
func (s *HeatPumpServer) Store() *domain.StateStore { return s.store }

// Controller returns the command controller.
func (s *HeatPumpServer) Controller() *control.Controller { return s.controller }

// Start connects the publisher and starts polling and the API.
func (s *HeatPumpServer) Start(ctx context.Context) error {
	s.startTime = time.Now()
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.publisher.Connect(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("failed to connect message publisher: %w", err)
	}
	if err := s.hub.Start(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			s.cancel()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.forwardStates(ctx)
	}()
	go func() {
		defer s.wg.Done()
		_ = s.hub.Run(ctx)
	}()

	s.logger.Info().
		Ints("zones", s.entities.ZoneNumbers()).
		Bool("auto_zones", s.config.AutoZones).
		Dur("update_interval", s.config.Polling.UpdateInterval).
		Msg("Server started")
	return nil
}

// Stop gracefully shuts down all server components.
func (s *HeatPumpServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}
	if err := s.hub.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to stop hub")
	}
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}
	return nil
}

// handleSetup runs after every successful detection: identity text
// sensors, IZ2 zones and discovery depend on what was found.
func (s *HeatPumpServer) handleSetup(id domain.DeviceIdentity) {
	s.entities.HandleIdentity(id)

	if s.config.AutoZones && id.Capabilities.AWLIZ2 {
		added := false
		for n := 1; n <= id.IZ2Zones && n <= registers.MaxIZ2Zones; n++ {
			if _, ok := s.entities.Zone(n); ok {
				continue
			}
			if _, err := s.entities.AddZone(n, s.bus, s.store); err != nil {
				s.logger.Error().Err(err).Int("zone", n).Msg("Failed to add IZ2 zone")
				continue
			}
			added = true
		}
		if added {
			groups := s.bus.RebuildPollGroups()
			s.logger.Info().Ints("zones", s.entities.ZoneNumbers()).Int("poll_groups", len(groups)).Msg("IZ2 zones added")
		}
	}

	// With IZ2 zones in place the thermostat registers no longer
	// describe a zone of their own.
	if id.Capabilities.AWLIZ2 && s.hasIZ2Zone() {
		if info, ok := s.entities.RemoveZone(0, s.store); ok {
			s.retired = append(s.retired, info)
			s.logger.Info().Str("entity", info.ID).Msg("Thermostat zone replaced by IZ2 zones")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()
	if err := s.publisher.PublishDiscovery(ctx, id, s.discoveryEntities()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish discovery")
	}
	if err := s.publisher.PublishCleanup(ctx, s.cleanupInfos()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear discovery for disabled entities")
	}
}

// discoveryEntities lists every registered entity with zone traits attached.
func (s *HeatPumpServer) hasIZ2Zone() bool {
	for _, n := range s.entities.ZoneNumbers() {
		if n > 0 {
			return true
		}
	}
	return false
}

// cleanupInfos lists entities whose discovery must be cleared: the
// disabled ones and any zone retired after detection.
func (s *HeatPumpServer) cleanupInfos() []domain.EntityInfo {
	out := make([]domain.EntityInfo, 0, len(s.disabled)+len(s.retired))
	out = append(out, s.disabled...)
	return append(out, s.retired...)
}

func (s *HeatPumpServer) discoveryEntities() []homeassistant.Entity {
	traits := make(map[string]climate.Traits)
	for _, z := range s.entities.Zones() {
		traits[z.Info().ID] = z.Traits()
	}

	infos := s.store.Infos()
	out := make([]homeassistant.Entity, 0, len(infos))
	for _, info := range infos {
		e := homeassistant.Entity{Info: info}
		if t, ok := traits[info.ID]; ok {
			e.Traits = &t
		}
		out = append(out, e)
	}
	return out
}

// enqueueState hands a state to the publisher goroutine so a slow broker
// never blocks polling.
func (s *HeatPumpServer) enqueueState(state domain.EntityState) {
	select {
	case s.states <- state:
	default:
		s.logger.Debug().Str("entity", state.ID).Msg("State queue full, dropping update")
	}
}

func (s *HeatPumpServer) forwardStates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-s.states:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := s.publisher.PublishState(pubCtx, state); err != nil {
				s.logger.Debug().Err(err).Str("entity", state.ID).Msg("Failed to publish state")
			}
			cancel()
		}
	}
}

// GetMetrics returns a summary of the server for logging.
func (s *HeatPumpServer) GetMetrics() map[string]interface{} {
	stats := s.hub.Stats()
	m := map[string]interface{}{
		"uptime":        time.Since(s.startTime).String(),
		"ready":         stats.Ready,
		"connected":     stats.Connected,
		"polls":         stats.Polls,
		"poll_failures": stats.PollFailures,
		"poll_groups":   stats.PollGroups,
		"zones":         s.entities.ZoneNumbers(),
		"entities":      len(s.store.Infos()),
		"validation":    s.validator.Stats(),
	}
	if s.apiServer != nil {
		m["websocket_clients"] = s.apiServer.Clients().Count()
	}
	return m
}
