// Package api provides the HTTP and websocket API for the heat pump.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/config"
	"github.com/resident-x/go-waterfurnace/internal/control"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/hub"
	"github.com/resident-x/go-waterfurnace/internal/validation"
)

// Version is reported by the status endpoint.
var Version = "dev"

// maxReadCount bounds one register read request.
const maxReadCount = 64

// Device is the part of the hub the API reads from.
type Device interface {
	Identity() (domain.DeviceIdentity, bool)
	Stats() hub.Stats
	ReadRegisters(ctx context.Context, addrs []uint16) ([]uint16, error)
}

// Deps are the components the API serves.
type Deps struct {
	Device     Device
	Store      *domain.StateStore
	Controller *control.Controller
	Validator  *validation.Validator
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

// Server represents the HTTP API server.
type Server struct {
	config      *config.Config
	server      *http.Server
	router      *mux.Router
	deps        Deps
	converter   *FormatConverter
	clients     *ClientManager
	upgrader    websocket.Upgrader
	unsubscribe func()
	logger      zerolog.Logger
	startTime   time.Time
}

// NewServer creates a new HTTP API server and subscribes it to state updates
// for websocket clients.
func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := log.With().Str("component", "api").Logger()

	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		deps:      deps,
		converter: NewFormatConverter(),
		clients:   NewClientManager(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:    logger,
		startTime: time.Now(),
	}
	s.setupRoutes()
	s.unsubscribe = deps.Store.Subscribe(s.broadcastState)
	return s
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods("GET")
	}
	s.router.HandleFunc("/ws", s.handleWebsocket)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/device", s.handleDevice).Methods("GET")

	api.HandleFunc("/entities", s.handleListEntities).Methods("GET")
	api.HandleFunc("/entities/{id}", s.handleGetEntity).Methods("GET")

	api.HandleFunc("/zones", s.handleListZones).Methods("GET")
	api.HandleFunc("/zones/{zone:[0-9]+}", s.handleGetZone).Methods("GET")
	api.HandleFunc("/zones/{zone:[0-9]+}", s.handleUpdateZone).Methods("PUT")

	api.HandleFunc("/switches/{id}", s.handleSetSwitch).Methods("PUT")

	api.HandleFunc("/registers/{addr:[0-9]+}", s.handleReadRegisters).Methods("GET")
	api.HandleFunc("/registers/{addr:[0-9]+}", s.handleWriteRegister).Methods("POST")
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Clients returns the websocket client manager.
func (s *Server) Clients() *ClientManager {
	return s.clients
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.API.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", s.config.API.ListenAddr).Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Device.Stats()
	status, code := "ok", http.StatusOK
	if !stats.Ready || !stats.Connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.writeJSON(w, map[string]interface{}{
		"status":    status,
		"ready":     stats.Ready,
		"connected": stats.Connected,
	}, code)
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":            "ok",
		"version":           Version,
		"uptime":            time.Since(s.startTime).String(),
		"hub":               s.deps.Device.Stats(),
		"entities":          len(s.deps.Store.Infos()),
		"websocket_clients": s.clients.Count(),
	}
	if s.deps.Validator != nil {
		status["validation"] = s.deps.Validator.Stats()
	}
	s.writeJSON(w, status, http.StatusOK)
}

func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	identity, ok := s.deps.Device.Identity()
	if !ok {
		s.writeError(w, "Device setup has not completed", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, identity, http.StatusOK)
}

type entityResponse struct {
	domain.EntityInfo
	State *domain.EntityState `json:"state,omitempty"`
}

func (s *Server) entity(info domain.EntityInfo) entityResponse {
	resp := entityResponse{EntityInfo: info}
	if st, ok := s.deps.Store.Get(info.ID); ok {
		resp.State = &st
	}
	return resp
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	kind := domain.EntityKind(r.URL.Query().Get("kind"))
	infos := s.deps.Store.Infos()

	result := make([]entityResponse, 0, len(infos))
	for _, info := range infos {
		if kind != "" && info.Kind != kind {
			continue
		}
		result = append(result, s.entity(info))
	}
	s.writeJSON(w, map[string]interface{}{
		"entities": result,
		"count":    len(result),
	}, http.StatusOK)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := s.deps.Store.Info(id)
	if !ok {
		s.writeError(w, "Entity not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.entity(info), http.StatusOK)
}

type zoneResponse struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Traits climate.Traits `json:"traits"`
	State  climate.State  `json:"state"`
}

func newZoneResponse(z *climate.Zone) zoneResponse {
	info := z.Info()
	return zoneResponse{ID: info.ID, Name: info.Name, Traits: z.Traits(), State: z.State()}
}

func (s *Server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	zones := s.deps.Controller.Zones()
	result := make([]zoneResponse, 0, len(zones))
	for _, z := range zones {
		result = append(result, newZoneResponse(z))
	}
	s.writeJSON(w, map[string]interface{}{
		"zones": result,
		"count": len(result),
	}, http.StatusOK)
}

func (s *Server) zone(w http.ResponseWriter, r *http.Request) (*climate.Zone, int, bool) {
	n, err := strconv.Atoi(mux.Vars(r)["zone"])
	if err != nil {
		s.writeError(w, "Invalid zone", http.StatusBadRequest)
		return nil, 0, false
	}
	z, err := s.deps.Controller.Zone(n)
	if err != nil {
		s.writeError(w, "Zone not found", http.StatusNotFound)
		return nil, n, false
	}
	return z, n, true
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	z, _, ok := s.zone(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, newZoneResponse(z), http.StatusOK)
}

func (s *Server) handleUpdateZone(w http.ResponseWriter, r *http.Request) {
	z, n, ok := s.zone(w, r)
	if !ok {
		return
	}

	var update control.ZoneUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if s.deps.Validator != nil {
		if result := s.deps.Validator.ValidateZoneUpdate(n, update); !result.Valid {
			s.writeValidation(w, result)
			return
		}
	}

	if _, err := s.deps.Controller.UpdateZone(r.Context(), n, update); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, newZoneResponse(z), http.StatusOK)
}

type switchRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleSetSwitch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		s.writeError(w, `Body must be {"on": true|false}`, http.StatusBadRequest)
		return
	}
	if err := s.deps.Controller.SetSwitch(r.Context(), id, *req.On); err != nil {
		s.writeCommandError(w, err)
		return
	}
	st, _ := s.deps.Store.Get(id)
	s.writeJSON(w, st, http.StatusOK)
}

func (s *Server) handleReadRegisters(w http.ResponseWriter, r *http.Request) {
	addr, err := strconv.ParseUint(mux.Vars(r)["addr"], 10, 16)
	if err != nil {
		s.writeError(w, "Invalid register address", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	count := 1
	if c := query.Get("count"); c != "" {
		count, err = strconv.Atoi(c)
		if err != nil || count < 1 || count > maxReadCount || int(addr)+count > 65536 {
			s.writeError(w, fmt.Sprintf("count must be between 1 and %d", maxReadCount), http.StatusBadRequest)
			return
		}
	}
	format, err := s.converter.ParseFormat(query.Get("format"))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	addrs := make([]uint16, count)
	for i := range addrs {
		addrs[i] = uint16(int(addr) + i)
	}
	values, err := s.deps.Device.ReadRegisters(r.Context(), addrs)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"address": addr,
		"count":   count,
		"format":  format,
		"values":  s.converter.FormatValues(values, format),
	}, http.StatusOK)
}

type registerWriteRequest struct {
	Value  json.RawMessage `json:"value"`
	Format string          `json:"format"`
}

func (s *Server) handleWriteRegister(w http.ResponseWriter, r *http.Request) {
	addr, err := strconv.Atoi(mux.Vars(r)["addr"])
	if err != nil {
		s.writeError(w, "Invalid register address", http.StatusBadRequest)
		return
	}

	var req registerWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		s.writeError(w, "Body must contain a value", http.StatusBadRequest)
		return
	}
	format, err := s.converter.ParseFormat(req.Format)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Accept both "value": 12 and "value": "12".
	var raw string
	if err := json.Unmarshal(req.Value, &raw); err != nil {
		raw = string(req.Value)
	}

	value, err := s.converter.ParseValue(raw, format)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result *validation.ValidationResult
	if s.deps.Validator != nil {
		result = s.deps.Validator.ValidateRegisterWrite(addr, int(value))
		if !result.Valid {
			s.writeValidation(w, result)
			return
		}
	}

	if err := s.deps.Controller.WriteRegister(r.Context(), uint16(addr), value); err != nil {
		s.writeCommandError(w, err)
		return
	}

	resp := map[string]interface{}{
		"address": addr,
		"value":   value,
		"written": true,
	}
	if result != nil && result.HasWarnings() {
		resp["warnings"] = result.Warnings
	}
	s.writeJSON(w, resp, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, map[string]string{"error": message}, statusCode)
}

func (s *Server) writeValidation(w http.ResponseWriter, result *validation.ValidationResult) {
	s.writeJSON(w, map[string]interface{}{
		"error":    result.Summary(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}, http.StatusBadRequest)
}

// writeCommandError maps control errors to status codes. Anything not
// recognised is a failure talking to the board.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, control.ErrUnknownZone), errors.Is(err, control.ErrUnknownEntity):
		code = http.StatusNotFound
	case errors.Is(err, climate.ErrNoSingleTarget):
		code = http.StatusConflict
	case errors.Is(err, control.ErrEmptyUpdate), errors.Is(err, control.ErrPartialFanCycle),
		errors.Is(err, climate.ErrSetpointRange):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Msg("Command failed")
	}
	s.writeError(w, err.Error(), code)
}
