// Package session tracks the state and statistics of the link to the ABC board.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/resident-x/go-waterfurnace/internal/protocol"
)

// ErrTimeout marks a request that got no reply in time. Transports wrap it.
var ErrTimeout = errors.New("no reply from device")

// SessionState represents the current state of the link.
type SessionState int

const (
	SessionStateDisconnected SessionState = iota
	SessionStateConnected
	SessionStateActive
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateConnected:
		return "connected"
	case SessionStateActive:
		return "active"
	case SessionStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is the link to one ABC board. A session is Active while good
// replies keep arriving within the connected timeout.
type Session struct {
	ID               string
	Endpoint         string
	State            SessionState
	ConnectedAt      time.Time
	LastActivity     time.Time
	LastCommand      time.Time
	BytesReceived    int64
	BytesSent        int64
	FramesReceived   int64
	FramesSent       int64
	CRCErrors        int64
	DeviceErrors     int64
	Timeouts         int64
	ErrorCount       int64
	connectedTimeout time.Duration
	now              func() time.Time
	mutex            sync.RWMutex
}

// NewSession creates a session for the link to endpoint.
func NewSession(endpoint string, connectedTimeout time.Duration) *Session {
	return newSession(endpoint, connectedTimeout, time.Now)
}

func newSession(endpoint string, connectedTimeout time.Duration, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:               generateSessionID(endpoint, t),
		Endpoint:         endpoint,
		State:            SessionStateConnected,
		ConnectedAt:      t,
		connectedTimeout: connectedTimeout,
		now:              now,
	}
}

// RecordRequest counts a frame sent to the board.
func (s *Session) RecordRequest(bytes int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesSent += int64(bytes)
	s.FramesSent++
	s.LastCommand = s.now()
}

// RecordResponse counts a good reply and marks the link active.
func (s *Session) RecordResponse(bytes int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesReceived += int64(bytes)
	s.FramesReceived++
	s.LastActivity = s.now()
	s.State = SessionStateActive
}

// RecordError classifies and counts a failed exchange.
func (s *Session) RecordError(err error) {
	if err == nil {
		return
	}
	var devErr *protocol.DeviceError
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrorCount++
	switch {
	case errors.Is(err, protocol.ErrBadCRC):
		s.CRCErrors++
	case errors.As(err, &devErr):
		s.DeviceErrors++
	case errors.Is(err, ErrTimeout):
		s.Timeouts++
	}
}

// IsConnected reports whether a good reply arrived within the connected timeout.
func (s *Session) IsConnected() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.State == SessionStateDisconnected || s.LastActivity.IsZero() {
		return false
	}
	return s.now().Sub(s.LastActivity) <= s.connectedTimeout
}

// GetState returns the session state, downgraded to connected when the
// board has gone quiet.
func (s *Session) GetState() SessionState {
	if s.IsConnected() {
		return SessionStateActive
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.State == SessionStateDisconnected {
		return SessionStateDisconnected
	}
	return SessionStateConnected
}

// Close marks the session disconnected.
func (s *Session) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.State = SessionStateDisconnected
}

// GetStats returns a copy of the session statistics.
func (s *Session) GetStats() SessionStats {
	state := s.GetState()
	connected := s.IsConnected()

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return SessionStats{
		ID:             s.ID,
		Endpoint:       s.Endpoint,
		State:          state,
		Connected:      connected,
		ConnectedAt:    s.ConnectedAt,
		LastActivity:   s.LastActivity,
		LastCommand:    s.LastCommand,
		BytesReceived:  s.BytesReceived,
		BytesSent:      s.BytesSent,
		FramesReceived: s.FramesReceived,
		FramesSent:     s.FramesSent,
		CRCErrors:      s.CRCErrors,
		DeviceErrors:   s.DeviceErrors,
		Timeouts:       s.Timeouts,
		ErrorCount:     s.ErrorCount,
		Duration:       s.now().Sub(s.ConnectedAt),
	}
}

// SessionStats represents session statistics for external consumption.
type SessionStats struct {
	ID             string        `json:"id"`
	Endpoint       string        `json:"endpoint"`
	State          SessionState  `json:"state"`
	Connected      bool          `json:"connected"`
	ConnectedAt    time.Time     `json:"connected_at"`
	LastActivity   time.Time     `json:"last_activity"`
	LastCommand    time.Time     `json:"last_command"`
	BytesReceived  int64         `json:"bytes_received"`
	BytesSent      int64         `json:"bytes_sent"`
	FramesReceived int64         `json:"frames_received"`
	FramesSent     int64         `json:"frames_sent"`
	CRCErrors      int64         `json:"crc_errors"`
	DeviceErrors   int64         `json:"device_errors"`
	Timeouts       int64         `json:"timeouts"`
	ErrorCount     int64         `json:"error_count"`
	Duration       time.Duration `json:"duration"`
}

// generateSessionID generates a unique session ID.
func generateSessionID(endpoint string, timestamp time.Time) string {
	return endpoint + "_" + timestamp.Format("20060102_150405.000000")
}
