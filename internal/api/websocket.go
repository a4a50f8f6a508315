package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/resident-x/go-waterfurnace/internal/domain"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 50 * time.Second
	wsCommandWait  = 30 * time.Second
)

// Message types sent to websocket clients.
const (
	MessageSnapshot = "snapshot"
	MessageState    = "state"
	MessageResult   = "result"
)

// wsMessage is one frame sent to a client.
type wsMessage struct {
	Type   string               `json:"type"`
	State  *domain.EntityState  `json:"state,omitempty"`
	States []domain.EntityState `json:"states,omitempty"`
	ID     string               `json:"id,omitempty"`
	Error  string               `json:"error,omitempty"`
	OK     *bool                `json:"ok,omitempty"`
}

// wsCommand is a command sent by a client, with the same fields as an MQTT
// command topic.
type wsCommand struct {
	ID      string `json:"id"`
	Entity  string `json:"entity_id"`
	Field   string `json:"field"`
	Payload string `json:"payload"`
}

func (s *Server) broadcastState(state domain.EntityState) {
	if s.clients.Count() == 0 {
		return
	}
	data, err := json.Marshal(wsMessage{Type: MessageState, State: &state})
	if err != nil {
		s.logger.Warn().Err(err).Str("entity", state.ID).Msg("Failed to encode state update")
		return
	}
	s.clients.Broadcast(data)
}

// handleWebsocket streams a snapshot and then every state update. Clients
// may send commands which are answered with a result frame.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	id, queue := s.clients.Add(r.RemoteAddr)
	defer s.clients.Remove(id)

	snapshot, err := json.Marshal(wsMessage{Type: MessageSnapshot, States: s.deps.Store.All()})
	if err == nil {
		_ = s.clients.Send(id, snapshot)
	}

	done := make(chan struct{})
	go s.readCommands(conn, id, done)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readCommands(conn *websocket.Conn, clientID string, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var cmd wsCommand
		reply := wsMessage{Type: MessageResult}
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply.Error = "invalid command: " + err.Error()
		} else {
			reply.ID = cmd.ID
			ctx, cancel := context.WithTimeout(context.Background(), wsCommandWait)
			if err := s.deps.Controller.Apply(ctx, cmd.Entity, cmd.Field, cmd.Payload); err != nil {
				reply.Error = err.Error()
			}
			cancel()
		}
		ok := reply.Error == ""
		reply.OK = &ok

		out, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if err := s.clients.Send(clientID, out); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to queue command result")
		}
	}
}
