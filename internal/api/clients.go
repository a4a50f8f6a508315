package api

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const clientQueueSize = 100

// ClientManager keeps one outbound queue per websocket client.
type ClientManager struct {
	queues  map[string]chan []byte
	mutex   sync.RWMutex
	nextID  atomic.Uint64
	dropped atomic.Int64
	logger  zerolog.Logger
}

// NewClientManager creates a new client manager.
func NewClientManager(logger zerolog.Logger) *ClientManager {
	return &ClientManager{
		queues: make(map[string]chan []byte),
		logger: logger.With().Str("component", "ws_clients").Logger(),
	}
}

// Add creates a queue for a new client and returns its id.
func (cm *ClientManager) Add(remote string) (string, <-chan []byte) {
	id := fmt.Sprintf("%s#%d", remote, cm.nextID.Add(1))
	queue := make(chan []byte, clientQueueSize)

	cm.mutex.Lock()
	cm.queues[id] = queue
	cm.mutex.Unlock()

	cm.logger.Debug().Str("client", id).Msg("Client connected")
	return id, queue
}

// Send queues msg for one client. A full queue drops the message.
func (cm *ClientManager) Send(id string, msg []byte) error {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	queue, ok := cm.queues[id]
	if !ok {
		return fmt.Errorf("unknown client %s", id)
	}
	select {
	case queue <- msg:
		return nil
	default:
		cm.dropped.Add(1)
		return fmt.Errorf("queue is full for client %s", id)
	}
}

// Broadcast queues msg for every client and returns how many accepted it.
func (cm *ClientManager) Broadcast(msg []byte) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	sent := 0
	for id, queue := range cm.queues {
		select {
		case queue <- msg:
			sent++
		default:
			cm.dropped.Add(1)
			cm.logger.Debug().Str("client", id).Msg("Client queue full, dropping update")
		}
	}
	return sent
}

// Remove closes and forgets a client's queue.
func (cm *ClientManager) Remove(id string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if queue, ok := cm.queues[id]; ok {
		close(queue)
		delete(cm.queues, id)
		cm.logger.Debug().Str("client", id).Msg("Client disconnected")
	}
}

// Count returns the number of connected clients.
func (cm *ClientManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.queues)
}

// Dropped returns how many messages were dropped on full queues.
func (cm *ClientManager) Dropped() int64 {
	return cm.dropped.Load()
}
