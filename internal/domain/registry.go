// Package domain provides core domain implementations.
package domain

import (
	"sort"
	"sync"
	"time"
)

// StateStore keeps the latest state and description of every entity and
// fans updates out to subscribers.
type StateStore struct {
	states      map[string]EntityState
	infos       map[string]EntityInfo
	subscribers map[int]func(EntityState)
	nextSubID   int
	now         func() time.Time
	mutex       sync.RWMutex
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{
		states:      make(map[string]EntityState),
		infos:       make(map[string]EntityInfo),
		subscribers: make(map[int]func(EntityState)),
		now:         time.Now,
	}
}

// Register records the description of an entity.
func (s *StateStore) Register(info EntityInfo) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.infos[info.ID] = info
}

// Unregister forgets the description and last state of an entity.
func (s *StateStore) Unregister(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.infos, id)
	delete(s.states, id)
}

// Publish implements EntitySink: it stores state and notifies subscribers.
func (s *StateStore) Publish(state EntityState) {
	if state.Timestamp.IsZero() {
		state.Timestamp = s.now()
	}

	s.mutex.Lock()
	s.states[state.ID] = state
	subs := make([]func(EntityState), 0, len(s.subscribers))
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, s.subscribers[id])
	}
	s.mutex.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// Subscribe registers fn for every future update. The returned function
// removes the subscription.
func (s *StateStore) Subscribe(fn func(EntityState)) func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.subscribers, id)
	}
}

// Get returns the latest state of an entity.
func (s *StateStore) Get(id string) (EntityState, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	state, ok := s.states[id]
	return state, ok
}

// Info returns the description of an entity.
func (s *StateStore) Info(id string) (EntityInfo, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	info, ok := s.infos[id]
	return info, ok
}

// All returns every known state sorted by entity id.
func (s *StateStore) All() []EntityState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	states := make([]EntityState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// Infos returns every registered description sorted by entity id.
func (s *StateStore) Infos() []EntityInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	infos := make([]EntityInfo, 0, len(s.infos))
	for _, info := range s.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
