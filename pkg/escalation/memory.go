package escalation

import (
	"context"
	"sync"
)

// MemoryStore keeps escalation state in process. Suitable for tests and
// single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[userID]
	if !ok {
		return &State{UserID: userID, Level: Clean}, nil
	}
	out := st
	out.History = append([]ViolationRef(nil), st.History...)
	return &out, nil
}

func (s *MemoryStore) Put(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.History = append([]ViolationRef(nil), state.History...)
	s.states[state.UserID] = cp
	return nil
}
