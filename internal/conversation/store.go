package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/planfit-dev/planfit/pkg/plan"
)

// ErrStateNotFound is returned when no conversation record exists for
// the user and plan type.
var ErrStateNotFound = errors.New("conversation state not found")

// Store persists conversation records, one per user and plan type.
type Store interface {
	Get(ctx context.Context, userID string, planType plan.Type) (*State, error)
	Set(ctx context.Context, userID string, planType plan.Type, state *State) error
	Delete(ctx context.Context, userID string, planType plan.Type) error
}

type stateKey struct {
	userID   string
	planType plan.Type
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[stateKey]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[stateKey]State)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string, planType plan.Type) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[stateKey{userID, planType}]
	if !ok {
		return nil, ErrStateNotFound
	}
	out := state
	out.Messages = append([]Message(nil), state.Messages...)
	return &out, nil
}

func (s *MemoryStore) Set(ctx context.Context, userID string, planType plan.Type, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *state
	stored.Messages = append([]Message(nil), state.Messages...)
	s.states[stateKey{userID, planType}] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string, planType plan.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, stateKey{userID, planType})
	return nil
}
