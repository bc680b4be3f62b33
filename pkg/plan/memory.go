package plan

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and the CLI.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

// Save stores a plan keyed by its ID.
func (s *MemoryStore) Save(ctx context.Context, p *Plan) error {
	if p.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

// LoadPending returns all pending plans for a user.
func (s *MemoryStore) LoadPending(ctx context.Context, userID string) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Plan
	for _, p := range s.plans {
		if p.UserID == userID && p.Status == StatusPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Update replaces a previously saved plan.
func (s *MemoryStore) Update(ctx context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; !ok {
		return fmt.Errorf("plan %q not found", p.ID)
	}
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

// Get returns a stored plan by ID, or nil.
func (s *MemoryStore) Get(id string) *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.plans[id]; ok {
		cp := *p
		return &cp
	}
	return nil
}
