package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Ledger used in tests and local development.
type Memory struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-memory ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now, entries: make(map[string]*Entry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Create(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	stored := *entry
	stored.Phase = PhaseGathering
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.entries[stored.ID] = &stored

	entry.Phase = stored.Phase
	entry.CreatedAt = stored.CreatedAt
	entry.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *entry
	out.History = append([]Message(nil), entry.History...)
	return &out, nil
}

func (m *Memory) AppendMessage(ctx context.Context, id string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if entry.Phase.Terminal() {
		return ErrPhaseRegression
	}
	entry.History = append(entry.History, msg)
	entry.MessageCount = len(entry.History)
	entry.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) StartGeneration(ctx context.Context, id, collectedContext string) error {
	return m.advance(id, PhaseGenerating, nil, func(e *Entry) {
		e.CollectedContext = collectedContext
	})
}

func (m *Memory) MarkCompleted(ctx context.Context, id string, outcome Outcome) error {
	return m.advance(id, PhaseCompleted, &outcome, nil)
}

func (m *Memory) MarkFailed(ctx context.Context, id string, outcome Outcome) error {
	return m.advance(id, PhaseFailed, &outcome, nil)
}

func (m *Memory) advance(id string, next Phase, outcome *Outcome, mutate func(*Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	noop, err := checkAdvance(entry.Phase, next)
	if err != nil {
		return err
	}
	if noop {
		return nil
	}

	now := m.now().UTC()
	entry.Phase = next
	entry.UpdatedAt = now
	if mutate != nil {
		mutate(entry)
	}
	if outcome != nil {
		entry.Attempts = outcome.Attempts
		entry.Model = outcome.Model
		entry.PlanID = outcome.PlanID
		entry.FilledFieldCount = outcome.FilledFieldCount
		entry.FailureReason = outcome.FailureReason
	}
	if next.Terminal() {
		completed := now
		entry.CompletedAt = &completed
	}
	return nil
}

func (m *Memory) MarkNotificationSent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	entry.NotificationSent = true
	entry.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) ListActive(ctx context.Context, userID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, entry := range m.entries {
		if entry.UserID == userID && !entry.Phase.Terminal() {
			copied := *entry
			out = append(out, &copied)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) ListCompletedUnnotified(ctx context.Context, userID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, entry := range m.entries {
		if entry.UserID == userID && entry.Phase == PhaseCompleted && !entry.NotificationSent {
			copied := *entry
			out = append(out, &copied)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, entry := range m.entries {
		if entry.Phase.Terminal() && entry.UpdatedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func sortByCreated(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
