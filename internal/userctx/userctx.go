// Package userctx supplies the per-user profile snapshot that prompt
// assembly embeds into generation requests.
package userctx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Profile is the slice of a user's account that matters for plan
// generation. All fields are optional; empty values are omitted from
// the prompt rendering.
type Profile struct {
	UserID        string   `json:"userId"`
	Age           int      `json:"age,omitempty"`
	WeightKg      float64  `json:"weightKg,omitempty"`
	HeightCm      float64  `json:"heightCm,omitempty"`
	Goal          string   `json:"goal,omitempty"`
	ActivityLevel string   `json:"activityLevel,omitempty"`
	Restrictions  []string `json:"restrictions,omitempty"`
	Equipment     []string `json:"equipment,omitempty"`
}

// PromptLines renders the profile as labelled lines for inclusion in a
// system prompt. Empty fields produce no line.
func (p Profile) PromptLines() string {
	var b strings.Builder
	write := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	if p.Age > 0 {
		write("Age", fmt.Sprintf("%d", p.Age))
	}
	if p.WeightKg > 0 {
		write("Weight", fmt.Sprintf("%.1f kg", p.WeightKg))
	}
	if p.HeightCm > 0 {
		write("Height", fmt.Sprintf("%.0f cm", p.HeightCm))
	}
	write("Goal", p.Goal)
	write("Activity level", p.ActivityLevel)
	write("Dietary restrictions", strings.Join(p.Restrictions, ", "))
	write("Available equipment", strings.Join(p.Equipment, ", "))
	return b.String()
}

// Provider fetches the profile for a user. Implementations talk to the
// account store; Cached wraps any of them with a TTL.
type Provider interface {
	Fetch(ctx context.Context, userID string) (Profile, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, userID string) (Profile, error)

func (f ProviderFunc) Fetch(ctx context.Context, userID string) (Profile, error) {
	return f(ctx, userID)
}

const defaultTTL = 30 * time.Minute

type cacheEntry struct {
	profile   Profile
	fetchedAt time.Time
}

// Cached decorates a Provider with a per-user TTL cache so repeated
// prompt builds within one conversation do not refetch the profile.
type Cached struct {
	inner Provider
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// CachedOption configures a Cached provider.
type CachedOption func(*Cached)

// WithTTL overrides the default 30 minute freshness window.
func WithTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.ttl = ttl }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) CachedOption {
	return func(c *Cached) { c.now = now }
}

// NewCached wraps inner with a TTL cache.
func NewCached(inner Provider, opts ...CachedOption) *Cached {
	c := &Cached{
		inner:   inner,
		ttl:     defaultTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the cached profile when fresh, refetching otherwise.
// Fetch errors are not cached; the next call retries the inner provider.
func (c *Cached) Fetch(ctx context.Context, userID string) (Profile, error) {
	c.mu.Lock()
	entry, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.profile, nil
	}

	profile, err := c.inner.Fetch(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile for %s: %w", userID, err)
	}

	c.mu.Lock()
	c.entries[userID] = cacheEntry{profile: profile, fetchedAt: c.now()}
	c.mu.Unlock()
	return profile, nil
}

// Invalidate drops the cached entry for userID, forcing the next Fetch
// to hit the inner provider.
func (c *Cached) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
