// Package quota provides in-process QuotaGate implementations.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/simplifai/spiegami"
)

// MemoryGate is an in-process QuotaGate with daily reset. Suitable for
// tests and single-instance deployments; multi-instance deployments need
// the redis or postgres gates.
type MemoryGate struct {
	limit int64
	now   func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	remaining int64
	expiresAt time.Time
}

var _ spiegami.QuotaGate = (*MemoryGate)(nil)

// MemoryOption configures a MemoryGate.
type MemoryOption func(*MemoryGate)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGate) { g.now = now }
}

// NewMemoryGate creates a gate admitting limit start requests per caller
// per UTC day.
func NewMemoryGate(limit int64, opts ...MemoryOption) *MemoryGate {
	g := &MemoryGate{
		limit:    limit,
		now:      time.Now,
		counters: make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Consume charges one unit against the caller's counter for today.
func (g *MemoryGate) Consume(_ context.Context, callerKey string) (spiegami.QuotaSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	key := spiegami.DayStamp(now) + ":" + callerKey

	c, ok := g.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &counter{remaining: g.limit, expiresAt: spiegami.NextUTCMidnight(now)}
		g.counters[key] = c
		g.prune(now)
	}

	snap := spiegami.QuotaSnapshot{Limit: g.limit, ResetAt: c.expiresAt, Metered: true}
	if c.remaining <= 0 {
		c.remaining = 0
		return snap, spiegami.ErrQuotaExhausted
	}
	c.remaining--
	snap.Remaining = c.remaining
	return snap, nil
}

// Peek reads the caller's counter for today without charging it.
func (g *MemoryGate) Peek(_ context.Context, callerKey string) (spiegami.QuotaSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	key := spiegami.DayStamp(now) + ":" + callerKey

	snap := spiegami.QuotaSnapshot{
		Limit:   g.limit,
		ResetAt: spiegami.NextUTCMidnight(now),
		Metered: true,
	}
	c, ok := g.counters[key]
	if !ok || now.After(c.expiresAt) {
		snap.Remaining = g.limit
		return snap, nil
	}
	snap.Remaining = c.remaining
	snap.ResetAt = c.expiresAt
	return snap, nil
}

// prune drops counters from previous days. Must be called with the lock held.
func (g *MemoryGate) prune(now time.Time) {
	for key, c := range g.counters {
		if now.After(c.expiresAt) {
			delete(g.counters, key)
		}
	}
}
