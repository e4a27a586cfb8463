// Package redis provides a Redis-backed QuotaGate.
//
// The counter for a (day, caller) pair is created, decremented, and read by
// a single Lua script, so two simultaneous first requests from the same
// caller can never both observe a full quota. This makes it safe for
// multi-instance deployments.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/simplifai/spiegami"
)

// Gate is a Redis-backed QuotaGate.
type Gate struct {
	client    goredis.Cmdable
	limit     int64
	keyPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

var _ spiegami.QuotaGate = (*Gate)(nil)

// Option configures Gate.
type Option func(*Gate)

// WithKeyPrefix sets the Redis key prefix (default "spiegami:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(g *Gate) { g.keyPrefix = prefix }
}

// WithLogger sets the logger used for store-failure warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Redis-backed gate admitting limit start requests per
// caller per UTC day. The client must be a connected *goredis.Client or
// *goredis.ClusterClient.
func New(client goredis.Cmdable, limit int64, opts ...Option) *Gate {
	g := &Gate{
		client:    client,
		limit:     limit,
		keyPrefix: "spiegami:quota:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// consumeScript initializes the day's counter if absent, charges one unit,
// and reads the result, all in one round trip. The counter expires at the
// next UTC midnight and simply ceases to exist.
// KEYS[1] = counter key
// ARGV[1] = daily limit
// ARGV[2] = expiry (unix seconds)
var consumeScript = goredis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "NX", "EXAT", ARGV[2])
return redis.call("DECR", KEYS[1])
`)

func (g *Gate) key(day, callerKey string) string {
	return g.keyPrefix + day + ":" + callerKey
}

// Consume atomically charges one unit against the caller's counter for
// the current UTC day. An unreachable store degrades to an explicit
// unmetered snapshot: quota failure must not block all traffic.
func (g *Gate) Consume(ctx context.Context, callerKey string) (spiegami.QuotaSnapshot, error) {
	now := g.now().UTC()
	resetAt := spiegami.NextUTCMidnight(now)
	key := g.key(spiegami.DayStamp(now), callerKey)

	v, err := consumeScript.Run(ctx, g.client, []string{key}, g.limit, resetAt.Unix()).Int64()
	if err != nil {
		g.logger.Warn("quota store unavailable, admitting unmetered", "error", err)
		return spiegami.QuotaSnapshot{}, nil
	}

	snap := spiegami.QuotaSnapshot{Limit: g.limit, ResetAt: resetAt, Metered: true}
	if v < 0 {
		return snap, spiegami.ErrQuotaExhausted
	}
	snap.Remaining = v
	return snap, nil
}

// Peek reads the caller's counter without charging it. An absent counter
// means the caller has not started anything today.
func (g *Gate) Peek(ctx context.Context, callerKey string) (spiegami.QuotaSnapshot, error) {
	now := g.now().UTC()
	resetAt := spiegami.NextUTCMidnight(now)
	key := g.key(spiegami.DayStamp(now), callerKey)

	snap := spiegami.QuotaSnapshot{Limit: g.limit, ResetAt: resetAt, Metered: true}

	v, err := g.client.Get(ctx, key).Int64()
	switch {
	case errors.Is(err, goredis.Nil):
		snap.Remaining = g.limit
		return snap, nil
	case err != nil:
		g.logger.Warn("quota store unavailable, admitting unmetered", "error", err)
		return spiegami.QuotaSnapshot{}, nil
	}
	if v < 0 {
		v = 0
	}
	snap.Remaining = v
	return snap, nil
}
