// Package postgres provides a PostgreSQL-backed QuotaGate.
//
// Initialize-if-absent and charge happen in a single
// INSERT ... ON CONFLICT ... RETURNING statement, so the operation is
// atomic without an explicit transaction. Expired counters are removed by
// PurgeExpired, which deployments run periodically.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/simplifai/spiegami"
)

// Gate is a PostgreSQL-backed QuotaGate.
type Gate struct {
	pool        *pgxpool.Pool
	limit       int64
	tablePrefix string
	logger      *slog.Logger
	now         func() time.Time
}

var _ spiegami.QuotaGate = (*Gate)(nil)

// Option configures Gate.
type Option func(*Gate)

// WithTablePrefix sets the table name prefix (default "spiegami_").
func WithTablePrefix(prefix string) Option {
	return func(g *Gate) { g.tablePrefix = prefix }
}

// WithLogger sets the logger used for store-failure warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a PostgreSQL-backed gate admitting limit start requests per
// caller per UTC day.
func New(pool *pgxpool.Pool, limit int64, opts ...Option) *Gate {
	g := &Gate{
		pool:        pool,
		limit:       limit,
		tablePrefix: "spiegami_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

func (g *Gate) countersTable() string { return g.tablePrefix + "quota_counters" }

// EnsureSchema creates the counters table if it does not exist.
func (g *Gate) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			day        DATE        NOT NULL,
			caller_key TEXT        NOT NULL,
			remaining  BIGINT      NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (day, caller_key)
		)
	`, g.countersTable())
	if _, err := g.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("spiegami/postgres: ensure schema: %w", err)
	}
	return nil
}

// Consume atomically charges one unit against the caller's counter for
// the current UTC day. An unreachable store degrades to an explicit
// unmetered snapshot: quota failure must not block all traffic.
func (g *Gate) Consume(ctx context.Context, callerKey string) (spiegami.QuotaSnapshot, error) {
	now := g.now().UTC()
	day := spiegami.DayStamp(now)
	resetAt := spiegami.NextUTCMidnight(now)

	q := fmt.Sprintf(`
		INSERT INTO %s (day, caller_key, remaining, expires_at)
		VALUES ($1, $2, $3 - 1, $4)
		ON CONFLICT (day, caller_key)
		DO UPDATE SET remaining = %s.remaining - 1
		RETURNING remaining
	`, g.countersTable(), g.countersTable())

	var remaining int64
	if err := g.pool.QueryRow(ctx, q, day, callerKey, g.limit, resetAt).Scan(&remaining); err != nil {
		g.logger.Warn("quota store unavailable, admitting unmetered", "error", err)
		return spiegami.QuotaSnapshot{}, nil
	}

	snap := spiegami.QuotaSnapshot{Limit: g.limit, ResetAt: resetAt, Metered: true}
	if remaining < 0 {
		return snap, spiegami.ErrQuotaExhausted
	}
	snap.Remaining = remaining
	return snap, nil
}

// Peek reads the caller's counter without charging it. An absent row means
// the caller has not started anything today.
func (g *Gate) Peek(ctx context.Context, callerKey string) (spiegami.QuotaSnapshot, error) {
	now := g.now().UTC()
	day := spiegami.DayStamp(now)
	resetAt := spiegami.NextUTCMidnight(now)

	snap := spiegami.QuotaSnapshot{Limit: g.limit, ResetAt: resetAt, Metered: true}

	q := fmt.Sprintf(`SELECT remaining FROM %s WHERE day = $1 AND caller_key = $2`, g.countersTable())

	var remaining int64
	err := g.pool.QueryRow(ctx, q, day, callerKey).Scan(&remaining)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		snap.Remaining = g.limit
		return snap, nil
	case err != nil:
		g.logger.Warn("quota store unavailable, admitting unmetered", "error", err)
		return spiegami.QuotaSnapshot{}, nil
	}
	if remaining < 0 {
		remaining = 0
	}
	snap.Remaining = remaining
	return snap, nil
}

// PurgeExpired deletes counters whose UTC day has passed and returns how
// many rows were removed.
func (g *Gate) PurgeExpired(ctx context.Context) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, g.countersTable())
	tag, err := g.pool.Exec(ctx, q, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("spiegami/postgres: purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
