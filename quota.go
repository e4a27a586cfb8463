package spiegami

import (
	"context"
	"time"
)

// QuotaSnapshot reports the state of a caller's daily allowance.
// Metered is false when the counter store is disabled or unreachable;
// Remaining and Limit carry no meaning in that mode.
type QuotaSnapshot struct {
	Remaining int64
	Limit     int64
	ResetAt   time.Time
	Metered   bool
}

// QuotaGate decides whether a caller may start a new generation today.
// Implementations coordinate through their backing store's atomic
// primitive; the gate itself holds no cross-request state.
type QuotaGate interface {
	// Consume atomically charges one unit against the caller's counter
	// for the current UTC day, creating the counter at the daily limit
	// if it does not exist yet. Initialization, decrement and read must
	// be indivisible with respect to concurrent callers sharing the key.
	// Returns ErrQuotaExhausted when the counter is already spent; the
	// snapshot is populated either way. A failing store degrades to an
	// unmetered snapshot, never to a refusal.
	Consume(ctx context.Context, callerKey string) (QuotaSnapshot, error)

	// Peek reads the caller's counter without charging it.
	Peek(ctx context.Context, callerKey string) (QuotaSnapshot, error)
}

// UnmeteredGate admits everything. Used when no counter store is configured.
type UnmeteredGate struct{}

var _ QuotaGate = UnmeteredGate{}

func (UnmeteredGate) Consume(context.Context, string) (QuotaSnapshot, error) {
	return QuotaSnapshot{}, nil
}

func (UnmeteredGate) Peek(context.Context, string) (QuotaSnapshot, error) {
	return QuotaSnapshot{}, nil
}

// DayStamp formats t's UTC calendar day for use in counter keys.
func DayStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextUTCMidnight returns the expiry instant for counters created at t.
func NextUTCMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}
