//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/simplifai/spiegami"
	quotaredis "github.com/simplifai/spiegami/quota/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestGate(t *testing.T, client *goredis.Client, limit int64) *quotaredis.Gate {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	g := quotaredis.New(client, limit, quotaredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return g
}

func TestConsumeDecrements(t *testing.T) {
	client := newTestClient(t)
	gate := newTestGate(t, client, 3)
	ctx := context.Background()

	snap, err := gate.Consume(ctx, "caller")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if snap.Remaining != 2 || snap.Limit != 3 || !snap.Metered {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	snap, err = gate.Consume(ctx, "caller")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if snap.Remaining != 1 {
		t.Fatalf("expected remaining=1, got %d", snap.Remaining)
	}
}

func TestConsumeExhausted(t *testing.T) {
	client := newTestClient(t)
	gate := newTestGate(t, client, 1)
	ctx := context.Background()

	if _, err := gate.Consume(ctx, "caller"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	for i := 0; i < 3; i++ {
		snap, err := gate.Consume(ctx, "caller")
		if !errors.Is(err, spiegami.ErrQuotaExhausted) {
			t.Fatalf("expected ErrQuotaExhausted, got %v", err)
		}
		if snap.ResetAt.IsZero() {
			t.Fatalf("expected reset time on exhausted snapshot")
		}
	}
}

func TestPeekDoesNotCharge(t *testing.T) {
	client := newTestClient(t)
	gate := newTestGate(t, client, 5)
	ctx := context.Background()

	snap, err := gate.Peek(ctx, "caller")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if snap.Remaining != 5 {
		t.Fatalf("expected full quota for unseen caller, got %d", snap.Remaining)
	}

	if _, err := gate.Consume(ctx, "caller"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	for i := 0; i < 3; i++ {
		snap, err = gate.Peek(ctx, "caller")
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if snap.Remaining != 4 {
			t.Fatalf("expected remaining=4, got %d", snap.Remaining)
		}
	}
}

func TestConcurrentConsumes(t *testing.T) {
	client := newTestClient(t)
	gate := newTestGate(t, client, 5)
	ctx := context.Background()

	const n = 20
	results := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, results[idx] = gate.Consume(ctx, "shared")
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, spiegami.ErrQuotaExhausted):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 5 {
		t.Fatalf("expected exactly 5 admitted, got %d", admitted)
	}
}

func TestCallersAreIndependent(t *testing.T) {
	client := newTestClient(t)
	gate := newTestGate(t, client, 1)
	ctx := context.Background()

	if _, err := gate.Consume(ctx, "a"); err != nil {
		t.Fatalf("consume a: %v", err)
	}
	if _, err := gate.Consume(ctx, "a"); !errors.Is(err, spiegami.ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted for a, got %v", err)
	}
	if _, err := gate.Consume(ctx, "b"); err != nil {
		t.Fatalf("consume b: %v", err)
	}
}

func TestStoreFailureAdmitsUnmetered(t *testing.T) {
	// A client pointed at a closed port fails every command.
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:1"})
	t.Cleanup(func() { client.Close() })
	gate := quotaredis.New(client, 5)
	ctx := context.Background()

	snap, err := gate.Consume(ctx, "caller")
	if err != nil {
		t.Fatalf("expected nil error on store failure, got %v", err)
	}
	if snap.Metered {
		t.Fatalf("expected unmetered snapshot, got %+v", snap)
	}
}
