package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/biomex/biomex/internal/config"
)

func testProvider(t *testing.T) *config.Provider {
	t.Helper()
	s := config.DefaultSnapshot()
	s.RateLimits = map[string]config.Bucket{
		"orders":  {Capacity: 5, RefillPerSec: 1},
		"default": {Capacity: 2, RefillPerSec: 0.5},
	}
	return config.NewProvider(s)
}

func TestMemoryStoreBurstThenDeny(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()

	b := config.Bucket{Capacity: 5, RefillPerSec: 1}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := store.Take(ctx, "orders:u1", b, 1)
		if err != nil {
			t.Fatalf("Take failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res, err := store.Take(ctx, "orders:u1", b, 1)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if res.Allowed {
		t.Error("6th request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Second {
		t.Errorf("expected retry-after within 1s, got %v", res.RetryAfter)
	}
}

func TestMemoryStoreRefill(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()

	b := config.Bucket{Capacity: 5, RefillPerSec: 1}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Take(ctx, "k", b, 1)
	}

	clk.Add(3 * time.Second)

	for i := 0; i < 3; i++ {
		res, _ := store.Take(ctx, "k", b, 1)
		if !res.Allowed {
			t.Fatalf("refilled request %d should be allowed", i+1)
		}
	}
	if res, _ := store.Take(ctx, "k", b, 1); res.Allowed {
		t.Error("4th request after 3s refill should be denied")
	}
}

func TestMemoryStoreRefillCapsAtCapacity(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()

	b := config.Bucket{Capacity: 3, RefillPerSec: 10}
	ctx := context.Background()

	store.Take(ctx, "k", b, 1)
	clk.Add(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if res, _ := store.Take(ctx, "k", b, 1); res.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("expected exactly capacity allowed after long idle, got %d", allowed)
	}
}

func TestMemoryStoreCost(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()

	b := config.Bucket{Capacity: 10, RefillPerSec: 1}
	ctx := context.Background()

	res, _ := store.Take(ctx, "k", b, 7)
	if !res.Allowed || res.Remaining != 3 {
		t.Errorf("expected allowed with 3 remaining, got %+v", res)
	}
	res, _ = store.Take(ctx, "k", b, 7)
	if res.Allowed {
		t.Error("second cost-7 take should be denied")
	}
	// 4 more tokens needed at 1/s
	if res.RetryAfter < 3*time.Second || res.RetryAfter > 5*time.Second {
		t.Errorf("expected ~4s retry-after, got %v", res.RetryAfter)
	}
}

func TestMemoryStoreKeysAreIndependent(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()

	b := config.Bucket{Capacity: 1, RefillPerSec: 1}
	ctx := context.Background()

	if res, _ := store.Take(ctx, "orders:u1", b, 1); !res.Allowed {
		t.Fatal("u1 should be allowed")
	}
	if res, _ := store.Take(ctx, "orders:u1", b, 1); res.Allowed {
		t.Fatal("u1 should now be empty")
	}
	if res, _ := store.Take(ctx, "orders:u2", b, 1); !res.Allowed {
		t.Error("u2 must not share u1's bucket")
	}
}

func TestMemoryStoreEvictsIdleBuckets(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()

	b := config.Bucket{Capacity: 5, RefillPerSec: 1}
	ctx := context.Background()

	store.Take(ctx, "old", b, 1)
	clk.Add(2 * time.Hour)
	store.Take(ctx, "fresh", b, 1)

	store.evictIdle(clk.Now())

	if store.Len() != 1 {
		t.Errorf("expected only the fresh bucket to survive, got %d", store.Len())
	}
}

func TestLimiterUsesNamedBucket(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()
	l := NewLimiter(testProvider(t), store)

	ctx := context.Background()
	res, err := l.Check(ctx, "orders", "u1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Limit != 5 {
		t.Errorf("expected orders bucket limit 5, got %d", res.Limit)
	}

	res, err = l.Check(ctx, "something_else", "u1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Limit != 2 {
		t.Errorf("expected fallback to default bucket limit 2, got %d", res.Limit)
	}
}

func TestLimiterBucketsIsolatedPerName(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()
	l := NewLimiter(testProvider(t), store)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Check(ctx, "orders", "u1", 1)
	}
	if res, _ := l.Check(ctx, "orders", "u1", 1); res.Allowed {
		t.Fatal("orders bucket should be drained")
	}
	// Draining orders must not touch the default bucket for the same id.
	if res, _ := l.Check(ctx, "default", "u1", 1); !res.Allowed {
		t.Error("default bucket should still have tokens")
	}
}

func TestLimiterPicksUpTunableChanges(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()
	provider := testProvider(t)
	l := NewLimiter(provider, store)

	ctx := context.Background()
	res, _ := l.Check(ctx, "orders", "u1", 1)
	if res.Limit != 5 {
		t.Fatalf("expected limit 5, got %d", res.Limit)
	}

	err := provider.Update(func(s *config.Snapshot) {
		s.RateLimits["orders"] = config.Bucket{Capacity: 2, RefillPerSec: 1}
	})
	if err != nil {
		t.Fatalf("tunable update failed: %v", err)
	}

	res, _ = l.Check(ctx, "orders", "u1", 1)
	if res.Limit != 2 {
		t.Errorf("expected shrunk limit 2, got %d", res.Limit)
	}
	if res.Remaining > 2 {
		t.Errorf("remaining must be clamped to new capacity, got %d", res.Remaining)
	}
}

func TestLimiterZeroCostCountsAsOne(t *testing.T) {
	clk := clock.NewMock()
	store := NewMemoryStore(clk)
	defer store.Close()
	l := NewLimiter(testProvider(t), store)

	res, err := l.Check(context.Background(), "orders", "u1", 0)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Remaining != 4 {
		t.Errorf("zero cost should spend one token, remaining=%d", res.Remaining)
	}
}
