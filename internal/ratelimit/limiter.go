// Package ratelimit admits or rejects API requests against named token
// buckets. Buckets are defined in the runtime tunables, so admin updates
// to capacity or refill rate apply to the next request without restarts.
package ratelimit

import (
	"context"
	"time"

	"github.com/biomex/biomex/internal/config"
)

// Result describes one admission decision with the metadata the HTTP
// layer exposes as X-RateLimit headers.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Store tracks token buckets keyed by caller identity.
type Store interface {
	// Take refills key's bucket for elapsed time, then spends cost tokens
	// if available. It never blocks waiting for tokens.
	Take(ctx context.Context, key string, b config.Bucket, cost int) (Result, error)

	// Close releases background resources
	Close() error
}

// Limiter resolves bucket definitions from the tunables and delegates
// admission to a store.
type Limiter struct {
	provider *config.Provider
	store    Store
}

// NewLimiter creates a limiter backed by the given store.
func NewLimiter(provider *config.Provider, store Store) *Limiter {
	return &Limiter{provider: provider, store: store}
}

// Check spends cost tokens from the named bucket on behalf of id. Unknown
// bucket names fall back to the "default" bucket. Store errors are the
// caller's to handle; the limiter itself never fails open.
func (l *Limiter) Check(ctx context.Context, bucket, id string, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	b := l.provider.Snapshot().Bucket(bucket)
	return l.store.Take(ctx, bucket+":"+id, b, cost)
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
