package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/biomex/biomex/internal/config"
)

const (
	janitorInterval = 10 * time.Minute
	idleEviction    = time.Hour
)

// bucketState is one caller's bucket. Tokens refill lazily on access, so
// idle buckets cost nothing until the janitor evicts them.
type bucketState struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// MemoryStore is the single-process token bucket store.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucketState
	clock   clock.Clock
	done    chan struct{}
	closed  sync.Once
}

// NewMemoryStore creates a store and starts its eviction janitor.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	s := &MemoryStore{
		buckets: make(map[string]*bucketState),
		clock:   clk,
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, b config.Bucket, cost int) (Result, error) {
	st := s.get(key, b)

	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.clock.Now()
	elapsed := now.Sub(st.last).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * b.RefillPerSec
	}
	// Capacity may have shrunk since the bucket was created.
	if st.tokens > float64(b.Capacity) {
		st.tokens = float64(b.Capacity)
	}
	st.last = now

	res := Result{Limit: b.Capacity}
	if st.tokens >= float64(cost) {
		st.tokens -= float64(cost)
		res.Allowed = true
	} else {
		deficit := float64(cost) - st.tokens
		res.RetryAfter = secondsToDuration(deficit / b.RefillPerSec)
	}
	res.Remaining = int(st.tokens)
	res.ResetAt = now.Add(secondsToDuration((float64(b.Capacity) - st.tokens) / b.RefillPerSec))
	return res, nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

// Len returns the number of live buckets, for stats endpoints.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// get returns or creates the bucket for key. New buckets start full.
func (s *MemoryStore) get(key string, b config.Bucket) *bucketState {
	s.mu.RLock()
	st, exists := s.buckets[key]
	s.mu.RUnlock()

	if exists {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if st, exists := s.buckets[key]; exists {
		return st
	}

	st = &bucketState{
		tokens: float64(b.Capacity),
		last:   s.clock.Now(),
	}
	s.buckets[key] = st
	return st
}

// janitor evicts buckets untouched for idleEviction. An evicted bucket
// that comes back starts full, which is what a full refill would have
// produced anyway.
func (s *MemoryStore) janitor() {
	ticker := s.clock.Ticker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.evictIdle(now)
		}
	}
}

func (s *MemoryStore) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, st := range s.buckets {
		st.mu.Lock()
		idle := now.Sub(st.last)
		st.mu.Unlock()
		if idle >= idleEviction {
			delete(s.buckets, key)
		}
	}
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
