package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/biomex/biomex/internal/domain"
)

// SessionStore tracks the single live session per user. Put supersedes
// whatever session the user had and reports whether a live one was
// replaced; Get returns ErrNotFound once the session expired or was
// deleted.
type SessionStore interface {
	Put(ctx context.Context, userID, sessionID string, ttl time.Duration) (replaced bool, err error)
	Get(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
}

type memorySession struct {
	id      string
	expires time.Time
}

// MemoryStore keeps sessions in-process for single-node runs and tests.
type MemoryStore struct {
	clock  clock.Clock
	mu     sync.Mutex
	byUser map[string]memorySession
}

// NewMemoryStore creates an empty in-process session store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{clock: clk, byUser: make(map[string]memorySession)}
}

// Put implements SessionStore.
func (s *MemoryStore) Put(_ context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	old, ok := s.byUser[userID]
	replaced := ok && now.Before(old.expires)
	s.byUser[userID] = memorySession{id: sessionID, expires: now.Add(ttl)}
	return replaced, nil
}

// Get implements SessionStore. Expired entries are dropped on read.
func (s *MemoryStore) Get(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUser[userID]
	if !ok || !s.clock.Now().Before(sess.expires) {
		delete(s.byUser, userID)
		return "", fmt.Errorf("no live session for %s: %w", userID, domain.ErrNotFound)
	}
	return sess.id, nil
}

// Delete implements SessionStore.
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUser, userID)
	return nil
}
