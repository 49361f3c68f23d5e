package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/biomex/biomex/internal/domain"
)

// RedisStore shares the session table across API processes. Keys live
// under "session:" and expire with the session TTL, so Redis handles
// session expiry natively.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on an existing client owned by the caller.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "session:"}
}

// Put implements SessionStore. The read and the write are two commands;
// concurrent logins for one user can misreport the replaced flag, but the
// last SET always wins, which is exactly the newest-session-wins rule.
func (s *RedisStore) Put(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	key := s.prefix + userID
	replaced := true
	if _, err := s.rdb.Get(ctx, key).Result(); err != nil {
		if err != redis.Nil {
			return false, fmt.Errorf("failed to read session: %w", err)
		}
		replaced = false
	}
	if err := s.rdb.Set(ctx, key, sessionID, ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to store session: %w", err)
	}
	return replaced, nil
}

// Get implements SessionStore.
func (s *RedisStore) Get(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, s.prefix+userID).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no live session for %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	return id, nil
}

// Delete implements SessionStore.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.prefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
