package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLockTTL = 30 * time.Minute

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisLock is a best-effort distributed lock that keeps multiple worker
// replicas from running the same cycle concurrently.
type RedisLock struct {
	store redisStore
	key   string
	ttl   time.Duration
	owner string
}

// RedisLockParams configures a RedisLock.
type RedisLockParams struct {
	Store redisStore
	Key   string
	TTL   time.Duration
}

// NewRedisLock builds a lock around the given store and key.
func NewRedisLock(params RedisLockParams) (*RedisLock, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("redis store is required")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("lock key is required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{
		store: params.Store,
		key:   params.Key,
		ttl:   ttl,
	}, nil
}

// Acquire attempts to take the lock. It returns false when another owner
// currently holds it.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	acquired, err := l.store.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring cron lock: %w", err)
	}
	if acquired {
		l.owner = owner
	}
	return acquired, nil
}

// Release drops the lock, but only if this instance still owns it. A lock
// that expired and was re-acquired elsewhere is left untouched.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	current, err := l.store.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			l.owner = ""
			return nil
		}
		return fmt.Errorf("reading cron lock owner: %w", err)
	}
	if current != l.owner {
		l.owner = ""
		return nil
	}
	if err := l.store.Del(ctx, l.key); err != nil {
		return fmt.Errorf("releasing cron lock: %w", err)
	}
	l.owner = ""
	return nil
}
