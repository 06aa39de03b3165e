package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "scheduler:lock:"

// Lock keeps a job from running on two instances at once.
type Lock interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// LocalLock only coordinates runs inside one process. It is used when no
// Redis is configured.
type LocalLock struct{}

func (LocalLock) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

type cmdable interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLock takes a per-job key with SET NX and a TTL, so a crashed
// instance cannot hold a job forever.
type RedisLock struct {
	client cmdable
}

// NewRedisLock creates a lock on client.
func NewRedisLock(client cmdable) *RedisLock {
	return &RedisLock{client: client}
}

// LockKey returns the Redis key guarding job.
func LockKey(job string) string {
	return lockPrefix + job
}

func (l *RedisLock) Acquire(ctx context.Context, job string, ttl time.Duration) (func(context.Context) error, bool, error) {
	owner := uuid.NewString()
	key := LockKey(job)
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		// Only delete the key if this run still owns it.
		value, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read lock owner: %w", err)
		}
		if value != owner {
			return nil
		}
		return l.client.Del(ctx, key).Err()
	}
	return release, true, nil
}
