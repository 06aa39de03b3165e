package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "killswitch:payouts:"

type cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSwitch stores per-scope flags under killswitch:payouts:<scope>.
// A missing key means enabled. A Redis failure reports disabled together
// with the error so that no payout starts on an unknown switch state.
type RedisSwitch struct {
	client cmdable
	logger *slog.Logger
}

// NewRedisSwitch creates a switch backed by client.
func NewRedisSwitch(client cmdable, logger *slog.Logger) *RedisSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSwitch{client: client, logger: logger}
}

// NewRedisClient opens a client from a redis:// URL and verifies it.
func NewRedisClient(ctx context.Context, url string, dialTimeout, readTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if dialTimeout > 0 {
		opts.DialTimeout = dialTimeout
	}
	if readTimeout > 0 {
		opts.ReadTimeout = readTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Key returns the Redis key for scope.
func Key(scope Scope) string {
	return keyPrefix + string(scope)
}

func (r *RedisSwitch) PayoutsDisabled(ctx context.Context, countryCode string) (bool, error) {
	disabled, err := r.get(ctx, ScopeGlobal)
	if err != nil || disabled || countryCode == "" {
		return disabled || err != nil, err
	}
	disabled, err = r.get(ctx, NormalizeScope(countryCode))
	return disabled || err != nil, err
}

func (r *RedisSwitch) get(ctx context.Context, scope Scope) (bool, error) {
	v, err := r.client.Get(ctx, Key(scope)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("kill switch read failed", "scope", scope, "error", err, "alert", true)
		return true, fmt.Errorf("read kill switch %s: %w", scope, err)
	}
	disabled, err := strconv.ParseBool(v)
	if err != nil {
		return true, fmt.Errorf("kill switch %s has non-boolean value %q", scope, v)
	}
	return disabled, nil
}

// Set flips scope. Enabling deletes the key.
func (r *RedisSwitch) Set(ctx context.Context, scope Scope, disabled bool) error {
	if !disabled {
		return r.client.Del(ctx, Key(scope)).Err()
	}
	return r.client.Set(ctx, Key(scope), "true", 0).Err()
}

// Status reports the stored flag for each scope.
func (r *RedisSwitch) Status(ctx context.Context, scopes ...Scope) (map[Scope]bool, error) {
	out := make(map[Scope]bool, len(scopes))
	for _, sc := range scopes {
		disabled, err := r.get(ctx, sc)
		if err != nil {
			return nil, err
		}
		out[sc] = disabled
	}
	return out, nil
}
