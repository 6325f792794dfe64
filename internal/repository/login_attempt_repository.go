package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const loginAttemptPrefix = "auth:login_attempts:"

// LoginAttemptRepository counts failed logins in Redis. A nil client turns
// every call into a no-op.
type LoginAttemptRepository struct {
	client *redis.Client
}

// NewLoginAttemptRepository constructs a LoginAttemptRepository.
func NewLoginAttemptRepository(client *redis.Client) *LoginAttemptRepository {
	return &LoginAttemptRepository{client: client}
}

// Count returns the failures recorded for key in the current window.
func (r *LoginAttemptRepository) Count(ctx context.Context, key string) (int64, error) {
	if r.client == nil {
		return 0, nil
	}
	n, err := r.client.Get(ctx, loginAttemptPrefix+key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get attempts %s: %w", key, err)
	}
	return n, nil
}

// Increment records a failure. The window starts with the first failure and
// is set in the same transaction as the increment, so a counter never outlives
// it. EXPIRE NX needs Redis 7.
func (r *LoginAttemptRepository) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if r.client == nil {
		return 0, nil
	}
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, loginAttemptPrefix+key)
		pipe.ExpireNX(ctx, loginAttemptPrefix+key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr attempts %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Reset clears the counter for key.
func (r *LoginAttemptRepository) Reset(ctx context.Context, key string) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, loginAttemptPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset attempts %s: %w", key, err)
	}
	return nil
}
