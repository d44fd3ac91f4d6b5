// Package lock provides a Redis-backed mutual exclusion lock so that replicas
// of the server agree on who may commit bookings for a doctor's day.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by a release whose lease already expired or was
// taken over by another holder.
var ErrNotHeld = errors.New("lock not held")

// Only the holder that set the token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Config holds lease settings.
type Config struct {
	Prefix     string
	TTL        time.Duration
	RetryEvery time.Duration
}

// DefaultConfig returns default lease settings.
func DefaultConfig() Config {
	return Config{
		Prefix:     "docslot:lock:",
		TTL:        10 * time.Second,
		RetryEvery: 25 * time.Millisecond,
	}
}

// RedisLocker hands out leases with SET NX PX and a random token. A lease
// that outlives TTL lapses on its own, so TTL must exceed the longest commit.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    Config
}

func NewRedisLocker(client redis.UniversalClient, cfg Config) *RedisLocker {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = def.RetryEvery
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// Acquire polls until key is free, ctx ends, or Redis fails.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("setnx %s: %w", redisKey, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}

		timer := time.NewTimer(l.cfg.RetryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
		if err != nil {
			return fmt.Errorf("release %s: %w", redisKey, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}
}
