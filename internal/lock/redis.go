package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"go_certorch/internal/certerr"
)

// RedisLocker is a Locker shared by every orchestrator process on one Redis
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *logrus.Entry
}

// NewRedisLocker builds a locker. ttl must exceed the longest provider call
// made while a lock is held.
func NewRedisLocker(rdb *redis.Client, prefix string, ttl, retry time.Duration) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		prefix: prefix,
		ttl:    ttl,
		retry:  retry,
		logger: logrus.WithField("component", "lock"),
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	l, err := r.client.Obtain(ctx, full, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, &certerr.TimeoutError{Operation: "lock " + key, Err: err}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, &certerr.TimeoutError{Operation: "lock " + key, Err: ctx.Err()}
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// the caller's ctx may already be cancelled, release must still happen
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.WithError(err).WithField("key", full).Warn("failed to release lock")
		}
	}, nil
}
