// Package redislocker provides a count.BatchLocker shared by every server
// process that talks to the same Redis.
package redislocker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/count-engine/count"
)

// Locker obtains one Redis lock per batch. The TTL bounds how long a crashed
// holder can block a batch.
type Locker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	retries int
	logger  logrus.FieldLogger
}

type Options struct {
	TTL     time.Duration // default 30s
	Backoff time.Duration // default 100ms
	Retries int           // default 50
	Logger  logrus.FieldLogger
}

// New wraps an existing redis client.
func New(rdb redis.UniversalClient, opts Options) *Locker {
	l := &Locker{
		client:  redislock.New(rdb),
		ttl:     opts.TTL,
		backoff: opts.Backoff,
		retries: opts.Retries,
		logger:  opts.Logger,
	}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Second
	}
	if l.backoff <= 0 {
		l.backoff = 100 * time.Millisecond
	}
	if l.retries <= 0 {
		l.retries = 50
	}
	if l.logger == nil {
		l.logger = logrus.StandardLogger()
	}
	return l
}

// Connect dials Redis and fails if it does not answer a ping.
func Connect(ctx context.Context, addr string, opts Options) (*Locker, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       0,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return New(rdb, opts), rdb, nil
}

// Key returns the redis key guarding a batch.
func Key(id count.BatchID) string {
	return fmt.Sprintf("count:batch:%d:lock", id)
}

func (l *Locker) Lock(ctx context.Context, id count.BatchID) (func(), error) {
	lock, err := l.client.Obtain(ctx, Key(id), l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: batch %d", count.ErrLockNotObtained, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain batch lock: %w", err)
	}

	return func() {
		// The request context may already be done; release regardless.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithFields(logrus.Fields{
				"module":   "redislocker",
				"func":     "Lock",
				"batch_id": id,
			}).WithError(err).Warn("failed to release batch lock")
		}
	}, nil
}
