package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL  = 30 * time.Second
	defaultPoll = 25 * time.Millisecond
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lease only if this holder still owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease-based lock shared by every replica pointed at the
// same Redis. The lease is extended every third of the TTL while held, so a
// slow critical section keeps the lock; a holder that dies loses it after
// the TTL.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedis creates a Redis-backed locker. Keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    defaultTTL,
		poll:   defaultPoll,
		logger: logger,
	}
}

// WithTTL sets the lease length.
func (r *RedisLocker) WithTTL(ttl time.Duration) *RedisLocker {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

// Lock implements Locker. It polls until the key is free or ctx ends.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return r.hold(k, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold keeps the lease alive until the returned release func is called.
func (r *RedisLocker) hold(k, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(k, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release must run even when the caller's context is already done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.logger.Warn("lock release failed", "key", k, "error", err)
			}
		})
	}
}

func (r *RedisLocker) renew(k, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := extendScript.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn("lock renewal failed", "key", k, "error", err)
				continue
			}
			if n == 0 {
				r.logger.Error("lock lease lost before release", "key", k)
				return
			}
		}
	}
}
