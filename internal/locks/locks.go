// Package locks serializes work on a single order.
//
// Every transition on an order runs under the order's lock so that two
// callbacks, or a callback and a user action, never interleave their
// read-modify-write. LocalLocker serves a single process; RedisLocker
// extends the guarantee across replicas.
package locks

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker acquires a named lock. The returned release func must be called
// exactly once. Lock gives up with ctx.Err() when ctx ends first.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

const shardCount = 256

// LocalLocker is a fixed pool of channel-based mutexes. Keys hash onto
// shards, so unrelated keys may occasionally contend.
type LocalLocker struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewLocal creates an in-process locker.
func NewLocal() *LocalLocker {
	l := &LocalLocker{}
	l.init()
	return l
}

func (l *LocalLocker) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{}
		}
	})
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.init()
	shard := l.shards[shardIdx(key)]

	select {
	case <-shard:
		var once sync.Once
		return func() { once.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
