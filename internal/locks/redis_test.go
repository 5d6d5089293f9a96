package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "sokopay:test:lock:", nil).WithTTL(2 * time.Second), mr
}

func TestRedis_Exclusion(t *testing.T) {
	l, _ := newRedisLocker(t)

	release, err := l.Lock(context.Background(), "order")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "order")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "acquired a held lock")

	release()
	release2, err := l.Lock(context.Background(), "order")
	require.NoError(t, err)
	release2()
}

func TestRedis_AbandonedLeaseExpires(t *testing.T) {
	l, mr := newRedisLocker(t)

	// A replica that died while holding the lock.
	require.NoError(t, mr.Set("sokopay:test:lock:abandoned", "dead-holder"))
	mr.SetTTL("sokopay:test:lock:abandoned", 2*time.Second)
	mr.FastForward(3 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := l.Lock(ctx, "abandoned")
	require.NoError(t, err, "lease did not expire")
	release()
}

func TestRedis_LeaseRenewedWhileHeld(t *testing.T) {
	l, mr := newRedisLocker(t)
	l.WithTTL(150 * time.Millisecond)
	key := "sokopay:test:lock:slow"

	release, err := l.Lock(context.Background(), "slow")
	require.NoError(t, err)
	defer release()

	// Age the lease close to expiry; the holder must push it back out.
	mr.FastForward(120 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(key) > 100*time.Millisecond
	}, time.Second, 10*time.Millisecond)

	// Several TTLs of wall time later the lock is still held.
	time.Sleep(400 * time.Millisecond)
	mr.FastForward(100 * time.Millisecond)
	assert.True(t, mr.Exists(key))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "slow")
	assert.Error(t, err, "second holder acquired a lock still in use")
}

func TestRedis_ReleaseStopsRenewal(t *testing.T) {
	l, mr := newRedisLocker(t)
	l.WithTTL(90 * time.Millisecond)
	key := "sokopay:test:lock:done"

	release, err := l.Lock(context.Background(), "done")
	require.NoError(t, err)
	release()
	release() // second call is a no-op

	assert.False(t, mr.Exists(key))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, mr.Exists(key), "renewal resurrected a released lock")
}

func TestRedis_DoesNotTouchAnotherHoldersKey(t *testing.T) {
	l, mr := newRedisLocker(t)
	l.WithTTL(90 * time.Millisecond)
	key := "sokopay:test:lock:stolen"

	release, err := l.Lock(context.Background(), "stolen")
	require.NoError(t, err)

	// The lease was lost and someone else took the key.
	mr.Del(key)
	require.NoError(t, mr.Set(key, "other-holder"))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, mr.TTL(key), "renewal extended a key it does not own")

	release()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-holder", got)
}
