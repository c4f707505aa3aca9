package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalLocker_SerializesPerOrder(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "order-a")
	require.NoError(t, err)

	// other orders are independent
	unlockB, err := l.Lock(ctx, "order-b")
	require.NoError(t, err)
	unlockB()

	_, err = l.Lock(ctx, "order-a")
	var timeout *ReconciliationLockTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "order-a", timeout.OrderNo)
	assert.True(t, Retryable(err))

	unlock()
	unlock()

	unlock, err = l.Lock(ctx, "order-a")
	require.NoError(t, err)
	unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks)
}

func TestLocalLocker_HandsOverOnUnlock(t *testing.T) {
	l := NewLocalLocker(time.Second)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "order-a")
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		u, err := l.Lock(ctx, "order-a")
		if err == nil {
			u()
		}
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	unlock()

	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker(time.Second)

	unlock, err := l.Lock(context.Background(), "order-a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Lock(ctx, "order-a")
	assert.ErrorIs(t, err, context.Canceled)
}

func newRedisLocker(t *testing.T, ttl, wait time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	util.SetLogger(zap.NewNop())
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(redisclient.Wrap(rdb), ttl, wait), mr
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l, mr := newRedisLocker(t, 30*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "order-a")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:reconcile:order-a"))

	_, err = l.Lock(ctx, "order-a")
	var timeout *ReconciliationLockTimeoutError
	require.ErrorAs(t, err, &timeout)

	unlock()
	assert.False(t, mr.Exists("lock:reconcile:order-a"))

	unlock, err = l.Lock(ctx, "order-a")
	require.NoError(t, err)
	unlock()
}

func TestRedisLocker_ExpiredHolderDoesNotReleaseNewOwner(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second, 100*time.Millisecond)
	ctx := context.Background()

	stale, err := l.Lock(ctx, "order-a")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := l.Lock(ctx, "order-a")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("lock:reconcile:order-a"))

	fresh()
	assert.False(t, mr.Exists("lock:reconcile:order-a"))
}

func TestRedisLocker_RedisDown(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second, 100*time.Millisecond)
	mr.Close()

	_, err := l.Lock(context.Background(), "order-a")

	require.Error(t, err)
	var timeout *ReconciliationLockTimeoutError
	assert.False(t, errors.As(err, &timeout))
	assert.True(t, Retryable(err))
}
