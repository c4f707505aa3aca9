package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Locker serializes reconciliation per order number
type Locker interface {
	Lock(ctx context.Context, orderNo string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed lock
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a keyed lock that gives up after wait
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]*keyLock),
		wait:  wait,
	}
}

// Lock blocks until orderNo is free, the wait elapses or ctx is done
func (l *LocalLocker) Lock(ctx context.Context, orderNo string) (func(), error) {
	start := time.Now()

	l.mu.Lock()
	kl, ok := l.locks[orderNo]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[orderNo] = kl
	}
	kl.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case kl.ch <- struct{}{}:
		util.LockWaitSeconds.Observe(time.Since(start).Seconds())
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.release(orderNo, kl)
			})
		}, nil
	case <-timer.C:
		l.release(orderNo, kl)
		return nil, &ReconciliationLockTimeoutError{OrderNo: orderNo, Waited: time.Since(start)}
	case <-ctx.Done():
		l.release(orderNo, kl)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(orderNo string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, orderNo)
	}
}

var errLockHeld = errors.New("lock held by another owner")

// RedisLocker is a distributed lock shared by every instance of the service
type RedisLocker struct {
	client *redisclient.Client
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a redis-backed locker. ttl bounds how long a crashed
// holder can block an order; wait bounds how long Lock polls.
func NewRedisLocker(client *redisclient.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		logger: util.GetLogger(),
	}
}

// Lock polls with backoff until the lock is taken or wait elapses
func (l *RedisLocker) Lock(ctx context.Context, orderNo string) (func(), error) {
	key := fmt.Sprintf("reconcile:%s", orderNo)
	token := uuid.New().String()
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = l.wait

	acquire := func() error {
		ok, err := l.client.AcquireLock(ctx, key, token, l.ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}

	if err := backoff.Retry(acquire, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, &ReconciliationLockTimeoutError{OrderNo: orderNo, Waited: time.Since(start)}
		}
		return nil, fmt.Errorf("failed to acquire reconcile lock: %w", err)
	}
	util.LockWaitSeconds.Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			released, err := l.client.ReleaseLock(releaseCtx, key, token)
			if err != nil {
				l.logger.Warn("Failed to release reconcile lock", zap.String("order_no", orderNo), zap.Error(err))
				return
			}
			if !released {
				l.logger.Warn("Reconcile lock expired before release", zap.String("order_no", orderNo))
			}
		})
	}, nil
}
