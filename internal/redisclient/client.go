package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

// pendingMarker is stored under an idempotency key while the first request runs
const pendingMarker = "__pending__"

// ErrIdempotencyPending means another request with the same key is in flight
var ErrIdempotencyPending = errors.New("idempotent request still in progress")

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return Wrap(rdb), nil
}

// Wrap builds a Client around an existing connection
func Wrap(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AcquireLock tries once to take the lock for token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
}

// ReleaseLock deletes the lock only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	n, err := c.releaseScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock script failed: %w", err)
	}
	return n == 1, nil
}

// ReserveIdempotencyKey claims key for a new request. It returns false when
// the key was already claimed.
func (c *Client) ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyName(key), pendingMarker, ttl).Result()
}

// SetIdempotencyKey stores the final result for key
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyName(key), value, ttl).Err()
}

// GetIdempotencyKey returns the stored result for key. found is false when
// the key does not exist; ErrIdempotencyPending is returned while the first
// request has not finished.
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (value []byte, found bool, err error) {
	value, err = c.rdb.Get(ctx, idempotencyName(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if string(value) == pendingMarker {
		return nil, true, ErrIdempotencyPending
	}
	return value, true, nil
}

// DeleteIdempotencyKey forgets key so the request may be retried
func (c *Client) DeleteIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyName(key)).Err()
}

func lockName(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func idempotencyName(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}
