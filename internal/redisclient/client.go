package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

// Client wraps Redis for coordination between replicas. Inventory counters never live here;
// PostgreSQL is their only source of truth.
type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	newToken      func() string
}

// NewClient creates a new Redis client and checks the connection
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

	return New(rdb), nil
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		newToken:      func() string { return uuid.New().String() },
	}
}

// Ping checks the connection, used by the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AcquireLock tries to take the named lock for ttl. On success it returns the owner token
// that ReleaseLock needs; ok is false when someone else holds the lock.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = c.newToken()
	ok, err = c.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes the lock if token still owns it. It reports false when the lock had
// already expired or been taken over.
func (c *Client) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(name)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return result == 1, nil
}

// MarkProcessed records an inbound event id. It returns false if the id was already
// recorded, meaning the event is a redelivery whose side effects already happened.
func (c *Client) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	first, err := c.rdb.SetNX(ctx, processedKey(eventID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	return first, nil
}

// ForgetProcessed removes a mark so a failed side effect can be retried on redelivery.
func (c *Client) ForgetProcessed(ctx context.Context, eventID string) error {
	if err := c.rdb.Del(ctx, processedKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to clear event %s: %w", eventID, err)
	}
	return nil
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func processedKey(eventID string) string {
	return fmt.Sprintf("processed:%s", eventID)
}
