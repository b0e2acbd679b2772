package replayguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard is a nonce guard shared across workflow instances. SET NX
// with expiry makes check-and-record a single atomic server-side
// operation; Redis evicts records after the window.
type RedisGuard struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisGuard creates a guard on an existing client. The window must
// cover the maximum mandate TTL plus clock-skew tolerance.
func NewRedisGuard(client *redis.Client, window time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		window: window,
		prefix: "replay:",
	}
}

// DialRedisGuard connects to Redis and returns a guard over the connection.
func DialRedisGuard(addr, password string, db int, window time.Duration) *RedisGuard {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisGuard{client: rdb, window: window, prefix: "replay:"}
}

// CheckAndRecord atomically records the nonce if unseen within the window.
func (g *RedisGuard) CheckAndRecord(ctx context.Context, nonce string, ts time.Time) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+nonce, ts.UTC().Unix(), g.window).Result()
	if err != nil {
		return false, fmt.Errorf("replayguard: redis setnx: %w", err)
	}
	return ok, nil
}

// Close releases the underlying connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
