// Package guard stops the same signal from being turned into two orders.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Guard claims idempotency keys. Claim returns false when the key is already
// held, together with the order id that holds it.
type Guard interface {
	Claim(ctx context.Context, key, orderID string) (bool, string, error)
	Release(ctx context.Context, key string) error
}

const keyPrefix = "executor:idempotency:"

// RedisGuard shares claims between executor processes.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisGuard(ctx context.Context, addr, password string, ttl time.Duration, logger *zap.Logger) (*RedisGuard, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisGuard{client: c, ttl: ttl, logger: logger}, nil
}

func (g *RedisGuard) Claim(ctx context.Context, key, orderID string) (bool, string, error) {
	ok, err := g.client.SetNX(ctx, keyPrefix+key, orderID, g.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return true, orderID, nil
	}

	holder, err := g.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; the caller may retry.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to read idempotency key: %w", err)
	}

	g.logger.Info("Idempotency key already claimed",
		zap.String("key", key),
		zap.String("order_id", holder))
	return false, holder, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// MemoryGuard keeps claims in process. It is used when no Redis is
// configured.
type MemoryGuard struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	claims map[string]claim
}

type claim struct {
	orderID string
	expires time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, now: time.Now, claims: make(map[string]claim)}
}

func (g *MemoryGuard) Claim(_ context.Context, key, orderID string) (bool, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if c, ok := g.claims[key]; ok && now.Before(c.expires) {
		return false, c.orderID, nil
	}

	// Drop expired claims while the lock is held anyway.
	for k, c := range g.claims {
		if !now.Before(c.expires) {
			delete(g.claims, k)
		}
	}

	g.claims[key] = claim{orderID: orderID, expires: now.Add(g.ttl)}
	return true, orderID, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}
