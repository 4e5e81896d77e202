/**
 * @description
 * Auto-refill support: a distributed guard ensuring at most one refill
 * checkout is in flight per account. The guard is a Redis SETNX key with a
 * TTL; while it holds, repeated low-balance charges and sweep passes skip
 * checkout creation. The actual credit grant always arrives later through the
 * payment-confirmed event, never from the trigger itself.
 *
 * @dependencies
 * - context, strings, time: Standard Go libraries.
 * - github.com/redis/go-redis/v9: Distributed guard storage.
 * - github.com/google/uuid: Account identifiers.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RefillGuard limits each account to one pending auto-refill checkout.
type RefillGuard interface {
	// TryAcquire marks a refill as pending. It returns false when a refill is
	// already in flight for the account.
	TryAcquire(ctx context.Context, accountID uuid.UUID) (bool, error)
	// Release clears the pending marker, called once the payment settles.
	Release(ctx context.Context, accountID uuid.UUID) error
}

// RedisRefillGuard implements RefillGuard with SETNX + TTL so an abandoned
// checkout eventually unblocks the account.
type RedisRefillGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisRefillGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRefillGuard {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "credits:refill_pending"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisRefillGuard{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (g *RedisRefillGuard) key(accountID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", g.prefix, accountID)
}

func (g *RedisRefillGuard) TryAcquire(ctx context.Context, accountID uuid.UUID) (bool, error) {
	return g.client.SetNX(ctx, g.key(accountID), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

func (g *RedisRefillGuard) Release(ctx context.Context, accountID uuid.UUID) error {
	return g.client.Del(ctx, g.key(accountID)).Err()
}

// NoopRefillGuard always grants acquisition. Used when Redis is not
// configured; duplicate checkouts are then possible but harmless, since the
// grant side stays idempotent on the payment event id.
type NoopRefillGuard struct{}

func (NoopRefillGuard) TryAcquire(ctx context.Context, accountID uuid.UUID) (bool, error) {
	return true, nil
}

func (NoopRefillGuard) Release(ctx context.Context, accountID uuid.UUID) error { return nil }
