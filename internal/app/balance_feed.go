/**
 * @description
 * The balance change feed: a push channel carrying confirmed balance values
 * from the store to any session cache mirroring the account. The Redis
 * implementation publishes one message per committed charge/grant on a
 * per-account pub/sub channel, so a grant landing through the payment webhook
 * on one instance still reaches a session cached on another.
 *
 * The feed is notification plumbing only; the Ledger Store stays authoritative
 * and subscribers must tolerate missed or delayed messages.
 *
 * @dependencies
 * - context, encoding/json, log: Standard Go libraries.
 * - github.com/redis/go-redis/v9: Redis client, pub/sub surface.
 * - github.com/google/uuid: Account identifiers.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BalanceUpdate is one feed message: the confirmed balance of an account
// immediately after a committed ledger write.
type BalanceUpdate struct {
	AccountID    uuid.UUID `json:"account_id"`
	BalanceAfter int64     `json:"balance_after"`
	Action       string    `json:"action"`
}

// BalanceFeed publishes confirmed balance values and hands out per-account
// subscriptions.
type BalanceFeed interface {
	Publish(ctx context.Context, update BalanceUpdate) error
	// Subscribe returns a channel of updates for one account and a cancel
	// function releasing the subscription.
	Subscribe(ctx context.Context, accountID uuid.UUID) (<-chan BalanceUpdate, func(), error)
}

// RedisBalanceFeed implements BalanceFeed on Redis pub/sub.
type RedisBalanceFeed struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBalanceFeed creates a feed publishing on "<prefix>:<account-id>".
func NewRedisBalanceFeed(client redis.UniversalClient, prefix string) *RedisBalanceFeed {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "credits:balance"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	return &RedisBalanceFeed{client: client, prefix: trimmedPrefix}
}

func (f *RedisBalanceFeed) channel(accountID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", f.prefix, accountID)
}

// Publish sends one update. Failures are reported to the caller but are not
// fatal to the ledger write that triggered them.
func (f *RedisBalanceFeed) Publish(ctx context.Context, update BalanceUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel(update.AccountID), payload).Err()
}

// Subscribe opens a pub/sub subscription for one account and pumps decoded
// updates into the returned channel until the context ends or cancel is called.
func (f *RedisBalanceFeed) Subscribe(ctx context.Context, accountID uuid.UUID) (<-chan BalanceUpdate, func(), error) {
	pubsub := f.client.Subscribe(ctx, f.channel(accountID))
	// Force the subscription onto the wire before handing the channel out.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	updates := make(chan BalanceUpdate)
	go func() {
		defer close(updates)
		for msg := range pubsub.Channel() {
			var update BalanceUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				log.Printf("level=warn component=balance_feed msg=\"dropping malformed feed message\" account_id=%s err=%v", accountID, err)
				continue
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("level=warn component=balance_feed msg=\"pubsub close failed\" account_id=%s err=%v", accountID, err)
		}
	}
	return updates, cancel, nil
}

// NoopBalanceFeed is used when Redis is not configured; publishes are dropped
// and subscriptions never deliver. Session caches then rely on read-through
// refreshes alone.
type NoopBalanceFeed struct{}

func (NoopBalanceFeed) Publish(ctx context.Context, update BalanceUpdate) error { return nil }

func (NoopBalanceFeed) Subscribe(ctx context.Context, accountID uuid.UUID) (<-chan BalanceUpdate, func(), error) {
	updates := make(chan BalanceUpdate)
	return updates, func() { close(updates) }, nil
}
