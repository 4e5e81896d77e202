/**
 * @description
 * BalanceCache mirrors the current balance of one signed-in account so the UI
 * can render credit state without a store round trip per render. It is seeded
 * by a read-through refresh, overwritten by every local charge/grant result,
 * and kept current by a background subscription to the balance change feed.
 *
 * The cache is never authoritative. It may be briefly stale between a remote
 * grant and the next feed message, and nothing in the deduction gate ever
 * consults it; only the store's atomic check-and-charge gates a charge.
 *
 * This is an embeddable component for session-scoped hosts (an SSR worker, a
 * websocket gateway holding one builder session), not part of the service
 * binary: cmd/main.go never constructs one. Such hosts create a cache per
 * signed-in account, attach it via Service.AttachCache, and run Listen against
 * the Redis feed.
 *
 * @dependencies
 * - context, log, sync: Standard Go libraries.
 * - github.com/google/uuid: Account identifiers.
 * - internal/store: Read-through refresh against the authoritative balance.
 */

package app

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/store"
)

// BalanceCache is the single-session balance mirror.
type BalanceCache struct {
	accountID uuid.UUID
	lowWater  int64

	mu      sync.RWMutex
	balance int64
	loaded  bool
}

// NewBalanceCache creates an empty cache for one account. lowWater is the
// threshold at or below which IsLow reports true.
func NewBalanceCache(accountID uuid.UUID, lowWater int64) *BalanceCache {
	return &BalanceCache{accountID: accountID, lowWater: lowWater}
}

// AccountID returns the account this cache mirrors.
func (c *BalanceCache) AccountID() uuid.UUID {
	return c.accountID
}

// Refresh reads the authoritative balance through to the store and overwrites
// the mirror. Used on initial load and whenever a guaranteed-fresh value is
// needed.
func (c *BalanceCache) Refresh(ctx context.Context, repo store.Repository) (int64, error) {
	balance, err := repo.GetBalance(ctx, c.accountID)
	if err != nil {
		return 0, err
	}
	c.Set(balance)
	return balance, nil
}

// Set overwrites the cached balance with a confirmed value, either the return
// of a local charge/grant or a feed message. Values are never derived
// client-side.
func (c *BalanceCache) Set(balance int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = balance
	c.loaded = true
}

// Balance returns the cached value and whether the cache has been seeded.
func (c *BalanceCache) Balance() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance, c.loaded
}

// IsLow reports whether the cached balance is at or below the low-water mark.
// Presentation hint only; it must never gate a charge.
func (c *BalanceCache) IsLow() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded && c.balance <= c.lowWater
}

// IsOut reports whether the cached balance is exactly zero. Presentation hint
// only.
func (c *BalanceCache) IsOut() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded && c.balance == 0
}

// Listen subscribes the cache to the balance feed and overwrites the mirror on
// every update until the context is done. It blocks; run it in a goroutine.
func (c *BalanceCache) Listen(ctx context.Context, feed BalanceFeed) error {
	updates, cancel, err := feed.Subscribe(ctx, c.accountID)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.AccountID != c.accountID {
				log.Printf("level=warn component=balance_cache msg=\"ignoring update for foreign account\" account_id=%s got=%s", c.accountID, update.AccountID)
				continue
			}
			c.Set(update.BalanceAfter)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
