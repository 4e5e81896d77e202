package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// channelFeed is a BalanceFeed whose subscriptions are plain channels, for
// driving the cache listener in tests.
type channelFeed struct {
	updates chan BalanceUpdate
}

func (f *channelFeed) Publish(ctx context.Context, update BalanceUpdate) error {
	f.updates <- update
	return nil
}

func (f *channelFeed) Subscribe(ctx context.Context, accountID uuid.UUID) (<-chan BalanceUpdate, func(), error) {
	return f.updates, func() {}, nil
}

func TestBalanceCache_UnseededReportsNothing(t *testing.T) {
	cache := NewBalanceCache(uuid.New(), 50)
	if _, loaded := cache.Balance(); loaded {
		t.Fatal("expected fresh cache to report unloaded")
	}
	if cache.IsLow() || cache.IsOut() {
		t.Fatal("expected no presentation hints before the first confirmed value")
	}
}

func TestBalanceCache_Hints(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		wantLow bool
		wantOut bool
	}{
		{name: "comfortably above low water", balance: 200, wantLow: false, wantOut: false},
		{name: "exactly at low water", balance: 50, wantLow: true, wantOut: false},
		{name: "below low water", balance: 12, wantLow: true, wantOut: false},
		{name: "fully drained", balance: 0, wantLow: true, wantOut: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewBalanceCache(uuid.New(), 50)
			cache.Set(tt.balance)
			if got := cache.IsLow(); got != tt.wantLow {
				t.Fatalf("expected IsLow=%t, got %t", tt.wantLow, got)
			}
			if got := cache.IsOut(); got != tt.wantOut {
				t.Fatalf("expected IsOut=%t, got %t", tt.wantOut, got)
			}
		})
	}
}

func TestBalanceCache_RefreshReadsThroughStore(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(320)
	cache := NewBalanceCache(accountID, 50)

	balance, err := cache.Refresh(context.Background(), repo)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if balance != 320 {
		t.Fatalf("expected 320 from the store, got %d", balance)
	}
	cached, loaded := cache.Balance()
	if !loaded || cached != 320 {
		t.Fatalf("expected cache seeded with 320, got %d (loaded=%t)", cached, loaded)
	}
}

func TestBalanceCache_ListenAppliesFeedUpdates(t *testing.T) {
	accountID := uuid.New()
	cache := NewBalanceCache(accountID, 50)
	feed := &channelFeed{updates: make(chan BalanceUpdate)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cache.Listen(ctx, feed)
	}()

	feed.updates <- BalanceUpdate{AccountID: accountID, BalanceAfter: 790, Action: "Credit Pack Purchase"}
	// Updates for other accounts must not overwrite the mirror.
	feed.updates <- BalanceUpdate{AccountID: uuid.New(), BalanceAfter: 1}

	waitForBalance(t, cache, 790)
	cancel()
	<-done

	if balance, _ := cache.Balance(); balance != 790 {
		t.Fatalf("expected foreign update to be ignored, got %d", balance)
	}
}

func TestServiceCharge_UpdatesAttachedCache(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(100)
	service := newTestService(repo)

	cache := NewBalanceCache(accountID, 50)
	service.AttachCache(cache)

	if _, err := service.Charge(context.Background(), accountID, "ai_image", nil); err != nil {
		t.Fatalf("charge failed: %v", err)
	}
	balance, loaded := cache.Balance()
	if !loaded || balance != 92 {
		t.Fatalf("expected cache mirroring 92 after the charge, got %d (loaded=%t)", balance, loaded)
	}
}

func waitForBalance(t *testing.T, cache *BalanceCache, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if balance, loaded := cache.Balance(); loaded && balance == want {
			return
		}
		select {
		case <-deadline:
			balance, loaded := cache.Balance()
			t.Fatalf("timed out waiting for balance %d, cache has %d (loaded=%t)", want, balance, loaded)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
