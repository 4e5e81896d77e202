package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/domain"
	"github.com/sitebloom/credits-service/pkg/paymentclient"
)

type checkoutRecorder struct {
	mu       sync.Mutex
	calls    []string
	failWith error
}

func (g *checkoutRecorder) CreateCheckout(ctx context.Context, accountID uuid.UUID, packID string) (*paymentclient.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	g.calls = append(g.calls, packID)
	return &paymentclient.CheckoutSession{ID: "cs_test", URL: "https://pay.example/cs_test", Status: "open"}, nil
}

func (g *checkoutRecorder) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type memoryGuard struct {
	mu   sync.Mutex
	held map[uuid.UUID]bool
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{held: make(map[uuid.UUID]bool)}
}

func (g *memoryGuard) TryAcquire(ctx context.Context, accountID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[accountID] {
		return false, nil
	}
	g.held[accountID] = true
	return true, nil
}

func (g *memoryGuard) Release(ctx context.Context, accountID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, accountID)
	return nil
}

func newRefillService(repo *memoryRepo, gateway PaymentGateway, guard RefillGuard) *Service {
	policy := NewPolicy(map[string]int64{"ai_image": 8}, false)
	return NewService(repo, policy, ServiceOptions{
		Payments:            gateway,
		RefillGuard:         guard,
		PackCatalog:         map[string]int64{"standard": 750},
		DefaultRefillPackID: "standard",
	})
}

func TestMaybeAutoRefill_TriggersCheckoutBelowThreshold(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(10)
	repo.accounts[accountID].AutoRefillEnabled = true
	repo.accounts[accountID].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{}
	service := newRefillService(repo, gateway, newMemoryGuard())

	if err := service.MaybeAutoRefill(context.Background(), accountID); err != nil {
		t.Fatalf("expected trigger to succeed, got %v", err)
	}
	if gateway.count() != 1 {
		t.Fatalf("expected one checkout, got %d", gateway.count())
	}
	if gateway.calls[0] != "standard" {
		t.Fatalf("expected default refill pack, got %q", gateway.calls[0])
	}
}

func TestMaybeAutoRefill_SkipsWhenDisabledOrAboveThreshold(t *testing.T) {
	repo := newMemoryRepo()
	disabled := repo.seedAccount(5)
	aboveThreshold := repo.seedAccount(100)
	repo.accounts[aboveThreshold].AutoRefillEnabled = true
	repo.accounts[aboveThreshold].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{}
	service := newRefillService(repo, gateway, newMemoryGuard())

	for _, accountID := range []uuid.UUID{disabled, aboveThreshold} {
		if err := service.MaybeAutoRefill(context.Background(), accountID); err != nil {
			t.Fatalf("expected silent skip, got %v", err)
		}
	}
	if gateway.count() != 0 {
		t.Fatalf("expected no checkouts, got %d", gateway.count())
	}
}

func TestMaybeAutoRefill_GuardPreventsDuplicateCheckouts(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(0)
	repo.accounts[accountID].AutoRefillEnabled = true
	repo.accounts[accountID].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{}
	service := newRefillService(repo, gateway, newMemoryGuard())

	for i := 0; i < 3; i++ {
		if err := service.MaybeAutoRefill(context.Background(), accountID); err != nil {
			t.Fatalf("expected trigger %d to succeed, got %v", i, err)
		}
	}
	if gateway.count() != 1 {
		t.Fatalf("expected a single checkout while the guard is held, got %d", gateway.count())
	}
}

func TestMaybeAutoRefill_ReleasesGuardWhenCheckoutFails(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(0)
	repo.accounts[accountID].AutoRefillEnabled = true
	repo.accounts[accountID].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{failWith: errors.New("processor unavailable")}
	guard := newMemoryGuard()
	service := newRefillService(repo, gateway, guard)

	if err := service.MaybeAutoRefill(context.Background(), accountID); err == nil {
		t.Fatal("expected checkout failure to propagate")
	}

	// The failed attempt must not leave the guard held.
	gateway.failWith = nil
	if err := service.MaybeAutoRefill(context.Background(), accountID); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if gateway.count() != 1 {
		t.Fatalf("expected the retry to reach the processor, got %d checkouts", gateway.count())
	}
}

func TestConfirmPurchase_ReleasesRefillGuard(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(0)
	repo.accounts[accountID].AutoRefillEnabled = true
	repo.accounts[accountID].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{}
	guard := newMemoryGuard()
	service := newRefillService(repo, gateway, guard)

	if err := service.MaybeAutoRefill(context.Background(), accountID); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	event := domain.PaymentConfirmedEvent{EventID: "evt_refill_1", AccountID: accountID, PackID: "standard"}
	if _, err := service.ConfirmPurchase(context.Background(), event); err != nil {
		t.Fatalf("confirmation failed: %v", err)
	}

	guard.mu.Lock()
	held := guard.held[accountID]
	guard.mu.Unlock()
	if held {
		t.Fatal("expected settled payment to release the refill guard")
	}
}

func TestUpdateAutoRefillSettings_TriggersImmediatelyWhenLow(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(5)

	gateway := &checkoutRecorder{}
	service := newRefillService(repo, gateway, newMemoryGuard())

	if err := service.UpdateAutoRefillSettings(context.Background(), accountID, true, 20); err != nil {
		t.Fatalf("settings update failed: %v", err)
	}
	if gateway.count() != 1 {
		t.Fatalf("expected enabling refill on a low balance to start a checkout, got %d", gateway.count())
	}
}
