package app

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func sweepLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweep_TriggersCheckoutForEachCandidate(t *testing.T) {
	repo := newMemoryRepo()
	for i := 0; i < 3; i++ {
		accountID := repo.seedAccount(int64(i))
		repo.accounts[accountID].AutoRefillEnabled = true
		repo.accounts[accountID].AutoRefillThreshold = 20
	}
	// Not a candidate: healthy balance.
	healthy := repo.seedAccount(500)
	repo.accounts[healthy].AutoRefillEnabled = true
	repo.accounts[healthy].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{}
	service := newRefillService(repo, gateway, newMemoryGuard())

	NewRefillSweeper(service, 100, sweepLogger()).Sweep()

	if gateway.count() != 3 {
		t.Fatalf("expected 3 checkouts for 3 candidates, got %d", gateway.count())
	}
}

func TestSweep_ContinuesPastFailingAccounts(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(0)
	repo.accounts[accountID].AutoRefillEnabled = true
	repo.accounts[accountID].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{failWith: errors.New("processor unavailable")}
	service := newRefillService(repo, gateway, newMemoryGuard())
	sweeper := NewRefillSweeper(service, 100, sweepLogger())

	// A failing processor must not panic the sweep; the guard is released so
	// the next pass can retry.
	sweeper.Sweep()
	gateway.failWith = nil
	sweeper.Sweep()

	if gateway.count() != 1 {
		t.Fatalf("expected the retry pass to reach the processor, got %d checkouts", gateway.count())
	}
}

func TestSweep_RespectsGuardAcrossPasses(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(0)
	repo.accounts[accountID].AutoRefillEnabled = true
	repo.accounts[accountID].AutoRefillThreshold = 20

	gateway := &checkoutRecorder{}
	service := newRefillService(repo, gateway, newMemoryGuard())
	sweeper := NewRefillSweeper(service, 100, sweepLogger())

	sweeper.Sweep()
	sweeper.Sweep()

	if gateway.count() != 1 {
		t.Fatalf("expected one checkout while the guard is held, got %d", gateway.count())
	}
}
