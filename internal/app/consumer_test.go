package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/domain"
)

func TestHandlePaymentConfirmed_AcksAndGrants(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(0)
	consumer := NewBillingEventConsumer(newTestService(repo))

	body, _ := json.Marshal(domain.PaymentConfirmedEvent{
		EventID:   "evt_queue_1",
		AccountID: accountID,
		PackID:    "starter",
	})

	if !consumer.HandlePaymentConfirmed(body) {
		t.Fatal("expected delivery to be acknowledged")
	}
	balance, _ := repo.GetBalance(context.Background(), accountID)
	if balance != 250 {
		t.Fatalf("expected balance 250 after starter pack, got %d", balance)
	}

	// Redelivery of the same event must ack without granting again.
	if !consumer.HandlePaymentConfirmed(body) {
		t.Fatal("expected redelivery to be acknowledged")
	}
	balance, _ = repo.GetBalance(context.Background(), accountID)
	if balance != 250 {
		t.Fatalf("expected balance unchanged after redelivery, got %d", balance)
	}
}

func TestHandlePaymentConfirmed_AcksUnprocessablePayloads(t *testing.T) {
	repo := newMemoryRepo()
	accountID := repo.seedAccount(0)
	consumer := NewBillingEventConsumer(newTestService(repo))

	unknownPack, _ := json.Marshal(domain.PaymentConfirmedEvent{
		EventID:   "evt_unknown_pack",
		AccountID: accountID,
		PackID:    "mega",
	})
	missingAccount, _ := json.Marshal(domain.PaymentConfirmedEvent{
		EventID:   "evt_missing_account",
		AccountID: uuid.New(),
		PackID:    "starter",
	})

	tests := []struct {
		name string
		body []byte
	}{
		{name: "malformed json", body: []byte("{not json")},
		{name: "missing event id", body: []byte(`{"account_id":"` + accountID.String() + `","pack_id":"starter"}`)},
		{name: "unknown pack", body: unknownPack},
		{name: "unknown account", body: missingAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !consumer.HandlePaymentConfirmed(tt.body) {
				t.Fatal("expected unprocessable delivery to be acknowledged, not requeued")
			}
		})
	}
	balance, _ := repo.GetBalance(context.Background(), accountID)
	if balance != 0 {
		t.Fatalf("expected no grants from unprocessable deliveries, got balance %d", balance)
	}
}

func TestHandleReferralCompleted_AcksAndGrantsOnce(t *testing.T) {
	repo := newMemoryRepo()
	referrerID := repo.seedAccount(0)
	service := newTestService(repo)
	consumer := NewBillingEventConsumer(service)

	referral, err := service.CreateReferral(context.Background(), referrerID, "friend@example.com")
	if err != nil {
		t.Fatalf("referral creation failed: %v", err)
	}
	body, _ := json.Marshal(domain.ReferralCompletedEvent{ReferralID: referral.ID})

	if !consumer.HandleReferralCompleted(body) {
		t.Fatal("expected delivery to be acknowledged")
	}
	if !consumer.HandleReferralCompleted(body) {
		t.Fatal("expected redelivery to be acknowledged")
	}

	balance, _ := repo.GetBalance(context.Background(), referrerID)
	if balance != 100 {
		t.Fatalf("expected a single bonus of 100, got balance %d", balance)
	}
}

func TestHandleReferralCompleted_AcksUnknownReferral(t *testing.T) {
	repo := newMemoryRepo()
	consumer := NewBillingEventConsumer(newTestService(repo))

	body, _ := json.Marshal(domain.ReferralCompletedEvent{ReferralID: uuid.New()})
	if !consumer.HandleReferralCompleted(body) {
		t.Fatal("expected unknown referral to be acknowledged, not requeued")
	}
}

func TestHandleAccountCreated_ProvisionsWithSignupBonus(t *testing.T) {
	repo := newMemoryRepo()
	consumer := NewBillingEventConsumer(newTestService(repo))
	accountID := uuid.New()

	body, _ := json.Marshal(domain.AccountCreatedEvent{AccountID: accountID})
	if !consumer.HandleAccountCreated(body) {
		t.Fatal("expected delivery to be acknowledged")
	}
	balance, err := repo.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("expected account to exist, got %v", err)
	}
	if balance != 50 {
		t.Fatalf("expected signup bonus of 50, got %d", balance)
	}
}
