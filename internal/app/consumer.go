/**
 * @description
 * Message-broker consumers for the grant engine. The payment processor's
 * confirmed-payment events and the signup flow's referral-completed events
 * arrive on the billing topic exchange; both handlers are safe to redeliver
 * because the underlying grants are idempotent.
 *
 * Handlers return true to acknowledge the delivery (including malformed
 * payloads, which will never parse on retry) and false to requeue transient
 * failures.
 *
 * @dependencies
 * - context, encoding/json, log, time: Standard Go libraries.
 * - internal/domain: Event payload definitions.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/domain"
	"github.com/sitebloom/credits-service/internal/store"
)

const consumerTimeout = 15 * time.Second

// BillingEventConsumer dispatches broker deliveries into the grant engine.
type BillingEventConsumer struct {
	service *Service
}

func NewBillingEventConsumer(service *Service) *BillingEventConsumer {
	return &BillingEventConsumer{service: service}
}

// HandlePaymentConfirmed applies one confirmed payment. Duplicates are skipped
// inside ConfirmPurchase and still acknowledged here.
func (c *BillingEventConsumer) HandlePaymentConfirmed(body []byte) bool {
	var event domain.PaymentConfirmedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=billing_consumer msg=\"failed to unmarshal payment event\" err=%v", err)
		return true
	}
	if event.EventID == "" || event.AccountID == uuid.Nil {
		log.Printf("level=warn component=billing_consumer msg=\"payment event missing identifiers\" event_id=%q account_id=%s", event.EventID, event.AccountID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	balanceAfter, err := c.service.ConfirmPurchase(ctx, event)
	if err != nil {
		if errors.Is(err, ErrUnknownPack) || errors.Is(err, store.ErrAccountNotFound) {
			log.Printf("level=error component=billing_consumer msg=\"unprocessable payment event; acknowledging\" event_id=%s err=%v", event.EventID, err)
			return true
		}
		log.Printf("level=error component=billing_consumer msg=\"payment event processing failed; requeueing\" event_id=%s err=%v", event.EventID, err)
		return false
	}

	log.Printf("level=info component=billing_consumer msg=\"payment applied\" event_id=%s account_id=%s pack_id=%s balance_after=%d", event.EventID, event.AccountID, event.PackID, balanceAfter)
	return true
}

// HandleReferralCompleted grants the referral bonus. Replays on an
// already-completed referral are acknowledged without a second grant.
func (c *BillingEventConsumer) HandleReferralCompleted(body []byte) bool {
	var event domain.ReferralCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=billing_consumer msg=\"failed to unmarshal referral event\" err=%v", err)
		return true
	}
	if event.ReferralID == uuid.Nil {
		log.Printf("level=warn component=billing_consumer msg=\"referral event missing id\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	balanceAfter, err := c.service.CompleteReferral(ctx, event.ReferralID)
	if err != nil {
		if errors.Is(err, store.ErrReferralNotFound) {
			log.Printf("level=warn component=billing_consumer msg=\"referral not found; acknowledging\" referral_id=%s", event.ReferralID)
			return true
		}
		log.Printf("level=error component=billing_consumer msg=\"referral event processing failed; requeueing\" referral_id=%s err=%v", event.ReferralID, err)
		return false
	}

	log.Printf("level=info component=billing_consumer msg=\"referral bonus applied\" referral_id=%s balance_after=%d", event.ReferralID, balanceAfter)
	return true
}

// HandleAccountCreated provisions a credit account for a new signup.
func (c *BillingEventConsumer) HandleAccountCreated(body []byte) bool {
	var event domain.AccountCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=billing_consumer msg=\"failed to unmarshal account event\" err=%v", err)
		return true
	}
	if event.AccountID == uuid.Nil {
		log.Printf("level=warn component=billing_consumer msg=\"account event missing id\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if _, err := c.service.ProvisionAccount(ctx, event.AccountID); err != nil {
		log.Printf("level=error component=billing_consumer msg=\"account provisioning failed; requeueing\" account_id=%s err=%v", event.AccountID, err)
		return false
	}
	return true
}
