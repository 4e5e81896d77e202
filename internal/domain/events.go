/**
 * @description
 * Event payloads exchanged with external collaborators over the message
 * broker. The payment processor publishes `payment.confirmed` once a checkout
 * settles, and the signup flow publishes `referral.completed` once a referred
 * user finishes onboarding. The credits-service itself publishes
 * `credits.charged` / `credits.granted` events for downstream consumers.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For entity identifiers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentConfirmedEvent is emitted by the payment processor exactly when a
// checkout for a credit pack has been paid. EventID is the processor's unique
// identifier for the payment and is the idempotency key for the grant.
type PaymentConfirmedEvent struct {
	EventID   string    `json:"event_id"`
	AccountID uuid.UUID `json:"account_id"`
	PackID    string    `json:"pack_id"`
	Amount    int64     `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
}

// ReferralCompletedEvent is emitted by the signup flow when a referred user's
// registration has been confirmed by the identity provider.
type ReferralCompletedEvent struct {
	ReferralID uuid.UUID `json:"referral_id"`
}

// AccountCreatedEvent is emitted by the identity provider when a new builder
// account finishes onboarding and needs a credit account provisioned.
type AccountCreatedEvent struct {
	AccountID uuid.UUID `json:"account_id"`
}

// CreditEvent is published by the credits-service after every committed
// balance change, for analytics and notification consumers.
type CreditEvent struct {
	AccountID    uuid.UUID `json:"account_id"`
	Action       string    `json:"action"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Timestamp    time.Time `json:"timestamp"`
}
