/**
 * @description
 * This file defines the core domain models for the credits-service: the
 * prepaid credit account, the append-only ledger entry recording every balance
 * change, and the referral record used by the referral bonus flow. These
 * structs map directly to the `accounts`, `credit_log` and `referrals` tables.
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

// Account is the prepaid credit account of a single builder user. The balance
// is an integer count of credits and is never allowed to go negative; it is
// mutated only through the store's charge/grant primitives.
type Account struct {
	ID                  uuid.UUID `json:"id"`
	Balance             int64     `json:"balance"`
	AutoRefillEnabled   bool      `json:"auto_refill_enabled"`
	AutoRefillThreshold int64     `json:"auto_refill_threshold"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// LedgerEntry is one immutable row of the credit log. Delta is negative for
// charges and positive for grants; BalanceAfter snapshots the account balance
// immediately after this entry was committed.
type LedgerEntry struct {
	ID           uuid.UUID         `json:"id"`
	AccountID    uuid.UUID         `json:"account_id"`
	Action       string            `json:"action"`
	Delta        int64             `json:"delta"`
	BalanceAfter int64             `json:"balance_after"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ReferralStatus enumerates the lifecycle of a referral invitation.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

// ReferralRecord tracks one invitation sent by a referrer. It transitions to
// completed exactly once, when the referred signup is confirmed by the
// identity provider, at which point the referrer is granted the bonus.
type ReferralRecord struct {
	ID                uuid.UUID      `json:"id"`
	ReferrerAccountID uuid.UUID      `json:"referrer_account_id"`
	ReferredEmail     string         `json:"referred_email"`
	Status            ReferralStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Well-known ledger action labels written by the service itself. Metered UI
// actions (AI generation, publish, export) arrive as free-text action names
// priced by the policy table.
const (
	ActionPackPurchase  = "Credit Pack Purchase"
	ActionReferralBonus = "Referral Bonus"
	ActionSignupBonus   = "Signup Bonus"
)
