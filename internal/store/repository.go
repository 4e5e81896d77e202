/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the credits-service. The
 * interface decouples the ledger logic from the PostgreSQL implementation and
 * lets the application layer be tested against in-memory fakes.
 *
 * The store is the sole writer of `accounts.balance`; every mutation goes
 * through AppendCharge or AppendGrant and leaves a `credit_log` row behind.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/domain"
)

// ChargeOutcome reports the result of an atomic check-and-charge. When OK is
// false no mutation happened and BalanceAfter carries the unchanged balance.
type ChargeOutcome struct {
	OK           bool
	BalanceAfter int64
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods. CreateAccount provisions the account and applies the
	// signup bonus in one transaction, so a failed bonus never leaves a
	// bonus-less account behind.
	CreateAccount(ctx context.Context, accountID uuid.UUID, signupBonus int64, bonusAction string) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	UpdateAutoRefillSettings(ctx context.Context, accountID uuid.UUID, enabled bool, threshold int64) error
	// Accounts with auto-refill enabled whose stored balance is at or below
	// their configured threshold; consumed by the periodic refill sweep.
	FindAutoRefillCandidates(ctx context.Context, limit int) ([]domain.Account, error)

	// Ledger methods. AppendCharge must be atomic: the balance check and the
	// decrement commit together or not at all, even under concurrent callers.
	AppendCharge(ctx context.Context, accountID uuid.UUID, action string, cost int64, metadata map[string]string) (ChargeOutcome, error)
	AppendGrant(ctx context.Context, accountID uuid.UUID, action string, amount int64, metadata map[string]string) (int64, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error)

	// Referral methods
	CreateReferral(ctx context.Context, referral *domain.ReferralRecord) error
	FindReferralByID(ctx context.Context, referralID uuid.UUID) (*domain.ReferralRecord, error)
	// CompleteReferral claims the pending -> completed transition and grants
	// the bonus to the referrer inside one transaction; either both commit or
	// the referral stays pending for the next delivery. When the transition
	// happened earlier it returns the existing record together with
	// ErrReferralAlreadyCompleted.
	CompleteReferral(ctx context.Context, referralID uuid.UUID, bonus int64, bonusAction string) (*domain.ReferralRecord, int64, error)
	ListReferralsByReferrer(ctx context.Context, referrerID uuid.UUID) ([]domain.ReferralRecord, error)

	// ApplyPaymentEvent claims the event id and grants the pack credits in one
	// transaction. Returns ErrDuplicatePaymentEvent when the event id was
	// applied before; a transient failure commits neither the claim nor the
	// grant, so the delivery can be retried.
	ApplyPaymentEvent(ctx context.Context, eventID string, accountID uuid.UUID, packID string, credits int64, action string) (int64, error)
}
