/**
 * @description
 * This file contains the core business logic for the credits-service. The
 * `Service` struct is both the deduction gate every metered action must pass
 * through and the grant engine for all balance-increasing paths (pack
 * purchases, referral bonuses, promotional grants, auto-refill triggers).
 *
 * Key features:
 * - Charge: policy lookup + atomic check-and-charge; the caller runs the
 *   metered side effect only after a successful charge.
 * - ConfirmPurchase: idempotent per payment event id; replays are logged and
 *   skipped, never granted twice.
 * - CompleteReferral: idempotent per referral; the bonus lands exactly once.
 * - Every committed balance change is pushed to the balance feed and published
 *   to the message broker for downstream consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq, pkg/paymentclient: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/domain"
	"github.com/sitebloom/credits-service/internal/store"
	"github.com/sitebloom/credits-service/pkg/paymentclient"
	"github.com/sitebloom/credits-service/pkg/rabbitmq"
)

const (
	routingKeyCharged = "credits.charged"
	routingKeyGranted = "credits.granted"
)

// PaymentGateway initiates checkouts with the external payment processor.
// Satisfied by *paymentclient.Client.
type PaymentGateway interface {
	CreateCheckout(ctx context.Context, accountID uuid.UUID, packID string) (*paymentclient.CheckoutSession, error)
}

// ChargeResult reports a successful pass through the deduction gate.
type ChargeResult struct {
	Action       string `json:"action"`
	Cost         int64  `json:"cost"`
	BalanceAfter int64  `json:"balance_after"`
	// Charged is false for zero-cost actions, which succeed without a ledger
	// entry.
	Charged bool `json:"charged"`
}

// ServiceOptions carries the collaborators and policy figures wired in at boot.
type ServiceOptions struct {
	Feed                BalanceFeed
	Producer            rabbitmq.Publisher
	Payments            PaymentGateway
	RefillGuard         RefillGuard
	EventExchange       string
	PackCatalog         map[string]int64
	ReferralBonus       int64
	SignupBonus         int64
	DefaultRefillPackID string
	LowBalanceThreshold int64
}

// Service provides the core business logic for the credit ledger.
type Service struct {
	repo   store.Repository
	policy *Policy

	feed          BalanceFeed
	producer      rabbitmq.Publisher
	payments      PaymentGateway
	refillGuard   RefillGuard
	eventExchange string

	packs               map[string]int64
	referralBonus       int64
	signupBonus         int64
	defaultRefillPackID string
	lowBalanceThreshold int64

	// Optional mirror for the active session; updated on every confirmed
	// balance change this instance participates in.
	cache *BalanceCache
}

// NewService creates a new credits service instance. Missing optional
// collaborators degrade to no-ops rather than nil dereferences.
func NewService(repo store.Repository, policy *Policy, opts ServiceOptions) *Service {
	if opts.Feed == nil {
		opts.Feed = NoopBalanceFeed{}
	}
	if opts.RefillGuard == nil {
		opts.RefillGuard = NoopRefillGuard{}
	}
	packs := make(map[string]int64, len(opts.PackCatalog))
	for id, credits := range opts.PackCatalog {
		packs[id] = credits
	}
	return &Service{
		repo:                repo,
		policy:              policy,
		feed:                opts.Feed,
		producer:            opts.Producer,
		payments:            opts.Payments,
		refillGuard:         opts.RefillGuard,
		eventExchange:       opts.EventExchange,
		packs:               packs,
		referralBonus:       opts.ReferralBonus,
		signupBonus:         opts.SignupBonus,
		defaultRefillPackID: opts.DefaultRefillPackID,
		lowBalanceThreshold: opts.LowBalanceThreshold,
	}
}

// LowBalanceThreshold is the mark at or below which the UI shows the
// low-credit hint. Presentation only; it never gates a charge.
func (s *Service) LowBalanceThreshold() int64 {
	return s.lowBalanceThreshold
}

// AttachCache registers the active session's balance mirror so local charges
// and grants update it immediately from confirmed values. Only session-scoped
// embedders call this; the service binary runs without a cache and the nil
// check in syncCache keeps every path safe.
func (s *Service) AttachCache(cache *BalanceCache) {
	s.cache = cache
}

// Charge is the single entry point every metered action calls before
// executing. It looks up the action's cost, delegates the atomic
// check-and-charge to the store, and returns the confirmed new balance. On
// an insufficient balance it returns an InsufficientCreditsError carrying the
// current balance and the required cost; the caller must not perform the
// metered action.
func (s *Service) Charge(ctx context.Context, accountID uuid.UUID, actionName string, metadata map[string]string) (*ChargeResult, error) {
	cost, listed := s.policy.Cost(actionName)
	if !listed {
		if s.policy.FailClosed() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionName)
		}
		log.Printf("level=info component=gate msg=\"unlisted action passes free\" account_id=%s action=%q", accountID, actionName)
		cost = 0
	}

	// Zero-cost actions succeed without a ledger write.
	if cost == 0 {
		balance, err := s.repo.GetBalance(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		s.syncCache(accountID, balance)
		return &ChargeResult{Action: actionName, Cost: 0, BalanceAfter: balance, Charged: false}, nil
	}

	outcome, err := s.repo.AppendCharge(ctx, accountID, actionName, cost, metadata)
	if err != nil {
		// Fail closed: on an ambiguous storage error the metered action must
		// not run, so the error propagates untouched.
		return nil, fmt.Errorf("append charge: %w", err)
	}
	if !outcome.OK {
		return nil, &InsufficientCreditsError{Balance: outcome.BalanceAfter, Required: cost}
	}

	s.publishBalanceChange(ctx, accountID, actionName, -cost, outcome.BalanceAfter, routingKeyCharged)

	// The refill trigger rides on the charge but never affects its result.
	if err := s.MaybeAutoRefill(ctx, accountID); err != nil {
		log.Printf("level=warn component=gate msg=\"auto-refill trigger failed\" account_id=%s err=%v", accountID, err)
	}

	return &ChargeResult{Action: actionName, Cost: cost, BalanceAfter: outcome.BalanceAfter, Charged: true}, nil
}

// Balance reads the authoritative balance through the store and refreshes the
// session mirror on the way out.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	balance, err := s.repo.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	s.syncCache(accountID, balance)
	return balance, nil
}

// Ledger returns the most recent ledger entries for an account.
func (s *Service) Ledger(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	return s.repo.ListEntries(ctx, accountID, limit)
}

// Grant credits an account outside the purchase/referral flows (signup
// bonuses, promotional credit, operator refunds). Amount must be positive.
func (s *Service) Grant(ctx context.Context, accountID uuid.UUID, action string, amount int64, metadata map[string]string) (int64, error) {
	balanceAfter, err := s.repo.AppendGrant(ctx, accountID, action, amount, metadata)
	if err != nil {
		return 0, fmt.Errorf("append grant: %w", err)
	}
	s.publishBalanceChange(ctx, accountID, action, amount, balanceAfter, routingKeyGranted)
	return balanceAfter, nil
}

// ConfirmPurchase applies one confirmed payment event. The store claims the
// event id and grants the credits in a single transaction: a replayed event is
// detected, logged as a skipped duplicate and answered with the current
// balance, while a transient failure commits nothing and leaves the event
// retryable.
func (s *Service) ConfirmPurchase(ctx context.Context, event domain.PaymentConfirmedEvent) (int64, error) {
	credits, ok := s.packs[event.PackID]
	if !ok || credits <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPack, event.PackID)
	}

	balanceAfter, err := s.repo.ApplyPaymentEvent(ctx, event.EventID, event.AccountID, event.PackID, credits, domain.ActionPackPurchase)
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePaymentEvent) {
			log.Printf("level=info component=grants msg=\"skipped duplicate payment event\" event_id=%s account_id=%s pack_id=%s", event.EventID, event.AccountID, event.PackID)
			return s.repo.GetBalance(ctx, event.AccountID)
		}
		return 0, fmt.Errorf("apply payment event: %w", err)
	}

	s.publishBalanceChange(ctx, event.AccountID, domain.ActionPackPurchase, credits, balanceAfter, routingKeyGranted)

	// A settled payment means any pending auto-refill checkout has landed.
	if err := s.refillGuard.Release(ctx, event.AccountID); err != nil {
		log.Printf("level=warn component=grants msg=\"refill guard release failed\" account_id=%s err=%v", event.AccountID, err)
	}

	return balanceAfter, nil
}

// CompleteReferral transitions a referral to completed and grants the fixed
// bonus to the referrer, both in one store transaction: a failed grant rolls
// the transition back so the next delivery retries it. Calling it again for a
// completed referral is a no-op that reports the referrer's current balance.
func (s *Service) CompleteReferral(ctx context.Context, referralID uuid.UUID) (int64, error) {
	referral, balanceAfter, err := s.repo.CompleteReferral(ctx, referralID, s.referralBonus, domain.ActionReferralBonus)
	if err != nil {
		if errors.Is(err, store.ErrReferralAlreadyCompleted) {
			log.Printf("level=info component=grants msg=\"referral already completed; skipping bonus\" referral_id=%s", referralID)
			return s.repo.GetBalance(ctx, referral.ReferrerAccountID)
		}
		return 0, fmt.Errorf("complete referral: %w", err)
	}

	if s.referralBonus > 0 {
		s.publishBalanceChange(ctx, referral.ReferrerAccountID, domain.ActionReferralBonus, s.referralBonus, balanceAfter, routingKeyGranted)
	}
	return balanceAfter, nil
}

// CreateReferral records a pending invitation sent by the referrer.
func (s *Service) CreateReferral(ctx context.Context, referrerID uuid.UUID, referredEmail string) (*domain.ReferralRecord, error) {
	email := strings.TrimSpace(strings.ToLower(referredEmail))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid referred email %q", referredEmail)
	}
	referral := &domain.ReferralRecord{
		ID:                uuid.New(),
		ReferrerAccountID: referrerID,
		ReferredEmail:     email,
		Status:            domain.ReferralPending,
	}
	if err := s.repo.CreateReferral(ctx, referral); err != nil {
		return nil, fmt.Errorf("create referral: %w", err)
	}
	return referral, nil
}

// ListReferrals returns the invitations sent by an account.
func (s *Service) ListReferrals(ctx context.Context, referrerID uuid.UUID) ([]domain.ReferralRecord, error) {
	return s.repo.ListReferralsByReferrer(ctx, referrerID)
}

// MaybeAutoRefill initiates a checkout of the default pack when the account
// has auto-refill enabled and its stored balance is at or below the
// threshold. It is a trigger only: the grant happens later, through
// ConfirmPurchase, once the payment settles.
func (s *Service) MaybeAutoRefill(ctx context.Context, accountID uuid.UUID) error {
	if s.payments == nil {
		return nil
	}

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !account.AutoRefillEnabled || account.Balance > account.AutoRefillThreshold {
		return nil
	}

	acquired, err := s.refillGuard.TryAcquire(ctx, accountID)
	if err != nil {
		return fmt.Errorf("acquire refill guard: %w", err)
	}
	if !acquired {
		return nil
	}

	session, err := s.payments.CreateCheckout(ctx, accountID, s.defaultRefillPackID)
	if err != nil {
		// The guard TTL will expire the marker; releasing now lets the next
		// low-balance charge retry sooner.
		if releaseErr := s.refillGuard.Release(ctx, accountID); releaseErr != nil {
			log.Printf("level=warn component=grants msg=\"refill guard release failed\" account_id=%s err=%v", accountID, releaseErr)
		}
		return fmt.Errorf("create refill checkout: %w", err)
	}

	log.Printf("level=info component=grants msg=\"auto-refill checkout initiated\" account_id=%s pack_id=%s checkout_id=%s", accountID, s.defaultRefillPackID, session.ID)
	return nil
}

// ProvisionAccount creates the credit account for a freshly onboarded user.
// The store applies the configured signup bonus in the same transaction, so a
// retried provisioning never finds an account missing its bonus.
func (s *Service) ProvisionAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.CreateAccount(ctx, accountID, s.signupBonus, domain.ActionSignupBonus)
	if err != nil {
		if errors.Is(err, store.ErrAccountAlreadyExists) {
			log.Printf("level=info component=grants msg=\"account already provisioned\" account_id=%s", accountID)
			return s.repo.FindAccountByID(ctx, accountID)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	if s.signupBonus > 0 {
		s.publishBalanceChange(ctx, accountID, domain.ActionSignupBonus, s.signupBonus, account.Balance, routingKeyGranted)
	}
	return account, nil
}

// GetAccount returns the account's settings and stored balance.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, accountID)
}

// UpdateAutoRefillSettings stores the auto-refill preference and immediately
// evaluates the trigger, so enabling refill on an already-low balance acts
// right away.
func (s *Service) UpdateAutoRefillSettings(ctx context.Context, accountID uuid.UUID, enabled bool, threshold int64) error {
	if err := s.repo.UpdateAutoRefillSettings(ctx, accountID, enabled, threshold); err != nil {
		return err
	}
	if enabled {
		if err := s.MaybeAutoRefill(ctx, accountID); err != nil {
			log.Printf("level=warn component=grants msg=\"auto-refill trigger failed after settings update\" account_id=%s err=%v", accountID, err)
		}
	}
	return nil
}

// syncCache overwrites the session mirror when the account matches.
func (s *Service) syncCache(accountID uuid.UUID, balance int64) {
	if s.cache != nil && s.cache.AccountID() == accountID {
		s.cache.Set(balance)
	}
}

// publishBalanceChange fans a committed ledger write out to the session cache,
// the balance feed and the event exchange. Delivery failures are logged, not
// propagated: the ledger write already committed.
func (s *Service) publishBalanceChange(ctx context.Context, accountID uuid.UUID, action string, delta int64, balanceAfter int64, routingKey string) {
	s.syncCache(accountID, balanceAfter)

	if err := s.feed.Publish(ctx, BalanceUpdate{AccountID: accountID, BalanceAfter: balanceAfter, Action: action}); err != nil {
		log.Printf("level=warn component=ledger msg=\"balance feed publish failed\" account_id=%s err=%v", accountID, err)
	}

	if s.producer != nil {
		event := domain.CreditEvent{
			AccountID:    accountID,
			Action:       action,
			Delta:        delta,
			BalanceAfter: balanceAfter,
			Timestamp:    time.Now().UTC(),
		}
		if err := s.producer.Publish(ctx, s.eventExchange, routingKey, event); err != nil {
			log.Printf("level=warn component=ledger msg=\"credit event publish failed\" account_id=%s routing_key=%s err=%v", accountID, routingKey, err)
		}
	}
}
