/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for the `accounts`, `credit_log`, `referrals`
 * and `payment_events` tables, including the row-locked transactions that make
 * check-and-charge atomic under concurrent callers.
 *
 * @dependencies
 * - context, encoding/json, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sitebloom/credits-service/internal/domain"
)

var (
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountAlreadyExists     = errors.New("account already exists")
	ErrReferralNotFound         = errors.New("referral not found")
	ErrReferralAlreadyCompleted = errors.New("referral already completed")
	ErrDuplicatePaymentEvent    = errors.New("duplicate payment event")
	ErrInvalidAmount            = errors.New("amount must be positive")
)

// uniqueViolation is the PostgreSQL error code for unique constraint breaches.
const uniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateAccount provisions a credit account and applies the signup bonus in
// the same transaction, so the account row, its opening balance and the bonus
// ledger entry commit together or not at all.
func (r *PostgresRepository) CreateAccount(ctx context.Context, accountID uuid.UUID, signupBonus int64, bonusAction string) (*domain.Account, error) {
	if signupBonus < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var account domain.Account
	query := `
		INSERT INTO accounts (id, balance, auto_refill_enabled, auto_refill_threshold)
		VALUES ($1, 0, FALSE, 0)
		RETURNING id, balance, auto_refill_enabled, auto_refill_threshold, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query, accountID).Scan(
		&account.ID,
		&account.Balance,
		&account.AutoRefillEnabled,
		&account.AutoRefillThreshold,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAccountAlreadyExists
		}
		return nil, err
	}

	if signupBonus > 0 {
		err = tx.QueryRow(ctx,
			"UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance",
			signupBonus, accountID,
		).Scan(&account.Balance)
		if err != nil {
			return nil, err
		}
		if err = insertLedgerEntry(ctx, tx, accountID, bonusAction, signupBonus, account.Balance, nil); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAccountByID retrieves an account by its id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT id, balance, auto_refill_enabled, auto_refill_threshold, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.ID,
		&account.Balance,
		&account.AutoRefillEnabled,
		&account.AutoRefillThreshold,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetBalance returns the authoritative stored balance for an account.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

// UpdateAutoRefillSettings stores the account's auto-refill preference.
func (r *PostgresRepository) UpdateAutoRefillSettings(ctx context.Context, accountID uuid.UUID, enabled bool, threshold int64) error {
	if threshold < 0 {
		return ErrInvalidAmount
	}
	query := `
		UPDATE accounts
		SET auto_refill_enabled = $2, auto_refill_threshold = $3, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, accountID, enabled, threshold)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// FindAutoRefillCandidates returns refill-enabled accounts at or below their
// configured threshold, oldest first so stalled accounts are retried first.
func (r *PostgresRepository) FindAutoRefillCandidates(ctx context.Context, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, balance, auto_refill_enabled, auto_refill_threshold, created_at, updated_at
		FROM accounts
		WHERE auto_refill_enabled = TRUE AND balance <= auto_refill_threshold
		ORDER BY updated_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(
			&account.ID,
			&account.Balance,
			&account.AutoRefillEnabled,
			&account.AutoRefillThreshold,
			&account.CreatedAt,
			&account.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// AppendCharge performs the atomic check-and-charge. The balance row is locked
// with FOR UPDATE so two concurrent charges against the same account are
// serialized by the database; a charge that would take the balance negative
// commits nothing and reports the unchanged balance.
func (r *PostgresRepository) AppendCharge(ctx context.Context, accountID uuid.UUID, action string, cost int64, metadata map[string]string) (ChargeOutcome, error) {
	if cost <= 0 {
		return ChargeOutcome{}, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return ChargeOutcome{}, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ChargeOutcome{}, ErrAccountNotFound
		}
		return ChargeOutcome{}, err
	}

	if balance < cost {
		// No mutation; the deliberate rollback discards the row lock.
		return ChargeOutcome{OK: false, BalanceAfter: balance}, nil
	}

	newBalance := balance - cost
	if _, err = tx.Exec(ctx, "UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2", newBalance, accountID); err != nil {
		return ChargeOutcome{}, err
	}

	if err = insertLedgerEntry(ctx, tx, accountID, action, -cost, newBalance, metadata); err != nil {
		return ChargeOutcome{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return ChargeOutcome{}, err
	}
	return ChargeOutcome{OK: true, BalanceAfter: newBalance}, nil
}

// AppendGrant atomically increments the balance and appends the matching
// ledger entry. Grants have no upper bound and never fail on balance.
func (r *PostgresRepository) AppendGrant(ctx context.Context, accountID uuid.UUID, action string, amount int64, metadata map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	query := `
		UPDATE accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance
	`
	err = tx.QueryRow(ctx, query, amount, accountID).Scan(&newBalance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}

	if err = insertLedgerEntry(ctx, tx, accountID, action, amount, newBalance, metadata); err != nil {
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// ListEntries returns the most recent ledger entries for an account. Ordering
// is by the bigserial seq column, which is assigned inside the transaction
// after the account row lock is held, so it follows per-account commit order.
// created_at alone cannot: NOW() is transaction-start time, and a charge that
// waited on the lock commits after its rival with an earlier timestamp.
func (r *PostgresRepository) ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, account_id, action, credits_used, credits_after, metadata, created_at
		FROM credit_log
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		var rawMetadata []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entry.Action,
			&entry.Delta,
			&entry.BalanceAfter,
			&rawMetadata,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Metadata, err = unmarshalMetadata(rawMetadata)
		if err != nil {
			return nil, fmt.Errorf("decode metadata for entry %s: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CreateReferral inserts a pending referral invitation.
func (r *PostgresRepository) CreateReferral(ctx context.Context, referral *domain.ReferralRecord) error {
	query := `
		INSERT INTO referrals (id, referrer_account_id, referred_email, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		referral.ID,
		referral.ReferrerAccountID,
		referral.ReferredEmail,
		referral.Status,
	).Scan(&referral.CreatedAt)
}

// FindReferralByID retrieves a referral record by its id.
func (r *PostgresRepository) FindReferralByID(ctx context.Context, referralID uuid.UUID) (*domain.ReferralRecord, error) {
	var referral domain.ReferralRecord
	query := `
		SELECT id, referrer_account_id, referred_email, status, created_at, completed_at
		FROM referrals
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, referralID).Scan(
		&referral.ID,
		&referral.ReferrerAccountID,
		&referral.ReferredEmail,
		&referral.Status,
		&referral.CreatedAt,
		&referral.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	return &referral, nil
}

// CompleteReferral claims the pending -> completed transition and grants the
// bonus to the referrer in one transaction. The status predicate in the UPDATE
// makes a second call miss the row, which is then disambiguated into
// ErrReferralAlreadyCompleted by a plain lookup. A failure anywhere rolls the
// claim back, so the bonus is never lost to a transient error.
func (r *PostgresRepository) CompleteReferral(ctx context.Context, referralID uuid.UUID, bonus int64, bonusAction string) (*domain.ReferralRecord, int64, error) {
	if bonus < 0 {
		return nil, 0, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	var referral domain.ReferralRecord
	query := `
		UPDATE referrals
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING id, referrer_account_id, referred_email, status, created_at, completed_at
	`
	err = tx.QueryRow(ctx, query, referralID, domain.ReferralCompleted, domain.ReferralPending).Scan(
		&referral.ID,
		&referral.ReferrerAccountID,
		&referral.ReferredEmail,
		&referral.Status,
		&referral.CreatedAt,
		&referral.CompletedAt,
	)
	if err != nil {
		if err != pgx.ErrNoRows {
			return nil, 0, err
		}
		existing, findErr := r.FindReferralByID(ctx, referralID)
		if findErr != nil {
			return nil, 0, findErr
		}
		if existing.Status == domain.ReferralCompleted {
			return existing, 0, ErrReferralAlreadyCompleted
		}
		return nil, 0, ErrReferralNotFound
	}

	var balanceAfter int64
	if bonus > 0 {
		err = tx.QueryRow(ctx,
			"UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance",
			bonus, referral.ReferrerAccountID,
		).Scan(&balanceAfter)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, 0, ErrAccountNotFound
			}
			return nil, 0, err
		}
		err = insertLedgerEntry(ctx, tx, referral.ReferrerAccountID, bonusAction, bonus, balanceAfter, map[string]string{
			"referral_id":    referral.ID.String(),
			"referred_email": referral.ReferredEmail,
		})
		if err != nil {
			return nil, 0, err
		}
	} else {
		err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", referral.ReferrerAccountID).Scan(&balanceAfter)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, 0, ErrAccountNotFound
			}
			return nil, 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return &referral, balanceAfter, nil
}

// ListReferralsByReferrer returns the referrals sent by an account, newest first.
func (r *PostgresRepository) ListReferralsByReferrer(ctx context.Context, referrerID uuid.UUID) ([]domain.ReferralRecord, error) {
	query := `
		SELECT id, referrer_account_id, referred_email, status, created_at, completed_at
		FROM referrals
		WHERE referrer_account_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var referrals []domain.ReferralRecord
	for rows.Next() {
		var referral domain.ReferralRecord
		if err := rows.Scan(
			&referral.ID,
			&referral.ReferrerAccountID,
			&referral.ReferredEmail,
			&referral.Status,
			&referral.CreatedAt,
			&referral.CompletedAt,
		); err != nil {
			return nil, err
		}
		referrals = append(referrals, referral)
	}
	return referrals, rows.Err()
}

// ApplyPaymentEvent claims a payment event id and grants the pack's credits in
// the same transaction. The primary key on event_id makes the insert the
// idempotency barrier: a replayed event hits the unique violation and is
// reported as a duplicate. Because claim, balance update and ledger entry
// commit together, a transient failure leaves the event unclaimed and the
// redelivery grants normally.
func (r *PostgresRepository) ApplyPaymentEvent(ctx context.Context, eventID string, accountID uuid.UUID, packID string, credits int64, action string) (int64, error) {
	if credits <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO payment_events (event_id, account_id, pack_id, credits, processed_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err = tx.Exec(ctx, query, eventID, accountID, packID, credits); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicatePaymentEvent
		}
		return 0, err
	}

	var balanceAfter int64
	err = tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance",
		credits, accountID,
	).Scan(&balanceAfter)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}

	err = insertLedgerEntry(ctx, tx, accountID, action, credits, balanceAfter, map[string]string{
		"event_id": eventID,
		"pack_id":  packID,
	})
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// insertLedgerEntry appends one immutable credit_log row inside the caller's
// transaction so the balance update and its log entry commit together.
func insertLedgerEntry(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, action string, delta int64, balanceAfter int64, metadata map[string]string) error {
	rawMetadata, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	query := `
		INSERT INTO credit_log (id, account_id, action, credits_used, credits_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.Exec(ctx, query, uuid.New(), accountID, action, delta, balanceAfter, rawMetadata)
	return err
}

// marshalMetadata encodes the opaque key/value bag for the jsonb column.
// A nil or empty bag is stored as SQL NULL rather than an empty object.
func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(metadata)
}

func unmarshalMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, err
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ReplayBalance folds a ledger slice (most recent first, as returned by
// ListEntries) over an initial balance and reports the reconstructed balance.
// Used by audit tooling to verify the replay invariant against the stored
// balance.
func ReplayBalance(initial int64, entries []domain.LedgerEntry) int64 {
	balance := initial
	for i := len(entries) - 1; i >= 0; i-- {
		balance += entries[i].Delta
	}
	return balance
}

// EntriesConsistent verifies that each entry's balance snapshot follows from
// the previous one (entries most recent first). It reports the first offending
// entry id, if any.
func EntriesConsistent(initial int64, entries []domain.LedgerEntry) (uuid.UUID, bool) {
	running := initial
	for i := len(entries) - 1; i >= 0; i-- {
		running += entries[i].Delta
		if entries[i].BalanceAfter != running {
			return entries[i].ID, false
		}
	}
	return uuid.Nil, true
}

var _ Repository = (*PostgresRepository)(nil)
