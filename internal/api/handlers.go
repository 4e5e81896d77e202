/**
 * @description
 * This file contains the HTTP handlers for the credits-service's API
 * endpoints. Handlers parse incoming requests, call the appropriate methods
 * on the application service, and write the HTTP response. An insufficient
 * balance is a 402 carrying both the current balance and the required cost so
 * the builder UI can prompt the user to top up with real numbers.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/app"
	"github.com/sitebloom/credits-service/internal/domain"
	"github.com/sitebloom/credits-service/internal/store"
)

const maxLedgerPageSize = 100

// CreditHandlers holds the application service that handlers will use.
type CreditHandlers struct {
	service *app.Service
}

// NewCreditHandlers creates the handler set around the application service.
func NewCreditHandlers(service *app.Service) *CreditHandlers {
	return &CreditHandlers{service: service}
}

type chargeRequest struct {
	Action   string            `json:"action"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	IsLow     bool   `json:"is_low"`
	IsOut     bool   `json:"is_out"`
}

type insufficientCreditsResponse struct {
	Error    string `json:"error"`
	Balance  int64  `json:"balance"`
	Required int64  `json:"required"`
}

type autoRefillRequest struct {
	Enabled   bool  `json:"enabled"`
	Threshold int64 `json:"threshold"`
}

type createReferralRequest struct {
	ReferredEmail string `json:"referred_email"`
}

// ChargeHandler runs the deduction gate for one metered action. The metered
// side effect belongs to the caller and must only run on a 200.
func (h *CreditHandlers) ChargeHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		h.writeError(w, http.StatusBadRequest, "Action is required")
		return
	}

	result, err := h.service.Charge(r.Context(), accountID, req.Action, req.Metadata)
	if err != nil {
		var insufficient *app.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			h.writeJSON(w, http.StatusPaymentRequired, insufficientCreditsResponse{
				Error:    "Insufficient credits",
				Balance:  insufficient.Balance,
				Required: insufficient.Required,
			})
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, app.ErrUnknownAction):
			h.writeError(w, http.StatusUnprocessableEntity, "Unknown metered action")
		default:
			log.Printf("level=error component=api msg=\"charge failed\" account_id=%s action=%q err=%v", accountID, req.Action, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process charge")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// BalanceHandler returns the authoritative balance with the presentation
// flags derived from it.
func (h *CreditHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	balance, err := h.service.Balance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api msg=\"balance read failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to read balance")
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: accountID.String(),
		Balance:   balance,
		IsLow:     balance <= h.service.LowBalanceThreshold(),
		IsOut:     balance == 0,
	})
}

// LedgerHandler lists the most recent ledger entries for the session account.
func (h *CreditHandlers) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	if limit > maxLedgerPageSize {
		limit = maxLedgerPageSize
	}

	entries, err := h.service.Ledger(r.Context(), accountID, limit)
	if err != nil {
		log.Printf("level=error component=api msg=\"ledger list failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list ledger entries")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetAutoRefillHandler returns the account's auto-refill settings.
func (h *CreditHandlers) GetAutoRefillHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api msg=\"account read failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to read account")
		return
	}

	h.writeJSON(w, http.StatusOK, autoRefillRequest{
		Enabled:   account.AutoRefillEnabled,
		Threshold: account.AutoRefillThreshold,
	})
}

// UpdateAutoRefillHandler stores the account's auto-refill settings.
func (h *CreditHandlers) UpdateAutoRefillHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req autoRefillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Threshold < 0 {
		h.writeError(w, http.StatusBadRequest, "Threshold must not be negative")
		return
	}

	if err := h.service.UpdateAutoRefillSettings(r.Context(), accountID, req.Enabled, req.Threshold); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api msg=\"auto-refill update failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to update auto-refill settings")
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// CreateReferralHandler records an invitation sent by the session account.
func (h *CreditHandlers) CreateReferralHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req createReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	referral, err := h.service.CreateReferral(r.Context(), accountID, req.ReferredEmail)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid referred email")
		return
	}

	h.writeJSON(w, http.StatusCreated, referral)
}

// ListReferralsHandler lists the invitations sent by the session account.
func (h *CreditHandlers) ListReferralsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	referrals, err := h.service.ListReferrals(r.Context(), accountID)
	if err != nil {
		log.Printf("level=error component=api msg=\"referral list failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list referrals")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"referrals": referrals})
}

type paymentWebhookRequest struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	PackID    string `json:"pack_id"`
	Amount    int64  `json:"amount"`
}

func (req paymentWebhookRequest) toDomain(accountID uuid.UUID) domain.PaymentConfirmedEvent {
	return domain.PaymentConfirmedEvent{
		EventID:   req.EventID,
		AccountID: accountID,
		PackID:    req.PackID,
		Amount:    req.Amount,
	}
}

// PaymentWebhookHandler applies a confirmed payment delivered over HTTP. The
// route sits behind the internal API key; idempotency on the event id makes
// redeliveries safe.
func (h *CreditHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.EventID) == "" {
		h.writeError(w, http.StatusBadRequest, "Event ID is required")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Malformed account ID")
		return
	}

	balanceAfter, err := h.service.ConfirmPurchase(r.Context(), req.toDomain(accountID))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrUnknownPack):
			h.writeError(w, http.StatusUnprocessableEntity, "Unknown credit pack")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		default:
			log.Printf("level=error component=api msg=\"payment webhook failed\" event_id=%s err=%v", req.EventID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to apply payment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"balance_after": balanceAfter})
}

type provisionAccountRequest struct {
	AccountID string `json:"account_id"`
}

// ProvisionAccountHandler creates a credit account for a new signup. Internal
// only; the identity provider calls it from its onboarding flow.
func (h *CreditHandlers) ProvisionAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req provisionAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Malformed account ID")
		return
	}

	account, err := h.service.ProvisionAccount(r.Context(), accountID)
	if err != nil {
		log.Printf("level=error component=api msg=\"account provisioning failed\" account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to provision account")
		return
	}

	h.writeJSON(w, http.StatusCreated, account)
}

func (h *CreditHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encoding failed\" err=%v", err)
	}
}

func (h *CreditHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
