package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/api/response"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// maxTopUp bounds one admin top-up.
const maxTopUp = 1_000_000

// CreditStore is the slice of the store the credit handlers use.
type CreditStore interface {
	GetCreditLedger(ctx context.Context, userID uuid.UUID) (*models.CreditLedger, error)
	TopUpCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*models.CreditLedger, error)
	ListCreditTransactions(ctx context.Context, filter store.TransactionFilter) ([]*models.CreditTransaction, error)
}

// NewGetCreditsHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewGetCreditsHandler(s CreditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		ledger, err := s.GetCreditLedger(r.Context(), userID)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.JSON(w, ledger)
	}
}

// NewListTransactionsHandler returns an http.HandlerFunc for GET /api/v1/credits/transactions.
func NewListTransactionsHandler(s CreditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}

		filter := store.TransactionFilter{UserID: userID, Limit: limit}
		if raw := r.URL.Query().Get("job_id"); raw != "" {
			jobID, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id must be a valid UUID", nil)
				return
			}
			filter.JobID = &jobID
		}

		txs, err := s.ListCreditTransactions(r.Context(), filter)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.List(w, txs, limit)
	}
}

// NewTopUpHandler returns an http.HandlerFunc for POST /api/v1/admin/credits/topup.
func NewTopUpHandler(s CreditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
			Amount int64  `json:"amount"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a valid UUID", nil)
			return
		}
		if req.Amount <= 0 || req.Amount > maxTopUp {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "amount must be between 1 and 1000000", nil)
			return
		}
		if req.Reason == "" {
			req.Reason = "admin top-up"
		}

		ledger, err := s.TopUpCredits(r.Context(), userID, req.Amount, req.Reason)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.JSON(w, ledger)
	}
}
