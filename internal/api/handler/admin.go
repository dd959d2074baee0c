package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/api/response"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// Reconciler is what the reconciliation endpoints need.
type Reconciler interface {
	ListFlagged(ctx context.Context, limit int) ([]*models.GenerationJob, error)
	ReconcileOnce(ctx context.Context) (coordinator.ReconcileReport, error)
}

// NewListReconciliationHandler returns an http.HandlerFunc for GET /api/v1/admin/reconciliation.
func NewListReconciliationHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}
		jobs, err := rec.ListFlagged(r.Context(), limit)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.List(w, jobs, limit)
	}
}

// NewRunReconciliationHandler returns an http.HandlerFunc for POST /api/v1/admin/reconciliation/run.
func NewRunReconciliationHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := rec.ReconcileOnce(r.Context())
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.JSON(w, report)
	}
}

// KeyStore is the slice of the store the key handlers use.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears in this response only.
func NewCreateKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string   `json:"user_id"`
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		userID, ok := targetUser(w, r, req.UserID)
		if !ok {
			return
		}

		raw, key, err := mw.IssueAPIKey(r.Context(), s, userID, req.Name, req.Scopes)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := targetUser(w, r, r.URL.Query().Get("user_id"))
		if !ok {
			return
		}
		keys, err := s.ListAPIKeys(r.Context(), userID)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.List(w, keys, 0)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a valid UUID", nil)
			return
		}
		userID, ok := targetUser(w, r, r.URL.Query().Get("user_id"))
		if !ok {
			return
		}
		if err := s.RevokeAPIKey(r.Context(), keyID, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			writeCoordinatorError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// targetUser is the explicit user id when given, otherwise the caller.
func targetUser(w http.ResponseWriter, r *http.Request, raw string) (uuid.UUID, bool) {
	if raw == "" {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
		}
		return userID, ok
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return userID, true
}
