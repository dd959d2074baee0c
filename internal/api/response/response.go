// Package response writes the API's JSON envelopes: {"data": ...} for single
// results, {"data": [...], "meta": {...}} for lists and {"error": {...}} for
// failures.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes shared by handlers and middleware.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
	CodeInternal            = "INTERNAL_ERROR"
)

type envelope struct {
	Data any `json:"data"`
}

type listEnvelope struct {
	Data any      `json:"data"`
	Meta ListMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ListMeta describes one page of a newest-first list capped at Limit.
// HasMore is set when the page came back full.
type ListMeta struct {
	Limit   int  `json:"limit"`
	Count   int  `json:"count"`
	HasMore bool `json:"has_more"`
}

// CreditShortfall is the details payload of INSUFFICIENT_CREDITS.
type CreditShortfall struct {
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// Accepted answers a submission that continues in the background.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List writes items with their page metadata. A nil slice is written as [].
// A limit of zero means the list is complete.
func List[T any](w http.ResponseWriter, items []T, limit int) {
	if items == nil {
		items = []T{}
	}
	meta := ListMeta{Limit: limit, Count: len(items)}
	if limit <= 0 {
		meta.Limit = len(items)
	} else {
		meta.HasMore = len(items) >= limit
	}
	writeJSON(w, http.StatusOK, listEnvelope{Data: items, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// InsufficientCredits reports a submission the caller's balance cannot cover.
func InsufficientCredits(w http.ResponseWriter, required, available int64) {
	Error(w, http.StatusPaymentRequired, CodeInsufficientCredits, "Not enough credits for this job",
		CreditShortfall{Required: required, Available: available})
}

func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, CodeInvalidToken, message, nil)
}

// Internal logs err and answers with an opaque 500.
func Internal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	Error(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response body failed", "error", err)
	}
}
