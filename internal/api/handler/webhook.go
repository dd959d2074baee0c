package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gencoord/internal/api/response"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

const maxWebhookBody = 2 << 20

// ProviderLookup resolves adapters by name. *provider.Registry satisfies it.
type ProviderLookup interface {
	Get(name string) (models.ProviderAdapter, error)
}

// EventHandler applies a decoded provider event.
type EventHandler interface {
	HandleProviderEvent(ctx context.Context, providerName string, ev models.ProviderEvent) (coordinator.NotifyResult, error)
}

// NewWebhookHandler returns an http.HandlerFunc for POST /api/v1/webhooks/{provider}.
// Anything the coordinator has durably handled, including duplicates and
// unknown jobs, is acknowledged with 200 so the provider stops retrying.
func NewWebhookHandler(providers ProviderLookup, events EventHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		adapter, err := providers.Get(name)
		if err != nil {
			response.Error(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "No such provider", nil)
			return
		}
		parser, ok := adapter.(models.WebhookParser)
		if !ok {
			response.Error(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "Provider does not accept webhooks", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Body too large", nil)
			return
		}

		ev, err := parser.ParseWebhook(r, body)
		switch {
		case errors.Is(err, provider.ErrEventIgnored):
			response.JSON(w, map[string]string{"result": "ignored"})
			return
		case err != nil:
			slog.Warn("rejected webhook", "provider", name, "error", err)
			response.Error(w, http.StatusBadRequest, "INVALID_WEBHOOK", "Webhook could not be verified", nil)
			return
		}

		result, err := events.HandleProviderEvent(r.Context(), adapter.Name(), ev)
		if err != nil {
			if errors.Is(err, provider.ErrInvalidWebhook) {
				response.Error(w, http.StatusBadRequest, "INVALID_WEBHOOK", err.Error(), nil)
				return
			}
			slog.Error("webhook handling failed", "provider", name, "external_job_id", ev.ExternalJobID, "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Webhook not recorded", nil)
			return
		}
		response.JSON(w, map[string]string{"result": string(result)})
	}
}
