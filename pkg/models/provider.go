package models

import (
	"context"
	"encoding/json"
	"net/http"
)

// ProviderAdapter is the capability every external generation provider exposes.
// The coordinator never calls a provider SDK directly; it selects an adapter
// by name and talks to it through this interface only.
type ProviderAdapter interface {
	// Submit starts a job on the provider and returns its correlation id.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	// FetchStatus reads the current provider-side state of a job.
	FetchStatus(ctx context.Context, externalJobID string) (ProviderStatus, error)
	// Name returns the provider identifier (e.g., "replicate", "fal").
	Name() string
}

// WebhookParser is implemented by adapters that accept pushed status updates.
type WebhookParser interface {
	// ParseWebhook authenticates and decodes one inbound delivery.
	ParseWebhook(r *http.Request, body []byte) (ProviderEvent, error)
}

// SubmitRequest is the input handed to a provider adapter.
type SubmitRequest struct {
	ToolID     string
	Input      json.RawMessage
	WebhookURL string
}

// SubmitResult carries the provider's own id for the submitted job.
type SubmitResult struct {
	ExternalJobID string
}

// ProviderStatus is a provider-side status snapshot mapped onto JobStatus.
type ProviderStatus struct {
	Status   JobStatus
	Output   json.RawMessage
	Error    string
	Progress string // optional human-readable label, e.g. "rendering 40%"
}

// ProviderEvent is a decoded webhook delivery.
type ProviderEvent struct {
	ExternalEventID string
	ExternalJobID   string
	Status          JobStatus
	Output          json.RawMessage
	Error           string
	Raw             json.RawMessage
}
