package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// NotifyResult describes what an inbound provider event did.
type NotifyResult string

const (
	NotifyFinalized       NotifyResult = "finalized"
	NotifyLostRace        NotifyResult = "lost_race"
	NotifyProgress        NotifyResult = "progress"
	NotifyDuplicate       NotifyResult = "duplicate"
	NotifyUnknownJob      NotifyResult = "unknown_job"
	NotifyAlreadyTerminal NotifyResult = "already_terminal"
)

// HandleProviderEvent records one decoded webhook delivery and applies it.
// Redelivery of an event that was already processed is a no-op. An error is
// returned only when nothing durable happened, so the provider can retry.
func (c *Coordinator) HandleProviderEvent(ctx context.Context, providerName string, ev models.ProviderEvent) (NotifyResult, error) {
	providerName = provider.Normalize(providerName)
	if ev.ExternalEventID == "" || ev.ExternalJobID == "" || !ev.Status.Valid() {
		return "", fmt.Errorf("%w: incomplete event", provider.ErrInvalidWebhook)
	}

	payload := ev.Raw
	if len(payload) > 0 && !json.Valid(payload) {
		payload = nil
	}
	delivery := &models.WebhookDelivery{
		ID:              uuid.New(),
		Provider:        providerName,
		ExternalEventID: ev.ExternalEventID,
		ExternalJobID:   ev.ExternalJobID,
		Status:          ev.Status,
		Payload:         payload,
		ReceivedAt:      c.now(),
	}

	stored, inserted, err := c.store.RecordWebhookDelivery(ctx, delivery)
	if err != nil {
		return "", fmt.Errorf("recording webhook delivery: %w", err)
	}
	if !inserted && stored.ProcessedAt != nil {
		c.metrics.webhookDelivery(providerName, NotifyDuplicate)
		slog.Debug("duplicate webhook delivery",
			"provider", providerName,
			"external_event_id", ev.ExternalEventID,
		)
		return NotifyDuplicate, nil
	}

	result, err := c.applyEvent(ctx, providerName, ev)
	if err != nil {
		return "", err
	}

	if err := c.store.MarkWebhookProcessed(ctx, stored.ID, string(result)); err != nil {
		slog.Warn("marking webhook processed failed", "delivery_id", stored.ID, "error", err)
	}
	c.metrics.webhookDelivery(providerName, result)
	return result, nil
}

func (c *Coordinator) applyEvent(ctx context.Context, providerName string, ev models.ProviderEvent) (NotifyResult, error) {
	job, err := c.store.GetJobByExternalID(ctx, providerName, ev.ExternalJobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("webhook for unknown job",
			"provider", providerName,
			"external_job_id", ev.ExternalJobID,
			"status", ev.Status,
		)
		return NotifyUnknownJob, nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up job: %w", err)
	}

	if job.IsTerminal() {
		return NotifyAlreadyTerminal, nil
	}

	if !ev.Status.IsTerminal() {
		if ev.Status == models.JobStatusProcessing && job.Status == models.JobStatusQueued {
			if err := c.store.MarkJobProcessing(ctx, job.ID); err != nil {
				return "", fmt.Errorf("marking job processing: %w", err)
			}
			c.mirror(ctx, job.ID, cache.JobStatusEntry{UserID: job.UserID, Status: string(models.JobStatusProcessing)})
		}
		return NotifyProgress, nil
	}

	won, err := c.Finalize(ctx, job.ID, Outcome{Status: ev.Status, Output: ev.Output, Error: ev.Error}, PathWebhook)
	if errors.Is(err, ErrNotFound) {
		return NotifyUnknownJob, nil
	}
	if err != nil {
		return "", err
	}
	if !won {
		return NotifyLostRace, nil
	}
	return NotifyFinalized, nil
}
