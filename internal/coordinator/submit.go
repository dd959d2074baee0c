package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/internal/push"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// SubmitRequest is one generation request from an authenticated user.
type SubmitRequest struct {
	UserID uuid.UUID
	ToolID string
	// Provider overrides the default provider when set.
	Provider string
	Input    json.RawMessage
}

// SubmitResult is what the caller gets back on acceptance.
type SubmitResult struct {
	Job              *models.GenerationJob
	EstimatedCredits int64
}

// Submit prices the request, checks the balance, hands the job to the
// provider and records it with its reservation. Nothing is written when
// the provider call fails.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	toolID := normalizeTool(req.ToolID)
	if toolID == "" {
		return nil, fmt.Errorf("%w: tool id is required", ErrInvalidInput)
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		c.metrics.submitFailed("invalid_input")
		return nil, fmt.Errorf("%w: input is not valid JSON", ErrInvalidInput)
	}

	credits, err := c.pricing.Estimate(toolID, input)
	if err != nil {
		c.metrics.submitFailed("invalid_input")
		return nil, err
	}

	providerName := provider.Normalize(req.Provider)
	if providerName == "" {
		providerName = c.defaultProvider
	}
	adapter, err := c.providers.Get(providerName)
	if err != nil {
		c.metrics.submitFailed("unknown_provider")
		return nil, err
	}

	ledger, err := c.store.GetCreditLedger(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("reading credit ledger: %w", err)
	}
	if ledger.AvailableCredits < credits {
		c.metrics.submitFailed("insufficient_credits")
		return nil, &InsufficientCreditsError{Required: credits, Available: ledger.AvailableCredits}
	}

	res, err := c.submitWithRetry(ctx, adapter, models.SubmitRequest{
		ToolID:     toolID,
		Input:      input,
		WebhookURL: c.webhookURL(adapter.Name()),
	})
	if err != nil {
		c.metrics.submitFailed(submitFailureReason(err))
		return nil, fmt.Errorf("submitting to %s: %w", adapter.Name(), err)
	}

	now := c.now()
	job := &models.GenerationJob{
		ID:              uuid.New(),
		UserID:          req.UserID,
		ToolID:          toolID,
		Provider:        provider.Normalize(adapter.Name()),
		ExternalJobID:   res.ExternalJobID,
		Status:          models.JobStatusQueued,
		InputData:       input,
		CreditsReserved: credits,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.store.CreateJobWithReservation(ctx, job); err != nil {
		// The provider already accepted the job. Record it anyway so its
		// completion can be observed, and leave the ledger to reconciliation.
		reason := fmt.Sprintf("credit reservation failed after provider accepted job: %v", err)
		job.ReservationHeld = false
		job.NeedsReconciliation = true
		job.ReconcileReason = &reason
		if cerr := c.store.CreateJob(ctx, job); cerr != nil {
			slog.Error("provider job could not be recorded",
				"provider", job.Provider,
				"external_job_id", job.ExternalJobID,
				"user_id", job.UserID,
				"reserve_error", err,
				"error", cerr,
			)
			c.metrics.submitFailed("store")
			return nil, fmt.Errorf("recording job: %w", cerr)
		}
		slog.Warn("job recorded without credit reservation",
			"job_id", job.ID,
			"user_id", job.UserID,
			"credits", credits,
			"error", err,
		)
	} else {
		job.ReservationHeld = true
	}

	c.mirror(ctx, job.ID, cache.JobStatusEntry{UserID: job.UserID, Status: string(job.Status)})
	c.publish(ctx, job.UserID, push.Message{JobID: job.ID, ToolID: job.ToolID, Status: job.Status})
	c.metrics.jobSubmitted(job.ToolID, job.Provider)

	slog.Info("job submitted",
		"job_id", job.ID,
		"user_id", job.UserID,
		"tool_id", job.ToolID,
		"provider", job.Provider,
		"external_job_id", job.ExternalJobID,
		"credits", credits,
	)

	return &SubmitResult{Job: job, EstimatedCredits: credits}, nil
}

// submitWithRetry retries transient provider failures with capped
// exponential backoff. Rejections are returned immediately.
func (c *Coordinator) submitWithRetry(ctx context.Context, adapter models.ProviderAdapter, req models.SubmitRequest) (models.SubmitResult, error) {
	backoff := c.cfg.SubmitBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying provider submission",
				"provider", adapter.Name(),
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			if !sleep(ctx, backoff) {
				return models.SubmitResult{}, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, ctx.Err())
			}
			backoff *= 2
			if c.cfg.SubmitMaxBackoff > 0 && backoff > c.cfg.SubmitMaxBackoff {
				backoff = c.cfg.SubmitMaxBackoff
			}
		}

		res, err := adapter.Submit(ctx, req)
		if err == nil {
			if res.ExternalJobID == "" {
				return models.SubmitResult{}, fmt.Errorf("%w: empty external job id", provider.ErrProviderRejected)
			}
			return res, nil
		}
		if !errors.Is(err, provider.ErrProviderUnavailable) {
			return models.SubmitResult{}, err
		}
		lastErr = err
	}
	return models.SubmitResult{}, lastErr
}

func submitFailureReason(err error) string {
	switch {
	case errors.Is(err, provider.ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "provider_error"
	}
}

// sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
