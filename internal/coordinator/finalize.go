package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/push"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// Path names the route that observed a terminal outcome.
type Path string

const (
	PathWebhook   Path = "webhook"
	PathPoll      Path = "poll"
	PathReconcile Path = "reconcile"
)

// Outcome is a terminal result as reported by a provider.
type Outcome struct {
	Status models.JobStatus
	Output json.RawMessage
	Error  string
}

// Finalize applies outcome to the job and settles its reservation. Whichever
// path reaches the store first wins; every later call returns won=false and
// changes nothing.
func (c *Coordinator) Finalize(ctx context.Context, jobID uuid.UUID, outcome Outcome, path Path) (bool, error) {
	if !outcome.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %q", ErrNotTerminal, outcome.Status)
	}

	var errMsg *string
	if outcome.Error != "" {
		msg := outcome.Error
		errMsg = &msg
	}
	output := outcome.Output
	if len(output) > 0 && !json.Valid(output) {
		output = nil
	}

	won, err := c.store.FinalizeJob(ctx, store.FinalizeParams{
		JobID:        jobID,
		Status:       outcome.Status,
		Output:       output,
		ErrorMessage: errMsg,
		Refund:       c.cfg.RefundOnFailure,
		CompletedAt:  c.now(),
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("finalizing job: %w", err)
	}
	c.metrics.finalizeAttempt(path, won)
	if !won {
		slog.Debug("finalize lost race", "job_id", jobID, "path", path)
		return false, nil
	}

	job, err := c.store.GetJobByID(ctx, jobID)
	if err != nil {
		slog.Warn("finalized job could not be re-read", "job_id", jobID, "error", err)
		return true, nil
	}

	c.mirror(ctx, job.ID, cache.JobStatusEntry{UserID: job.UserID, Status: string(job.Status)})
	c.publish(ctx, job.UserID, push.Message{
		JobID:  job.ID,
		ToolID: job.ToolID,
		Status: job.Status,
		Output: job.OutputData,
		Error:  outcome.Error,
	})
	if job.CompletedAt != nil {
		c.metrics.observeDuration(job.ToolID, string(job.Status), job.CompletedAt.Sub(job.CreatedAt))
	}

	slog.Info("job finalized",
		"job_id", job.ID,
		"user_id", job.UserID,
		"status", job.Status,
		"path", path,
		"credits", job.CreditsReserved,
		"settlement", settlementLabel(job, c.cfg.RefundOnFailure),
	)
	return true, nil
}

func settlementLabel(job *models.GenerationJob, refund bool) string {
	if !job.ReservationHeld {
		return "none"
	}
	return string(store.SettlementFor(store.FinalizeParams{Status: job.Status, Refund: refund}))
}
