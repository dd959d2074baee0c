package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// RestoredState is the view a reconnecting client resumes from.
type RestoredState struct {
	Job *models.GenerationJob
	// Active is true when the job is still running and should be watched.
	Active bool
}

// Restore finds what a user should see when they return to a tool: the most
// recent active job, or failing that a recent success they have not seen yet.
// It returns nil when there is nothing to restore.
func (c *Coordinator) Restore(ctx context.Context, userID uuid.UUID, toolID string) (*RestoredState, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	toolID = normalizeTool(toolID)

	active, err := c.store.ListJobs(ctx, store.JobFilter{
		UserID:   userID,
		ToolID:   toolID,
		Statuses: models.ActiveStatuses,
		Limit:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	if len(active) > 0 {
		// The row may have moved since the list query; trust a fresh read.
		job, err := c.store.GetJob(ctx, active[0].ID, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Deleted between the two reads. Fall back to recent results.
		case err != nil:
			return nil, fmt.Errorf("re-reading job: %w", err)
		case job.IsTerminal():
			c.markSeen(ctx, job)
			return &RestoredState{Job: job}, nil
		default:
			return &RestoredState{Job: job, Active: true}, nil
		}
	}

	if c.cfg.RestoreWindow <= 0 {
		return nil, nil
	}
	recent, err := c.store.ListJobs(ctx, store.JobFilter{
		UserID:         userID,
		ToolID:         toolID,
		Statuses:       []models.JobStatus{models.JobStatusSucceeded},
		CompletedSince: c.now().Add(-c.cfg.RestoreWindow),
		UnseenOnly:     true,
		Limit:          1,
	})
	if err != nil {
		return nil, fmt.Errorf("listing recent results: %w", err)
	}
	if len(recent) == 0 {
		return nil, nil
	}
	c.markSeen(ctx, recent[0])
	return &RestoredState{Job: recent[0]}, nil
}

func (c *Coordinator) markSeen(ctx context.Context, job *models.GenerationJob) {
	if job.Status != models.JobStatusSucceeded {
		return
	}
	if err := c.store.MarkResultSeen(ctx, job.ID, job.UserID); err != nil {
		slog.Warn("marking result seen failed", "job_id", job.ID, "error", err)
	}
}
