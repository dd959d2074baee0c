package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// ReconcileReport summarises one sweep over flagged jobs.
type ReconcileReport struct {
	Scanned   int `json:"scanned"`
	Finalized int `json:"finalized"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// ReconcileOnce asks the provider once about every flagged, still-active job
// and finalizes the ones that have ended. Jobs recorded without a reservation
// are settled without touching the ledger and stay flagged for an operator.
func (c *Coordinator) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	jobs, err := c.store.ListReconciliationJobs(ctx, store.ReconcileFilter{
		ActiveOnly: true,
		Limit:      c.cfg.ReconcileBatch,
	})
	if err != nil {
		return report, fmt.Errorf("listing flagged jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		switch c.reconcileJob(ctx, job) {
		case "finalized":
			report.Finalized++
		case "pending":
			report.Pending++
		default:
			report.Errors++
		}
	}

	if report.Scanned > 0 {
		slog.Info("reconciliation sweep",
			"scanned", report.Scanned,
			"finalized", report.Finalized,
			"pending", report.Pending,
			"errors", report.Errors,
		)
	}
	return report, nil
}

func (c *Coordinator) reconcileJob(ctx context.Context, job *models.GenerationJob) string {
	result := "error"
	defer func() { c.metrics.reconcileResult(result) }()

	adapter, err := c.providers.Get(job.Provider)
	if err != nil {
		slog.Error("reconcile: no adapter for job", "job_id", job.ID, "provider", job.Provider)
		return result
	}
	st, err := adapter.FetchStatus(ctx, job.ExternalJobID)
	if err != nil {
		slog.Warn("reconcile: provider status failed", "job_id", job.ID, "error", err)
		return result
	}
	if !st.Status.IsTerminal() {
		result = "pending"
		return result
	}
	if _, err := c.Finalize(ctx, job.ID, Outcome{Status: st.Status, Output: st.Output, Error: st.Error}, PathReconcile); err != nil {
		slog.Warn("reconcile: finalize failed", "job_id", job.ID, "error", err)
		return result
	}
	result = "finalized"
	return result
}

// ListFlagged returns flagged jobs for operator review, terminal ones included.
func (c *Coordinator) ListFlagged(ctx context.Context, limit int) ([]*models.GenerationJob, error) {
	jobs, err := c.store.ListReconciliationJobs(ctx, store.ReconcileFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing flagged jobs: %w", err)
	}
	return jobs, nil
}

// RunReconciler sweeps every ReconcileInterval until ctx is done. With a
// cache configured only one instance sweeps per interval.
func (c *Coordinator) RunReconciler(ctx context.Context) {
	interval := c.cfg.ReconcileInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.acquireReconcileLock(ctx, interval) {
			continue
		}
		if _, err := c.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("reconciliation sweep failed", "error", err)
		}
	}
}

func (c *Coordinator) acquireReconcileLock(ctx context.Context, ttl time.Duration) bool {
	if c.cache == nil {
		return true
	}
	ok, err := c.cache.SetNX(ctx, cache.ReconcileLockKey(), []byte(c.now().Format(time.RFC3339)), ttl)
	if err != nil {
		slog.Warn("reconcile lock unavailable, sweeping anyway", "error", err)
		return true
	}
	return ok
}
