// Package coordinator runs generation jobs on external providers: it reserves
// credits, submits, listens for webhooks, polls as a fallback and settles the
// ledger exactly once per job.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/pricing"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/kiranshivaraju/gencoord/internal/push"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

const statusTTL = 30 * time.Minute

// Options wires a Coordinator. Store, Providers and Pricing are required.
type Options struct {
	Store     store.Store
	Providers *provider.Registry
	Pricing   *pricing.Catalog
	// Cache mirrors job status for cheap reads. Optional.
	Cache cache.Cache
	// Publisher fans terminal transitions out to open sessions. Optional.
	Publisher       push.Publisher
	Metrics         *Metrics
	Config          config.CoordinatorConfig
	DefaultProvider string
	// PublicBaseURL is where providers reach the webhook endpoint. Empty
	// disables webhooks and leaves polling as the only completion path.
	PublicBaseURL string
	Now           func() time.Time
}

// Coordinator owns the job lifecycle.
type Coordinator struct {
	store           store.Store
	providers       *provider.Registry
	pricing         *pricing.Catalog
	cache           cache.Cache
	publisher       push.Publisher
	metrics         *Metrics
	cfg             config.CoordinatorConfig
	defaultProvider string
	publicBaseURL   string
	now             func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:           opts.Store,
		providers:       opts.Providers,
		pricing:         opts.Pricing,
		cache:           opts.Cache,
		publisher:       opts.Publisher,
		metrics:         opts.Metrics,
		cfg:             opts.Config,
		defaultProvider: provider.Normalize(opts.DefaultProvider),
		publicBaseURL:   strings.TrimRight(opts.PublicBaseURL, "/"),
		now:             now,
		sessions:        make(map[uuid.UUID]*Session),
	}
}

// Config returns the tuning the coordinator was built with.
func (c *Coordinator) Config() config.CoordinatorConfig { return c.cfg }

// GetJob returns a job owned by userID.
func (c *Coordinator) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := c.store.GetJob(ctx, jobID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// JobStatus answers from the status mirror when it can and falls back to the
// store. A terminal entry is final and served as is; a non-terminal one may
// have been overtaken by a finalize that raced its write, so it is confirmed
// against the job row and only its progress label is kept.
func (c *Coordinator) JobStatus(ctx context.Context, userID, jobID uuid.UUID) (cache.JobStatusEntry, error) {
	var cached cache.JobStatusEntry
	var hit bool
	if c.cache != nil {
		entry, found, err := c.cache.GetJobStatus(ctx, jobID)
		if err == nil && found {
			if entry.UserID != userID {
				return cache.JobStatusEntry{}, ErrNotFound
			}
			if entry.Terminal() {
				return entry, nil
			}
			cached, hit = entry, true
		}
	}
	job, err := c.GetJob(ctx, userID, jobID)
	if err != nil {
		return cache.JobStatusEntry{}, err
	}
	entry := cache.JobStatusEntry{UserID: job.UserID, Status: string(job.Status)}
	if hit && cached.Status == entry.Status {
		entry.Progress = cached.Progress
		return entry, nil
	}
	c.mirror(ctx, job.ID, entry)
	return entry, nil
}

// ListJobs returns a user's recent jobs, optionally for one tool.
func (c *Coordinator) ListJobs(ctx context.Context, userID uuid.UUID, toolID string, limit int) ([]*models.GenerationJob, error) {
	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		UserID: userID,
		ToolID: normalizeTool(toolID),
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// EstimateCredits prices a submission without side effects.
func (c *Coordinator) EstimateCredits(toolID string, input json.RawMessage) (int64, error) {
	return c.pricing.Estimate(normalizeTool(toolID), input)
}

func (c *Coordinator) mirror(ctx context.Context, jobID uuid.UUID, entry cache.JobStatusEntry) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetJobStatus(ctx, jobID, entry, statusTTL); err != nil {
		slog.Debug("status mirror write failed", "job_id", jobID, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, userID uuid.UUID, msg push.Message) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, userID, msg); err != nil {
		slog.Warn("push publish failed", "job_id", msg.JobID, "error", err)
	}
}

func (c *Coordinator) webhookURL(providerName string) string {
	if c.publicBaseURL == "" {
		return ""
	}
	return c.publicBaseURL + "/api/v1/webhooks/" + providerName
}

func normalizeTool(toolID string) string {
	return strings.ToLower(strings.TrimSpace(toolID))
}
