package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// writeTimeout bounds a store write issued by a poller. Writes run detached
// from the poller's context so Cancel never aborts a half-finished settlement.
const writeTimeout = 10 * time.Second

var errPollerCanceled = errors.New("poller canceled")

// UpdateKind classifies a poller or session update.
type UpdateKind string

const (
	UpdateProgress  UpdateKind = "progress"
	UpdateCompleted UpdateKind = "completed"
	UpdateTimeout   UpdateKind = "timeout"
	UpdateNotFound  UpdateKind = "not_found"
	UpdateRestored  UpdateKind = "restored"
)

// Update is what a client sees while it waits for a job.
type Update struct {
	Kind     UpdateKind       `json:"kind"`
	JobID    uuid.UUID        `json:"job_id"`
	ToolID   string           `json:"tool_id,omitempty"`
	Status   models.JobStatus `json:"status,omitempty"`
	Output   json.RawMessage  `json:"output,omitempty"`
	Error    string           `json:"error,omitempty"`
	Progress string           `json:"progress,omitempty"`
	// Source names where the update came from: poll, push, store or restore.
	Source string `json:"source,omitempty"`
}

// Final reports whether no further updates will follow for the job.
func (u Update) Final() bool {
	switch u.Kind {
	case UpdateCompleted, UpdateTimeout, UpdateNotFound:
		return true
	}
	return false
}

// Poller drives the fallback poll loop for one job. It is the only owner of
// its timer; Cancel stops it.
type Poller struct {
	c      *Coordinator
	jobID  uuid.UUID
	report func(Update)

	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
	writeMu  sync.Mutex
	done     chan struct{}
}

// StartPolling arms a poller for jobID. The first read happens after delay,
// then every PollInterval until the job is terminal or the attempt budget for
// its tool runs out. report is called from the poller's goroutine.
func (c *Coordinator) StartPolling(ctx context.Context, jobID uuid.UUID, delay time.Duration, report func(Update)) *Poller {
	pctx, cancel := context.WithCancel(ctx)
	p := &Poller{
		c:      c,
		jobID:  jobID,
		report: report,
		ctx:    pctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.metrics.pollerStarted()
	go p.run(delay)
	return p
}

// Cancel stops the poller. Once Cancel returns no store write from this
// poller is in flight and none will start. It is safe to call more than once
// and from inside the report callback.
func (p *Poller) Cancel() {
	p.canceled.Store(true)
	p.cancel()
	// Wait out a write that passed the canceled check before we set it.
	p.writeMu.Lock()
	p.writeMu.Unlock()
}

// Done is closed when the poll loop has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

func (p *Poller) JobID() uuid.UUID { return p.jobID }

func (p *Poller) run(delay time.Duration) {
	defer close(p.done)
	defer p.c.metrics.pollerStopped()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in poller", "error", r, "job_id", p.jobID)
		}
	}()

	if !sleep(p.ctx, delay) {
		return
	}

	cfg := p.c.cfg
	maxAttempts := cfg.MaxAttempts
	interval := cfg.PollInterval

	for attempt := 1; ; attempt++ {
		job, err := p.c.store.GetJobByID(p.ctx, p.jobID)
		switch {
		case p.ctx.Err() != nil:
			return
		case errors.Is(err, store.ErrNotFound):
			p.c.metrics.pollResult("not_found")
			p.emit(Update{Kind: UpdateNotFound, JobID: p.jobID, Source: "poll"})
			return
		case err != nil:
			slog.Warn("poll: reading job failed", "job_id", p.jobID, "attempt", attempt, "error", err)
		default:
			maxAttempts = cfg.MaxAttemptsFor(job.ToolID)
			if job.IsTerminal() {
				p.c.metrics.pollResult("already_terminal")
				p.emit(completedFromJob(job, "store"))
				return
			}
			if p.step(job) {
				return
			}
		}

		if attempt >= maxAttempts {
			p.timeout(attempt)
			return
		}
		if !sleep(p.ctx, interval) {
			return
		}
	}
}

// step performs one provider read for a non-terminal job. It returns true
// when the loop should stop.
func (p *Poller) step(job *models.GenerationJob) bool {
	adapter, err := p.c.providers.Get(job.Provider)
	if err != nil {
		slog.Error("poll: no adapter for job", "job_id", job.ID, "provider", job.Provider, "error", err)
		return false
	}

	st, err := adapter.FetchStatus(p.ctx, job.ExternalJobID)
	if p.ctx.Err() != nil {
		return true
	}
	if err != nil {
		slog.Warn("poll: provider status failed", "job_id", job.ID, "provider", job.Provider, "error", err)
		return false
	}

	if st.Status.IsTerminal() {
		var won bool
		err := p.write(func(ctx context.Context) error {
			var ferr error
			won, ferr = p.c.Finalize(ctx, job.ID, Outcome{Status: st.Status, Output: st.Output, Error: st.Error}, PathPoll)
			return ferr
		})
		switch {
		case errors.Is(err, errPollerCanceled):
			return true
		case errors.Is(err, ErrNotFound):
			p.c.metrics.pollResult("not_found")
			p.emit(Update{Kind: UpdateNotFound, JobID: job.ID, ToolID: job.ToolID, Source: "poll"})
			return true
		case err != nil:
			slog.Warn("poll: finalize failed", "job_id", job.ID, "error", err)
			return false
		}

		p.c.metrics.pollResult("completed")
		if won {
			p.emit(Update{
				Kind:   UpdateCompleted,
				JobID:  job.ID,
				ToolID: job.ToolID,
				Status: st.Status,
				Output: st.Output,
				Error:  st.Error,
				Source: "poll",
			})
			return true
		}
		// Another path finalized first; report what it persisted.
		persisted, err := p.c.store.GetJobByID(p.ctx, job.ID)
		if err != nil {
			if p.ctx.Err() == nil {
				p.emit(Update{Kind: UpdateNotFound, JobID: job.ID, ToolID: job.ToolID, Source: "poll"})
			}
			return true
		}
		p.emit(completedFromJob(persisted, "store"))
		return true
	}

	if st.Status == models.JobStatusProcessing && job.Status == models.JobStatusQueued {
		err := p.write(func(ctx context.Context) error {
			return p.c.store.MarkJobProcessing(ctx, job.ID)
		})
		if errors.Is(err, errPollerCanceled) {
			return true
		}
		if err != nil {
			slog.Warn("poll: marking job processing failed", "job_id", job.ID, "error", err)
		}
	}
	status := st.Status
	if !status.Valid() {
		status = job.Status
	}
	p.c.mirror(p.ctx, job.ID, cache.JobStatusEntry{UserID: job.UserID, Status: string(status), Progress: st.Progress})
	p.emit(Update{
		Kind:     UpdateProgress,
		JobID:    job.ID,
		ToolID:   job.ToolID,
		Status:   status,
		Progress: st.Progress,
		Source:   "poll",
	})
	return false
}

func (p *Poller) timeout(attempts int) {
	reason := fmt.Sprintf("%s after %d attempts", ErrTimeout, attempts)
	err := p.write(func(ctx context.Context) error {
		return p.c.store.FlagForReconciliation(ctx, p.jobID, reason)
	})
	if errors.Is(err, errPollerCanceled) {
		return
	}
	if err != nil {
		slog.Warn("poll: flagging job failed", "job_id", p.jobID, "error", err)
	}
	slog.Warn("poll timed out", "job_id", p.jobID, "attempts", attempts)
	p.c.metrics.pollResult("timeout")
	p.emit(Update{Kind: UpdateTimeout, JobID: p.jobID, Error: ErrTimeout.Error(), Source: "poll"})
}

// write runs fn unless the poller was canceled. Cancel waits for a running fn.
func (p *Poller) write(fn func(ctx context.Context) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.canceled.Load() {
		return errPollerCanceled
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), writeTimeout)
	defer cancel()
	return fn(ctx)
}

func (p *Poller) emit(u Update) {
	if p.canceled.Load() || p.report == nil {
		return
	}
	p.report(u)
}

func completedFromJob(job *models.GenerationJob, source string) Update {
	u := Update{
		Kind:   UpdateCompleted,
		JobID:  job.ID,
		ToolID: job.ToolID,
		Status: job.Status,
		Output: job.OutputData,
		Source: source,
	}
	if job.ErrorMessage != nil {
		u.Error = *job.ErrorMessage
	}
	return u
}
