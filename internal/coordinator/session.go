package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/push"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// Session is one client's view of a tool. It owns the pollers for the jobs
// that client is waiting on and merges their updates with push messages into
// a single ordered stream.
type Session struct {
	ID     uuid.UUID
	UserID uuid.UUID
	ToolID string

	c       *Coordinator
	ctx     context.Context
	cancel  context.CancelFunc
	updates chan Update
	wake    chan struct{}

	mu               sync.Mutex
	queue            []Update
	pollers          map[uuid.UUID]*Poller
	finished         map[uuid.UUID]bool
	restoreAttempted bool
	submitting       int
	submits          int
	closed           bool
}

// OpenSession starts a session for userID on toolID and registers it so later
// requests can find it by ID.
func (c *Coordinator) OpenSession(userID uuid.UUID, toolID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       uuid.New(),
		UserID:   userID,
		ToolID:   normalizeTool(toolID),
		c:        c,
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan Update),
		wake:     make(chan struct{}, 1),
		pollers:  make(map[uuid.UUID]*Poller),
		finished: make(map[uuid.UUID]bool),
	}
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
	go s.pump()
	return s
}

// LookupSession returns an open session owned by userID.
func (c *Coordinator) LookupSession(id, userID uuid.UUID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok || s.UserID != userID {
		return nil, false
	}
	return s, true
}

// CloseAll closes every open session. Used on shutdown.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	open := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		open = append(open, s)
	}
	c.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}

func (c *Coordinator) initialPollDelay() time.Duration {
	if c.publicBaseURL == "" {
		return 0
	}
	return c.cfg.WebhookGrace
}

// Updates delivers the session's updates in order until Done is closed.
func (s *Session) Updates() <-chan Update { return s.updates }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Restore resumes whatever the user left running on this tool. It runs at
// most once per session and is skipped once a submission has started.
func (s *Session) Restore(ctx context.Context) (*RestoredState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.restoreAttempted || s.submitting > 0 {
		s.mu.Unlock()
		return nil, nil
	}
	s.restoreAttempted = true
	gen := s.submits
	s.mu.Unlock()

	st, err := s.c.Restore(ctx, s.UserID, s.ToolID)
	if err != nil || st == nil {
		return nil, err
	}

	s.mu.Lock()
	stale := s.closed || s.submits != gen
	s.mu.Unlock()
	if stale {
		return nil, nil
	}

	if st.Active {
		s.emit(Update{
			Kind:   UpdateRestored,
			JobID:  st.Job.ID,
			ToolID: st.Job.ToolID,
			Status: st.Job.Status,
			Source: "restore",
		})
		s.Watch(st.Job.ID, 0)
		return st, nil
	}

	s.mu.Lock()
	s.finished[st.Job.ID] = true
	s.mu.Unlock()
	s.emit(completedFromJob(st.Job, "restore"))
	return st, nil
}

// Submit submits on behalf of the session's user and starts watching the job.
func (s *Session) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.restoreAttempted = true
	s.submitting++
	s.submits++
	s.mu.Unlock()

	req.UserID = s.UserID
	if req.ToolID == "" {
		req.ToolID = s.ToolID
	}
	res, err := s.c.Submit(ctx, req)

	s.mu.Lock()
	s.submitting--
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.Watch(res.Job.ID, s.c.initialPollDelay())
	return res, nil
}

// Watch arms a poller for jobID unless one is already running or the job was
// already reported finished.
func (s *Session) Watch(jobID uuid.UUID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished[jobID] {
		return
	}
	if _, ok := s.pollers[jobID]; ok {
		return
	}
	s.pollers[jobID] = s.c.StartPolling(s.ctx, jobID, delay, s.onPollerUpdate)
}

// Watching reports whether a poller is running for jobID.
func (s *Session) Watching(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pollers[jobID]
	return ok
}

// HandlePush applies a push message for this session's user. A terminal
// message stops the job's poller; a queued one for an unknown job starts one.
func (s *Session) HandlePush(msg push.Message) {
	if s.ToolID != "" && msg.ToolID != "" && msg.ToolID != s.ToolID {
		return
	}

	if !msg.Status.IsTerminal() {
		if msg.Status == models.JobStatusQueued {
			s.Watch(msg.JobID, s.c.initialPollDelay())
			return
		}
		s.emit(Update{Kind: UpdateProgress, JobID: msg.JobID, ToolID: msg.ToolID, Status: msg.Status, Source: "push"})
		return
	}

	s.mu.Lock()
	if s.closed || s.finished[msg.JobID] {
		s.mu.Unlock()
		return
	}
	s.finished[msg.JobID] = true
	p := s.pollers[msg.JobID]
	delete(s.pollers, msg.JobID)
	s.mu.Unlock()

	if p != nil {
		p.Cancel()
	}
	if msg.Status == models.JobStatusSucceeded {
		s.markSeen(msg.JobID)
	}
	s.emit(Update{
		Kind:   UpdateCompleted,
		JobID:  msg.JobID,
		ToolID: msg.ToolID,
		Status: msg.Status,
		Output: msg.Output,
		Error:  msg.Error,
		Source: "push",
	})
}

// Close cancels every poller the session owns and stops delivery.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pollers := make([]*Poller, 0, len(s.pollers))
	for id, p := range s.pollers {
		pollers = append(pollers, p)
		delete(s.pollers, id)
	}
	s.queue = nil
	s.mu.Unlock()

	for _, p := range pollers {
		p.Cancel()
	}
	s.cancel()

	s.c.mu.Lock()
	delete(s.c.sessions, s.ID)
	s.c.mu.Unlock()
}

func (s *Session) onPollerUpdate(u Update) {
	if u.Final() {
		s.mu.Lock()
		delete(s.pollers, u.JobID)
		if u.Kind != UpdateTimeout {
			if s.finished[u.JobID] {
				s.mu.Unlock()
				return
			}
			s.finished[u.JobID] = true
		}
		s.mu.Unlock()
	}
	if u.Kind == UpdateCompleted && u.Status == models.JobStatusSucceeded {
		s.markSeen(u.JobID)
	}
	s.emit(u)
}

func (s *Session) markSeen(jobID uuid.UUID) {
	if err := s.c.store.MarkResultSeen(s.ctx, jobID, s.UserID); err != nil && s.ctx.Err() == nil {
		slog.Debug("marking result seen failed", "job_id", jobID, "error", err)
	}
}

// emit queues u without blocking the caller.
func (s *Session) emit(u Update) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) pump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			u := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.updates <- u:
			case <-s.ctx.Done():
				return
			}
		}
	}
}
