// Package memstore is an in-memory store.Store used by service and handler tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

// Store keeps every table in maps guarded by one mutex, so each method is
// atomic in the same way a Postgres transaction is.
type Store struct {
	mu           sync.Mutex
	apiKeys      map[uuid.UUID]*models.APIKey
	ledgers      map[uuid.UUID]*models.CreditLedger
	transactions []*models.CreditTransaction
	jobs         map[uuid.UUID]*models.GenerationJob
	deliveries   map[string]*models.WebhookDelivery

	// ReserveErr, when set, is returned by CreateJobWithReservation.
	ReserveErr error
	// PingErr, when set, is returned by Ping.
	PingErr error

	now func() time.Time
}

func New() *Store {
	return &Store{
		apiKeys:    make(map[uuid.UUID]*models.APIKey),
		ledgers:    make(map[uuid.UUID]*models.CreditLedger),
		jobs:       make(map[uuid.UUID]*models.GenerationJob),
		deliveries: make(map[string]*models.WebhookDelivery),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock used for timestamps.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(_ context.Context) error { return s.PingErr }

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyPrefix == key.KeyPrefix && k.DeletedAt == nil {
			return store.ErrDuplicateKey
		}
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.UserID == userID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.UserID != userID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	return nil
}

// --- Credit Ledger ---

func (s *Store) GetCreditLedger(_ context.Context, userID uuid.UUID) (*models.CreditLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[userID]
	if !ok {
		return &models.CreditLedger{UserID: userID}, nil
	}
	cp := *l
	return &cp, nil
}

func (s *Store) TopUpCredits(_ context.Context, userID uuid.UUID, amount int64, reason string) (*models.CreditLedger, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("top up amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledgerLocked(userID)
	l.AvailableCredits += amount
	l.TotalCredits += amount
	l.UpdatedAt = s.now()
	s.appendTxLocked(userID, nil, models.CreditEntryTopUp, amount, reason)
	cp := *l
	return &cp, nil
}

func (s *Store) ListCreditTransactions(_ context.Context, filter store.TransactionFilter) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CreditTransaction
	for _, t := range s.transactions {
		if t.UserID != filter.UserID {
			continue
		}
		if filter.JobID != nil && (t.JobID == nil || *t.JobID != *filter.JobID) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ledgerLocked(userID uuid.UUID) *models.CreditLedger {
	l, ok := s.ledgers[userID]
	if !ok {
		now := s.now()
		l = &models.CreditLedger{
			UserID:      userID,
			PeriodStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		}
		l.PeriodEnd = l.PeriodStart.AddDate(0, 1, 0)
		s.ledgers[userID] = l
	}
	return l
}

func (s *Store) appendTxLocked(userID uuid.UUID, jobID *uuid.UUID, entry models.CreditEntryType, amount int64, reason string) {
	s.transactions = append(s.transactions, &models.CreditTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		JobID:     jobID,
		EntryType: entry,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: s.now(),
	})
}

// --- Generation Jobs ---

func (s *Store) CreateJobWithReservation(_ context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReserveErr != nil {
		return s.ReserveErr
	}
	if err := s.checkUniqueLocked(job); err != nil {
		return err
	}
	if job.CreditsReserved > 0 {
		l, ok := s.ledgers[job.UserID]
		if !ok || l.AvailableCredits < job.CreditsReserved {
			return store.ErrInsufficientCredits
		}
		l.AvailableCredits -= job.CreditsReserved
		l.ReservedCredits += job.CreditsReserved
		l.UpdatedAt = s.now()
		id := job.ID
		s.appendTxLocked(job.UserID, &id, models.CreditEntryReserve, job.CreditsReserved, job.ToolID)
	}
	job.ReservationHeld = true
	s.insertLocked(job)
	return nil
}

func (s *Store) CreateJob(_ context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUniqueLocked(job); err != nil {
		return err
	}
	s.insertLocked(job)
	return nil
}

func (s *Store) checkUniqueLocked(job *models.GenerationJob) error {
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, j := range s.jobs {
		if j.Provider == job.Provider && j.ExternalJobID == job.ExternalJobID {
			return store.ErrDuplicateKey
		}
	}
	return nil
}

func (s *Store) insertLocked(job *models.GenerationJob) {
	cp := *job
	cp.CreditsFinalized = false
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.jobs[job.ID] = &cp
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID, userID uuid.UUID) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) GetJobByID(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) GetJobByExternalID(_ context.Context, provider, externalJobID string) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Provider == provider && j.ExternalJobID == externalJobID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range s.jobs {
		if j.UserID != filter.UserID {
			continue
		}
		if filter.ToolID != "" && j.ToolID != filter.ToolID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, j.Status) {
			continue
		}
		if !filter.CompletedSince.IsZero() && (j.CompletedAt == nil || j.CompletedAt.Before(filter.CompletedSince)) {
			continue
		}
		if filter.UnseenOnly && j.ResultSeenAt != nil {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	byCompletion := !filter.CompletedSince.IsZero()
	sort.Slice(out, func(i, k int) bool {
		if byCompletion && !out[i].CompletedAt.Equal(*out[k].CompletedAt) {
			return out[i].CompletedAt.After(*out[k].CompletedAt)
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkJobProcessing(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.Status == models.JobStatusQueued {
		j.Status = models.JobStatusProcessing
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) FinalizeJob(_ context.Context, p store.FinalizeParams) (bool, error) {
	if !p.Status.IsTerminal() {
		return false, fmt.Errorf("finalize job: %q is not a terminal status", p.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[p.JobID]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.CreditsFinalized || j.Status.IsTerminal() {
		return false, nil
	}

	completedAt := p.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}
	j.Status = p.Status
	j.OutputData = p.Output
	j.ErrorMessage = p.ErrorMessage
	j.CompletedAt = &completedAt
	j.UpdatedAt = completedAt
	j.CreditsFinalized = true
	if j.ReservationHeld {
		j.NeedsReconciliation = false
	}

	if j.ReservationHeld && j.CreditsReserved > 0 {
		l := s.ledgerLocked(j.UserID)
		entry := store.SettlementFor(p)
		l.ReservedCredits -= j.CreditsReserved
		if entry == models.CreditEntryRelease {
			l.AvailableCredits += j.CreditsReserved
		}
		l.UpdatedAt = s.now()
		id := j.ID
		s.appendTxLocked(j.UserID, &id, entry, j.CreditsReserved, string(p.Status))
	}
	return true, nil
}

func (s *Store) FlagForReconciliation(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.NeedsReconciliation = true
	j.ReconcileReason = &reason
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListReconciliationJobs(_ context.Context, filter store.ReconcileFilter) ([]*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range s.jobs {
		if !j.NeedsReconciliation {
			continue
		}
		if filter.ActiveOnly && j.Status.IsTerminal() {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) MarkResultSeen(_ context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.UserID != userID {
		return store.ErrNotFound
	}
	if j.ResultSeenAt == nil {
		now := s.now()
		j.ResultSeenAt = &now
	}
	return nil
}

// DeleteJob removes a job outright. Only tests use it, to simulate a vanished row.
func (s *Store) DeleteJob(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// --- Webhook Deliveries ---

func (s *Store) RecordWebhookDelivery(_ context.Context, d *models.WebhookDelivery) (*models.WebhookDelivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.Provider + "\x00" + d.ExternalEventID
	if existing, ok := s.deliveries[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *d
	s.deliveries[key] = &cp
	return d, true, nil
}

func (s *Store) MarkWebhookProcessed(_ context.Context, id uuid.UUID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.ID == id {
			now := s.now()
			d.ProcessedAt = &now
			d.Outcome = &outcome
			return nil
		}
	}
	return store.ErrNotFound
}

// Deliveries returns a snapshot of every recorded webhook delivery.
func (s *Store) Deliveries() []*models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WebhookDelivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

func containsStatus(list []models.JobStatus, st models.JobStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

var _ store.Store = (*Store)(nil)
