package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInsufficientCredits is returned when a guarded reservation finds the
// ledger short. Nothing is written in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	// GetCreditLedger returns the user's balance. A user without a ledger row
	// gets a zero balance, not ErrNotFound.
	GetCreditLedger(ctx context.Context, userID uuid.UUID) (*models.CreditLedger, error)
	TopUpCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*models.CreditLedger, error)
	ListCreditTransactions(ctx context.Context, filter TransactionFilter) ([]*models.CreditTransaction, error)

	// CreateJobWithReservation inserts the job and moves CreditsReserved from
	// available to reserved in one transaction. Returns ErrInsufficientCredits
	// without writing anything when the balance is short.
	CreateJobWithReservation(ctx context.Context, job *models.GenerationJob) error
	// CreateJob inserts the job without touching the ledger.
	CreateJob(ctx context.Context, job *models.GenerationJob) error
	GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.GenerationJob, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	GetJobByExternalID(ctx context.Context, provider, externalJobID string) (*models.GenerationJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.GenerationJob, error)
	// MarkJobProcessing moves a queued job to processing. Any other status is left alone.
	MarkJobProcessing(ctx context.Context, id uuid.UUID) error
	// FinalizeJob applies the terminal transition and the ledger settlement
	// atomically, only if the job is still non-terminal and unfinalized.
	// won is false when another caller already finalized the job.
	FinalizeJob(ctx context.Context, p FinalizeParams) (won bool, err error)
	FlagForReconciliation(ctx context.Context, id uuid.UUID, reason string) error
	ListReconciliationJobs(ctx context.Context, filter ReconcileFilter) ([]*models.GenerationJob, error)
	MarkResultSeen(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	// RecordWebhookDelivery inserts the delivery if (provider, external_event_id)
	// is new. Otherwise it returns the stored record with inserted=false.
	RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) (stored *models.WebhookDelivery, inserted bool, err error)
	MarkWebhookProcessed(ctx context.Context, id uuid.UUID, outcome string) error
}

// JobFilter narrows ListJobs. UserID is required.
type JobFilter struct {
	UserID         uuid.UUID
	ToolID         string
	Statuses       []models.JobStatus
	CompletedSince time.Time
	UnseenOnly     bool
	Limit          int
}

type ReconcileFilter struct {
	ActiveOnly bool
	Limit      int
}

type TransactionFilter struct {
	UserID uuid.UUID
	JobID  *uuid.UUID
	Limit  int
}

// FinalizeParams describe a terminal transition.
type FinalizeParams struct {
	JobID        uuid.UUID
	Status       models.JobStatus
	Output       json.RawMessage
	ErrorMessage *string
	// Refund releases the reservation for failed and canceled jobs instead of committing it.
	Refund      bool
	CompletedAt time.Time
}

// SettlementFor returns the ledger entry a finalize with p applies.
func SettlementFor(p FinalizeParams) models.CreditEntryType {
	if p.Status != models.JobStatusSucceeded && p.Refund {
		return models.CreditEntryRelease
	}
	return models.CreditEntryCommit
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
