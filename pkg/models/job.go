// Package models contains shared data models used across the gencoord codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a GenerationJob.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// IsTerminal reports whether the status can no longer change.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal statuses a job can be restored from.
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusProcessing}

// GenerationJob is one submission to an external generation provider.
// ID doubles as the batch correlation key handed back to the caller.
type GenerationJob struct {
	ID            uuid.UUID       `db:"id"              json:"job_id"`
	UserID        uuid.UUID       `db:"user_id"         json:"user_id"`
	ToolID        string          `db:"tool_id"         json:"tool_id"`
	Provider      string          `db:"provider"        json:"provider"`
	ExternalJobID string          `db:"external_job_id" json:"-"`
	Status        JobStatus       `db:"status"          json:"status"`
	InputData     json.RawMessage `db:"input_data"      json:"input,omitempty"`
	OutputData    json.RawMessage `db:"output_data"     json:"output,omitempty"`
	ErrorMessage  *string         `db:"error_message"   json:"error_message,omitempty"`

	CreditsReserved  int64 `db:"credits_reserved"  json:"credits_reserved"`
	CreditsFinalized bool  `db:"credits_finalized" json:"credits_finalized"`
	// ReservationHeld is false when the ledger reservation could not be written
	// after the provider had already accepted the job.
	ReservationHeld     bool    `db:"reservation_held"     json:"-"`
	NeedsReconciliation bool    `db:"needs_reconciliation" json:"needs_reconciliation"`
	ReconcileReason     *string `db:"reconcile_reason"     json:"reconcile_reason,omitempty"`

	ResultSeenAt *time.Time `db:"result_seen_at" json:"-"`
	CreatedAt    time.Time  `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"     json:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job reached a final status.
func (j *GenerationJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}
