package models

import (
	"time"

	"github.com/google/uuid"
)

// CreditEntryType is the business reason recorded for a ledger mutation.
type CreditEntryType string

const (
	CreditEntryReserve CreditEntryType = "reserve"
	CreditEntryCommit  CreditEntryType = "commit"
	CreditEntryRelease CreditEntryType = "release"
	CreditEntryTopUp   CreditEntryType = "topup"
	CreditEntrySpend   CreditEntryType = "spend"
)

// CreditLedger is the per-user credit balance.
// AvailableCredits excludes credits currently held by in-flight jobs.
type CreditLedger struct {
	UserID           uuid.UUID `db:"user_id"           json:"user_id"`
	AvailableCredits int64     `db:"available_credits" json:"available_credits"`
	ReservedCredits  int64     `db:"reserved_credits"  json:"reserved_credits"`
	TotalCredits     int64     `db:"total_credits"     json:"total_credits"`
	PeriodStart      time.Time `db:"period_start"      json:"period_start"`
	PeriodEnd        time.Time `db:"period_end"        json:"period_end"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}

// CreditTransaction is an append-only audit row for every ledger mutation.
type CreditTransaction struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	UserID    uuid.UUID       `db:"user_id"    json:"user_id"`
	JobID     *uuid.UUID      `db:"job_id"     json:"job_id,omitempty"`
	EntryType CreditEntryType `db:"entry_type" json:"entry_type"`
	Amount    int64           `db:"amount"     json:"amount"`
	Reason    string          `db:"reason"     json:"reason,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
