package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookDelivery is the dedup log entry for one inbound provider event.
// (Provider, ExternalEventID) is unique.
type WebhookDelivery struct {
	ID              uuid.UUID       `db:"id"                json:"id"`
	Provider        string          `db:"provider"          json:"provider"`
	ExternalEventID string          `db:"external_event_id" json:"external_event_id"`
	ExternalJobID   string          `db:"external_job_id"   json:"external_job_id"`
	Status          JobStatus       `db:"status"            json:"status"`
	Payload         json.RawMessage `db:"payload"           json:"-"`
	Outcome         *string         `db:"outcome"           json:"outcome,omitempty"`
	ReceivedAt      time.Time       `db:"received_at"       json:"received_at"`
	ProcessedAt     *time.Time      `db:"processed_at"      json:"processed_at,omitempty"`
}
