package models

import (
	"encoding/json"
	"time"
)

// EventType names a job lifecycle fact carried by the outbox.
type EventType string

const (
	EventJobCreated    EventType = "job_created"
	EventJobProcessing EventType = "job_processing"
	EventJobUpdated    EventType = "job_updated"
	EventJobFailed     EventType = "job_failed"
	EventJobFinalized  EventType = "job_finalized"
	EventJobDeleted    EventType = "job_deleted"
)

// EntityCatalogingJob is the entity_type of every job event.
const EntityCatalogingJob = "cataloging_job"

// NewEvent is an event about to be appended alongside a job mutation.
type NewEvent struct {
	TenantID   string
	EventType  EventType
	EntityType string
	EntityID   string
	Data       map[string]any
}

// OutboxEvent is an appended event row.
type OutboxEvent struct {
	EventID          int64           `json:"event_id"`
	TenantID         string          `json:"tenant_id"`
	EventType        EventType       `json:"event_type"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Data             json.RawMessage `json:"event_data"`
	CreatedAt        time.Time       `json:"created_at"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	LastError        *string         `json:"last_error,omitempty"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
}

// ProcessorCursor bookmarks delivery progress per (tenant, consumer).
type ProcessorCursor struct {
	TenantID             string    `json:"tenant_id"`
	ConsumerName         string    `json:"consumer_name"`
	LastProcessedEventID int64     `json:"last_processed_event_id"`
	LastProcessedAt      time.Time `json:"last_processed_at"`
}

// DeadLetterEvent is an event that exhausted its delivery attempts.
type DeadLetterEvent struct {
	ID               int64           `json:"id"`
	OriginalEventID  int64           `json:"original_event_id"`
	TenantID         string          `json:"tenant_id"`
	EventType        EventType       `json:"event_type"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Data             json.RawMessage `json:"event_data"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	LastError        *string         `json:"last_error,omitempty"`
	FailedAt         time.Time       `json:"failed_at"`
}

// TenantOutboxHealth is the read-only delivery summary for one tenant.
type TenantOutboxHealth struct {
	TenantID            string  `json:"tenant_id"`
	Backlog             int64   `json:"backlog"`
	OldestPendingSecs   float64 `json:"oldest_pending_seconds"`
	CursorEventID       int64   `json:"cursor_event_id"`
	DeadLetters         int64   `json:"dead_letters"`
	Delivered           int64   `json:"delivered"`
	Attempts            int64   `json:"attempts"`
	DeliverySuccessRate float64 `json:"delivery_success_rate"`
}
