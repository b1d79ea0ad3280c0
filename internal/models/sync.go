package models

import (
	"encoding/json"
	"time"
)

// SyncMode selects between a complete pull and a watermark-bounded pull.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

// SyncStatus is the per office and entity type record of sync progress.
type SyncStatus struct {
	OfficeID            OfficeID   `json:"office_id"`
	EntityType          EntityType `json:"entity_type"`
	LastSyncStartedAt   *time.Time `json:"last_sync_started_at,omitempty"`
	LastSyncCompletedAt *time.Time `json:"last_sync_completed_at,omitempty"`
	LastSyncSuccess     bool       `json:"last_sync_success"`
	LastSyncError       *string    `json:"last_sync_error,omitempty"`
	LastSyncCursor      *string    `json:"last_sync_cursor,omitempty"`
	RecordsSynced       int        `json:"records_synced"`
	RecordsFailed       int        `json:"records_failed"`
	InProgress          bool       `json:"in_progress"`
	Cancelled           bool       `json:"cancelled"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// AuditOutcome records which step of a push an audit entry describes.
type AuditOutcome string

const (
	AuditAttempt AuditOutcome = "attempt"
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
)

// AuditLogEntry is an append-only record of a push to the legacy system.
type AuditLogEntry struct {
	ID         int64           `json:"id"`
	OfficeID   OfficeID        `json:"office_id"`
	EntityType EntityType      `json:"entity_type"`
	Operation  string          `json:"operation"`
	Outcome    AuditOutcome    `json:"outcome"`
	ExternalID *ExternalID     `json:"external_id,omitempty"`
	InternalID *InternalID     `json:"internal_id,omitempty"`
	OldData    json.RawMessage `json:"old_data,omitempty"`
	NewData    json.RawMessage `json:"new_data,omitempty"`
	Error      *string         `json:"error,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PollType selects what the legacy poller looks for.
type PollType string

const (
	PollNewEmails            PollType = "new_emails"
	PollModifiedCases        PollType = "modified_cases"
	PollModifiedConstituents PollType = "modified_constituents"
	PollAll                  PollType = "all"
)

// PollStatus remembers when an office was last polled for a given poll type.
type PollStatus struct {
	OfficeID     OfficeID  `json:"office_id"`
	PollType     PollType  `json:"poll_type"`
	LastPolledAt time.Time `json:"last_polled_at"`
	LastFound    int       `json:"last_found"`
	UpdatedAt    time.Time `json:"updated_at"`
}
