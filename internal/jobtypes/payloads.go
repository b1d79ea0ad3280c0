package jobtypes

import (
	"encoding/json"
	"time"

	"casework-pipeline/internal/models"
)

// Payload is implemented by every job payload variant. The unexported family
// method seals the set to this package.
type Payload interface {
	Office() models.OfficeID
	family() Family
}

// SyncCursor carries a paginated sync from one page job to the next.
type SyncCursor struct {
	Page         int        `json:"page"`
	Watermark    *time.Time `json:"watermark,omitempty"`
	RunStartedAt time.Time  `json:"run_started_at"`
}

// SyncPayload drives one page of an entity sync.
type SyncPayload struct {
	OfficeID      models.OfficeID   `json:"office_id"`
	Entity        models.EntityType `json:"entity"`
	Mode          models.SyncMode   `json:"mode"`
	ModifiedSince *time.Time        `json:"modified_since,omitempty"`
	Cursor        *SyncCursor       `json:"cursor,omitempty"`
}

// SyncAllPayload fans out into one sync job per entity.
type SyncAllPayload struct {
	OfficeID models.OfficeID `json:"office_id"`
	Mode     models.SyncMode `json:"mode"`
}

// PushOperation is the legacy-side mutation a push performs.
type PushOperation string

const (
	PushCreate PushOperation = "create"
	PushUpdate PushOperation = "update"
)

// PushPayload pushes one shadow-store entity to the legacy system.
type PushPayload struct {
	OfficeID  models.OfficeID   `json:"office_id"`
	Entity    models.EntityType `json:"entity"`
	EntityID  models.InternalID `json:"entity_id"`
	Operation PushOperation     `json:"operation"`
	Data      map[string]any    `json:"data,omitempty"`
	Previous  map[string]any    `json:"previous,omitempty"`
}

// ProcessEmailPayload triages a single email, identified by its legacy id.
type ProcessEmailPayload struct {
	OfficeID models.OfficeID   `json:"office_id"`
	EmailID  models.ExternalID `json:"email_id"`
	Force    bool              `json:"force,omitempty"`
}

// DecisionPayload applies a caseworker's triage decision.
type DecisionPayload struct {
	OfficeID models.OfficeID       `json:"office_id"`
	Decision models.TriageDecision `json:"decision"`
}

// BatchPrefetchPayload warms the triage cache for the head of an inbox listing.
type BatchPrefetchPayload struct {
	OfficeID      models.OfficeID     `json:"office_id"`
	EmailIDs      []models.ExternalID `json:"email_ids"`
	PrefetchAhead int                 `json:"prefetch_ahead"`
}

// PollPayload asks the poller whether the legacy system has new work.
type PollPayload struct {
	OfficeID models.OfficeID `json:"office_id"`
	PollType models.PollType `json:"poll_type"`
}

// SyncOfficePayload requests full syncs for a set of entities.
type SyncOfficePayload struct {
	OfficeID models.OfficeID     `json:"office_id"`
	Entities []models.EntityType `json:"entities,omitempty"`
}

// CleanupType selects which tables the retention cleanup prunes.
type CleanupType string

const (
	CleanupSyncStatus    CleanupType = "sync_status"
	CleanupReferenceData CleanupType = "reference_data"
	CleanupAll           CleanupType = "all"
)

// CleanupPayload prunes rows older than OlderThanDays.
type CleanupPayload struct {
	OfficeID      models.OfficeID `json:"office_id"`
	CleanupType   CleanupType     `json:"cleanup_type"`
	OlderThanDays int             `json:"older_than_days"`
}

// AuditRetentionPayload prunes audit entries older than OlderThanDays.
type AuditRetentionPayload struct {
	OfficeID      models.OfficeID `json:"office_id"`
	OlderThanDays int             `json:"older_than_days"`
}

// QueueHealthPayload samples queue depths. It is not office scoped.
type QueueHealthPayload struct{}

// DeadLetterPayload is what lands in a dead-letter queue.
type DeadLetterPayload struct {
	JobID    string          `json:"job_id"`
	Name     Name            `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
}

func (p SyncPayload) Office() models.OfficeID { return p.OfficeID }
func (p SyncAllPayload) Office() models.OfficeID { return p.OfficeID }
func (p PushPayload) Office() models.OfficeID { return p.OfficeID }
func (p ProcessEmailPayload) Office() models.OfficeID { return p.OfficeID }
func (p DecisionPayload) Office() models.OfficeID { return p.OfficeID }
func (p BatchPrefetchPayload) Office() models.OfficeID { return p.OfficeID }
func (p PollPayload) Office() models.OfficeID { return p.OfficeID }
func (p SyncOfficePayload) Office() models.OfficeID { return p.OfficeID }
func (p CleanupPayload) Office() models.OfficeID { return p.OfficeID }
func (p AuditRetentionPayload) Office() models.OfficeID { return p.OfficeID }
func (QueueHealthPayload) Office() models.OfficeID { return "" }
func (DeadLetterPayload) Office() models.OfficeID { return "" }

func (SyncPayload) family() Family { return FamilySync }
func (SyncAllPayload) family() Family { return FamilySync }
func (PushPayload) family() Family { return FamilyPush }
func (ProcessEmailPayload) family() Family { return FamilyTriage }
func (DecisionPayload) family() Family { return FamilyTriage }
func (BatchPrefetchPayload) family() Family { return FamilyTriage }
func (PollPayload) family() Family { return FamilyScheduled }
func (SyncOfficePayload) family() Family { return FamilyScheduled }
func (CleanupPayload) family() Family { return FamilyScheduled }
func (AuditRetentionPayload) family() Family { return FamilyMaintenance }
func (QueueHealthPayload) family() Family { return FamilyMaintenance }
func (DeadLetterPayload) family() Family { return "" }

// FamilyOf reports the family a payload variant belongs to.
func FamilyOf(p Payload) Family { return p.family() }
