// Package shadow declares the repositories over the local mirror of the legacy
// system. Every method is scoped to one office; no query crosses offices.
package shadow

import (
	"context"
	"errors"
	"time"

	"casework-pipeline/internal/models"
)

var ErrNotFound = errors.New("shadow record not found")

type ConstituentRepository interface {
	Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.Constituent, error)
	FindByExternalID(ctx context.Context, office models.OfficeID, ext models.ExternalID) (models.Constituent, error)
	FindByEmail(ctx context.Context, office models.OfficeID, email string) (models.Constituent, error)
	Create(ctx context.Context, office models.OfficeID, ext *models.ExternalID, f models.ConstituentFields) (models.Constituent, error)
	Update(ctx context.Context, office models.OfficeID, id models.InternalID, f models.ConstituentFields) (models.Constituent, error)
	UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error
}

type CaseRepository interface {
	Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.Case, error)
	FindByExternalID(ctx context.Context, office models.OfficeID, ext models.ExternalID) (models.Case, error)
	Create(ctx context.Context, office models.OfficeID, ext *models.ExternalID, f models.CaseFields) (models.Case, error)
	Update(ctx context.Context, office models.OfficeID, id models.InternalID, f models.CaseFields) (models.Case, error)
	UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error
	// ListOpenByConstituent returns open cases, most recent activity first.
	ListOpenByConstituent(ctx context.Context, office models.OfficeID, constituent models.InternalID) ([]models.Case, error)
}

type EmailRepository interface {
	Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.Email, error)
	FindByExternalID(ctx context.Context, office models.OfficeID, ext models.ExternalID) (models.Email, error)
	Create(ctx context.Context, office models.OfficeID, ext *models.ExternalID, f models.EmailFields) (models.Email, error)
	Update(ctx context.Context, office models.OfficeID, id models.InternalID, f models.EmailFields) (models.Email, error)
	UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error
	MarkActioned(ctx context.Context, office models.OfficeID, id models.InternalID) error
}

type CaseNoteRepository interface {
	Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.CaseNote, error)
	UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error
}

type ReferenceRepository interface {
	// Upsert stores a lookup row keyed by (office, kind, external id) and
	// reports whether it was new.
	Upsert(ctx context.Context, item models.ReferenceItem) (created bool, err error)
	ListActive(ctx context.Context, office models.OfficeID, kind models.ReferenceKind) ([]models.ReferenceItem, error)
	DeleteStale(ctx context.Context, office models.OfficeID, before time.Time) (int64, error)
}

// SyncStatusRepository is written only by the sync orchestrator. Save never
// touches the cancellation flag; SetCancelled owns it.
type SyncStatusRepository interface {
	Get(ctx context.Context, office models.OfficeID, entity models.EntityType) (models.SyncStatus, error)
	Save(ctx context.Context, status models.SyncStatus) error
	SetCancelled(ctx context.Context, office models.OfficeID, entity models.EntityType, cancelled bool) error
	DeleteOlderThan(ctx context.Context, office models.OfficeID, before time.Time) (int64, error)
}

// AuditLogRepository is append-only from the pipeline's point of view.
type AuditLogRepository interface {
	Append(ctx context.Context, entry models.AuditLogEntry) error
	// ListOlderThan returns an office's entries created before the cutoff, oldest first.
	ListOlderThan(ctx context.Context, office models.OfficeID, before time.Time) ([]models.AuditLogEntry, error)
	DeleteOlderThan(ctx context.Context, office models.OfficeID, before time.Time) (int64, error)
}

type PollStatusRepository interface {
	Get(ctx context.Context, office models.OfficeID, pollType models.PollType) (models.PollStatus, error)
	Save(ctx context.Context, status models.PollStatus) error
}

// Repositories bundles every shadow repository a worker needs.
type Repositories struct {
	Constituents ConstituentRepository
	Cases        CaseRepository
	Emails       EmailRepository
	CaseNotes    CaseNoteRepository
	Reference    ReferenceRepository
	SyncStatus   SyncStatusRepository
	Audit        AuditLogRepository
	Polls        PollStatusRepository
}
