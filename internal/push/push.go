// Package push sends shadow-store mutations to the legacy system and keeps an
// audit trail of every attempt, success and failure.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
	"casework-pipeline/internal/telemetry"
)

// ErrDependencyNotPushed means a referenced entity has no external id yet. The
// job is still retried since the dependency's own push may be in flight.
var ErrDependencyNotPushed = errors.New("dependency not pushed to legacy system")

type Config struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Pusher is the push orchestrator.
type Pusher struct {
	legacy  legacy.Client
	repos   shadow.Repositories
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(client legacy.Client, repos shadow.Repositories, cfg Config) *Pusher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pusher{
		legacy:  client,
		repos:   repos,
		log:     logger.With("component", "push"),
		metrics: cfg.Metrics,
		now:     now,
	}
}

// Push executes one push job.
func (p *Pusher) Push(ctx context.Context, job models.Job, pl jobtypes.PushPayload) error {
	if err := pl.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	if pl.Operation != jobtypes.PushCreate && pl.Operation != jobtypes.PushUpdate {
		return jobs.Permanent(fmt.Errorf("unknown push operation %q", pl.Operation))
	}
	var err error
	switch pl.Entity {
	case models.EntityConstituents:
		err = p.pushConstituent(ctx, job, pl)
	case models.EntityCases:
		err = p.pushCase(ctx, job, pl)
	case models.EntityEmails:
		err = p.pushEmail(ctx, job, pl)
	case models.EntityCaseNotes:
		err = p.pushCaseNote(ctx, job, pl)
	default:
		return jobs.Permanent(fmt.Errorf("entity %q cannot be pushed", pl.Entity))
	}
	if errors.Is(err, shadow.ErrNotFound) {
		// The row is gone; no retry will bring it back.
		return jobs.Permanent(fmt.Errorf("push %s %s: %w", pl.Entity, pl.EntityID, err))
	}
	return err
}

func (p *Pusher) pushConstituent(ctx context.Context, job models.Job, pl jobtypes.PushPayload) error {
	c, err := p.repos.Constituents.Get(ctx, pl.OfficeID, pl.EntityID)
	if err != nil {
		return err
	}
	data := legacy.ConstituentRecord(c).Overlay(pl.Data)
	return p.apply(ctx, job, pl, c.ExternalID, data, op{
		create: func() (models.ExternalID, error) { return p.legacy.CreateConstituent(ctx, pl.OfficeID, data) },
		update: func(ext models.ExternalID) error { return p.legacy.UpdateConstituent(ctx, pl.OfficeID, ext, data) },
		store:  func(ext models.ExternalID) error { return p.repos.Constituents.UpdateExternalID(ctx, pl.OfficeID, c.ID, ext) },
	})
}

func (p *Pusher) pushCase(ctx context.Context, job models.Job, pl jobtypes.PushPayload) error {
	c, err := p.repos.Cases.Get(ctx, pl.OfficeID, pl.EntityID)
	if err != nil {
		return err
	}
	var constituentRef *models.ExternalID
	if c.ConstituentID != nil {
		owner, err := p.repos.Constituents.Get(ctx, pl.OfficeID, *c.ConstituentID)
		if err != nil {
			return fmt.Errorf("resolve constituent %s: %w", *c.ConstituentID, err)
		}
		if owner.ExternalID == nil {
			return p.dependencyMissing(ctx, job, pl, "constituent", owner.ID)
		}
		constituentRef = owner.ExternalID
	}
	data := legacy.CaseRecord(c, constituentRef).Overlay(pl.Data)
	return p.apply(ctx, job, pl, c.ExternalID, data, op{
		create: func() (models.ExternalID, error) { return p.legacy.CreateCase(ctx, pl.OfficeID, data) },
		update: func(ext models.ExternalID) error { return p.legacy.UpdateCase(ctx, pl.OfficeID, ext, data) },
		store:  func(ext models.ExternalID) error { return p.repos.Cases.UpdateExternalID(ctx, pl.OfficeID, c.ID, ext) },
	})
}

func (p *Pusher) pushEmail(ctx context.Context, job models.Job, pl jobtypes.PushPayload) error {
	e, err := p.repos.Emails.Get(ctx, pl.OfficeID, pl.EntityID)
	if err != nil {
		return err
	}
	var caseRef, constituentRef *models.ExternalID
	if e.CaseID != nil {
		c, err := p.repos.Cases.Get(ctx, pl.OfficeID, *e.CaseID)
		if err != nil {
			return fmt.Errorf("resolve case %s: %w", *e.CaseID, err)
		}
		if c.ExternalID == nil {
			return p.dependencyMissing(ctx, job, pl, "case", c.ID)
		}
		caseRef = c.ExternalID
	}
	if e.ConstituentID != nil {
		owner, err := p.repos.Constituents.Get(ctx, pl.OfficeID, *e.ConstituentID)
		if err != nil {
			return fmt.Errorf("resolve constituent %s: %w", *e.ConstituentID, err)
		}
		if owner.ExternalID == nil {
			return p.dependencyMissing(ctx, job, pl, "constituent", owner.ID)
		}
		constituentRef = owner.ExternalID
	}
	data := legacy.EmailRecord(e, caseRef, constituentRef).Overlay(pl.Data)
	return p.apply(ctx, job, pl, e.ExternalID, data, op{
		create: func() (models.ExternalID, error) { return p.legacy.CreateDraftEmail(ctx, pl.OfficeID, data) },
		update: func(ext models.ExternalID) error { return p.legacy.UpdateEmail(ctx, pl.OfficeID, ext, data) },
		store:  func(ext models.ExternalID) error { return p.repos.Emails.UpdateExternalID(ctx, pl.OfficeID, e.ID, ext) },
	})
}

func (p *Pusher) pushCaseNote(ctx context.Context, job models.Job, pl jobtypes.PushPayload) error {
	if pl.Operation != jobtypes.PushCreate {
		return jobs.Permanent(errors.New("case notes are immutable in the legacy system"))
	}
	n, err := p.repos.CaseNotes.Get(ctx, pl.OfficeID, pl.EntityID)
	if err != nil {
		return err
	}
	c, err := p.repos.Cases.Get(ctx, pl.OfficeID, n.CaseID)
	if err != nil {
		return fmt.Errorf("resolve case %s: %w", n.CaseID, err)
	}
	if c.ExternalID == nil {
		return p.dependencyMissing(ctx, job, pl, "case", c.ID)
	}
	caseRef := *c.ExternalID
	data := legacy.Record{"caseId": caseRef.Int64(), "body": n.Body}
	return p.apply(ctx, job, pl, n.ExternalID, data, op{
		create: func() (models.ExternalID, error) { return p.legacy.CreateCaseNote(ctx, pl.OfficeID, caseRef, n.Body) },
		store:  func(ext models.ExternalID) error { return p.repos.CaseNotes.UpdateExternalID(ctx, pl.OfficeID, n.ID, ext) },
	})
}

type op struct {
	create func() (models.ExternalID, error)
	update func(ext models.ExternalID) error
	store  func(ext models.ExternalID) error
}

// apply runs the legacy call between an attempt entry and its outcome entry.
func (p *Pusher) apply(ctx context.Context, job models.Job, pl jobtypes.PushPayload, current *models.ExternalID, data legacy.Record, o op) error {
	log := p.log.With("office", pl.OfficeID, "entity", pl.Entity, "internal_id", pl.EntityID, "job_id", job.ID)

	if pl.Operation == jobtypes.PushCreate && current != nil {
		// A redelivered create whose first delivery already succeeded.
		log.Info("entity already pushed, skipping create", "external_id", *current)
		return nil
	}
	if pl.Operation == jobtypes.PushUpdate && current == nil {
		return p.fail(ctx, job, pl, nil, data, fmt.Errorf("%w: %s %s has no external id", ErrDependencyNotPushed, pl.Entity, pl.EntityID))
	}

	if err := p.audit(ctx, job, pl, models.AuditAttempt, current, data, nil); err != nil {
		return err
	}

	ext := current
	var err error
	if pl.Operation == jobtypes.PushCreate {
		var created models.ExternalID
		created, err = o.create()
		if err == nil {
			ext = &created
			if serr := o.store(created); serr != nil {
				// The legacy record exists; losing its id would duplicate it on retry.
				log.Error("store external id after create", "external_id", created, "error", serr)
				err = fmt.Errorf("store external id %d: %w", created, serr)
			}
		}
	} else {
		err = o.update(*current)
	}
	if err != nil {
		return p.fail(ctx, job, pl, ext, data, err)
	}

	p.metrics.Push(string(pl.Entity), string(models.AuditSuccess))
	log.Info("entity pushed", "operation", pl.Operation, "external_id", *ext)
	return p.audit(ctx, job, pl, models.AuditSuccess, ext, data, nil)
}

func (p *Pusher) dependencyMissing(ctx context.Context, job models.Job, pl jobtypes.PushPayload, kind string, id models.InternalID) error {
	return p.fail(ctx, job, pl, nil, pl.Data, fmt.Errorf("%w: %s %s", ErrDependencyNotPushed, kind, id))
}

func (p *Pusher) fail(ctx context.Context, job models.Job, pl jobtypes.PushPayload, ext *models.ExternalID, data map[string]any, cause error) error {
	p.metrics.Push(string(pl.Entity), string(models.AuditFailure))
	log := p.log.With("office", pl.OfficeID, "entity", pl.Entity, "internal_id", pl.EntityID, "job_id", job.ID, "attempt", job.Attempts)
	if legacy.IsTransient(cause) || errors.Is(cause, ErrDependencyNotPushed) {
		log.Warn("push failed", "error", cause)
	} else {
		// Retrying will not change the answer; someone has to fix the data.
		log.Error("push rejected", "error", cause)
	}
	if err := p.audit(ctx, job, pl, models.AuditFailure, ext, data, cause); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("push %s %s: %w", pl.Entity, pl.Operation, cause)
}

func (p *Pusher) audit(ctx context.Context, job models.Job, pl jobtypes.PushPayload, outcome models.AuditOutcome, ext *models.ExternalID, data map[string]any, cause error) error {
	id := pl.EntityID
	entry := models.AuditLogEntry{
		OfficeID:   pl.OfficeID,
		EntityType: pl.Entity,
		Operation:  string(pl.Operation),
		Outcome:    outcome,
		ExternalID: ext,
		InternalID: &id,
		OldData:    marshalData(pl.Previous),
		NewData:    marshalData(data),
		JobID:      job.ID,
		CreatedAt:  p.now(),
	}
	if cause != nil {
		msg := cause.Error()
		entry.Error = &msg
	}
	if err := p.repos.Audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("append %s audit entry: %w", outcome, err)
	}
	return nil
}

func marshalData(data map[string]any) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}
