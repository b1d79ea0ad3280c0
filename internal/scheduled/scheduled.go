// Package scheduled holds the cron-driven handlers. They detect work and
// delegate it to sync jobs; the only data they touch directly is retention.
package scheduled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
)

const (
	DefaultPollLookback  = 24 * time.Hour
	DefaultRetentionDays = 90
	pollPageSize         = 100
)

// Submitter enqueues jobs. *jobs.Client satisfies it.
type Submitter interface {
	Send(ctx context.Context, name jobtypes.Name, payload any, opts jobs.SendOptions) (string, error)
}

type Config struct {
	PollLookback  time.Duration
	RetentionDays int
	Logger        *slog.Logger
	Now           func() time.Time
}

type Orchestrator struct {
	legacy legacy.Client
	repos  shadow.Repositories
	submit Submitter
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

func New(client legacy.Client, repos shadow.Repositories, submit Submitter, cfg Config) *Orchestrator {
	if cfg.PollLookback <= 0 {
		cfg.PollLookback = DefaultPollLookback
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		legacy: client,
		repos:  repos,
		submit: submit,
		cfg:    cfg,
		log:    logger.With("component", "scheduled"),
		now:    cfg.Now,
	}
}

// pollTargets maps a poll type to the entities it checks.
func pollTargets(t models.PollType) ([]models.EntityType, error) {
	switch t {
	case models.PollNewEmails:
		return []models.EntityType{models.EntityEmails}, nil
	case models.PollModifiedCases:
		return []models.EntityType{models.EntityCases}, nil
	case models.PollModifiedConstituents:
		return []models.EntityType{models.EntityConstituents}, nil
	case models.PollAll, "":
		return []models.EntityType{models.EntityConstituents, models.EntityCases, models.EntityEmails}, nil
	}
	return nil, fmt.Errorf("unknown poll type %q", t)
}

// PollLegacy checks the legacy system for records changed since the last poll
// and queues an incremental sync for each entity that has any.
func (o *Orchestrator) PollLegacy(ctx context.Context, job models.Job, p jobtypes.PollPayload) error {
	if err := p.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	pollType := p.PollType
	if pollType == "" {
		pollType = models.PollAll
	}
	entities, err := pollTargets(pollType)
	if err != nil {
		return jobs.Permanent(err)
	}

	now := o.now()
	since := now.Add(-o.cfg.PollLookback)
	last, err := o.repos.Polls.Get(ctx, p.OfficeID, pollType)
	switch {
	case err == nil && !last.LastPolledAt.IsZero():
		since = last.LastPolledAt
	case err != nil && !errors.Is(err, shadow.ErrNotFound):
		return fmt.Errorf("load poll status: %w", err)
	}

	found := 0
	for _, entity := range entities {
		n, err := o.changedSince(ctx, p.OfficeID, entity, since, now)
		if err != nil {
			return fmt.Errorf("poll %s: %w", entity, err)
		}
		found += n
		if n == 0 {
			continue
		}
		name, _ := jobtypes.SyncJobFor(entity)
		payload := jobtypes.SyncPayload{OfficeID: p.OfficeID, Entity: entity, Mode: models.SyncIncremental, ModifiedSince: &since}
		id, err := o.submit.Send(ctx, name, payload, jobs.SendOptions{SingletonKey: jobtypes.SingletonKey(p.OfficeID, name)})
		if err != nil {
			return fmt.Errorf("submit %s: %w", name, err)
		}
		o.log.Info("changes detected", "office", p.OfficeID, "entity", entity, "found", n, "queued", id != "")
	}

	if err := o.repos.Polls.Save(ctx, models.PollStatus{
		OfficeID:     p.OfficeID,
		PollType:     pollType,
		LastPolledAt: now,
		LastFound:    found,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("save poll status: %w", err)
	}
	return nil
}

// changedSince reports how many records changed, up to one page.
func (o *Orchestrator) changedSince(ctx context.Context, office models.OfficeID, entity models.EntityType, since, now time.Time) (int, error) {
	q := legacy.SearchQuery{Page: 1, Limit: pollPageSize}
	var (
		rows []legacy.Record
		err  error
	)
	switch entity {
	case models.EntityEmails:
		q.DateFrom, q.DateTo = &since, &now
		rows, err = o.legacy.SearchInbox(ctx, office, q)
	case models.EntityCases:
		q.ModifiedAfter = &since
		rows, err = o.legacy.SearchCases(ctx, office, q)
	case models.EntityConstituents:
		q.ModifiedAfter = &since
		rows, err = o.legacy.SearchConstituents(ctx, office, q)
	}
	return len(rows), err
}

// SyncOffice queues full syncs for the listed entities, or all of them.
func (o *Orchestrator) SyncOffice(ctx context.Context, job models.Job, p jobtypes.SyncOfficePayload) error {
	if err := p.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	entities := p.Entities
	if len(entities) == 0 {
		entities = models.SyncEntities
	}
	for _, entity := range entities {
		name, err := jobtypes.SyncJobFor(entity)
		if err != nil {
			return jobs.Permanent(err)
		}
		payload := jobtypes.SyncPayload{OfficeID: p.OfficeID, Entity: entity, Mode: models.SyncFull}
		if _, err := o.submit.Send(ctx, name, payload, jobs.SendOptions{SingletonKey: jobtypes.SingletonKey(p.OfficeID, name)}); err != nil {
			return fmt.Errorf("submit %s: %w", name, err)
		}
	}
	o.log.Info("office sync queued", "office", p.OfficeID, "entities", len(entities))
	return nil
}

// Cleanup prunes sync status and stale reference rows. Orphan reconciliation
// against the legacy id set is a separate concern and is not done here.
func (o *Orchestrator) Cleanup(ctx context.Context, job models.Job, p jobtypes.CleanupPayload) error {
	if err := p.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	days := p.OlderThanDays
	if days <= 0 {
		days = o.cfg.RetentionDays
	}
	cutoff := o.now().AddDate(0, 0, -days)

	kind := p.CleanupType
	if kind == "" {
		kind = jobtypes.CleanupAll
	}
	switch kind {
	case jobtypes.CleanupSyncStatus, jobtypes.CleanupReferenceData, jobtypes.CleanupAll:
	default:
		return jobs.Permanent(fmt.Errorf("unknown cleanup type %q", kind))
	}

	var statuses, refs int64
	if kind == jobtypes.CleanupSyncStatus || kind == jobtypes.CleanupAll {
		n, err := o.repos.SyncStatus.DeleteOlderThan(ctx, p.OfficeID, cutoff)
		if err != nil {
			return fmt.Errorf("prune sync status: %w", err)
		}
		statuses = n
	}
	if kind == jobtypes.CleanupReferenceData || kind == jobtypes.CleanupAll {
		n, err := o.repos.Reference.DeleteStale(ctx, p.OfficeID, cutoff)
		if err != nil {
			return fmt.Errorf("prune reference data: %w", err)
		}
		refs = n
	}
	o.log.Info("cleanup finished", "office", p.OfficeID, "type", kind, "cutoff", cutoff, "sync_status_deleted", statuses, "reference_deleted", refs)
	return nil
}
