// Package syncer mirrors legacy records into the shadow store. Each page of a
// run is its own job; the page handler checkpoints progress in the sync status
// row and submits the next page, so a crashed worker resumes where it stopped.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
	"casework-pipeline/internal/telemetry"
)

const (
	DefaultBatchSize  = 100
	DefaultStaleAfter = 30 * time.Minute
	DefaultLookback   = 24 * time.Hour

	// maxRecordedFailures bounds the per-run failure list kept in the checkpoint.
	maxRecordedFailures = 50
)

// fullSyncFloor is the lower bound of date-ranged queries in full mode.
var fullSyncFloor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Submitter enqueues follow-up jobs. *jobs.Client satisfies it.
type Submitter interface {
	Send(ctx context.Context, name jobtypes.Name, payload any, opts jobs.SendOptions) (string, error)
}

// Result summarises a finished run.
type Result struct {
	OfficeID      models.OfficeID
	Entity        models.EntityType
	Mode          models.SyncMode
	RecordsSynced int
	RecordsFailed int
	Success       bool
	Cancelled     bool
	// Errors holds the first failures of the run, keyed by external id.
	Errors      map[models.ExternalID]string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Notifier receives a Result when a run completes or is cancelled.
type Notifier interface {
	SyncCompleted(ctx context.Context, r Result)
}

type Config struct {
	BatchSize  int
	StaleAfter time.Duration
	Lookback   time.Duration
	Notifier   Notifier
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Now        func() time.Time
}

// Syncer is the sync orchestrator.
type Syncer struct {
	legacy  legacy.Client
	repos   shadow.Repositories
	submit  Submitter
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(client legacy.Client, repos shadow.Repositories, submit Submitter, cfg Config) *Syncer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		legacy:  client,
		repos:   repos,
		submit:  submit,
		cfg:     cfg,
		log:     logger.With("component", "syncer"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// checkpoint is what the status row's cursor column holds for a run.
type checkpoint struct {
	Page         int               `json:"page"`
	Watermark    *time.Time        `json:"watermark,omitempty"`
	RunStartedAt time.Time         `json:"run_started_at"`
	RunJobID     string            `json:"run_job_id"`
	// OwnerPage is the page the cursorless job that opened or took over the
	// run is responsible for.
	OwnerPage    int               `json:"owner_page"`
	Mode         models.SyncMode   `json:"mode"`
	Failures     map[string]string `json:"failures,omitempty"`
}

func (cp checkpoint) cursor(page int) jobtypes.SyncCursor {
	return jobtypes.SyncCursor{Page: page, Watermark: cp.Watermark, RunStartedAt: cp.RunStartedAt}
}

func decodeCheckpoint(s models.SyncStatus) *checkpoint {
	if s.LastSyncCursor == nil || *s.LastSyncCursor == "" {
		return nil
	}
	var cp checkpoint
	if err := json.Unmarshal([]byte(*s.LastSyncCursor), &cp); err != nil {
		return nil
	}
	return &cp
}

func encodeCheckpoint(cp checkpoint) *string {
	raw, _ := json.Marshal(cp)
	s := string(raw)
	return &s
}

// SyncAll fans out one sync job per entity, reference data first. It does no
// legacy I/O itself.
func (s *Syncer) SyncAll(ctx context.Context, job models.Job, p jobtypes.SyncAllPayload) error {
	if err := p.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	mode := p.Mode
	if mode == "" {
		mode = models.SyncFull
	}
	for _, entity := range models.SyncEntities {
		name, err := jobtypes.SyncJobFor(entity)
		if err != nil {
			return jobs.Permanent(err)
		}
		payload := jobtypes.SyncPayload{OfficeID: p.OfficeID, Entity: entity, Mode: mode}
		id, err := s.submit.Send(ctx, name, payload, jobs.SendOptions{SingletonKey: jobtypes.SingletonKey(p.OfficeID, name)})
		if err != nil {
			return fmt.Errorf("submit %s: %w", name, err)
		}
		if id == "" {
			s.log.Info("sync already scheduled", "office", p.OfficeID, "entity", entity)
		}
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag. The running page
// finishes; the next one stops the run.
func (s *Syncer) RequestCancel(ctx context.Context, office models.OfficeID, entity models.EntityType) error {
	return s.repos.SyncStatus.SetCancelled(ctx, office, entity, true)
}

// Sync processes one page of a run.
func (s *Syncer) Sync(ctx context.Context, job models.Job, p jobtypes.SyncPayload) error {
	if err := p.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	if _, err := jobtypes.SyncJobFor(p.Entity); err != nil {
		return jobs.Permanent(err)
	}
	log := s.log.With("office", p.OfficeID, "entity", p.Entity, "job_id", job.ID)

	status, err := s.loadStatus(ctx, p.OfficeID, p.Entity)
	if err != nil {
		return err
	}
	cp := decodeCheckpoint(status)
	now := s.now()

	var page int
	switch {
	case p.Cursor != nil:
		if !status.InProgress || cp == nil || !cp.RunStartedAt.Equal(p.Cursor.RunStartedAt) {
			log.Info("continuation belongs to a finished run, skipping", "page", p.Cursor.Page)
			return nil
		}
		page = p.Cursor.Page
	case status.InProgress && cp != nil && cp.RunJobID == job.ID:
		// Redelivery of the job that opened or took over this run.
		page = cp.OwnerPage
	case status.InProgress && !s.isStale(status, now):
		log.Info("sync already in progress, skipping")
		return nil
	case status.InProgress && cp != nil && cp.Page > 0:
		page = cp.Page + 1
		log.Warn("resuming stale sync from checkpoint", "page", page)
		cp.RunJobID = job.ID
		cp.OwnerPage = page
		status.LastSyncCursor = encodeCheckpoint(*cp)
		status.UpdatedAt = now
		if err := s.repos.SyncStatus.Save(ctx, status); err != nil {
			return fmt.Errorf("take over stale sync: %w", err)
		}
	default:
		cp, status, err = s.begin(ctx, job, p, status, now)
		if err != nil {
			return err
		}
		page = 1
	}

	if cp.Page >= page {
		if cp.Page == page {
			// The page was checkpointed but its successor may never have been queued.
			return s.submitNext(ctx, p, *cp, page+1)
		}
		log.Info("page already processed, skipping", "page", page)
		return nil
	}

	if status.Cancelled {
		log.Info("sync cancelled before page", "page", page)
		return s.finish(ctx, p, status, *cp, true)
	}

	res, fetched, err := s.runPage(ctx, p.OfficeID, p.Entity, page, *cp)
	if err != nil {
		msg := err.Error()
		status.LastSyncSuccess = false
		status.LastSyncError = &msg
		status.UpdatedAt = s.now()
		if saveErr := s.repos.SyncStatus.Save(ctx, status); saveErr != nil {
			log.Error("record sync failure", "error", saveErr)
		}
		return fmt.Errorf("sync %s page %d: %w", p.Entity, page, err)
	}

	log.Debug("page synced", "page", page, "created", res.created, "updated", res.updated, "failed", res.failed())

	cp.Page = page
	status.RecordsSynced += res.created + res.updated
	status.RecordsFailed += res.failed()
	for id, e := range res.errors {
		if len(cp.Failures) >= maxRecordedFailures {
			break
		}
		if cp.Failures == nil {
			cp.Failures = map[string]string{}
		}
		cp.Failures[id.String()] = e.Error()
	}

	if p.Entity == models.EntityReferenceData || fetched < s.cfg.BatchSize {
		return s.finish(ctx, p, status, *cp, false)
	}

	status.LastSyncCursor = encodeCheckpoint(*cp)
	status.UpdatedAt = s.now()
	if err := s.repos.SyncStatus.Save(ctx, status); err != nil {
		return fmt.Errorf("checkpoint page %d: %w", page, err)
	}
	return s.submitNext(ctx, p, *cp, page+1)
}

func (s *Syncer) loadStatus(ctx context.Context, office models.OfficeID, entity models.EntityType) (models.SyncStatus, error) {
	status, err := s.repos.SyncStatus.Get(ctx, office, entity)
	if errors.Is(err, shadow.ErrNotFound) {
		return models.SyncStatus{OfficeID: office, EntityType: entity}, nil
	}
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("load sync status: %w", err)
	}
	return status, nil
}

// isStale measures age from the last checkpoint so long multi-page runs are
// not mistaken for abandoned ones.
func (s *Syncer) isStale(status models.SyncStatus, now time.Time) bool {
	last := status.UpdatedAt
	if status.LastSyncStartedAt != nil && status.LastSyncStartedAt.After(last) {
		last = *status.LastSyncStartedAt
	}
	return now.Sub(last) >= s.cfg.StaleAfter
}

func (s *Syncer) begin(ctx context.Context, job models.Job, p jobtypes.SyncPayload, status models.SyncStatus, now time.Time) (*checkpoint, models.SyncStatus, error) {
	mode := p.Mode
	if mode == "" {
		mode = models.SyncIncremental
	}
	cp := &checkpoint{RunStartedAt: now, RunJobID: job.ID, OwnerPage: 1, Mode: mode, Watermark: s.watermark(p, mode, status, now)}

	if err := s.repos.SyncStatus.SetCancelled(ctx, p.OfficeID, p.Entity, false); err != nil {
		return nil, status, fmt.Errorf("reset cancellation: %w", err)
	}
	status.Cancelled = false
	status.LastSyncStartedAt = &now
	status.InProgress = true
	status.RecordsSynced = 0
	status.RecordsFailed = 0
	status.LastSyncError = nil
	status.LastSyncCursor = encodeCheckpoint(*cp)
	status.UpdatedAt = now
	if err := s.repos.SyncStatus.Save(ctx, status); err != nil {
		return nil, status, fmt.Errorf("mark sync running: %w", err)
	}
	s.log.Info("sync started", "office", p.OfficeID, "entity", p.Entity, "mode", mode, "job_id", job.ID)
	return cp, status, nil
}

func (s *Syncer) watermark(p jobtypes.SyncPayload, mode models.SyncMode, status models.SyncStatus, now time.Time) *time.Time {
	if mode == models.SyncFull {
		return nil
	}
	switch {
	case p.ModifiedSince != nil:
		t := *p.ModifiedSince
		return &t
	case status.LastSyncCompletedAt != nil:
		t := *status.LastSyncCompletedAt
		return &t
	default:
		t := now.Add(-s.cfg.Lookback)
		return &t
	}
}

func (s *Syncer) submitNext(ctx context.Context, p jobtypes.SyncPayload, cp checkpoint, page int) error {
	name, _ := jobtypes.SyncJobFor(p.Entity)
	next := jobtypes.SyncPayload{OfficeID: p.OfficeID, Entity: p.Entity, Mode: cp.Mode}
	cur := cp.cursor(page)
	next.Cursor = &cur
	key := jobtypes.SingletonKey(p.OfficeID, name, "run", strconv.FormatInt(cp.RunStartedAt.UnixMilli(), 10), "page", strconv.Itoa(page))
	if _, err := s.submit.Send(ctx, name, next, jobs.SendOptions{SingletonKey: key}); err != nil {
		return fmt.Errorf("submit page %d: %w", page, err)
	}
	return nil
}

func (s *Syncer) finish(ctx context.Context, p jobtypes.SyncPayload, status models.SyncStatus, cp checkpoint, cancelled bool) error {
	now := s.now()
	completed := now
	// The watermark must never move backwards past what was asked for.
	if cp.Watermark != nil && cp.Watermark.After(completed) {
		completed = *cp.Watermark
	}
	status.InProgress = false
	status.LastSyncCompletedAt = &completed
	status.LastSyncSuccess = status.RecordsFailed == 0
	status.LastSyncCursor = encodeCheckpoint(cp)
	status.UpdatedAt = now
	if status.RecordsFailed > 0 {
		msg := fmt.Sprintf("%d records failed", status.RecordsFailed)
		status.LastSyncError = &msg
	} else {
		status.LastSyncError = nil
	}
	if err := s.repos.SyncStatus.Save(ctx, status); err != nil {
		return fmt.Errorf("mark sync complete: %w", err)
	}

	res := Result{
		OfficeID:      p.OfficeID,
		Entity:        p.Entity,
		Mode:          cp.Mode,
		RecordsSynced: status.RecordsSynced,
		RecordsFailed: status.RecordsFailed,
		Success:       status.LastSyncSuccess,
		Cancelled:     cancelled,
		StartedAt:     cp.RunStartedAt,
		CompletedAt:   completed,
	}
	if len(cp.Failures) > 0 {
		res.Errors = make(map[models.ExternalID]string, len(cp.Failures))
		for id, msg := range cp.Failures {
			if ext, err := models.ParseExternalID(id); err == nil {
				res.Errors[ext] = msg
			}
		}
	}
	s.log.Info("sync finished", "office", p.OfficeID, "entity", p.Entity, "synced", res.RecordsSynced, "failed", res.RecordsFailed, "cancelled", cancelled)
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.SyncCompleted(ctx, res)
	}
	return nil
}
