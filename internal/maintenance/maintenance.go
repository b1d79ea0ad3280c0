// Package maintenance runs housekeeping jobs that are not tied to one entity:
// audit retention and queue health sampling.
package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
	"casework-pipeline/internal/telemetry"
)

const (
	DefaultAuditRetentionDays = 365
	DefaultBacklogWarning     = 1000
)

// QueueSizer reports how many jobs wait in a queue. *jobs.Client satisfies it.
type QueueSizer interface {
	GetQueueSize(ctx context.Context, name jobtypes.Name) (int64, error)
}

// Archiver keeps a copy of audit entries before they are pruned.
// *archive.S3 and *archive.Local satisfy it.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// CachePruner drops expired entries from an in-process cache.
// *triagecache.Cache satisfies it.
type CachePruner interface {
	PruneExpired() int
}

type Config struct {
	AuditRetentionDays int
	// Archive is optional; when set, expiring entries are exported first and
	// nothing is deleted unless the export succeeded.
	Archive Archiver
	// BacklogWarning is the depth above which a queue is logged as backed up.
	BacklogWarning int64
	// Cache, when set, has its expired entries dropped on every health run.
	Cache   CachePruner
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type Runner struct {
	audit   shadow.AuditLogRepository
	queues  QueueSizer
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(audit shadow.AuditLogRepository, queues QueueSizer, cfg Config) *Runner {
	if cfg.AuditRetentionDays <= 0 {
		cfg.AuditRetentionDays = DefaultAuditRetentionDays
	}
	if cfg.BacklogWarning <= 0 {
		cfg.BacklogWarning = DefaultBacklogWarning
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		audit:   audit,
		queues:  queues,
		cfg:     cfg,
		log:     logger.With("component", "maintenance"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// AuditRetention deletes an office's audit entries older than the window.
func (r *Runner) AuditRetention(ctx context.Context, job models.Job, p jobtypes.AuditRetentionPayload) error {
	if err := p.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	days := p.OlderThanDays
	if days <= 0 {
		days = r.cfg.AuditRetentionDays
	}
	cutoff := r.now().AddDate(0, 0, -days)
	if r.cfg.Archive != nil {
		if err := r.archiveAudit(ctx, p.OfficeID, cutoff); err != nil {
			return err
		}
	}
	n, err := r.audit.DeleteOlderThan(ctx, p.OfficeID, cutoff)
	if err != nil {
		return fmt.Errorf("prune audit log: %w", err)
	}
	r.log.Info("audit log pruned", "office", p.OfficeID, "cutoff", cutoff, "deleted", n)
	return nil
}

// archiveAudit exports the entries about to be pruned as JSON lines. The key
// is derived from the id range, so a retried job overwrites its own object.
func (r *Runner) archiveAudit(ctx context.Context, office models.OfficeID, cutoff time.Time) error {
	entries, err := r.audit.ListOlderThan(ctx, office, cutoff)
	if err != nil {
		return fmt.Errorf("list expiring audit entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return jobs.Permanent(fmt.Errorf("encode audit entry %d: %w", e.ID, err))
		}
	}
	key := fmt.Sprintf("audit/%s/%d-%d.jsonl", office, entries[0].ID, entries[len(entries)-1].ID)
	loc, err := r.cfg.Archive.Put(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	r.log.Info("audit log archived", "office", office, "entries", len(entries), "location", loc)
	return nil
}

// QueueHealth samples every queue's depth into the depth gauge. A non-empty
// dead-letter queue or a backlog over the threshold is logged as a warning.
// Expired triage cache entries are pruned on the same run.
func (r *Runner) QueueHealth(ctx context.Context, job models.Job, _ jobtypes.QueueHealthPayload) error {
	var firstErr error
	for _, name := range jobtypes.Queues() {
		depth, err := r.queues.GetQueueSize(ctx, name)
		if err != nil {
			r.log.Warn("queue size unavailable", "queue", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("size %s: %w", name, err)
			}
			continue
		}
		r.metrics.SetQueueDepth(string(name), depth)

		def := jobtypes.MustLookup(name)
		switch {
		case def.Terminal && depth > 0:
			r.log.Warn("dead letters waiting", "queue", name, "depth", depth)
		case depth > r.cfg.BacklogWarning:
			r.log.Warn("queue backlog", "queue", name, "depth", depth, "threshold", r.cfg.BacklogWarning)
		}
	}
	if r.cfg.Cache != nil {
		if n := r.cfg.Cache.PruneExpired(); n > 0 {
			r.log.Debug("expired triage results pruned", "count", n)
		}
	}
	return firstErr
}
