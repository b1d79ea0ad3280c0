package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"casework-pipeline/internal/models"
)

type referenceRepo struct{ pool *pgxpool.Pool }

// Upsert reports created=true when the row did not exist. xmax is zero only
// for freshly inserted tuples.
func (r *referenceRepo) Upsert(ctx context.Context, item models.ReferenceItem) (bool, error) {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	var created bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO reference_data (office_id, kind, external_id, name, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (office_id, kind, external_id) DO UPDATE
		SET name = EXCLUDED.name, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)
	`, item.OfficeID, item.Kind, item.ExternalID, item.Name, item.Active, item.UpdatedAt).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert reference: %w", err)
	}
	return created, nil
}

func (r *referenceRepo) ListActive(ctx context.Context, office models.OfficeID, kind models.ReferenceKind) ([]models.ReferenceItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT office_id, kind, external_id, name, active, updated_at
		FROM reference_data WHERE office_id = $1 AND kind = $2 AND active
		ORDER BY external_id
	`, office, kind)
	if err != nil {
		return nil, fmt.Errorf("list reference: %w", err)
	}
	defer rows.Close()
	var out []models.ReferenceItem
	for rows.Next() {
		var it models.ReferenceItem
		if err := rows.Scan(&it.OfficeID, &it.Kind, &it.ExternalID, &it.Name, &it.Active, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *referenceRepo) DeleteStale(ctx context.Context, office models.OfficeID, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM reference_data WHERE office_id = $1 AND updated_at < $2`, office, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale reference: %w", err)
	}
	return tag.RowsAffected(), nil
}

type syncStatusRepo struct{ pool *pgxpool.Pool }

func (r *syncStatusRepo) Get(ctx context.Context, office models.OfficeID, entity models.EntityType) (models.SyncStatus, error) {
	var s models.SyncStatus
	err := r.pool.QueryRow(ctx, `
		SELECT office_id, entity_type, last_sync_started_at, last_sync_completed_at, last_sync_success, last_sync_error,
			last_sync_cursor, records_synced, records_failed, in_progress, cancelled, updated_at
		FROM sync_status WHERE office_id = $1 AND entity_type = $2
	`, office, entity).Scan(&s.OfficeID, &s.EntityType, &s.LastSyncStartedAt, &s.LastSyncCompletedAt, &s.LastSyncSuccess,
		&s.LastSyncError, &s.LastSyncCursor, &s.RecordsSynced, &s.RecordsFailed, &s.InProgress, &s.Cancelled, &s.UpdatedAt)
	return s, notFound(err)
}

// Save writes everything except the cancellation flag.
func (r *syncStatusRepo) Save(ctx context.Context, s models.SyncStatus) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_status (office_id, entity_type, last_sync_started_at, last_sync_completed_at, last_sync_success,
			last_sync_error, last_sync_cursor, records_synced, records_failed, in_progress, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (office_id, entity_type) DO UPDATE SET
			last_sync_started_at = EXCLUDED.last_sync_started_at,
			last_sync_completed_at = EXCLUDED.last_sync_completed_at,
			last_sync_success = EXCLUDED.last_sync_success,
			last_sync_error = EXCLUDED.last_sync_error,
			last_sync_cursor = EXCLUDED.last_sync_cursor,
			records_synced = EXCLUDED.records_synced,
			records_failed = EXCLUDED.records_failed,
			in_progress = EXCLUDED.in_progress,
			updated_at = EXCLUDED.updated_at
	`, s.OfficeID, s.EntityType, s.LastSyncStartedAt, s.LastSyncCompletedAt, s.LastSyncSuccess, s.LastSyncError,
		s.LastSyncCursor, s.RecordsSynced, s.RecordsFailed, s.InProgress, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save sync status: %w", err)
	}
	return nil
}

func (r *syncStatusRepo) SetCancelled(ctx context.Context, office models.OfficeID, entity models.EntityType, cancelled bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_status (office_id, entity_type, cancelled) VALUES ($1, $2, $3)
		ON CONFLICT (office_id, entity_type) DO UPDATE SET cancelled = EXCLUDED.cancelled
	`, office, entity, cancelled)
	if err != nil {
		return fmt.Errorf("set sync cancelled: %w", err)
	}
	return nil
}

func (r *syncStatusRepo) DeleteOlderThan(ctx context.Context, office models.OfficeID, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM sync_status WHERE office_id = $1 AND updated_at < $2 AND NOT in_progress
	`, office, before)
	if err != nil {
		return 0, fmt.Errorf("delete sync status: %w", err)
	}
	return tag.RowsAffected(), nil
}

type auditRepo struct{ pool *pgxpool.Pool }

func (r *auditRepo) Append(ctx context.Context, e models.AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (office_id, entity_type, operation, outcome, external_id, internal_id, old_data, new_data,
			error, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.OfficeID, e.EntityType, e.Operation, e.Outcome, e.ExternalID, e.InternalID, jsonOrNil(e.OldData),
		jsonOrNil(e.NewData), e.Error, emptyToNil(e.JobID), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (r *auditRepo) ListOlderThan(ctx context.Context, office models.OfficeID, before time.Time) ([]models.AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, office_id, entity_type, operation, outcome, external_id, internal_id, old_data, new_data,
			error, COALESCE(job_id, ''), created_at
		FROM audit_log WHERE office_id = $1 AND created_at < $2
		ORDER BY created_at, id
	`, office, before)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLogEntry, error) {
		var e models.AuditLogEntry
		err := row.Scan(&e.ID, &e.OfficeID, &e.EntityType, &e.Operation, &e.Outcome, &e.ExternalID, &e.InternalID,
			&e.OldData, &e.NewData, &e.Error, &e.JobID, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

func (r *auditRepo) DeleteOlderThan(ctx context.Context, office models.OfficeID, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_log WHERE office_id = $1 AND created_at < $2`, office, before)
	if err != nil {
		return 0, fmt.Errorf("delete audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pollRepo struct{ pool *pgxpool.Pool }

func (r *pollRepo) Get(ctx context.Context, office models.OfficeID, pollType models.PollType) (models.PollStatus, error) {
	var p models.PollStatus
	err := r.pool.QueryRow(ctx, `
		SELECT office_id, poll_type, last_polled_at, last_found, updated_at
		FROM poll_status WHERE office_id = $1 AND poll_type = $2
	`, office, pollType).Scan(&p.OfficeID, &p.PollType, &p.LastPolledAt, &p.LastFound, &p.UpdatedAt)
	return p, notFound(err)
}

func (r *pollRepo) Save(ctx context.Context, p models.PollStatus) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO poll_status (office_id, poll_type, last_polled_at, last_found, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (office_id, poll_type) DO UPDATE
		SET last_polled_at = EXCLUDED.last_polled_at, last_found = EXCLUDED.last_found, updated_at = EXCLUDED.updated_at
	`, p.OfficeID, p.PollType, p.LastPolledAt, p.LastFound, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save poll status: %w", err)
	}
	return nil
}

// jsonOrNil stores an empty document as SQL NULL.
func jsonOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
