package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"casework-pipeline/internal/models"
)

const jobColumns = `id, name, payload, state, priority, attempts, retry_limit, retry_delay_ms, retry_backoff,
	expire_in_ms, dead_letter, singleton_key, start_after, started_at, completed_at, last_error, created_at, updated_at`

func (s *Store) EnsureQueue(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("ensure queue %s: %w", name, err)
	}
	return nil
}

func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// InsertJob writes a job row. A singleton lock is claimed in the same
// transaction: the key row is taken over only once it has expired, otherwise
// nothing is written.
func (s *Store) InsertJob(ctx context.Context, job models.Job, lock *models.SingletonLock) (bool, error) {
	created := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if lock != nil {
			tag, err := tx.Exec(ctx, `
				INSERT INTO singleton_locks (key, job_id, expires_at, release_on_finish)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (key) DO UPDATE
				SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at, release_on_finish = EXCLUDED.release_on_finish
				WHERE singleton_locks.expires_at <= $5
			`, lock.Key, job.ID, lock.ExpiresAt, lock.ReleaseOnFinish, job.CreatedAt)
			if err != nil {
				return fmt.Errorf("claim singleton key: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, name, payload, state, priority, attempts, retry_limit, retry_delay_ms, retry_backoff,
				expire_in_ms, dead_letter, singleton_key, start_after, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		`, job.ID, job.Name, []byte(job.Payload), job.State, job.Priority, job.Attempts, job.RetryLimit,
			job.RetryDelay.Milliseconds(), job.RetryBackoff, job.ExpireIn.Milliseconds(), emptyToNil(job.DeadLetter),
			job.SingletonKey, job.StartAfter, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, err
}

func (s *Store) MarkActive(ctx context.Context, id string, at time.Time) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET state = $2, attempts = attempts + 1, started_at = $3, updated_at = $3
		WHERE id = $1 AND state = $4
		RETURNING `+jobColumns, id, models.StateActive, at, models.StateCreated))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("mark active: %w", err)
	}
	return job, true, nil
}

func (s *Store) Complete(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, id, models.StateCompleted, nil, at, models.StateActive)
}

func (s *Store) Retry(ctx context.Context, id string, startAfter time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, start_after = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND state = $5
	`, id, models.StateCreated, startAfter, lastErr, models.StateActive)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (s *Store) FailTerminal(ctx context.Context, id string, state models.JobState, lastErr string, at time.Time) error {
	return s.finish(ctx, id, state, &lastErr, at, models.StateCreated, models.StateActive)
}

// finish moves a live job to a terminal state and releases any
// release-on-finish singleton key it holds.
func (s *Store) finish(ctx context.Context, id string, state models.JobState, lastErr *string, at time.Time, from ...models.JobState) error {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET state = $2, completed_at = $3, updated_at = $3, last_error = COALESCE($4, last_error)
			WHERE id = $1 AND state = ANY($5)
		`, id, state, at, lastErr, allowed)
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM singleton_locks WHERE job_id = $1 AND release_on_finish`, id); err != nil {
			return fmt.Errorf("release singleton key: %w", err)
		}
		return nil
	})
}

func (s *Store) Cancel(ctx context.Context, id string, at time.Time) (models.Job, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return models.Job{}, err
	}
	if err := s.finish(ctx, id, models.StateCancelled, nil, at, models.StateCreated, models.StateActive); err != nil {
		return models.Job{}, err
	}
	return s.GetJob(ctx, id)
}

func (s *Store) Resume(ctx context.Context, id string, startAfter time.Time) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET state = $2, attempts = 0, start_after = $3, completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = ANY($4)
		RETURNING `+jobColumns, id, models.StateCreated, startAfter,
		[]string{string(models.StateCancelled), string(models.StateFailed), string(models.StateExpired)}))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetJob(ctx, id); err != nil {
			return models.Job{}, err
		}
		return models.Job{}, models.ErrJobNotResumable
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("resume job: %w", err)
	}
	return job, nil
}

// CountQueued counts jobs of a queue that have not started, delayed ones included.
func (s *Store) CountQueued(ctx context.Context, name string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE name = $1 AND state = $2
	`, name, models.StateCreated).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteQueued(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM jobs WHERE name = $1 AND state = $2 RETURNING id
		), unlocked AS (
			DELETE FROM singleton_locks l USING gone WHERE l.job_id = gone.id AND l.release_on_finish
		)
		SELECT COUNT(*) FROM gone
	`, name, models.StateCreated).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("delete queued jobs: %w", err)
	}
	return n, nil
}

// ListDeliverable pages through created jobs that were due and left untouched
// before the cutoff. Text order of canonical uuids matches their byte order,
// so the id cursor works with an empty first value.
func (s *Store) ListDeliverable(ctx context.Context, before time.Time, afterID string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = $1 AND start_after <= $2 AND updated_at < $2 AND id::text > $3
		ORDER BY id LIMIT $4
	`, models.StateCreated, before, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliverable jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) ListJobs(ctx context.Context, name string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE name = $1 ORDER BY created_at DESC LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSchedule(ctx context.Context, sc models.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (name, key, cron, timezone, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name, key) DO UPDATE
		SET cron = EXCLUDED.cron, timezone = EXCLUDED.timezone, payload = EXCLUDED.payload, updated_at = NOW()
	`, sc.Name, sc.Key, sc.Cron, sc.Timezone, []byte(sc.Payload))
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, name, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE name = $1 AND key = $2`, name, key)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, key, cron, timezone, payload, updated_at FROM schedules ORDER BY name, key
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		var sc models.Schedule
		var payload []byte
		if err := rows.Scan(&sc.Name, &sc.Key, &sc.Cron, &sc.Timezone, &payload, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Payload = payload
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                models.Job
		payload            []byte
		retryMS, expireMS  int64
		deadLetter, lastEr pgtype.Text
	)
	err := row.Scan(&job.ID, &job.Name, &payload, &job.State, &job.Priority, &job.Attempts, &job.RetryLimit,
		&retryMS, &job.RetryBackoff, &expireMS, &deadLetter, &job.SingletonKey, &job.StartAfter,
		&job.StartedAt, &job.CompletedAt, &lastEr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Payload = payload
	job.RetryDelay = time.Duration(retryMS) * time.Millisecond
	job.ExpireIn = time.Duration(expireMS) * time.Millisecond
	job.DeadLetter = deadLetter.String
	job.LastError = textPtr(lastEr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
