// Package store is the Postgres system of record: job rows, singleton keys,
// cron schedules and the shadow tables that mirror the legacy system.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"casework-pipeline/internal/shadow"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, log: logger.With("component", "store")}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Repositories returns the shadow repositories backed by this pool.
func (s *Store) Repositories() shadow.Repositories {
	return shadow.Repositories{
		Constituents: &constituentRepo{pool: s.pool},
		Cases:        &caseRepo{pool: s.pool},
		Emails:       &emailRepo{pool: s.pool},
		CaseNotes:    &caseNoteRepo{pool: s.pool},
		Reference:    &referenceRepo{pool: s.pool},
		SyncStatus:   &syncStatusRepo{pool: s.pool},
		Audit:        &auditRepo{pool: s.pool},
		Polls:        &pollRepo{pool: s.pool},
	}
}

// inTx runs fn inside a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// notFound maps pgx.ErrNoRows onto the shadow sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shadow.ErrNotFound
	}
	return err
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shadow.ErrNotFound
	}
	return nil
}
