//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package postgres provides a PostgreSQL-backed checkpoint store on pgx.
// Saves run in a transaction that locks the current row, so conditional
// writes observe ErrConcurrencyConflict instead of racing.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spice-framework/spice-go/checkpoint"
	"github.com/spice-framework/spice-go/log"
)

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	graph_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run_id ON checkpoints (run_id, saved_at);
CREATE INDEX IF NOT EXISTS idx_checkpoints_expires_at ON checkpoints (expires_at)`

const upsertSQL = `
INSERT INTO checkpoints (id, run_id, graph_id, node_id, payload, version, created_at, saved_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	graph_id = EXCLUDED.graph_id,
	node_id = EXCLUDED.node_id,
	payload = EXCLUDED.payload,
	version = EXCLUDED.version,
	saved_at = EXCLUDED.saved_at,
	expires_at = EXCLUDED.expires_at`

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it,
// so tests run without a server.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists checkpoints in PostgreSQL.
type Store struct {
	db DB
}

// New connects a pool to the given DSN and prepares the checkpoint schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{db: pool}
	if _, err := s.db.Exec(ctx, createSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing pool or mock without touching the schema.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint, opts ...checkpoint.SaveOption) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("save: checkpoint has no id")
	}
	o := checkpoint.ApplySaveOptions(opts...)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, "SELECT version FROM checkpoints WHERE id = $1 FOR UPDATE", cp.ID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read current version: %w", err)
	}
	if o.HasExpectedVersion && o.ExpectedVersion != current {
		return fmt.Errorf("%w: checkpoint %s has version %d, expected %d",
			checkpoint.ErrConcurrencyConflict, cp.ID, current, o.ExpectedVersion)
	}

	cp.Version = current + 1
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	if len(payload) > checkpoint.SoftMaxBytes {
		log.Warnf("checkpoint %s is %d bytes, above the soft limit of %d", cp.ID, len(payload), checkpoint.SoftMaxBytes)
	}

	var expiresAt *time.Time
	if cp.ExpiresAt != nil {
		t := cp.ExpiresAt.UTC()
		expiresAt = &t
	}
	if _, err := tx.Exec(ctx, upsertSQL,
		cp.ID, cp.RunID, cp.GraphID, cp.NodeID, payload,
		cp.Version, cp.CreatedAt.UTC(), time.Now().UTC(), expiresAt,
	); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, "SELECT payload FROM checkpoints WHERE id = $1", id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return unmarshalCheckpoint(payload)
}

// LatestForRun implements checkpoint.Store.
func (s *Store) LatestForRun(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		"SELECT payload FROM checkpoints WHERE run_id = $1 ORDER BY saved_at DESC, id DESC LIMIT 1",
		runID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", checkpoint.ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint for run %s: %w", runID, err)
	}
	return unmarshalCheckpoint(payload)
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM checkpoints WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// ListExpired implements checkpoint.Store.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at <= $1", asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired checkpoint ids: %w", err)
	}
	return ids, nil
}

// Close implements checkpoint.Store.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func unmarshalCheckpoint(payload []byte) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
