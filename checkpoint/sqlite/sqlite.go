//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint store. Checkpoints are
// stored as JSON rows; the store owns the database handle and creates its
// schema on first use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/spice-framework/spice-go/checkpoint"
	"github.com/spice-framework/spice-go/log"
)

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	graph_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	saved_at DATETIME NOT NULL,
	expires_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run_id ON checkpoints (run_id, saved_at);
CREATE INDEX IF NOT EXISTS idx_checkpoints_expires_at ON checkpoints (expires_at);
`

const upsertSQL = `
INSERT INTO checkpoints (id, run_id, graph_id, node_id, payload, version, created_at, saved_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	run_id = excluded.run_id,
	graph_id = excluded.graph_id,
	node_id = excluded.node_id,
	payload = excluded.payload,
	version = excluded.version,
	saved_at = excluded.saved_at,
	expires_at = excluded.expires_at
`

// Store persists checkpoints in a SQLite database.
type Store struct {
	db *sql.DB
}

// Option configures the store.
type Option func(*options)

type options struct {
	db *sql.DB
}

// WithDB uses an existing database handle instead of opening one. The store
// still owns the handle and closes it.
func WithDB(db *sql.DB) Option {
	return func(o *options) {
		o.db = db
	}
}

// New opens (or reuses) a SQLite database at the given path and prepares
// the checkpoint schema. Use ":memory:" for an ephemeral store.
func New(path string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db := o.db
	if db == nil {
		var err error
		db, err = sql.Open("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
	}

	if _, err := db.Exec(createSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint, opts ...checkpoint.SaveOption) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("save: checkpoint has no id")
	}
	o := checkpoint.ApplySaveOptions(opts...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM checkpoints WHERE id = ?", cp.ID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
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

	var expiresAt any
	if cp.ExpiresAt != nil {
		expiresAt = cp.ExpiresAt.UTC()
	}
	if _, err := tx.ExecContext(ctx, upsertSQL,
		cp.ID, cp.RunID, cp.GraphID, cp.NodeID, string(payload),
		cp.Version, cp.CreatedAt.UTC(), time.Now().UTC(), expiresAt,
	); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM checkpoints WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return unmarshalCheckpoint(payload)
}

// LatestForRun implements checkpoint.Store.
func (s *Store) LatestForRun(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM checkpoints WHERE run_id = ? ORDER BY saved_at DESC, id DESC LIMIT 1",
		runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", checkpoint.ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint for run %s: %w", runID, err)
	}
	return unmarshalCheckpoint(payload)
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// ListExpired implements checkpoint.Store.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at <= ?", asOf.UTC())
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
	return s.db.Close()
}

func unmarshalCheckpoint(payload string) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
