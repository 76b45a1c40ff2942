//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a map-backed checkpoint store for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spice-framework/spice-go/checkpoint"
	"github.com/spice-framework/spice-go/log"
)

// Store keeps checkpoints in process memory, guarded by a single RWMutex.
// Contents are lost on process exit; use a durable back-end when runs must
// survive restarts.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string]*checkpoint.Checkpoint
	// byRun indexes checkpoint ids per run in save order.
	byRun map[string][]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		checkpoints: make(map[string]*checkpoint.Checkpoint),
		byRun:       make(map[string][]string),
	}
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, cp *checkpoint.Checkpoint, opts ...checkpoint.SaveOption) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("save: checkpoint has no id")
	}
	o := checkpoint.ApplySaveOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.checkpoints[cp.ID]; ok {
		current = existing.Version
	}
	if o.HasExpectedVersion && o.ExpectedVersion != current {
		return fmt.Errorf("%w: checkpoint %s has version %d, expected %d",
			checkpoint.ErrConcurrencyConflict, cp.ID, current, o.ExpectedVersion)
	}

	cp.Version = current + 1
	if size := cp.ApproxSize(); size > checkpoint.SoftMaxBytes {
		log.Warnf("checkpoint %s is %d bytes, above the soft limit of %d", cp.ID, size, checkpoint.SoftMaxBytes)
	}

	// Keep byRun in save order: re-saving moves the id to the end so
	// LatestForRun returns the most recently written snapshot.
	ids := s.byRun[cp.RunID]
	for i, existing := range ids {
		if existing == cp.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	s.byRun[cp.RunID] = append(ids, cp.ID)
	s.checkpoints[cp.ID] = cp.Clone()
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	return cp.Clone(), nil
}

// LatestForRun implements checkpoint.Store.
func (s *Store) LatestForRun(_ context.Context, runID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRun[runID]
	for i := len(ids) - 1; i >= 0; i-- {
		if cp, ok := s.checkpoints[ids[i]]; ok {
			return cp.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: run %s", checkpoint.ErrNotFound, runID)
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil
	}
	delete(s.checkpoints, id)
	ids := s.byRun[cp.RunID]
	for i, existing := range ids {
		if existing == id {
			s.byRun[cp.RunID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byRun[cp.RunID]) == 0 {
		delete(s.byRun, cp.RunID)
	}
	return nil
}

// ListExpired implements checkpoint.Store.
func (s *Store) ListExpired(_ context.Context, asOf time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []string
	for id, cp := range s.checkpoints {
		if cp.Expired(asOf) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Close implements checkpoint.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = make(map[string]*checkpoint.Checkpoint)
	s.byRun = make(map[string][]string)
	return nil
}
