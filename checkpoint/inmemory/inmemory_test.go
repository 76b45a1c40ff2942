//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-framework/spice-go/checkpoint"
	"github.com/spice-framework/spice-go/message"
)

func newCheckpoint(runID, nodeID string) *checkpoint.Checkpoint {
	msg := message.New("payload", message.WithRunID(runID))
	return checkpoint.New(runID, "graph-1", nodeID, msg, checkpoint.Context{
		State:             map[string]any{"k": "v"},
		InvocationIndices: map[string]int{nodeID: 0},
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	cp := newCheckpoint("run-1", "H")

	require.NoError(t, s.Save(ctx, cp))
	assert.EqualValues(t, 1, cp.Version)

	loaded, err := s.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, loaded.ID)
	assert.Equal(t, cp.RunID, loaded.RunID)
	assert.Equal(t, cp.NodeID, loaded.NodeID)
	assert.Equal(t, cp.Context.State, loaded.Context.State)
	assert.Equal(t, cp.Message.ID, loaded.Message.ID)
	assert.WithinDuration(t, cp.CreatedAt, loaded.CreatedAt, time.Second)
}

func TestLoadMissing(t *testing.T) {
	s := New()
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestSaveIncrementsVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	cp := newCheckpoint("run-1", "H")

	require.NoError(t, s.Save(ctx, cp))
	require.NoError(t, s.Save(ctx, cp))
	assert.EqualValues(t, 2, cp.Version)

	loaded, err := s.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Version)
}

func TestExpectedVersionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	cp := newCheckpoint("run-1", "H")

	require.NoError(t, s.Save(ctx, cp))

	err := s.Save(ctx, cp, checkpoint.WithExpectedVersion(7))
	assert.ErrorIs(t, err, checkpoint.ErrConcurrencyConflict)

	// Matching the persisted version succeeds.
	require.NoError(t, s.Save(ctx, cp, checkpoint.WithExpectedVersion(1)))
	assert.EqualValues(t, 2, cp.Version)
}

func TestLatestForRun(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := newCheckpoint("run-1", "A")
	second := newCheckpoint("run-1", "B")
	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, second))

	latest, err := s.LatestForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	// Re-saving the first makes it the most recent again.
	require.NoError(t, s.Save(ctx, first))
	latest, err = s.LatestForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	_, err = s.LatestForRun(ctx, "run-unknown")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	cp := newCheckpoint("run-1", "H")

	require.NoError(t, s.Save(ctx, cp))
	require.NoError(t, s.Delete(ctx, cp.ID))
	require.NoError(t, s.Delete(ctx, cp.ID))

	_, err := s.Load(ctx, cp.ID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, err = s.LatestForRun(ctx, "run-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestListExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := newCheckpoint("run-1", "A")
	stale := newCheckpoint("run-2", "B")
	past := now.Add(-time.Hour)
	stale.ExpiresAt = &past

	require.NoError(t, s.Save(ctx, fresh))
	require.NoError(t, s.Save(ctx, stale))

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, expired)
}
