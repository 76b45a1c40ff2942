//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package checkpoint defines durable snapshots of in-flight graph runs and
// the store contract every back-end implements. A checkpoint is written at
// each pause point; a run resumed hours or days later, possibly on another
// process, is reconstructed entirely from its checkpoint.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/spice-framework/spice-go/message"
)

// Store errors shared by every back-end.
var (
	// ErrNotFound is returned when no checkpoint exists for the given id
	// or run.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrConcurrencyConflict is returned when an expected-version save
	// observes a different persisted version: another worker has advanced
	// the run and the caller must reload.
	ErrConcurrencyConflict = errors.New("checkpoint concurrency conflict")
)

// EnvelopeVersion is the schema version of the persisted checkpoint format.
const EnvelopeVersion = "1.0.0"

// SoftMaxBytes is the soft size threshold for a serialized checkpoint.
// Stores accept larger checkpoints but log a warning.
const SoftMaxBytes = 1 << 20

// Context is the saved execution context of a paused run: the state map the
// nodes were threading plus the identity and counters needed to rebuild the
// run's ExecContext on resume.
type Context struct {
	State             map[string]any `json:"state,omitempty"`
	UserID            string         `json:"userId,omitempty"`
	TenantID          string         `json:"tenantId,omitempty"`
	TraceID           string         `json:"traceId,omitempty"`
	SpanID            string         `json:"spanId,omitempty"`
	SubgraphDepth     int            `json:"subgraphDepth,omitempty"`
	InvocationIndices map[string]int `json:"invocationIndices,omitempty"`
}

// Checkpoint is a durable snapshot of a paused run. Identity is ID; lookup
// by run id returns the snapshot with the highest version. Values are
// immutable once saved, except that Save assigns the next Version.
type Checkpoint struct {
	ID      string          `json:"id"`
	RunID   string          `json:"runId"`
	GraphID string          `json:"graphId"`
	NodeID  string          `json:"nodeId"`
	Message message.Message `json:"message"`
	Context Context         `json:"context"`
	// Version counts saves of this checkpoint id, starting at 1. Stores
	// assign it on Save.
	Version         int64      `json:"version"`
	EnvelopeVersion string     `json:"envelopeVersion"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	// Consumed marks a checkpoint whose run resumed to a terminal state.
	// Resuming a consumed checkpoint fails with ErrAlreadyResumed.
	Consumed bool `json:"consumed"`
}

// NewID mints a checkpoint identifier. ULIDs sort lexically by creation
// time, so listings come back in creation order for free.
func NewID() string {
	return ulid.Make().String()
}

// New assembles a checkpoint for a paused run.
func New(runID, graphID, nodeID string, msg message.Message, sctx Context) *Checkpoint {
	return &Checkpoint{
		ID:              NewID(),
		RunID:           runID,
		GraphID:         graphID,
		NodeID:          nodeID,
		Message:         msg,
		Context:         sctx,
		EnvelopeVersion: EnvelopeVersion,
		CreatedAt:       time.Now().UTC(),
	}
}

// Expired reports whether the checkpoint's expiry has passed as of the
// given instant. Checkpoints without an expiry never expire.
func (c *Checkpoint) Expired(asOf time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(asOf)
}

// ApproxSize returns the serialized size of the checkpoint in bytes.
func (c *Checkpoint) ApproxSize() int {
	raw, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return len(raw)
}

// Clone returns a copy sharing no mutable state with the receiver. Message
// cloning goes through its own value semantics; the context maps are copied.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Message = c.Message.MergeMetadata(nil)
	if c.Context.State != nil {
		out.Context.State = make(map[string]any, len(c.Context.State))
		for k, v := range c.Context.State {
			out.Context.State[k] = v
		}
	}
	if c.Context.InvocationIndices != nil {
		out.Context.InvocationIndices = make(map[string]int, len(c.Context.InvocationIndices))
		for k, v := range c.Context.InvocationIndices {
			out.Context.InvocationIndices[k] = v
		}
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// SaveOption configures a single Save call.
type SaveOption func(*SaveOptions)

// SaveOptions carries the resolved save settings. Back-ends read it through
// ApplySaveOptions.
type SaveOptions struct {
	// ExpectedVersion, when set, makes the save conditional: it fails with
	// ErrConcurrencyConflict unless the persisted version equals it. Zero
	// with HasExpectedVersion set means "must not exist yet".
	ExpectedVersion    int64
	HasExpectedVersion bool
}

// WithExpectedVersion makes the save conditional on the persisted version.
func WithExpectedVersion(version int64) SaveOption {
	return func(o *SaveOptions) {
		o.ExpectedVersion = version
		o.HasExpectedVersion = true
	}
}

// ApplySaveOptions resolves save options for back-end implementations.
func ApplySaveOptions(opts ...SaveOption) SaveOptions {
	var o SaveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store persists checkpoints. Implementations must be safe for concurrent
// use and retry-safe: repeating any operation after a transient failure
// leaves the store in the same final state.
type Store interface {
	// Save persists the checkpoint, overwriting by id, and assigns the next
	// version to cp.Version. With WithExpectedVersion it fails with
	// ErrConcurrencyConflict when the persisted version differs.
	Save(ctx context.Context, cp *Checkpoint, opts ...SaveOption) error
	// Load returns the checkpoint with the given id or ErrNotFound.
	Load(ctx context.Context, id string) (*Checkpoint, error)
	// LatestForRun returns the most recently saved checkpoint of the run
	// or ErrNotFound.
	LatestForRun(ctx context.Context, runID string) (*Checkpoint, error)
	// Delete removes the checkpoint. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	// ListExpired returns the ids of checkpoints expired as of the given
	// instant, for garbage collection.
	ListExpired(ctx context.Context, asOf time.Time) ([]string, error)
	// Close releases resources owned by the store.
	Close() error
}
