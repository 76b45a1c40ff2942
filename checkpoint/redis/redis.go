//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed checkpoint store. Each checkpoint
// is a JSON value under its own key; a per-run sorted set ordered by save
// sequence answers latest-for-run lookups. Conditional saves run inside a
// WATCH transaction so concurrent writers observe ErrConcurrencyConflict
// instead of clobbering each other.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spice-framework/spice-go/checkpoint"
	"github.com/spice-framework/spice-go/log"
	storage "github.com/spice-framework/spice-go/storage/redis"
)

const (
	keyPrefixCheckpoint = "ckpt:"
	keyPrefixRun        = "ckpt_run:"
	keyExpiries         = "ckpt_expiries"
)

// Store persists checkpoints in Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures the store.
type Option func(*options)

type options struct {
	url          string
	instanceName string
	prefix       string
	client       redis.UniversalClient
	extraOptions []any
}

// WithRedisURL dials the store's own client from a connection URL.
func WithRedisURL(url string) Option {
	return func(o *options) {
		o.url = url
	}
}

// WithRedisInstance uses a named instance registered in storage/redis.
func WithRedisInstance(name string) Option {
	return func(o *options) {
		o.instanceName = name
	}
}

// WithKeyPrefix namespaces every key the store writes. Default "spice:".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithClient uses an existing client instead of building one.
func WithClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithExtraOptions passes extras through to the client builder.
func WithExtraOptions(extras ...any) Option {
	return func(o *options) {
		o.extraOptions = append(o.extraOptions, extras...)
	}
}

// New creates a Redis checkpoint store.
func New(opts ...Option) (*Store, error) {
	o := options{prefix: "spice:"}
	for _, opt := range opts {
		opt(&o)
	}

	client := o.client
	if client == nil {
		builderOpts := []storage.ClientBuilderOpt{
			storage.WithClientBuilderURL(o.url),
			storage.WithExtraOptions(o.extraOptions...),
		}
		if o.url == "" && o.instanceName != "" {
			var ok bool
			if builderOpts, ok = storage.GetRedisInstance(o.instanceName); !ok {
				return nil, fmt.Errorf("redis instance %s not found", o.instanceName)
			}
		}
		var err error
		client, err = storage.GetClientBuilder()(builderOpts...)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
	}
	return &Store{client: client, prefix: o.prefix}, nil
}

func (s *Store) checkpointKey(id string) string {
	return s.prefix + keyPrefixCheckpoint + id
}

func (s *Store) runKey(runID string) string {
	return s.prefix + keyPrefixRun + runID
}

func (s *Store) expiriesKey() string {
	return s.prefix + keyExpiries
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint, opts ...checkpoint.SaveOption) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("save: checkpoint has no id")
	}
	o := checkpoint.ApplySaveOptions(opts...)
	key := s.checkpointKey(cp.ID)

	txn := func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var existing checkpoint.Checkpoint
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("unmarshal existing checkpoint %s: %w", cp.ID, err)
			}
			current = existing.Version
		case errors.Is(err, redis.Nil):
			// First save of this id.
		default:
			return fmt.Errorf("read checkpoint %s: %w", cp.ID, err)
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
			log.Warnf("checkpoint %s is %d bytes, above the soft limit of %d",
				cp.ID, len(payload), checkpoint.SoftMaxBytes)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.runKey(cp.RunID), redis.Z{
				Score:  float64(time.Now().UnixNano()),
				Member: cp.ID,
			})
			if cp.ExpiresAt != nil {
				pipe.ZAdd(ctx, s.expiriesKey(), redis.Z{
					Score:  float64(cp.ExpiresAt.UTC().UnixNano()),
					Member: cp.ID,
				})
			}
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: checkpoint %s changed during save", checkpoint.ErrConcurrencyConflict, cp.ID)
		}
		return err
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// LatestForRun implements checkpoint.Store.
func (s *Store) LatestForRun(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for run %s: %w", runID, err)
	}
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if errors.Is(err, checkpoint.ErrNotFound) {
			// Checkpoint deleted but still indexed; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		return cp, nil
	}
	return nil, fmt.Errorf("%w: run %s", checkpoint.ErrNotFound, runID)
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.checkpointKey(id))
		pipe.ZRem(ctx, s.runKey(cp.RunID), id)
		pipe.ZRem(ctx, s.expiriesKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// ListExpired implements checkpoint.Store.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time) ([]string, error) {
	max := fmt.Sprintf("%d", asOf.UTC().UnixNano())
	ids, err := s.client.ZRangeByScore(ctx, s.expiriesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired checkpoints: %w", err)
	}
	return ids, nil
}

// Close implements checkpoint.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
