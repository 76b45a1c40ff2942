//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package bus defines the typed event bus contract shared by the in-memory,
// Redis Streams and Kafka back-ends, together with channel declarations,
// per-channel history rings and dead-letter routing. Consumers never learn
// which back-end is in use.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spice-framework/spice-go/event"
)

// Standard channel names predeclared on every bus.
const (
	ChannelGraphLifecycle = "spice.graph.lifecycle"
	ChannelNodeLifecycle  = "spice.node.lifecycle"
	ChannelToolCalls      = "spice.toolcall.events"
	ChannelHitlRequests   = "spice.hitl.requests"
	ChannelDeadLetter     = "spice.deadletter"
)

// DefaultHistoryCapacity bounds a channel's history ring when the
// declaration does not say otherwise.
const DefaultHistoryCapacity = 256

// DefaultSubscribeBuffer is the per-subscriber buffer of the in-memory
// back-end. Distributed back-ends lean on transport semantics instead.
const DefaultSubscribeBuffer = 100

// Bus errors shared by every back-end.
var (
	// ErrPublishFailed wraps transport failures surfaced to publishers.
	ErrPublishFailed = errors.New("event publish failed")
	// ErrUnknownChannel is returned for operations on undeclared channels.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("event bus closed")
)

// ChannelConfig declares a named, typed stream.
type ChannelConfig struct {
	Name string
	// History enables the in-process ring buffer for the channel.
	History bool
	// HistoryCapacity bounds the ring. Zero means DefaultHistoryCapacity.
	HistoryCapacity int
	// Metrics enables publish/delivery counters for the channel.
	Metrics bool
}

// StandardChannels returns the predeclared channel set: lifecycle and
// tool-call channels keep history for replay debugging; the dead-letter
// channel keeps history so operators can inspect rejected envelopes.
func StandardChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: ChannelGraphLifecycle, History: true, Metrics: true},
		{Name: ChannelNodeLifecycle, History: true, Metrics: true},
		{Name: ChannelToolCalls, History: true, Metrics: true},
		{Name: ChannelHitlRequests, History: true, Metrics: true},
		{Name: ChannelDeadLetter, History: true, Metrics: true},
	}
}

// Bus is the pub/sub surface every back-end implements. History is an
// observability aid, not the durable log; storing events durably is the
// transport's responsibility.
type Bus interface {
	// Publish serializes the payload through the schema registry, wraps it
	// in an envelope and writes it to the transport. The envelope enters
	// channel history only when the transport write succeeds.
	Publish(ctx context.Context, channel, eventType string, payload any, opts ...PublishOption) (string, error)
	// PublishEnvelope feeds an already-assembled envelope into the channel,
	// as when relaying an envelope that arrived from another process.
	// Envelopes that fail decoding route to the dead-letter channel.
	PublishEnvelope(ctx context.Context, env *event.Envelope) (string, error)
	// Subscribe returns a stream of decoded events matching the filter.
	// The stream closes when ctx is cancelled or the bus closes.
	Subscribe(ctx context.Context, channel string, filter event.Filter, opts ...SubscribeOption) (<-chan *event.TypedEvent, error)
	// History returns up to limit most-recent envelopes, newest first.
	// A non-positive limit returns the whole ring.
	History(channel string, limit int) []*event.Envelope
	// ClearHistory empties the channel's ring buffer.
	ClearHistory(channel string)
	// DeclareChannel adds a custom channel.
	DeclareChannel(cfg ChannelConfig) error
	// Close stops subscribers and releases transport resources.
	Close() error
}

// PublishOption configures a single publish.
type PublishOption func(*PublishOptions)

// PublishOptions carries resolved publish settings.
type PublishOptions struct {
	Metadata      event.Metadata
	CorrelationID string
	CausationID   string
	// PartitionKey orders delivery on partitioned transports. The runner
	// keys tool-call events by tool-call id so one call's lifecycle stays
	// ordered. Empty falls back to the event id.
	PartitionKey string
}

// WithMetadata attaches envelope metadata.
func WithMetadata(md event.Metadata) PublishOption {
	return func(o *PublishOptions) {
		o.Metadata = md
	}
}

// WithCorrelationID tags the envelope with a correlation chain.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.CorrelationID = id
	}
}

// WithCausationID records the event that caused this one.
func WithCausationID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.CausationID = id
	}
}

// WithPartitionKey sets the transport partition key.
func WithPartitionKey(key string) PublishOption {
	return func(o *PublishOptions) {
		o.PartitionKey = key
	}
}

// ApplyPublishOptions resolves publish options for back-ends.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions carries resolved subscription settings.
type SubscribeOptions struct {
	// Buffer is the subscriber channel capacity. Zero means
	// DefaultSubscribeBuffer.
	Buffer int
}

// WithBuffer overrides the subscriber buffer size.
func WithBuffer(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Buffer = n
	}
}

// ApplySubscribeOptions resolves subscription options for back-ends.
func ApplySubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{Buffer: DefaultSubscribeBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultSubscribeBuffer
	}
	return o
}

// BuildEnvelope assembles a publish-side envelope: the payload is encoded
// through the registry and the envelope carries the registered schema
// version for the event type.
func BuildEnvelope(registry *event.Registry, channel, eventType string, payload any, o PublishOptions) (*event.Envelope, error) {
	raw, version, err := registry.Encode(eventType, payload)
	if err != nil {
		return nil, err
	}
	env := event.NewEnvelope(channel, eventType, version, raw, o.Metadata)
	env.CorrelationID = o.CorrelationID
	env.CausationID = o.CausationID
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// MarshalEnvelope is the wire codec shared by the distributed back-ends.
func MarshalEnvelope(env *event.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	return raw, nil
}

// UnmarshalEnvelope decodes wire bytes back into an envelope.
func UnmarshalEnvelope(raw []byte) (*event.Envelope, error) {
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// NewDeadLetter wraps an undecodable envelope for the dead-letter channel,
// preserving the raw payload so operators can replay it after fixing the
// cause.
func NewDeadLetter(env *event.Envelope, derr *event.DecodeError) *event.DeadLetter {
	dl := &event.DeadLetter{
		ErrorCode:     derr.Code,
		SourceChannel: env.ChannelName,
		EventID:       env.EventID,
		EventType:     env.EventType,
		SchemaVersion: env.SchemaVersion,
		RawPayload:    []byte(env.Payload),
		Timestamp:     time.Now().UTC(),
	}
	if derr.Err != nil {
		dl.Reason = derr.Err.Error()
	}
	return dl
}
