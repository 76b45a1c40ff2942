//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides the process-local event bus back-end: bounded
// per-subscriber buffers, consumer-side filters and ring-buffer history.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/spice-framework/spice-go/bus"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/log"
)

// Bus is the in-memory back-end. Publishing fans out to every matching
// subscriber without blocking: a subscriber whose buffer is full loses the
// event (recorded with a warning and a metric), never stalls publishers.
type Bus struct {
	registry *event.Registry
	channels *bus.ChannelSet
	metrics  *bus.Metrics

	mu     sync.Mutex
	subs   map[string]map[string]*subscriber
	closed bool
}

type subscriber struct {
	id     string
	ch     chan *event.TypedEvent
	filter event.Filter
}

// Option configures the bus.
type Option func(*options)

type options struct {
	registry *event.Registry
	channels []bus.ChannelConfig
}

// WithRegistry uses an existing schema registry instead of a fresh one
// populated with the built-in event types.
func WithRegistry(r *event.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithChannels declares extra channels beyond the standard set.
func WithChannels(cfgs ...bus.ChannelConfig) Option {
	return func(o *options) {
		o.channels = append(o.channels, cfgs...)
	}
}

// New creates an in-memory bus with the standard channels declared.
func New(opts ...Option) (*Bus, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	registry := o.registry
	if registry == nil {
		registry = event.NewRegistry()
		if err := event.RegisterDefaults(registry); err != nil {
			return nil, err
		}
	}
	channels := bus.NewChannelSet(append(bus.StandardChannels(), o.channels...)...)
	return &Bus{
		registry: registry,
		channels: channels,
		metrics:  bus.NewMetrics(channels),
		subs:     make(map[string]map[string]*subscriber),
	}, nil
}

// Registry returns the schema registry the bus serializes through.
func (b *Bus) Registry() *event.Registry {
	return b.registry
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, channel, eventType string, payload any, opts ...bus.PublishOption) (string, error) {
	if !b.channels.Known(channel) {
		return "", fmt.Errorf("%w: %s", bus.ErrUnknownChannel, channel)
	}
	env, err := bus.BuildEnvelope(b.registry, channel, eventType, payload, bus.ApplyPublishOptions(opts...))
	if err != nil {
		return "", err
	}
	if err := b.deliver(ctx, env, payload); err != nil {
		return "", err
	}
	return env.EventID, nil
}

// PublishEnvelope implements bus.Bus. The envelope is decoded as a consumer
// would; envelopes that fail decoding produce exactly one dead-letter event
// and nothing on the source channel.
func (b *Bus) PublishEnvelope(ctx context.Context, env *event.Envelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("%w: nil envelope", bus.ErrPublishFailed)
	}
	if !b.channels.Known(env.ChannelName) {
		return "", fmt.Errorf("%w: %s", bus.ErrUnknownChannel, env.ChannelName)
	}
	payload, err := b.registry.Decode(env)
	if err != nil {
		var derr *event.DecodeError
		if errors.As(err, &derr) {
			if dlErr := b.deadLetter(ctx, env, derr); dlErr != nil {
				return "", dlErr
			}
			return env.EventID, nil
		}
		return "", err
	}
	if err := b.deliver(ctx, env, payload); err != nil {
		return "", err
	}
	return env.EventID, nil
}

// deliver appends history and fans the event out. The in-memory transport
// cannot fail once the bus is open, so history always reflects delivery.
// The bus mutex stays held across the fan-out: unsubscribe and Close close
// subscriber channels under the same mutex, so a send can never race a
// close. The sends are non-blocking, keeping the hold time bounded.
func (b *Bus) deliver(ctx context.Context, env *event.Envelope, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}

	b.channels.AppendHistory(env)
	b.metrics.Published(ctx, env.ChannelName)

	ev := &event.TypedEvent{Envelope: env, Payload: payload}
	for _, sub := range b.subs[env.ChannelName] {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			b.metrics.Delivered(ctx, env.ChannelName)
		default:
			b.metrics.Dropped(ctx, env.ChannelName)
			log.Warnf("subscriber %s on channel %s is full, dropping event %s",
				sub.id, env.ChannelName, env.EventID)
		}
	}
	return nil
}

func (b *Bus) deadLetter(ctx context.Context, env *event.Envelope, derr *event.DecodeError) error {
	b.metrics.DeadLettered(ctx, env.ChannelName)
	_, err := b.Publish(ctx, bus.ChannelDeadLetter, event.EventTypeDeadLetter, bus.NewDeadLetter(env, derr))
	return err
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, channel string, filter event.Filter, opts ...bus.SubscribeOption) (<-chan *event.TypedEvent, error) {
	if !b.channels.Known(channel) {
		return nil, fmt.Errorf("%w: %s", bus.ErrUnknownChannel, channel)
	}
	o := bus.ApplySubscribeOptions(opts...)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	sub := &subscriber{
		id:     uuid.NewString(),
		ch:     make(chan *event.TypedEvent, o.Buffer),
		filter: filter,
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]*subscriber)
	}
	b.subs[channel][sub.id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(channel, sub.id)
	}()
	return sub.ch, nil
}

func (b *Bus) unsubscribe(channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[channel][id]; ok {
		delete(b.subs[channel], id)
		close(sub.ch)
	}
}

// History implements bus.Bus.
func (b *Bus) History(channel string, limit int) []*event.Envelope {
	return b.channels.History(channel, limit)
}

// ClearHistory implements bus.Bus.
func (b *Bus) ClearHistory(channel string) {
	b.channels.ClearHistory(channel)
}

// DeclareChannel implements bus.Bus.
func (b *Bus) DeclareChannel(cfg bus.ChannelConfig) error {
	return b.channels.Declare(cfg)
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.ch)
		}
		delete(b.subs, channel)
	}
	return nil
}
