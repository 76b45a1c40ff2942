//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides the Redis Streams event bus back-end: one stream
// per channel, optional consumer groups with persistent offsets, and a poll
// loop that acknowledges everything it reads, routing undecodable entries
// to the dead-letter stream.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/spice-framework/spice-go/bus"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/log"
	storage "github.com/spice-framework/spice-go/storage/redis"
)

// Starting positions for new subscriptions.
const (
	// StartNew delivers only entries added after the subscription.
	StartNew = "$"
	// StartReplay delivers the full stream from the beginning.
	StartReplay = "0-0"
)

const envelopeField = "envelope"

// DefaultPollTimeout bounds one blocking stream read. It is distinct from
// any per-node timeout in the runner.
const DefaultPollTimeout = 2 * time.Second

// StreamKey maps a channel name to its stream key: dots become colons, so
// "spice.toolcall.events" lives at "spice:toolcall:events".
func StreamKey(channel string) string {
	return strings.ReplaceAll(channel, ".", ":")
}

// Bus is the Redis Streams back-end.
type Bus struct {
	client      redis.UniversalClient
	registry    *event.Registry
	channels    *bus.ChannelSet
	metrics     *bus.Metrics
	group       string
	consumer    string
	start       string
	pollTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	loops   *errgroup.Group
	loopCtx context.Context
}

// Option configures the bus.
type Option func(*options)

type options struct {
	url          string
	instanceName string
	client       redis.UniversalClient
	registry     *event.Registry
	channels     []bus.ChannelConfig
	group        string
	consumer     string
	start        string
	pollTimeout  time.Duration
}

// WithRedisURL dials the bus's own client from a connection URL.
func WithRedisURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithRedisInstance uses a named instance registered in storage/redis.
func WithRedisInstance(name string) Option {
	return func(o *options) { o.instanceName = name }
}

// WithClient uses an existing client instead of building one.
func WithClient(client redis.UniversalClient) Option {
	return func(o *options) { o.client = client }
}

// WithRegistry uses an existing schema registry.
func WithRegistry(r *event.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithChannels declares extra channels beyond the standard set.
func WithChannels(cfgs ...bus.ChannelConfig) Option {
	return func(o *options) { o.channels = append(o.channels, cfgs...) }
}

// WithConsumerGroup reads through a consumer group so offsets persist
// across restarts. The consumer name defaults to a fresh UUID.
func WithConsumerGroup(group, consumer string) Option {
	return func(o *options) {
		o.group = group
		o.consumer = consumer
	}
}

// WithStartPosition sets where new subscriptions begin: StartNew (default)
// or StartReplay.
func WithStartPosition(start string) Option {
	return func(o *options) { o.start = start }
}

// WithPollTimeout bounds one blocking stream read.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) { o.pollTimeout = d }
}

// New creates a Redis Streams bus with the standard channels declared.
func New(opts ...Option) (*Bus, error) {
	o := options{start: StartNew, pollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	client := o.client
	if client == nil {
		builderOpts := []storage.ClientBuilderOpt{storage.WithClientBuilderURL(o.url)}
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

	registry := o.registry
	if registry == nil {
		registry = event.NewRegistry()
		if err := event.RegisterDefaults(registry); err != nil {
			return nil, err
		}
	}

	consumer := o.consumer
	if o.group != "" && consumer == "" {
		consumer = uuid.NewString()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loops, loopCtx := errgroup.WithContext(loopCtx)
	channels := bus.NewChannelSet(append(bus.StandardChannels(), o.channels...)...)
	return &Bus{
		client:      client,
		registry:    registry,
		channels:    channels,
		metrics:     bus.NewMetrics(channels),
		group:       o.group,
		consumer:    consumer,
		start:       o.start,
		pollTimeout: o.pollTimeout,
		cancel:      cancel,
		loops:       loops,
		loopCtx:     loopCtx,
	}, nil
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
	return b.publishEnvelope(ctx, env)
}

// PublishEnvelope implements bus.Bus. Decoding happens consumer-side; a
// foreign envelope that no consumer can decode ends up on the dead-letter
// stream when it is read, not when it is written.
func (b *Bus) PublishEnvelope(ctx context.Context, env *event.Envelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("%w: nil envelope", bus.ErrPublishFailed)
	}
	if !b.channels.Known(env.ChannelName) {
		return "", fmt.Errorf("%w: %s", bus.ErrUnknownChannel, env.ChannelName)
	}
	return b.publishEnvelope(ctx, env)
}

func (b *Bus) publishEnvelope(ctx context.Context, env *event.Envelope) (string, error) {
	if b.isClosed() {
		return "", bus.ErrClosed
	}
	raw, err := bus.MarshalEnvelope(env)
	if err != nil {
		return "", err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(env.ChannelName),
		Values: map[string]any{envelopeField: raw},
	}).Err(); err != nil {
		return "", fmt.Errorf("%w: channel %s: %v", bus.ErrPublishFailed, env.ChannelName, err)
	}
	b.channels.AppendHistory(env)
	b.metrics.Published(ctx, env.ChannelName)
	return env.EventID, nil
}

// Subscribe implements bus.Bus. Each subscription runs its own poll loop
// goroutine; the returned stream closes when ctx is cancelled or the bus
// closes.
func (b *Bus) Subscribe(ctx context.Context, channel string, filter event.Filter, opts ...bus.SubscribeOption) (<-chan *event.TypedEvent, error) {
	if !b.channels.Known(channel) {
		return nil, fmt.Errorf("%w: %s", bus.ErrUnknownChannel, channel)
	}
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	o := bus.ApplySubscribeOptions(opts...)
	out := make(chan *event.TypedEvent, o.Buffer)
	stream := StreamKey(channel)

	if b.group != "" {
		err := b.client.XGroupCreateMkStream(ctx, stream, b.group, b.start).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create consumer group %s on %s: %w", b.group, stream, err)
		}
	}

	b.loops.Go(func() error {
		defer close(out)
		b.pollLoop(ctx, channel, stream, filter, out)
		return nil
	})
	return out, nil
}

func (b *Bus) pollLoop(ctx context.Context, channel, stream string, filter event.Filter, out chan<- *event.TypedEvent) {
	lastID := b.start
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.loopCtx.Done():
			return
		default:
		}

		entries, err := b.read(ctx, stream, &lastID)
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || b.loopCtx.Err() != nil {
				return
			}
			log.Warnf("poll %s: %v", stream, err)
			select {
			case <-time.After(b.pollTimeout):
			case <-ctx.Done():
				return
			case <-b.loopCtx.Done():
				return
			}
			continue
		}

		for _, entry := range entries {
			b.handleEntry(ctx, channel, stream, entry, filter, out)
		}
	}
}

func (b *Bus) read(ctx context.Context, stream string, lastID *string) ([]redis.XMessage, error) {
	if b.group != "" {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    64,
			Block:    b.pollTimeout,
		}).Result()
		if err != nil {
			return nil, err
		}
		return flatten(res), nil
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, *lastID},
		Count:   64,
		Block:   b.pollTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}
	msgs := flatten(res)
	if len(msgs) > 0 {
		*lastID = msgs[len(msgs)-1].ID
	}
	return msgs, nil
}

func flatten(streams []redis.XStream) []redis.XMessage {
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs
}

// handleEntry decodes one stream entry, delivers or dead-letters it, and
// always advances the offset.
func (b *Bus) handleEntry(ctx context.Context, channel, stream string, entry redis.XMessage, filter event.Filter, out chan<- *event.TypedEvent) {
	defer b.ack(ctx, stream, entry.ID)

	raw, ok := entry.Values[envelopeField].(string)
	if !ok {
		b.deadLetterRaw(ctx, channel, entry)
		return
	}
	env, err := bus.UnmarshalEnvelope([]byte(raw))
	if err != nil {
		b.deadLetterRaw(ctx, channel, entry)
		return
	}

	payload, err := b.registry.Decode(env)
	if err != nil {
		var derr *event.DecodeError
		if errors.As(err, &derr) {
			b.deadLetter(ctx, env, derr)
			return
		}
		log.Errorf("decode entry %s on %s: %v", entry.ID, stream, err)
		return
	}

	ev := &event.TypedEvent{Envelope: env, Payload: payload}
	if filter != nil && !filter(ev) {
		return
	}
	select {
	case out <- ev:
		b.metrics.Delivered(ctx, channel)
	case <-ctx.Done():
	case <-b.loopCtx.Done():
	}
}

func (b *Bus) ack(ctx context.Context, stream, id string) {
	if b.group == "" {
		return
	}
	if err := b.client.XAck(ctx, stream, b.group, id).Err(); err != nil && ctx.Err() == nil {
		log.Warnf("ack %s on %s: %v", id, stream, err)
	}
}

func (b *Bus) deadLetter(ctx context.Context, env *event.Envelope, derr *event.DecodeError) {
	b.metrics.DeadLettered(ctx, env.ChannelName)
	if _, err := b.Publish(ctx, bus.ChannelDeadLetter, event.EventTypeDeadLetter, bus.NewDeadLetter(env, derr)); err != nil {
		log.Errorf("dead-letter envelope %s: %v", env.EventID, err)
	}
}

// deadLetterRaw handles entries that are not even envelopes.
func (b *Bus) deadLetterRaw(ctx context.Context, channel string, entry redis.XMessage) {
	b.metrics.DeadLettered(ctx, channel)
	dl := &event.DeadLetter{
		ErrorCode:     event.DecodeErrInvalidEnvelope,
		Reason:        fmt.Sprintf("stream entry %s carries no envelope", entry.ID),
		SourceChannel: channel,
		Timestamp:     time.Now().UTC(),
	}
	if raw, ok := entry.Values[envelopeField].(string); ok {
		dl.RawPayload = []byte(raw)
	}
	if _, err := b.Publish(ctx, bus.ChannelDeadLetter, event.EventTypeDeadLetter, dl); err != nil {
		log.Errorf("dead-letter stream entry %s: %v", entry.ID, err)
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

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close implements bus.Bus. It stops every poll loop, waits for them to
// drain and closes the shared client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	_ = b.loops.Wait()
	return b.client.Close()
}
