//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package kafka provides the Kafka event bus back-end: one topic per
// channel, hash-partitioned by partition key, consumer groups for offset
// tracking, and dead-letter routing for undecodable messages.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/spice-framework/spice-go/bus"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/log"
)

// Writer is the producer surface the bus needs from a Kafka client.
// *kafkago.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Reader is the consumer surface the bus needs from a Kafka client.
// *kafkago.Reader satisfies it.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// ReaderFactory builds one reader per subscription. Production readers join
// the bus's consumer group on the channel's topic.
type ReaderFactory func(topic string) Reader

// Bus is the Kafka back-end. Channel names double as topic names.
type Bus struct {
	writer    Writer
	newReader ReaderFactory
	registry  *event.Registry
	channels  *bus.ChannelSet
	metrics   *bus.Metrics

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	loops   *errgroup.Group
	loopCtx context.Context
}

// Option configures the bus.
type Option func(*options)

type options struct {
	brokers   []string
	groupID   string
	registry  *event.Registry
	channels  []bus.ChannelConfig
	writer    Writer
	newReader ReaderFactory
}

// WithBrokers sets the broker addresses for the default writer and readers.
func WithBrokers(brokers ...string) Option {
	return func(o *options) { o.brokers = brokers }
}

// WithGroupID sets the consumer group. Defaults to a fresh UUID, which
// gives each process its own offsets.
func WithGroupID(id string) Option {
	return func(o *options) { o.groupID = id }
}

// WithRegistry uses an existing schema registry.
func WithRegistry(r *event.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithChannels declares extra channels beyond the standard set.
func WithChannels(cfgs ...bus.ChannelConfig) Option {
	return func(o *options) { o.channels = append(o.channels, cfgs...) }
}

// WithWriter injects a producer, bypassing the default writer.
func WithWriter(w Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithReaderFactory injects a per-subscription reader builder, bypassing
// the default consumer-group readers.
func WithReaderFactory(f ReaderFactory) Option {
	return func(o *options) { o.newReader = f }
}

// New creates a Kafka bus with the standard channels declared. Without an
// injected writer or reader factory, brokers are required.
func New(opts ...Option) (*Bus, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.writer == nil || o.newReader == nil {
		if len(o.brokers) == 0 {
			return nil, fmt.Errorf("kafka bus requires brokers")
		}
	}
	if o.groupID == "" {
		o.groupID = "spice-" + uuid.NewString()
	}
	if o.writer == nil {
		o.writer = &kafkago.Writer{
			Addr:                   kafkago.TCP(o.brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		}
	}
	if o.newReader == nil {
		brokers, groupID := o.brokers, o.groupID
		o.newReader = func(topic string) Reader {
			return kafkago.NewReader(kafkago.ReaderConfig{
				Brokers:  brokers,
				GroupID:  groupID,
				Topic:    topic,
				MinBytes: 1,
				MaxBytes: 10 << 20,
				MaxWait:  500 * time.Millisecond,
			})
		}
	}

	registry := o.registry
	if registry == nil {
		registry = event.NewRegistry()
		if err := event.RegisterDefaults(registry); err != nil {
			return nil, err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loops, loopCtx := errgroup.WithContext(loopCtx)
	channels := bus.NewChannelSet(append(bus.StandardChannels(), o.channels...)...)
	return &Bus{
		writer:    o.writer,
		newReader: o.newReader,
		registry:  registry,
		channels:  channels,
		metrics:   bus.NewMetrics(channels),
		cancel:    cancel,
		loops:     loops,
		loopCtx:   loopCtx,
	}, nil
}

// Publish implements bus.Bus. The message key is the partition key when
// set, the event id otherwise, so events sharing a key stay ordered within
// a partition.
func (b *Bus) Publish(ctx context.Context, channel, eventType string, payload any, opts ...bus.PublishOption) (string, error) {
	if !b.channels.Known(channel) {
		return "", fmt.Errorf("%w: %s", bus.ErrUnknownChannel, channel)
	}
	o := bus.ApplyPublishOptions(opts...)
	env, err := bus.BuildEnvelope(b.registry, channel, eventType, payload, o)
	if err != nil {
		return "", err
	}
	key := o.PartitionKey
	if key == "" {
		key = env.EventID
	}
	return b.publishEnvelope(ctx, env, key)
}

// PublishEnvelope implements bus.Bus. Decoding happens consumer-side, so an
// undecodable envelope dead-letters when fetched, not when written.
func (b *Bus) PublishEnvelope(ctx context.Context, env *event.Envelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("%w: nil envelope", bus.ErrPublishFailed)
	}
	if !b.channels.Known(env.ChannelName) {
		return "", fmt.Errorf("%w: %s", bus.ErrUnknownChannel, env.ChannelName)
	}
	return b.publishEnvelope(ctx, env, env.EventID)
}

func (b *Bus) publishEnvelope(ctx context.Context, env *event.Envelope, key string) (string, error) {
	if b.isClosed() {
		return "", bus.ErrClosed
	}
	raw, err := bus.MarshalEnvelope(env)
	if err != nil {
		return "", err
	}
	msg := kafkago.Message{
		Topic: env.ChannelName,
		Key:   []byte(key),
		Value: raw,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("%w: topic %s: %v", bus.ErrPublishFailed, env.ChannelName, err)
	}
	b.channels.AppendHistory(env)
	b.metrics.Published(ctx, env.ChannelName)
	return env.EventID, nil
}

// Subscribe implements bus.Bus. Each subscription owns a reader in the
// bus's consumer group; offsets commit after every handled message,
// including dead-lettered ones.
func (b *Bus) Subscribe(ctx context.Context, channel string, filter event.Filter, opts ...bus.SubscribeOption) (<-chan *event.TypedEvent, error) {
	if !b.channels.Known(channel) {
		return nil, fmt.Errorf("%w: %s", bus.ErrUnknownChannel, channel)
	}
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	o := bus.ApplySubscribeOptions(opts...)
	out := make(chan *event.TypedEvent, o.Buffer)
	reader := b.newReader(channel)

	// The consume loop lives until either the subscription context or the
	// bus itself is done, whichever comes first.
	runCtx, stop := context.WithCancel(ctx)
	b.loops.Go(func() error {
		defer close(out)
		defer stop()
		defer func() {
			if err := reader.Close(); err != nil {
				log.Warnf("close reader on %s: %v", channel, err)
			}
		}()
		go func() {
			select {
			case <-b.loopCtx.Done():
				stop()
			case <-runCtx.Done():
			}
		}()
		b.consumeLoop(runCtx, channel, reader, filter, out)
		return nil
	})
	return out, nil
}

func (b *Bus) consumeLoop(ctx context.Context, channel string, reader Reader, filter event.Filter, out chan<- *event.TypedEvent) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Warnf("fetch from %s: %v", channel, err)
			continue
		}
		b.handleMessage(ctx, channel, reader, msg, filter, out)
	}
}

func (b *Bus) handleMessage(ctx context.Context, channel string, reader Reader, msg kafkago.Message, filter event.Filter, out chan<- *event.TypedEvent) {
	defer func() {
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warnf("commit offset on %s: %v", channel, err)
		}
	}()

	env, err := bus.UnmarshalEnvelope(msg.Value)
	if err != nil {
		b.deadLetterRaw(ctx, channel, msg)
		return
	}

	payload, err := b.registry.Decode(env)
	if err != nil {
		var derr *event.DecodeError
		if errors.As(err, &derr) {
			b.deadLetter(ctx, env, derr)
			return
		}
		log.Errorf("decode message at offset %d on %s: %v", msg.Offset, channel, err)
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

func (b *Bus) deadLetter(ctx context.Context, env *event.Envelope, derr *event.DecodeError) {
	b.metrics.DeadLettered(ctx, env.ChannelName)
	if _, err := b.Publish(ctx, bus.ChannelDeadLetter, event.EventTypeDeadLetter, bus.NewDeadLetter(env, derr)); err != nil {
		log.Errorf("dead-letter envelope %s: %v", env.EventID, err)
	}
}

// deadLetterRaw handles messages that are not even envelopes.
func (b *Bus) deadLetterRaw(ctx context.Context, channel string, msg kafkago.Message) {
	b.metrics.DeadLettered(ctx, channel)
	dl := &event.DeadLetter{
		ErrorCode:     event.DecodeErrInvalidEnvelope,
		Reason:        fmt.Sprintf("message at offset %d carries no envelope", msg.Offset),
		SourceChannel: channel,
		RawPayload:    msg.Value,
		Timestamp:     time.Now().UTC(),
	}
	if _, err := b.Publish(ctx, bus.ChannelDeadLetter, event.EventTypeDeadLetter, dl); err != nil {
		log.Errorf("dead-letter message at offset %d: %v", msg.Offset, err)
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

// Close implements bus.Bus. It stops consume loops, waits for their readers
// to close and flushes the writer.
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
	return b.writer.Close()
}
