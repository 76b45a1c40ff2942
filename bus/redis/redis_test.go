//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spice-framework/spice-go/bus"
	"github.com/spice-framework/spice-go/event"
)

func newTestBus(t *testing.T, opts ...Option) (*Bus, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	opts = append([]Option{
		WithClient(client),
		WithStartPosition(StartReplay),
		WithPollTimeout(50 * time.Millisecond),
	}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, client
}

func recvEvent(t *testing.T, ch <-chan *event.TypedEvent) *event.TypedEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "spice:toolcall:events", StreamKey(bus.ChannelToolCalls))
	assert.Equal(t, "spice:deadletter", StreamKey(bus.ChannelDeadLetter))
}

func TestPublishWritesStreamEntry(t *testing.T) {
	b, client := newTestBus(t)

	id, err := b.Publish(context.Background(), bus.ChannelGraphLifecycle,
		event.EventTypeGraphStarted, &event.GraphLifecycle{RunID: "run-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	length, err := client.XLen(context.Background(), StreamKey(bus.ChannelGraphLifecycle)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	history := b.History(bus.ChannelGraphLifecycle, 0)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].EventID)
}

func TestSubscribeReplaysStream(t *testing.T) {
	b, _ := newTestBus(t)

	var ids []string
	for _, node := range []string{"a", "b"} {
		id, err := b.Publish(context.Background(), bus.ChannelNodeLifecycle,
			event.EventTypeNodeCompleted,
			&event.NodeLifecycle{RunID: "run-1", NodeID: node, Phase: event.NodePhaseCompleted})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	sub, err := b.Subscribe(context.Background(), bus.ChannelNodeLifecycle, event.All())
	require.NoError(t, err)

	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	assert.Equal(t, ids[0], first.Envelope.EventID)
	assert.Equal(t, ids[1], second.Envelope.EventID)
	got, ok := second.Payload.(*event.NodeLifecycle)
	require.True(t, ok)
	assert.Equal(t, "b", got.NodeID)
}

func TestSubscribeFilters(t *testing.T) {
	b, _ := newTestBus(t)

	_, err := b.Publish(context.Background(), bus.ChannelToolCalls,
		event.EventTypeToolCallEmitted, &event.ToolCallEvent{ToolCallID: "tc-1"},
		bus.WithMetadata(event.Metadata{UserID: "alice"}))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), bus.ChannelToolCalls,
		event.EventTypeToolCallEmitted, &event.ToolCallEvent{ToolCallID: "tc-2"},
		bus.WithMetadata(event.Metadata{UserID: "bob"}))
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), bus.ChannelToolCalls, event.UserID("bob"))
	require.NoError(t, err)

	ev := recvEvent(t, sub)
	got, ok := ev.Payload.(*event.ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "tc-2", got.ToolCallID)
}

func TestUndecodableEntryDeadLetters(t *testing.T) {
	b, client := newTestBus(t)

	env := event.NewEnvelope(bus.ChannelGraphLifecycle, event.EventTypeGraphStarted,
		"99.0.0", []byte(`{"runId":"run-1"}`), event.Metadata{})
	raw, err := bus.MarshalEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: StreamKey(bus.ChannelGraphLifecycle),
		Values: map[string]any{"envelope": raw},
	}).Err())

	dead, err := b.Subscribe(context.Background(), bus.ChannelDeadLetter, nil)
	require.NoError(t, err)
	source, err := b.Subscribe(context.Background(), bus.ChannelGraphLifecycle, nil)
	require.NoError(t, err)

	ev := recvEvent(t, dead)
	dl, ok := ev.Payload.(*event.DeadLetter)
	require.True(t, ok)
	assert.Equal(t, event.DecodeErrVersionMismatch, dl.ErrorCode)
	assert.Equal(t, bus.ChannelGraphLifecycle, dl.SourceChannel)
	assert.Equal(t, env.EventID, dl.EventID)

	select {
	case ev := <-source:
		t.Fatalf("undecodable envelope %s delivered on source channel", ev.Envelope.EventID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEntryWithoutEnvelopeDeadLetters(t *testing.T) {
	b, client := newTestBus(t)

	require.NoError(t, client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: StreamKey(bus.ChannelToolCalls),
		Values: map[string]any{"junk": "not an envelope"},
	}).Err())

	dead, err := b.Subscribe(context.Background(), bus.ChannelDeadLetter, nil)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), bus.ChannelToolCalls, nil)
	require.NoError(t, err)

	ev := recvEvent(t, dead)
	dl, ok := ev.Payload.(*event.DeadLetter)
	require.True(t, ok)
	assert.Equal(t, event.DecodeErrInvalidEnvelope, dl.ErrorCode)
	assert.Equal(t, bus.ChannelToolCalls, dl.SourceChannel)
}

func TestConsumerGroupAcks(t *testing.T) {
	b, client := newTestBus(t, WithConsumerGroup("spice-workers", "worker-1"))

	id, err := b.Publish(context.Background(), bus.ChannelGraphLifecycle,
		event.EventTypeGraphCompleted, &event.GraphLifecycle{RunID: "run-1"})
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), bus.ChannelGraphLifecycle, nil)
	require.NoError(t, err)

	ev := recvEvent(t, sub)
	assert.Equal(t, id, ev.Envelope.EventID)

	stream := StreamKey(bus.ChannelGraphLifecycle)
	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), stream, "spice-workers").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnknownChannel(t *testing.T) {
	b, _ := newTestBus(t)

	_, err := b.Publish(context.Background(), "no.such.channel",
		event.EventTypeGraphStarted, &event.GraphLifecycle{})
	require.ErrorIs(t, err, bus.ErrUnknownChannel)
	_, err = b.Subscribe(context.Background(), "no.such.channel", nil)
	require.ErrorIs(t, err, bus.ErrUnknownChannel)
}

func TestCloseStopsSubscriptions(t *testing.T) {
	b, _ := newTestBus(t)

	sub, err := b.Subscribe(context.Background(), bus.ChannelGraphLifecycle, nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	_, err = b.Publish(context.Background(), bus.ChannelGraphLifecycle,
		event.EventTypeGraphStarted, &event.GraphLifecycle{})
	require.ErrorIs(t, err, bus.ErrClosed)
}
