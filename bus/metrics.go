//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spice-framework/spice-go/log"
)

const meterName = "spice.bus"

// Metrics counts bus activity per channel through the global OTel meter
// provider. Channels declared with Metrics disabled record nothing.
type Metrics struct {
	channels    *ChannelSet
	published   metric.Int64Counter
	delivered   metric.Int64Counter
	deadletters metric.Int64Counter
	dropped     metric.Int64Counter
}

// NewMetrics creates bus metrics bound to the channel set's declarations.
func NewMetrics(channels *ChannelSet) *Metrics {
	meter := otel.Meter(meterName)
	m := &Metrics{channels: channels}
	var err error
	if m.published, err = meter.Int64Counter("spice.bus.published",
		metric.WithDescription("Events published per channel"),
		metric.WithUnit("1")); err != nil {
		log.Warnf("create bus published counter: %v", err)
	}
	if m.delivered, err = meter.Int64Counter("spice.bus.delivered",
		metric.WithDescription("Events delivered to subscribers per channel"),
		metric.WithUnit("1")); err != nil {
		log.Warnf("create bus delivered counter: %v", err)
	}
	if m.deadletters, err = meter.Int64Counter("spice.bus.deadletters",
		metric.WithDescription("Envelopes routed to the dead-letter channel"),
		metric.WithUnit("1")); err != nil {
		log.Warnf("create bus deadletter counter: %v", err)
	}
	if m.dropped, err = meter.Int64Counter("spice.bus.dropped",
		metric.WithDescription("Events dropped on full subscriber buffers"),
		metric.WithUnit("1")); err != nil {
		log.Warnf("create bus dropped counter: %v", err)
	}
	return m
}

func (m *Metrics) enabled(channel string) bool {
	if m == nil || m.channels == nil {
		return false
	}
	cfg, ok := m.channels.Config(channel)
	return ok && cfg.Metrics
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, channel string) {
	if counter == nil || !m.enabled(channel) {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// Published records one successful publish.
func (m *Metrics) Published(ctx context.Context, channel string) {
	m.add(ctx, m.published, channel)
}

// Delivered records one delivery to a subscriber.
func (m *Metrics) Delivered(ctx context.Context, channel string) {
	m.add(ctx, m.delivered, channel)
}

// DeadLettered records one envelope routed to the dead-letter channel.
func (m *Metrics) DeadLettered(ctx context.Context, sourceChannel string) {
	m.add(ctx, m.deadletters, sourceChannel)
}

// Dropped records one event lost to a full subscriber buffer.
func (m *Metrics) Dropped(ctx context.Context, channel string) {
	m.add(ctx, m.dropped, channel)
}
