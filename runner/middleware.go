//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/spice-framework/spice-go/graph"
	"github.com/spice-framework/spice-go/log"
)

const instrumentationName = "spice.runner"

// LoggingMiddleware logs every node step with its outcome and duration.
func LoggingMiddleware() graph.Middleware {
	return func(next graph.Handler) graph.Handler {
		return func(ctx context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
			start := time.Now()
			result, err := next(ctx, nctx)
			elapsed := time.Since(start)
			if err != nil {
				log.Warnf("node %s on graph %s failed after %s: %v",
					nctx.NodeID, nctx.GraphID, elapsed, err)
				return result, err
			}
			log.Debugf("node %s on graph %s completed in %s", nctx.NodeID, nctx.GraphID, elapsed)
			return result, nil
		}
	}
}

// TracingMiddleware wraps each node step in an OTel span carrying the run,
// graph and node identity.
func TracingMiddleware() graph.Middleware {
	tracer := otel.Tracer(instrumentationName)
	return func(next graph.Handler) graph.Handler {
		return func(ctx context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
			attrs := []attribute.KeyValue{
				attribute.String("spice.graph.id", nctx.GraphID),
				attribute.String("spice.node.id", nctx.NodeID),
			}
			if nctx.Exec != nil {
				attrs = append(attrs, attribute.String("spice.run.id", nctx.Exec.RunID))
			}
			ctx, span := tracer.Start(ctx, "spice.node.run",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attrs...))
			defer span.End()

			result, err := next(ctx, nctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}

// MetricsMiddleware counts node invocations and records their duration
// through the global OTel meter provider.
func MetricsMiddleware() graph.Middleware {
	meter := otel.Meter(instrumentationName)
	invocations, err := meter.Int64Counter("spice.runner.node.invocations",
		metric.WithDescription("Node invocations by graph, node and outcome"),
		metric.WithUnit("1"))
	if err != nil {
		log.Warnf("create node invocation counter: %v", err)
	}
	duration, err := meter.Float64Histogram("spice.runner.node.duration",
		metric.WithDescription("Node step duration"),
		metric.WithUnit("ms"))
	if err != nil {
		log.Warnf("create node duration histogram: %v", err)
	}

	return func(next graph.Handler) graph.Handler {
		return func(ctx context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
			start := time.Now()
			result, err := next(ctx, nctx)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			attrs := metric.WithAttributes(
				attribute.String("graph", nctx.GraphID),
				attribute.String("node", nctx.NodeID),
				attribute.String("outcome", outcome),
			)
			if invocations != nil {
				invocations.Add(ctx, 1, attrs)
			}
			if duration != nil {
				duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
			}
			return result, err
		}
	}
}

// RateLimitMiddleware throttles node steps through a shared token-bucket
// limiter. The wait respects the step context, including per-node timeouts.
func RateLimitMiddleware(limiter *rate.Limiter) graph.Middleware {
	return func(next graph.Handler) graph.Handler {
		return func(ctx context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, nctx)
		}
	}
}
