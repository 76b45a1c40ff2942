//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package metric wires the global OpenTelemetry meter provider to an OTLP
// collector. The runner and bus register their instruments against the
// global provider, so a single Start at process startup exports all of
// them.
package metric

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/spice-framework/spice-go/telemetry"
)

type options struct {
	protocol           string
	metricsEndpoint    string
	serviceName        string
	serviceNamespace   string
	serviceVersion     string
	resourceAttributes []attribute.KeyValue
}

// Option configures metric export.
type Option func(*options)

// WithProtocol selects the OTLP transport, "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(o *options) {
		o.protocol = protocol
	}
}

// WithEndpoint sets the collector endpoint as "host:port", no scheme or
// path. When unset, OTEL_EXPORTER_OTLP_METRICS_ENDPOINT and then
// OTEL_EXPORTER_OTLP_ENDPOINT are consulted before the local default.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.metricsEndpoint = endpoint
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(o *options) {
		o.serviceName = name
	}
}

// WithServiceNamespace overrides the service.namespace resource attribute.
func WithServiceNamespace(ns string) Option {
	return func(o *options) {
		o.serviceNamespace = ns
	}
}

// WithServiceVersion overrides the service.version resource attribute.
func WithServiceVersion(version string) Option {
	return func(o *options) {
		o.serviceVersion = version
	}
}

// WithResourceAttributes appends custom resource attributes.
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) {
		o.resourceAttributes = append(o.resourceAttributes, attrs...)
	}
}

// Start installs an OTLP-exporting meter provider as the global provider
// and returns a cleanup that flushes and shuts it down.
func Start(ctx context.Context, opt ...Option) (clean func() error, err error) {
	provider, err := NewMeterProvider(ctx, opt...)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(provider)
	return func() error {
		return provider.Shutdown(context.Background())
	}, nil
}

// NewMeterProvider builds an OTLP meter provider without installing it
// globally.
func NewMeterProvider(ctx context.Context, opt ...Option) (*sdkmetric.MeterProvider, error) {
	opts := &options{
		protocol:         telemetry.ProtocolGRPC,
		serviceName:      telemetry.ServiceName,
		serviceNamespace: telemetry.ServiceNamespace,
		serviceVersion:   telemetry.ServiceVersion,
	}
	for _, o := range opt {
		o(opts)
	}
	if opts.metricsEndpoint == "" {
		opts.metricsEndpoint = metricsEndpoint(opts.protocol)
	}

	res, err := buildResource(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("build metric resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch opts.protocol {
	case telemetry.ProtocolHTTP:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(opts.metricsEndpoint),
			otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create http metric exporter: %w", err)
		}
	default:
		conn, cerr := telemetry.NewGRPCConn(opts.metricsEndpoint)
		if cerr != nil {
			return nil, cerr
		}
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("create grpc metric exporter: %w", err)
		}
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

// metricsEndpoint resolves the collector endpoint from the standard OTLP
// environment variables, the metrics-specific one first.
func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == telemetry.ProtocolHTTP {
		return "localhost:4318"
	}
	return "localhost:4317"
}

func buildResource(ctx context.Context, opts *options) (*resource.Resource, error) {
	resourceOpts := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNamespace(opts.serviceNamespace),
			semconv.ServiceName(opts.serviceName),
			semconv.ServiceVersion(opts.serviceVersion),
		),
		// Env wins over code configuration, per the OTel spec.
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	}
	if len(opts.resourceAttributes) > 0 {
		resourceOpts = append(resourceOpts, resource.WithAttributes(opts.resourceAttributes...))
	}
	return resource.New(ctx, resourceOpts...)
}
