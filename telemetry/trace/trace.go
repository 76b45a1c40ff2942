//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package trace wires the global OpenTelemetry tracer provider to an OTLP
// collector. Call Start once at process startup and defer the returned
// cleanup.
package trace

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/spice-framework/spice-go/telemetry"
)

// Tracer is the framework tracer. It is a no-op until Start succeeds.
var Tracer trace.Tracer = noop.NewTracerProvider().Tracer("spice-go")

type options struct {
	protocol           string
	tracesEndpoint     string
	tracesEndpointURL  string
	headers            map[string]string
	serviceName        string
	serviceNamespace   string
	serviceVersion     string
	resourceAttributes []attribute.KeyValue
}

// Option configures trace export.
type Option func(*options)

// WithProtocol selects the OTLP transport, "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(o *options) {
		o.protocol = protocol
	}
}

// WithEndpoint sets the collector endpoint as "host:port", no scheme or
// path. When unset, OTEL_EXPORTER_OTLP_TRACES_ENDPOINT and then
// OTEL_EXPORTER_OTLP_ENDPOINT are consulted before the local default.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.tracesEndpoint = endpoint
	}
}

// WithEndpointURL sets a full collector URL including path, as some
// hosted collectors require. It takes precedence over WithEndpoint.
func WithEndpointURL(u string) Option {
	return func(o *options) {
		o.tracesEndpointURL = u
	}
}

// WithHeaders attaches extra headers to every export request, typically
// authentication tokens.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		o.headers = headers
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

// WithResourceAttributes appends custom resource attributes. They win
// over identical keys from OTEL_RESOURCE_ATTRIBUTES.
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) {
		o.resourceAttributes = append(o.resourceAttributes, attrs...)
	}
}

// Start installs an OTLP-exporting tracer provider as the global provider
// and returns a cleanup that flushes and shuts it down.
func Start(ctx context.Context, opt ...Option) (clean func() error, err error) {
	opts := &options{
		protocol:         telemetry.ProtocolGRPC,
		serviceName:      telemetry.ServiceName,
		serviceNamespace: telemetry.ServiceNamespace,
		serviceVersion:   telemetry.ServiceVersion,
	}
	for _, o := range opt {
		o(opts)
	}

	res, err := buildResource(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	var exporter *otlptrace.Exporter
	switch opts.protocol {
	case telemetry.ProtocolHTTP:
		exporter, err = newHTTPExporter(ctx, opts)
	default:
		exporter, err = newGRPCExporter(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	Tracer = provider.Tracer("spice-go")

	return func() error {
		return provider.Shutdown(context.Background())
	}, nil
}

func newGRPCExporter(ctx context.Context, opts *options) (*otlptrace.Exporter, error) {
	endpoint := opts.tracesEndpoint
	if opts.tracesEndpointURL != "" {
		ep, _, err := parseEndpointURL(opts.tracesEndpointURL)
		if err != nil {
			return nil, err
		}
		endpoint = ep
	}
	if endpoint == "" {
		endpoint = tracesEndpoint(telemetry.ProtocolGRPC)
	}
	conn, err := telemetry.NewGRPCConn(endpoint)
	if err != nil {
		return nil, err
	}
	grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithGRPCConn(conn)}
	if len(opts.headers) > 0 {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(opts.headers))
	}
	exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc trace exporter: %w", err)
	}
	return exporter, nil
}

func newHTTPExporter(ctx context.Context, opts *options) (*otlptrace.Exporter, error) {
	httpOpts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	switch {
	case opts.tracesEndpointURL != "":
		endpoint, urlPath, err := parseEndpointURL(opts.tracesEndpointURL)
		if err != nil {
			return nil, err
		}
		httpOpts = append(httpOpts,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(urlPath))
	case opts.tracesEndpoint != "":
		httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.tracesEndpoint))
	default:
		httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(tracesEndpoint(telemetry.ProtocolHTTP)))
	}
	if len(opts.headers) > 0 {
		httpOpts = append(httpOpts, otlptracehttp.WithHeaders(opts.headers))
	}
	exporter, err := otlptracehttp.New(ctx, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("create http trace exporter: %w", err)
	}
	return exporter, nil
}

// tracesEndpoint resolves the collector endpoint from the standard OTLP
// environment variables, the traces-specific one first.
func tracesEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"); endpoint != "" {
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

// parseEndpointURL splits a collector URL into host:port and path. A bare
// host without scheme is accepted; a missing host is an error.
func parseEndpointURL(raw string) (endpoint, urlPath string, err error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("endpoint url %q has no host", raw)
	}
	urlPath = u.Path
	if urlPath == "" {
		urlPath = "/"
	}
	return u.Host, urlPath, nil
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
