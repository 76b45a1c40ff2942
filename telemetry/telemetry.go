//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry carries the shared identity and transport helpers for
// the OTLP exporters in the trace and metric subpackages.
package telemetry

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Default resource identity reported by the exporters. Override per
// deployment with the subpackages' options or the standard OTEL_* env vars.
const (
	ServiceName      = "spice-go"
	ServiceNamespace = "spice"
	ServiceVersion   = "0.1.0"
)

// Supported OTLP transport protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// NewGRPCConn dials an insecure gRPC client connection to an OTLP
// collector endpoint of the form "host:port".
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial otlp collector %s: %w", endpoint, err)
	}
	return conn, nil
}
