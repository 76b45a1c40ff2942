//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package event defines the versioned envelope that crosses the event bus,
// the schema registry that encodes and decodes typed payloads, and the
// filter algebra used by subscribers.
package event

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// semverPattern validates the MAJOR.MINOR.PATCH discipline of schema versions.
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ErrInvalidEnvelope is returned when an envelope violates its invariants.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Metadata is the canonical transport for authentication, tracing and graph
// context across process boundaries.
type Metadata struct {
	Source   string            `json:"source,omitempty"`
	UserID   string            `json:"userId,omitempty"`
	TenantID string            `json:"tenantId,omitempty"`
	TraceID  string            `json:"traceId,omitempty"`
	SpanID   string            `json:"spanId,omitempty"`
	Priority int               `json:"priority,omitempty"`
	TTL      time.Duration     `json:"ttl,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Custom != nil {
		out.Custom = make(map[string]string, len(m.Custom))
		for k, v := range m.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// Envelope is the only cross-process wire format of the bus. Every published
// event travels as an envelope; payload bytes are opaque to the transport
// and are named by EventType plus SchemaVersion.
type Envelope struct {
	EventID       string          `json:"eventId"`
	ChannelName   string          `json:"channelName"`
	EventType     string          `json:"eventType"`
	SchemaVersion string          `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Checksum      string          `json:"checksum,omitempty"`
	Metadata      Metadata        `json:"metadata"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
}

// NewEnvelope assembles an envelope around already-serialized payload bytes.
// It assigns a ULID event id, the current timestamp and a BLAKE3 payload
// checksum.
func NewEnvelope(channel, eventType, schemaVersion string, payload []byte, md Metadata) *Envelope {
	return &Envelope{
		EventID:       ulid.Make().String(),
		ChannelName:   channel,
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		Payload:       payload,
		Checksum:      PayloadChecksum(payload),
		Metadata:      md,
		Timestamp:     time.Now().UTC(),
	}
}

// PayloadChecksum returns the hex-encoded BLAKE3 digest of the payload.
func PayloadChecksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Validate checks the envelope invariants: non-empty channel and event type,
// and a schema version matching MAJOR.MINOR.PATCH.
func (e *Envelope) Validate() error {
	if e.ChannelName == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidEnvelope)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: empty event type", ErrInvalidEnvelope)
	}
	if !semverPattern.MatchString(e.SchemaVersion) {
		return fmt.Errorf("%w: schema version %q is not MAJOR.MINOR.PATCH", ErrInvalidEnvelope, e.SchemaVersion)
	}
	return nil
}

// VerifyChecksum reports whether the recorded checksum matches the payload.
// Envelopes without a checksum pass (older producers did not set one).
func (e *Envelope) VerifyChecksum() bool {
	if e.Checksum == "" {
		return true
	}
	return e.Checksum == PayloadChecksum(e.Payload)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	if e.Payload != nil {
		out.Payload = make(json.RawMessage, len(e.Payload))
		copy(out.Payload, e.Payload)
	}
	out.Metadata = e.Metadata.Clone()
	return &out
}

// VersionKey returns the registry cache key for this envelope,
// "eventType@schemaVersion".
func (e *Envelope) VersionKey() string {
	return e.EventType + "@" + e.SchemaVersion
}

// MajorVersion extracts the major component of a MAJOR.MINOR.PATCH version.
func MajorVersion(version string) (int, error) {
	if !semverPattern.MatchString(version) {
		return 0, fmt.Errorf("%w: schema version %q is not MAJOR.MINOR.PATCH", ErrInvalidEnvelope, version)
	}
	major, err := strconv.Atoi(version[:strings.IndexByte(version, '.')])
	if err != nil {
		return 0, fmt.Errorf("%w: schema version %q: %v", ErrInvalidEnvelope, version, err)
	}
	return major, nil
}
