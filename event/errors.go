//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package event

import "fmt"

// Decode error codes carried by dead-letter events.
const (
	// DecodeErrUnknownType marks an event type with no registration.
	DecodeErrUnknownType = "unknown_event_type"
	// DecodeErrVersionMismatch marks a major version beyond the registry's
	// tolerance with no migration registered.
	DecodeErrVersionMismatch = "schema_version_mismatch"
	// DecodeErrMalformedPayload marks payload bytes that do not unmarshal
	// into the registered type.
	DecodeErrMalformedPayload = "malformed_payload"
	// DecodeErrChecksumMismatch marks a payload whose BLAKE3 digest does not
	// match the envelope checksum.
	DecodeErrChecksumMismatch = "checksum_mismatch"
	// DecodeErrInvalidEnvelope marks an envelope violating its invariants.
	DecodeErrInvalidEnvelope = "invalid_envelope"
	// DecodeErrMigrationFailed marks a registered migration that returned
	// an error.
	DecodeErrMigrationFailed = "migration_failed"
)

// DecodeError reports why an envelope could not be decoded into a typed
// payload. Consumers route envelopes failing with a DecodeError to the
// dead-letter channel and advance their offset.
type DecodeError struct {
	Code          string
	EventType     string
	SchemaVersion string
	Err           error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s@%s: %s", e.EventType, e.SchemaVersion, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
