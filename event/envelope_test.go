//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	payload := []byte(`{"runId":"r1"}`)
	env := NewEnvelope("spice.node.lifecycle", EventTypeNodeCompleted, SchemaVersionV1, payload, Metadata{
		Source: "runner",
		UserID: "u1",
	})

	require.NoError(t, env.Validate())
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "spice.node.lifecycle", env.ChannelName)
	assert.Equal(t, EventTypeNodeCompleted, env.EventType)
	assert.Equal(t, SchemaVersionV1, env.SchemaVersion)
	assert.False(t, env.Timestamp.IsZero())
	assert.True(t, env.VerifyChecksum())
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid",
			env:  Envelope{ChannelName: "c", EventType: "t", SchemaVersion: "1.2.3"},
		},
		{
			name:    "empty channel",
			env:     Envelope{EventType: "t", SchemaVersion: "1.0.0"},
			wantErr: true,
		},
		{
			name:    "empty event type",
			env:     Envelope{ChannelName: "c", SchemaVersion: "1.0.0"},
			wantErr: true,
		},
		{
			name:    "bad version",
			env:     Envelope{ChannelName: "c", EventType: "t", SchemaVersion: "1.0"},
			wantErr: true,
		},
		{
			name:    "version with suffix",
			env:     Envelope{ChannelName: "c", EventType: "t", SchemaVersion: "1.0.0-beta"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyChecksum(t *testing.T) {
	payload := []byte(`{"a":1}`)
	env := NewEnvelope("c", "t", "1.0.0", payload, Metadata{})
	assert.True(t, env.VerifyChecksum())

	env.Payload = []byte(`{"a":2}`)
	assert.False(t, env.VerifyChecksum())

	// Envelopes without a checksum pass.
	env.Checksum = ""
	assert.True(t, env.VerifyChecksum())
}

func TestMajorVersion(t *testing.T) {
	major, err := MajorVersion("2.14.3")
	require.NoError(t, err)
	assert.Equal(t, 2, major)

	_, err = MajorVersion("2.14")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestEnvelopeClone(t *testing.T) {
	env := NewEnvelope("c", "t", "1.0.0", []byte(`{"a":1}`), Metadata{
		Custom: map[string]string{"k": "v"},
	})
	cp := env.Clone()
	cp.Payload[0] = 'X'
	cp.Metadata.Custom["k"] = "changed"

	assert.Equal(t, byte('{'), env.Payload[0])
	assert.Equal(t, "v", env.Metadata.Custom["k"])
}
