//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	// ErrAlreadyRegistered is returned when an event type is registered twice.
	ErrAlreadyRegistered = errors.New("event type already registered")
	// ErrNotRegistered is returned when an event type has no registration.
	ErrNotRegistered = errors.New("event type not registered")
)

// MigrationFunc rewrites payload bytes from one major schema version to
// another. Migrations run before the payload is unmarshaled.
type MigrationFunc func(payload []byte) ([]byte, error)

// Registration binds a fully-qualified event type name to its Go type and
// the schema version the process currently speaks.
type Registration struct {
	EventType     string
	SchemaVersion string
	// Prototype returns a pointer to a fresh zero value of the payload type.
	Prototype func() any
}

// Registry holds the per-event-type schema registrations the application
// populates at startup. Producers and consumers never see raw bytes: the
// bus serializes through Encode and deserializes through Decode.
//
// Version tolerance: a consumer accepts any minor or patch difference within
// the same major version; envelopes from a different major are rejected with
// a DecodeError unless an explicit migration is registered for that major
// pair. Unknown event types are a hard error.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]Registration
	migrations    map[string]MigrationFunc
	// decisions caches version resolution keyed by "eventType@schemaVersion".
	decisions map[string]versionDecision
}

type versionDecision struct {
	migrate MigrationFunc
	reject  string // decode error code, empty when accepted
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]Registration),
		migrations:    make(map[string]MigrationFunc),
		decisions:     make(map[string]versionDecision),
	}
}

// Register adds a registration for an event type. Registering the same type
// twice fails with ErrAlreadyRegistered.
func (r *Registry) Register(eventType, schemaVersion string, prototype func() any) error {
	if eventType == "" {
		return fmt.Errorf("register: empty event type")
	}
	if !semverPattern.MatchString(schemaVersion) {
		return fmt.Errorf("register %s: %w: schema version %q is not MAJOR.MINOR.PATCH",
			eventType, ErrInvalidEnvelope, schemaVersion)
	}
	if prototype == nil {
		return fmt.Errorf("register %s: nil prototype", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registrations[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, eventType)
	}
	r.registrations[eventType] = Registration{
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		Prototype:     prototype,
	}
	return nil
}

// RegisterMigration installs a payload rewrite applied to envelopes whose
// major version is fromMajor when the process speaks toMajor. The event type
// must already be registered.
func (r *Registry) RegisterMigration(eventType string, fromMajor, toMajor int, fn MigrationFunc) error {
	if fn == nil {
		return fmt.Errorf("register migration %s: nil migration", eventType)
	}
	if fromMajor == toMajor {
		return fmt.Errorf("register migration %s: from and to major are both %d", eventType, fromMajor)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registrations[eventType]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, eventType)
	}
	r.migrations[migrationKey(eventType, fromMajor, toMajor)] = fn
	// Invalidate cached decisions for this type.
	for key := range r.decisions {
		if len(key) > len(eventType) && key[:len(eventType)] == eventType && key[len(eventType)] == '@' {
			delete(r.decisions, key)
		}
	}
	return nil
}

// Registered reports whether the event type has a registration and returns
// the schema version the process speaks for it.
func (r *Registry) Registered(eventType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[eventType]
	return reg.SchemaVersion, ok
}

// Encode serializes a typed payload and returns the bytes together with the
// schema version registered for the event type.
func (r *Registry) Encode(eventType string, payload any) ([]byte, string, error) {
	r.mu.RLock()
	reg, ok := r.registrations[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotRegistered, eventType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", eventType, err)
	}
	return data, reg.SchemaVersion, nil
}

// Decode verifies and deserializes an envelope into its registered payload
// type. Failures are reported as *DecodeError so consumers can route the
// envelope to the dead-letter channel.
func (r *Registry) Decode(env *Envelope) (any, error) {
	if err := env.Validate(); err != nil {
		return nil, &DecodeError{
			Code:          DecodeErrInvalidEnvelope,
			EventType:     env.EventType,
			SchemaVersion: env.SchemaVersion,
			Err:           err,
		}
	}
	if !env.VerifyChecksum() {
		return nil, &DecodeError{
			Code:          DecodeErrChecksumMismatch,
			EventType:     env.EventType,
			SchemaVersion: env.SchemaVersion,
		}
	}

	r.mu.RLock()
	reg, ok := r.registrations[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{
			Code:          DecodeErrUnknownType,
			EventType:     env.EventType,
			SchemaVersion: env.SchemaVersion,
		}
	}

	decision, err := r.resolveVersion(env, reg)
	if err != nil {
		return nil, err
	}

	raw := []byte(env.Payload)
	if decision.migrate != nil {
		raw, err = decision.migrate(raw)
		if err != nil {
			return nil, &DecodeError{
				Code:          DecodeErrMigrationFailed,
				EventType:     env.EventType,
				SchemaVersion: env.SchemaVersion,
				Err:           err,
			}
		}
	}

	payload := reg.Prototype()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, &DecodeError{
			Code:          DecodeErrMalformedPayload,
			EventType:     env.EventType,
			SchemaVersion: env.SchemaVersion,
			Err:           err,
		}
	}
	return payload, nil
}

// resolveVersion decides whether the envelope's schema version is accepted
// directly, accepted through a migration, or rejected. Decisions are cached
// per "eventType@schemaVersion" key.
func (r *Registry) resolveVersion(env *Envelope, reg Registration) (versionDecision, error) {
	key := env.VersionKey()

	r.mu.RLock()
	decision, cached := r.decisions[key]
	r.mu.RUnlock()

	if !cached {
		decision = r.computeDecision(env.SchemaVersion, reg)
		r.mu.Lock()
		r.decisions[key] = decision
		r.mu.Unlock()
	}

	if decision.reject != "" {
		return versionDecision{}, &DecodeError{
			Code:          decision.reject,
			EventType:     env.EventType,
			SchemaVersion: env.SchemaVersion,
		}
	}
	return decision, nil
}

func (r *Registry) computeDecision(envVersion string, reg Registration) versionDecision {
	envMajor, err := MajorVersion(envVersion)
	if err != nil {
		return versionDecision{reject: DecodeErrInvalidEnvelope}
	}
	regMajor, err := MajorVersion(reg.SchemaVersion)
	if err != nil {
		return versionDecision{reject: DecodeErrInvalidEnvelope}
	}
	if envMajor == regMajor {
		return versionDecision{}
	}
	r.mu.RLock()
	migrate, ok := r.migrations[migrationKey(reg.EventType, envMajor, regMajor)]
	r.mu.RUnlock()
	if !ok {
		return versionDecision{reject: DecodeErrVersionMismatch}
	}
	return versionDecision{migrate: migrate}
}

func migrationKey(eventType string, fromMajor, toMajor int) string {
	return fmt.Sprintf("%s:%d->%d", eventType, fromMajor, toMajor)
}
