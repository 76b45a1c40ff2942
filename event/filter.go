//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package event

// TypedEvent pairs a decoded payload with the envelope it arrived in.
// Subscribers receive typed events; the raw envelope stays available for
// metadata and correlation inspection.
type TypedEvent struct {
	Envelope *Envelope
	Payload  any
}

// Filter decides whether a subscriber receives an event. Filters are
// evaluated on the consumer side of every back-end.
type Filter func(ev *TypedEvent) bool

// All matches every event.
func All() Filter {
	return func(*TypedEvent) bool { return true }
}

// Predicate matches events satisfying an arbitrary predicate.
func Predicate(fn func(ev *TypedEvent) bool) Filter {
	return func(ev *TypedEvent) bool { return fn(ev) }
}

// MetadataEquals matches events whose custom metadata carries key=value.
func MetadataEquals(key, value string) Filter {
	return func(ev *TypedEvent) bool {
		if ev.Envelope == nil || ev.Envelope.Metadata.Custom == nil {
			return false
		}
		return ev.Envelope.Metadata.Custom[key] == value
	}
}

// UserID matches events published on behalf of the given user.
func UserID(id string) Filter {
	return func(ev *TypedEvent) bool {
		return ev.Envelope != nil && ev.Envelope.Metadata.UserID == id
	}
}

// TenantID matches events published on behalf of the given tenant.
func TenantID(id string) Filter {
	return func(ev *TypedEvent) bool {
		return ev.Envelope != nil && ev.Envelope.Metadata.TenantID == id
	}
}

// CorrelationID matches events belonging to the given correlation chain.
func CorrelationID(id string) Filter {
	return func(ev *TypedEvent) bool {
		return ev.Envelope != nil && ev.Envelope.CorrelationID == id
	}
}

// And matches events satisfying every given filter.
func And(filters ...Filter) Filter {
	return func(ev *TypedEvent) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}

// Or matches events satisfying at least one of the given filters.
func Or(filters ...Filter) Filter {
	return func(ev *TypedEvent) bool {
		for _, f := range filters {
			if f(ev) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter.
func Not(f Filter) Filter {
	return func(ev *TypedEvent) bool { return !f(ev) }
}
