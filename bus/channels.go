//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package bus

import (
	"fmt"
	"sync"

	"github.com/spice-framework/spice-go/event"
)

// ChannelSet tracks declared channels and their history rings. All three
// back-ends embed one so channel declaration and history behave uniformly;
// a single mutex guards both, keeping the hot path to one lock acquisition.
type ChannelSet struct {
	mu        sync.Mutex
	configs   map[string]ChannelConfig
	histories map[string]*historyRing
}

// NewChannelSet creates a channel set with the given declarations.
func NewChannelSet(cfgs ...ChannelConfig) *ChannelSet {
	cs := &ChannelSet{
		configs:   make(map[string]ChannelConfig),
		histories: make(map[string]*historyRing),
	}
	for _, cfg := range cfgs {
		cs.declare(cfg)
	}
	return cs
}

// Declare adds a channel. Redeclaring an existing name is an error.
func (cs *ChannelSet) Declare(cfg ChannelConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("declare channel: empty name")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.configs[cfg.Name]; ok {
		return fmt.Errorf("declare channel: %s already declared", cfg.Name)
	}
	cs.declare(cfg)
	return nil
}

func (cs *ChannelSet) declare(cfg ChannelConfig) {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	cs.configs[cfg.Name] = cfg
	if cfg.History {
		cs.histories[cfg.Name] = newHistoryRing(cfg.HistoryCapacity)
	}
}

// Config returns the declaration of a channel.
func (cs *ChannelSet) Config(channel string) (ChannelConfig, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cfg, ok := cs.configs[channel]
	return cfg, ok
}

// Known reports whether the channel is declared.
func (cs *ChannelSet) Known(channel string) bool {
	_, ok := cs.Config(channel)
	return ok
}

// Names returns every declared channel name.
func (cs *ChannelSet) Names() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	names := make([]string, 0, len(cs.configs))
	for name := range cs.configs {
		names = append(names, name)
	}
	return names
}

// AppendHistory records a successfully published envelope. Channels
// declared without history ignore the call.
func (cs *ChannelSet) AppendHistory(env *event.Envelope) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ring, ok := cs.histories[env.ChannelName]; ok {
		ring.append(env.Clone())
	}
}

// History returns up to limit most-recent envelopes, newest first. A
// non-positive limit returns everything retained.
func (cs *ChannelSet) History(channel string, limit int) []*event.Envelope {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ring, ok := cs.histories[channel]
	if !ok {
		return nil
	}
	return ring.snapshot(limit)
}

// ClearHistory empties the channel's ring.
func (cs *ChannelSet) ClearHistory(channel string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ring, ok := cs.histories[channel]; ok {
		ring.clear()
	}
}

// historyRing is a fixed-capacity ring of envelopes. Callers hold the
// ChannelSet mutex.
type historyRing struct {
	entries []*event.Envelope
	next    int
	full    bool
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{entries: make([]*event.Envelope, capacity)}
}

func (r *historyRing) append(env *event.Envelope) {
	r.entries[r.next] = env
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *historyRing) size() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// snapshot returns up to limit entries, newest first.
func (r *historyRing) snapshot(limit int) []*event.Envelope {
	size := r.size()
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]*event.Envelope, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

func (r *historyRing) clear() {
	for i := range r.entries {
		r.entries[i] = nil
	}
	r.next = 0
	r.full = false
}
