//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package hitl coordinates human-in-the-loop requests between paused runs
// and the systems that collect human answers. The coordinator listens for
// emitted tool calls, republishes them as enriched requests for delivery
// channels (chat, email, review UIs), and routes submitted answers back
// into the paused run through its checkpoint.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spice-framework/spice-go/bus"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/log"
	"github.com/spice-framework/spice-go/message"
	"github.com/spice-framework/spice-go/runner"
)

var (
	// ErrUnknownToolCall is returned when a response names a tool call the
	// coordinator is not tracking.
	ErrUnknownToolCall = errors.New("hitl: unknown tool call")
	// ErrInvalidResponse is returned when a response fails validation
	// against the request that solicited it.
	ErrInvalidResponse = errors.New("hitl: invalid response")
)

// Resumer continues a paused run from a checkpoint. *runner.Runner
// satisfies it.
type Resumer interface {
	Resume(ctx context.Context, checkpointID string, resp runner.HumanResponse) (message.Message, error)
}

// Validator checks a submitted response against the request it answers.
type Validator func(req *event.HitlRequest, resp runner.HumanResponse) error

// StrictValidator rejects answers outside the request's declared shape: a
// selection must be one of the offered options and a confirmation must be
// approve or reject. Text requests only require a non-empty value.
func StrictValidator() Validator {
	return func(req *event.HitlRequest, resp runner.HumanResponse) error {
		if resp.Value == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidResponse)
		}
		switch message.HITLKind(req.Kind) {
		case message.HITLSelection:
			for _, opt := range req.Options {
				if resp.Value == opt {
					return nil
				}
			}
			return fmt.Errorf("%w: %q is not one of the offered options", ErrInvalidResponse, resp.Value)
		case message.HITLConfirmation:
			if resp.Value != "approve" && resp.Value != "reject" {
				return fmt.Errorf("%w: confirmation expects approve or reject, got %q", ErrInvalidResponse, resp.Value)
			}
		}
		return nil
	}
}

// LenientValidator accepts any answer, including free text for selection
// requests. Use it when the delivery channel already constrains input.
func LenientValidator() Validator {
	return func(*event.HitlRequest, runner.HumanResponse) error { return nil }
}

type options struct {
	validator Validator
}

// Option configures a coordinator.
type Option func(*options)

// WithValidator overrides the response validator. The default is strict.
func WithValidator(v Validator) Option {
	return func(o *options) {
		o.validator = v
	}
}

// Coordinator bridges the tool-call channel and human answer submission.
// Start it once; SubmitResponse is safe for concurrent use.
type Coordinator struct {
	bus       bus.Bus
	resumer   Resumer
	validator Validator

	mu      sync.Mutex
	pending map[string]*event.HitlRequest

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a coordinator over the given bus and resumer.
func New(b bus.Bus, r Resumer, opt ...Option) *Coordinator {
	opts := options{validator: StrictValidator()}
	for _, o := range opt {
		o(&opts)
	}
	return &Coordinator{
		bus:       b,
		resumer:   r,
		validator: opts.validator,
		pending:   make(map[string]*event.HitlRequest),
	}
}

// Start subscribes to the tool-call channel and relays emitted calls as
// enriched requests until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("hitl: coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	events, err := c.bus.Subscribe(ctx, bus.ChannelToolCalls, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", bus.ChannelToolCalls, err)
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, events)
	return nil
}

// Stop ends the relay loop and waits for it to drain.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Coordinator) loop(ctx context.Context, events <-chan *event.TypedEvent) {
	defer close(c.done)
	for ev := range events {
		tce, ok := ev.Payload.(*event.ToolCallEvent)
		if !ok {
			continue
		}
		switch ev.Envelope.EventType {
		case event.EventTypeToolCallEmitted:
			c.track(ctx, ev.Envelope, tce)
		case event.EventTypeToolCallCompleted:
			c.untrack(tce.ToolCallID)
		}
	}
}

func (c *Coordinator) track(ctx context.Context, env *event.Envelope, tce *event.ToolCallEvent) {
	req := &event.HitlRequest{
		ToolCallID:   tce.ToolCallID,
		RunID:        tce.RunID,
		GraphID:      tce.GraphID,
		NodeID:       tce.NodeID,
		Prompt:       tce.Prompt,
		Kind:         tce.Kind,
		Options:      tce.Options,
		CheckpointID: tce.CheckpointID,
		Metadata:     tce.Arguments,
		Timestamp:    time.Now().UTC(),
	}

	c.mu.Lock()
	c.pending[req.ToolCallID] = req
	c.mu.Unlock()

	_, err := c.bus.Publish(ctx, bus.ChannelHitlRequests, event.EventTypeHitlRequest, req,
		bus.WithCorrelationID(env.CorrelationID),
		bus.WithCausationID(env.EventID),
		bus.WithMetadata(env.Metadata),
		bus.WithPartitionKey(req.ToolCallID))
	if err != nil {
		log.Warnf("publish hitl request for tool call %s: %v", req.ToolCallID, err)
	}
}

func (c *Coordinator) untrack(toolCallID string) {
	c.mu.Lock()
	delete(c.pending, toolCallID)
	c.mu.Unlock()
}

// PendingRequests returns the requests awaiting a human answer.
func (c *Coordinator) PendingRequests() []*event.HitlRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqs := make([]*event.HitlRequest, 0, len(c.pending))
	for _, req := range c.pending {
		reqs = append(reqs, req)
	}
	return reqs
}

// Request returns the pending request for a tool call, if any.
func (c *Coordinator) Request(toolCallID string) (*event.HitlRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[toolCallID]
	return req, ok
}

// SubmitResponse validates a human answer and resumes the paused run
// behind the tool call. The request stays tracked if the resume fails, so
// the answer can be retried.
func (c *Coordinator) SubmitResponse(ctx context.Context, toolCallID string, resp runner.HumanResponse) (message.Message, error) {
	c.mu.Lock()
	req, ok := c.pending[toolCallID]
	c.mu.Unlock()
	if !ok {
		return message.Message{}, fmt.Errorf("%w: %s", ErrUnknownToolCall, toolCallID)
	}
	if err := c.validator(req, resp); err != nil {
		return message.Message{}, err
	}

	final, err := c.resumer.Resume(ctx, req.CheckpointID, resp)
	if err != nil {
		return final, fmt.Errorf("resume checkpoint %s: %w", req.CheckpointID, err)
	}
	c.untrack(toolCallID)
	return final, nil
}
