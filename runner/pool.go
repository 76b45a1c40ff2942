//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"context"

	"github.com/panjf2000/ants/v2"

	"github.com/spice-framework/spice-go/graph"
	"github.com/spice-framework/spice-go/message"
)

// RunResult is the outcome of one pooled run.
type RunResult struct {
	Message message.Message
	Err     error
}

// Pool executes many runs in parallel over a bounded worker set. Each run
// stays single-threaded; the pool only bounds how many are in flight.
type Pool struct {
	runner *Runner
	pool   *ants.Pool
}

// NewPool creates a pool with the given worker count.
func NewPool(r *Runner, size int) (*Pool, error) {
	p, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Pool{runner: r, pool: p}, nil
}

// Submit schedules one run. The returned channel delivers the run's outcome
// and is closed afterwards; it is buffered, so the result never blocks on an
// absent reader.
func (p *Pool) Submit(ctx context.Context, g *graph.Graph, msg message.Message, opts ...ExecOption) (<-chan RunResult, error) {
	out := make(chan RunResult, 1)
	err := p.pool.Submit(func() {
		defer close(out)
		final, err := p.runner.Execute(ctx, g, msg, opts...)
		out <- RunResult{Message: final, Err: err}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitResume schedules one resume from a checkpoint.
func (p *Pool) SubmitResume(ctx context.Context, checkpointID string, resp HumanResponse) (<-chan RunResult, error) {
	out := make(chan RunResult, 1)
	err := p.pool.Submit(func() {
		defer close(out)
		final, err := p.runner.Resume(ctx, checkpointID, resp)
		out <- RunResult{Message: final, Err: err}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Running reports the number of runs currently executing.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release stops the pool. Queued runs that have not started are dropped.
func (p *Pool) Release() {
	p.pool.Release()
}
