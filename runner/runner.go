//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package runner drives workflow graphs: it walks nodes through the
// middleware chain, honors per-node timeouts and retry policies, pauses on
// human-in-the-loop tool calls with a durable checkpoint, resumes paused
// runs (possibly in another process) and publishes lifecycle events onto
// the bus.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/spice-framework/spice-go/bus"
	businmemory "github.com/spice-framework/spice-go/bus/inmemory"
	"github.com/spice-framework/spice-go/checkpoint"
	ckptinmemory "github.com/spice-framework/spice-go/checkpoint/inmemory"
	"github.com/spice-framework/spice-go/event"
	"github.com/spice-framework/spice-go/graph"
	"github.com/spice-framework/spice-go/log"
	"github.com/spice-framework/spice-go/message"
)

// hitlToolName names the synthetic tool call minted for pause requests that
// do not carry their own.
const hitlToolName = "hitl"

// defaultCheckpointRetries bounds the at-least-once save of a pause-point
// checkpoint.
const defaultCheckpointRetries = 3

// Option configures a Runner.
type Option func(*options)

type options struct {
	store             checkpoint.Store
	bus               bus.Bus
	middleware        []graph.Middleware
	maxSubgraphDepth  int
	sizePolicy        graph.SizePolicy
	metadataWarnBytes int
	checkpointRetries uint64
}

// WithCheckpointStore sets the checkpoint store. The default is the
// in-memory store, owned and closed by the runner.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithBus sets the event bus. The default is the in-memory bus, owned and
// closed by the runner.
func WithBus(b bus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithMiddleware appends runner-wide middleware applied after each graph's
// own chain.
func WithMiddleware(middleware ...graph.Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, middleware...)
	}
}

// WithMaxSubgraphDepth bounds nested sub-graph runs. Zero keeps the graph
// package default.
func WithMaxSubgraphDepth(depth int) Option {
	return func(o *options) {
		o.maxSubgraphDepth = depth
	}
}

// WithMetadataSizePolicy sets what happens when node result metadata
// exceeds the warn threshold.
func WithMetadataSizePolicy(policy graph.SizePolicy) Option {
	return func(o *options) {
		o.sizePolicy = policy
	}
}

// WithMetadataWarnBytes overrides the result metadata size threshold.
func WithMetadataWarnBytes(n int) Option {
	return func(o *options) {
		o.metadataWarnBytes = n
	}
}

// WithCheckpointRetries overrides the number of retries of a failed
// pause-point checkpoint save.
func WithCheckpointRetries(n uint64) Option {
	return func(o *options) {
		o.checkpointRetries = n
	}
}

func newOptions(opt ...Option) options {
	opts := options{
		sizePolicy:        graph.SizePolicyWarn,
		metadataWarnBytes: graph.DefaultMetadataWarnBytes,
		checkpointRetries: defaultCheckpointRetries,
	}
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Runner executes workflow graphs. A runner is safe for concurrent use;
// each run is single-threaded, and Pool fans many runs across workers.
type Runner struct {
	opts       options
	ownedStore bool
	ownedBus   bool

	mu       sync.Mutex
	graphs   map[string]*graph.Graph
	verdicts map[string]error
	active   map[string]*graph.ExecContext

	closeOnce sync.Once
	closeErr  error
}

// New creates a runner.
func New(opts ...Option) (*Runner, error) {
	o := newOptions(opts...)
	r := &Runner{
		graphs:   make(map[string]*graph.Graph),
		verdicts: make(map[string]error),
		active:   make(map[string]*graph.ExecContext),
	}
	if o.store == nil {
		o.store = ckptinmemory.New()
		r.ownedStore = true
	}
	if o.bus == nil {
		b, err := businmemory.New()
		if err != nil {
			return nil, err
		}
		o.bus = b
		r.ownedBus = true
	}
	r.opts = o
	return r, nil
}

// Bus returns the event bus the runner publishes on.
func (r *Runner) Bus() bus.Bus {
	return r.opts.bus
}

// CheckpointStore returns the checkpoint store the runner persists to.
func (r *Runner) CheckpointStore() checkpoint.Store {
	return r.opts.store
}

// RegisterGraph validates the graph and registers it for resume lookups.
// Validation verdicts are cached per graph id. Graphs executed directly are
// registered automatically; cross-process resume requires registering the
// graph explicitly before calling Resume.
func (r *Runner) RegisterGraph(g *graph.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	verdict, seen := r.verdicts[g.ID()]
	if !seen {
		verdict = g.Validate()
		r.verdicts[g.ID()] = verdict
	}
	if verdict != nil {
		return verdict
	}
	r.graphs[g.ID()] = g
	return nil
}

func (r *Runner) graphByID(id string) *graph.Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graphs[id]
}

// ExecOption configures a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	runID    string
	userID   string
	tenantID string
	traceID  string
	spanID   string
}

// WithRunID sets an explicit run id instead of a generated one.
func WithRunID(id string) ExecOption {
	return func(o *execOptions) { o.runID = id }
}

// WithUserID tags the run with the acting user.
func WithUserID(id string) ExecOption {
	return func(o *execOptions) { o.userID = id }
}

// WithTenantID tags the run with the owning tenant.
func WithTenantID(id string) ExecOption {
	return func(o *execOptions) { o.tenantID = id }
}

// WithTraceIDs tags the run with an existing trace context.
func WithTraceIDs(traceID, spanID string) ExecOption {
	return func(o *execOptions) {
		o.traceID = traceID
		o.spanID = spanID
	}
}

// Execute runs the graph to a terminal state or a human-in-the-loop pause.
// The returned message is the final message of the run: Completed on
// success, WaitingHitl on pause, Cancelled after cooperative cancellation.
// Node failures return the failed message together with a *NodeError.
func (r *Runner) Execute(ctx context.Context, g *graph.Graph, msg message.Message, opts ...ExecOption) (message.Message, error) {
	var eo execOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if err := r.RegisterGraph(g); err != nil {
		return message.Message{}, err
	}

	runID := eo.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	exec := graph.NewExecContext(runID)
	exec.UserID = eo.userID
	exec.TenantID = eo.tenantID
	exec.TraceID = eo.traceID
	exec.SpanID = eo.spanID
	exec.MaxSubgraphDepth = r.opts.maxSubgraphDepth
	exec.Invoker = &invoker{r: r}
	return r.execute(ctx, g, msg, exec)
}

// execute is the shared entry for top-level and nested runs.
func (r *Runner) execute(ctx context.Context, g *graph.Graph, msg message.Message, exec *graph.ExecContext) (message.Message, error) {
	msg = msg.WithIdentity(exec.RunID, g.ID())
	if msg.State == message.StatePending {
		var err error
		msg, err = msg.Transition(message.StateRunning, "started", "")
		if err != nil {
			return message.Message{}, err
		}
	}

	// Input metadata seeds the run state.
	st := graph.State{}
	for k, v := range msg.Metadata {
		st[k] = v
	}

	r.trackRun(exec)
	defer r.untrackRun(exec.RunID)

	started := time.Now()
	r.publishGraph(ctx, event.EventTypeGraphStarted, exec, g, message.StateRunning.String(), "", started)

	return r.drive(ctx, g, exec, st, msg, []string{g.EntryPoint()}, started)
}

// drive walks the graph from the queued nodes until the run completes,
// fails, pauses or is cancelled. NextEdges overrides enqueue in order;
// guard selection yields one successor per step.
func (r *Runner) drive(ctx context.Context, g *graph.Graph, exec *graph.ExecContext, st graph.State, msg message.Message, queue []string, started time.Time) (message.Message, error) {
	handler := r.handler(g)
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		if exec.Cancelled() || ctx.Err() != nil {
			return r.finishCancelled(ctx, g, exec, st, msg, nodeID, started)
		}

		node, ok := g.Node(nodeID)
		if !ok {
			nerr := &NodeError{NodeID: nodeID, Err: fmt.Errorf("%w: override names unknown node %q", ErrNoApplicableEdge, nodeID)}
			return r.finishFailed(ctx, g, exec, msg, nerr, started)
		}

		nctx := &graph.NodeContext{
			GraphID: g.ID(),
			NodeID:  nodeID,
			State:   st.Clone(),
			Message: msg,
			Exec:    exec,
		}
		r.publishNode(ctx, event.EventTypeNodeStarted, exec, g, nodeID, event.NodePhaseStarted, "", nil, 0)
		stepStart := time.Now()

		result, err := r.invoke(ctx, node, nctx, handler)
		if err == nil {
			err = r.checkMetadataSize(g, nodeID, result)
		}
		if err != nil {
			nerr := &NodeError{NodeID: nodeID, Err: err}
			r.publishNode(ctx, event.EventTypeNodeFailed, exec, g, nodeID, event.NodePhaseFailed, err.Error(), nil, time.Since(stepStart))
			return r.finishFailed(ctx, g, exec, msg, nerr, started)
		}
		if result == nil {
			result = &graph.NodeResult{}
		}
		if result.Message != nil {
			msg = *result.Message
		}
		st = st.Merge(result.Data)

		if result.Pause != nil || len(msg.PendingHITLCalls()) > 0 {
			return r.pause(ctx, g, exec, st, msg, nodeID, result, started)
		}

		r.publishNode(ctx, event.EventTypeNodeCompleted, exec, g, nodeID, event.NodePhaseCompleted, "", result.Metadata, time.Since(stepStart))

		next, err := successors(g, nodeID, result)
		if err != nil {
			return r.finishFailed(ctx, g, exec, msg, &NodeError{NodeID: nodeID, Err: err}, started)
		}
		if len(next) == 0 {
			if isTerminal(node) {
				if len(queue) == 0 {
					return r.finishCompleted(ctx, g, exec, st, msg, nodeID, started)
				}
				continue
			}
			nerr := &NodeError{NodeID: nodeID, Err: ErrNoApplicableEdge}
			return r.finishFailed(ctx, g, exec, msg, nerr, started)
		}
		queue = append(queue, next...)
	}
	// Queue drained without reaching a terminal node.
	nerr := &NodeError{NodeID: g.EntryPoint(), Err: ErrNoApplicableEdge}
	return r.finishFailed(ctx, g, exec, msg, nerr, started)
}

// successors selects the nodes to run after a completed node. An explicit
// NextEdges override is taken literally in order; otherwise guards are
// evaluated in edge declaration order and the first accepting edge wins.
func successors(g *graph.Graph, nodeID string, result *graph.NodeResult) ([]string, error) {
	if len(result.NextEdges) > 0 {
		for _, id := range result.NextEdges {
			if _, ok := g.Node(id); !ok {
				return nil, fmt.Errorf("%w: override names unknown node %q", ErrNoApplicableEdge, id)
			}
		}
		return append([]string(nil), result.NextEdges...), nil
	}
	for _, e := range g.EdgesFrom(nodeID) {
		if e.Guard == nil || e.Guard(result) {
			return []string{e.To}, nil
		}
	}
	return nil, nil
}

func isTerminal(node graph.Node) bool {
	t, ok := node.(graph.Terminal)
	return ok && t.Terminal()
}

// invoke runs one node through the middleware chain, honoring its timeout
// and retry policy.
func (r *Runner) invoke(ctx context.Context, node graph.Node, nctx *graph.NodeContext, handler graph.Handler) (*graph.NodeResult, error) {
	var cfg graph.NodeConfig
	if c, ok := node.(graph.Configurable); ok {
		cfg = c.Config()
	}

	attempt := func() (*graph.NodeResult, error) {
		runCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		res, err := handler(runCtx, nctx)
		if err != nil && cfg.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: after %s", ErrNodeTimeout, cfg.Timeout)
		}
		return res, err
	}

	var result *graph.NodeResult
	op := func() error {
		var err error
		result, err = attempt()
		return err
	}
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if cfg.MaxRetries > 0 {
		exp := backoff.NewExponentialBackOff()
		if cfg.RetryInterval > 0 {
			exp.InitialInterval = cfg.RetryInterval
		}
		bo = backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries))
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// handler builds the middleware-wrapped node handler for a graph: the
// graph's own chain first, then runner-wide middleware, with the node
// dispatch innermost.
func (r *Runner) handler(g *graph.Graph) graph.Handler {
	dispatch := func(ctx context.Context, nctx *graph.NodeContext) (*graph.NodeResult, error) {
		if nctx.Exec != nil && nctx.Exec.Cancelled() {
			return nil, context.Canceled
		}
		node, ok := g.Node(nctx.NodeID)
		if !ok {
			return nil, fmt.Errorf("unknown node %q", nctx.NodeID)
		}
		return node.Run(ctx, nctx)
	}
	middleware := append(g.Middleware(), r.opts.middleware...)
	return graph.Chain(dispatch, middleware...)
}

func (r *Runner) checkMetadataSize(g *graph.Graph, nodeID string, result *graph.NodeResult) error {
	if result == nil || r.opts.sizePolicy == graph.SizePolicyIgnore {
		return nil
	}
	size := result.MetadataSize()
	if size <= r.opts.metadataWarnBytes {
		return nil
	}
	if r.opts.sizePolicy == graph.SizePolicyFail {
		return fmt.Errorf("result metadata is %d bytes, over the %d byte limit", size, r.opts.metadataWarnBytes)
	}
	log.Warnf("node %s on graph %s produced %d bytes of result metadata (threshold %d)",
		nodeID, g.ID(), size, r.opts.metadataWarnBytes)
	return nil
}

// pause parks the run: mint the stable tool-call id, transition to
// WaitingHitl, persist the checkpoint with retries, and emit the tool-call
// and pause events.
func (r *Runner) pause(ctx context.Context, g *graph.Graph, exec *graph.ExecContext, st graph.State, msg message.Message, nodeID string, result *graph.NodeResult, started time.Time) (message.Message, error) {
	pr := result.Pause
	var tc message.ToolCall
	switch {
	case pr != nil:
		id := pr.ToolCallID
		if id == "" {
			id = message.HITLToolCallID(exec.RunID, nodeID, exec.HITLInvocationIndex(nodeID))
		}
		tc = message.ToolCall{ID: id, Name: hitlToolName, Arguments: pr.Metadata, HITL: pr.Kind}
		// The pause call joins any tool calls the node already attached.
		msg = msg.WithToolCalls(append(append([]message.ToolCall(nil), msg.ToolCalls...), tc)...)
	default:
		// The node returned a message already carrying HITL tool calls.
		tc = msg.PendingHITLCalls()[0]
		if tc.ID == "" {
			tc.ID = message.HITLToolCallID(exec.RunID, nodeID, exec.HITLInvocationIndex(nodeID))
			calls := append([]message.ToolCall(nil), msg.ToolCalls...)
			for i := range calls {
				if calls[i].IsHITL() && calls[i].ID == "" {
					calls[i] = tc
					break
				}
			}
			msg = msg.WithToolCalls(calls...)
		}
	}

	paused, err := msg.Transition(message.StateWaitingHitl, "awaiting human response", nodeID)
	if err != nil {
		return message.Message{}, &NodeError{NodeID: nodeID, Err: err}
	}

	cp := checkpoint.New(exec.RunID, g.ID(), nodeID, paused, r.savedContext(exec, st))
	if err := r.saveCheckpoint(ctx, cp); err != nil {
		return paused, fmt.Errorf("%w: checkpoint %s: %v", ErrCheckpointWriteFailed, cp.ID, err)
	}

	tce := &event.ToolCallEvent{
		ToolCallID:   tc.ID,
		RunID:        exec.RunID,
		GraphID:      g.ID(),
		NodeID:       nodeID,
		Name:         tc.Name,
		Kind:         tc.HITL.String(),
		Arguments:    tc.Arguments,
		CheckpointID: cp.ID,
		Timestamp:    time.Now().UTC(),
	}
	if pr != nil {
		tce.Prompt = pr.Prompt
		tce.Options = pr.Options
	}
	r.publishToolCall(ctx, event.EventTypeToolCallEmitted, exec, tce, tc.ID)
	r.publishGraph(ctx, event.EventTypeGraphPaused, exec, g, paused.State.String(), "awaiting human response", started)
	return paused, nil
}

// HumanResponse is the answer re-injected into a paused run.
type HumanResponse struct {
	// Value is the canonical answer: the selected option, "approve" /
	// "reject" for confirmations, or free text.
	Value string
	// Metadata is merged into the run state alongside the value.
	Metadata map[string]any
}

// Resume continues a paused run from its checkpoint. The checkpoint is
// retained so concurrent pause points of the same run coexist; it is marked
// consumed once the run reaches a terminal state, after which further
// resumes fail with ErrAlreadyResumed.
func (r *Runner) Resume(ctx context.Context, checkpointID string, resp HumanResponse) (message.Message, error) {
	cp, err := r.opts.store.Load(ctx, checkpointID)
	if err != nil {
		return message.Message{}, fmt.Errorf("load checkpoint %s: %w", checkpointID, err)
	}
	if cp.Consumed || cp.Message.State.IsTerminal() {
		return message.Message{}, fmt.Errorf("%w: checkpoint %s", ErrAlreadyResumed, checkpointID)
	}
	g := r.graphByID(cp.GraphID)
	if g == nil {
		return message.Message{}, fmt.Errorf("%w: %s", ErrGraphNotRegistered, cp.GraphID)
	}
	node, ok := g.Node(cp.NodeID)
	if !ok {
		return message.Message{}, fmt.Errorf("checkpoint %s references unknown node %q", checkpointID, cp.NodeID)
	}

	exec := graph.NewExecContext(cp.RunID)
	exec.UserID = cp.Context.UserID
	exec.TenantID = cp.Context.TenantID
	exec.TraceID = cp.Context.TraceID
	exec.SpanID = cp.Context.SpanID
	exec.SubgraphDepth = cp.Context.SubgraphDepth
	exec.MaxSubgraphDepth = r.opts.maxSubgraphDepth
	exec.Invoker = &invoker{r: r}
	exec.RestoreInvocationIndices(cp.Context.InvocationIndices)

	msg := cp.Message
	var tc message.ToolCall
	if calls := msg.PendingHITLCalls(); len(calls) > 0 {
		tc = calls[0]
	}

	st := graph.State(cp.Context.State).Clone()
	for k, v := range resp.Metadata {
		st[k] = v
	}
	st[graph.StateKeyHumanResponse] = resp.Value

	// The paused invocation is now fulfilled; re-entering the node pauses
	// under a fresh invocation index.
	exec.CompleteHITLInvocation(cp.NodeID)

	msg = msg.ClearToolCalls()
	msg, err = msg.Transition(message.StateRunning, "resumed", cp.NodeID)
	if err != nil {
		return message.Message{}, fmt.Errorf("%w: checkpoint %s: %v", ErrAlreadyResumed, checkpointID, err)
	}

	r.trackRun(exec)
	defer r.untrackRun(exec.RunID)

	started := time.Now()
	r.publishToolCall(ctx, event.EventTypeToolCallCompleted, exec, &event.ToolCallEvent{
		ToolCallID:   tc.ID,
		RunID:        exec.RunID,
		GraphID:      g.ID(),
		NodeID:       cp.NodeID,
		Name:         tc.Name,
		Kind:         tc.HITL.String(),
		CheckpointID: cp.ID,
		Response:     map[string]any{"value": resp.Value},
		Timestamp:    time.Now().UTC(),
	}, tc.ID)
	r.publishGraph(ctx, event.EventTypeGraphResumed, exec, g, msg.State.String(), "resumed", started)
	// The human answer completes the paused node, pairing the NodeStarted
	// emitted before the pause.
	r.publishNode(ctx, event.EventTypeNodeCompleted, exec, g, cp.NodeID, event.NodePhaseCompleted, "", resp.Metadata, 0)

	synth := &graph.NodeResult{
		Data:     graph.State{graph.StateKeyHumanResponse: resp.Value},
		Metadata: resp.Metadata,
	}
	final, err := r.continueFrom(ctx, g, exec, st, msg, node, synth, started)
	if final.State.IsTerminal() {
		cp.Consumed = true
		if serr := r.opts.store.Save(ctx, cp); serr != nil {
			log.Warnf("mark checkpoint %s consumed: %v", cp.ID, serr)
		}
	}
	return final, err
}

// continueFrom resumes traversal after the paused node, treating the
// synthesized response result as the node's completion.
func (r *Runner) continueFrom(ctx context.Context, g *graph.Graph, exec *graph.ExecContext, st graph.State, msg message.Message, node graph.Node, result *graph.NodeResult, started time.Time) (message.Message, error) {
	next, err := successors(g, node.ID(), result)
	if err != nil {
		return r.finishFailed(ctx, g, exec, msg, &NodeError{NodeID: node.ID(), Err: err}, started)
	}
	if len(next) == 0 {
		if isTerminal(node) {
			return r.finishCompleted(ctx, g, exec, st, msg, node.ID(), started)
		}
		nerr := &NodeError{NodeID: node.ID(), Err: ErrNoApplicableEdge}
		return r.finishFailed(ctx, g, exec, msg, nerr, started)
	}
	return r.drive(ctx, g, exec, st, msg, next, started)
}

// Cancel flags an active run for cooperative cancellation. It reports
// whether the run was found.
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.active[runID]
	if ok {
		exec.Cancel()
	}
	return ok
}

// ActiveRuns returns the ids of runs currently executing on this runner.
func (r *Runner) ActiveRuns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) trackRun(exec *graph.ExecContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[exec.RunID] = exec
}

func (r *Runner) untrackRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, runID)
}

func (r *Runner) finishCompleted(ctx context.Context, g *graph.Graph, exec *graph.ExecContext, st graph.State, msg message.Message, nodeID string, started time.Time) (message.Message, error) {
	if out, ok := st[graph.StateKeyOutput]; ok {
		if raw, err := json.Marshal(out); err == nil {
			msg = msg.WithContent(string(raw))
		}
	}
	final, err := msg.Transition(message.StateCompleted, "completed", nodeID)
	if err != nil {
		return msg, err
	}
	r.publishGraph(ctx, event.EventTypeGraphCompleted, exec, g, final.State.String(), "", started)
	return final, nil
}

func (r *Runner) finishFailed(ctx context.Context, g *graph.Graph, exec *graph.ExecContext, msg message.Message, nerr *NodeError, started time.Time) (message.Message, error) {
	final, terr := msg.Transition(message.StateFailed, nerr.Error(), nerr.NodeID)
	if terr != nil {
		final = msg
	}
	r.publishGraph(ctx, event.EventTypeGraphFailed, exec, g, message.StateFailed.String(), nerr.Error(), started)
	return final, nerr
}

func (r *Runner) finishCancelled(ctx context.Context, g *graph.Graph, exec *graph.ExecContext, st graph.State, msg message.Message, nodeID string, started time.Time) (message.Message, error) {
	final, terr := msg.Transition(message.StateCancelled, "cancelled", nodeID)
	if terr != nil {
		final = msg
	}
	cp := checkpoint.New(exec.RunID, g.ID(), nodeID, final, r.savedContext(exec, st))
	if err := r.saveCheckpoint(ctx, cp); err != nil {
		log.Warnf("save cancellation checkpoint for run %s: %v", exec.RunID, err)
	}
	r.publishGraph(ctx, event.EventTypeGraphCancelled, exec, g, final.State.String(), "cancelled", started)
	return final, nil
}

func (r *Runner) savedContext(exec *graph.ExecContext, st graph.State) checkpoint.Context {
	return checkpoint.Context{
		State:             map[string]any(st.Clone()),
		UserID:            exec.UserID,
		TenantID:          exec.TenantID,
		TraceID:           exec.TraceID,
		SpanID:            exec.SpanID,
		SubgraphDepth:     exec.SubgraphDepth,
		InvocationIndices: exec.InvocationIndices(),
	}
}

// saveCheckpoint persists a checkpoint with at-least-once retry semantics.
func (r *Runner) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	op := func() error {
		err := r.opts.store.Save(ctx, cp)
		if errors.Is(err, checkpoint.ErrConcurrencyConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.opts.checkpointRetries), ctx))
}

func (r *Runner) publishGraph(ctx context.Context, eventType string, exec *graph.ExecContext, g *graph.Graph, state, reason string, started time.Time) {
	payload := &event.GraphLifecycle{
		RunID:      exec.RunID,
		GraphID:    g.ID(),
		State:      state,
		Reason:     reason,
		NodeCount:  g.NodeCount(),
		DurationMS: time.Since(started).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	r.publish(ctx, bus.ChannelGraphLifecycle, eventType, payload, exec, "")
}

func (r *Runner) publishNode(ctx context.Context, eventType string, exec *graph.ExecContext, g *graph.Graph, nodeID, phase, errMsg string, metadata map[string]any, duration time.Duration) {
	payload := &event.NodeLifecycle{
		RunID:      exec.RunID,
		GraphID:    g.ID(),
		NodeID:     nodeID,
		Phase:      phase,
		Error:      errMsg,
		Metadata:   metadata,
		DurationMS: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	r.publish(ctx, bus.ChannelNodeLifecycle, eventType, payload, exec, "")
}

func (r *Runner) publishToolCall(ctx context.Context, eventType string, exec *graph.ExecContext, payload *event.ToolCallEvent, partitionKey string) {
	r.publish(ctx, bus.ChannelToolCalls, eventType, payload, exec, partitionKey)
}

// publish emits one event with the run identity in the envelope metadata.
// Bus failures are logged, never fatal to the run.
func (r *Runner) publish(ctx context.Context, channel, eventType string, payload any, exec *graph.ExecContext, partitionKey string) {
	opts := []bus.PublishOption{
		bus.WithMetadata(event.Metadata{
			Source:   "spice.runner",
			UserID:   exec.UserID,
			TenantID: exec.TenantID,
			TraceID:  exec.TraceID,
			SpanID:   exec.SpanID,
		}),
		bus.WithCorrelationID(exec.RunID),
	}
	if partitionKey != "" {
		opts = append(opts, bus.WithPartitionKey(partitionKey))
	}
	if _, err := r.opts.bus.Publish(ctx, channel, eventType, payload, opts...); err != nil {
		log.Warnf("publish %s on %s for run %s: %v", eventType, channel, exec.RunID, err)
	}
}

// invoker runs nested graphs for sub-graph nodes on the same runner.
type invoker struct {
	r *Runner
}

// Invoke implements graph.Invoker.
func (i *invoker) Invoke(ctx context.Context, g *graph.Graph, msg message.Message, exec *graph.ExecContext) (message.Message, error) {
	if err := i.r.RegisterGraph(g); err != nil {
		return message.Message{}, err
	}
	return i.r.execute(ctx, g, msg, exec)
}

// Close releases resources the runner created itself. Stores and buses
// supplied by the caller stay open. Safe to call more than once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		if r.ownedBus {
			if err := r.opts.bus.Close(); err != nil {
				r.closeErr = err
			}
		}
		if r.ownedStore {
			if err := r.opts.store.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
	})
	return r.closeErr
}
