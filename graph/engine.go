// Package graph executes durable, checkpointed workflow graphs.
//
// A graph is a set of nodes over a typed state schema. Execution proceeds
// in supersteps: every node of the frontier runs against the same frozen
// snapshot, their deltas are merged in ascending node-id order, outgoing
// edges produce the next frontier and a checkpoint is saved. Human nodes
// are never executed; the engine halts before them and a driver resumes
// the thread with input, possibly from another process.
package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dshills/durable-graph/graph/emit"
	"github.com/dshills/durable-graph/graph/store"
)

// Engine runs threads of one compiled graph against a checkpoint store.
// It is safe for concurrent use across threads; concurrent calls on the
// same thread are rejected.
//
// Every superstep is checkpointed before control returns, so a thread
// paused at a human node can be resumed by a different Engine, even in
// another process, as long as it uses the same graph and store.
//
// Example:
//
//	schema := graph.MustSchema(
//		graph.Field{Name: "draft", Policy: graph.Replace},
//		graph.Field{Name: "approved", Policy: graph.Replace},
//	)
//	b := graph.NewBuilder(schema)
//	_ = b.AddNode("write", graph.NodeFunc(func(ctx context.Context, s graph.State) graph.NodeResult {
//		return graph.Update(graph.Delta{"draft": "hello"})
//	}))
//	_ = b.AddHumanNode("review", "Approve the draft?", []string{"approved"})
//	_ = b.AddEdge(graph.Start, "write")
//	_ = b.AddEdge("write", "review")
//	g, err := b.Compile()
//	if err != nil {
//		return err
//	}
//
//	st, err := store.NewSQLiteStore("checkpoints.db")
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	engine, err := graph.New(g, st, graph.WithEmitter(emit.NewLogEmitter(os.Stdout, false)))
//	if err != nil {
//		return err
//	}
//	res, err := engine.Run(ctx, "thread-1", nil)
//	// res.Status == graph.StatusAwaitingInput, res.Pending[0].NodeID == "review"
//	res, err = engine.Resume(ctx, "thread-1", graph.Input{Values: map[string]any{"approved": true}})
type Engine struct {
	graph   *Graph
	store   store.Store
	emitter emit.Emitter
	metrics *PrometheusMetrics
	opts    Options
	now     func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an engine.
func New(g *Graph, st store.Store, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, errors.New("graph is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}

	cfg := &engineConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	e := &Engine{
		graph:   g,
		store:   st,
		emitter: cfg.opts.Emitter,
		metrics: cfg.opts.Metrics,
		opts:    cfg.opts,
		now:     cfg.opts.Clock,
		active:  make(map[string]struct{}),
	}
	if e.emitter == nil {
		e.emitter = emit.NewNullEmitter()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Graph returns the compiled graph the engine runs.
func (e *Engine) Graph() *Graph {
	return e.graph
}

// execution is the in-memory progress of one call. It only becomes
// durable through persist.
type execution struct {
	threadID  string
	step      int
	container *Container
	frontier  []string
	inputs    map[string]Delta
	events    []NodeEvent
	yield     func(NodeEvent) bool
	stopped   bool
}

// Run starts a thread.
//
// A new thread starts from the schema defaults with initial applied on
// top; a step-0 checkpoint is saved before any node runs. A completed
// thread starts a new pass from the entry nodes with initial applied as a
// delta; its termination field goes back to the schema default first
// unless initial sets it. A thread that is paused or has unfinished work is rejected with
// an InterruptProtocolError.
//
// On ExecutionError or PersistenceError the returned Result carries
// StatusFailed and the last durable state.
func (e *Engine) Run(ctx context.Context, threadID string, initial map[string]any) (*Result, error) {
	return e.run(ctx, threadID, initial, nil)
}

// Resume answers a paused human node and continues the thread.
//
// The input values become the human node's delta, merged in the next
// superstep alongside any computation node of the frontier. Values may
// only name the node's input fields and the termination field.
func (e *Engine) Resume(ctx context.Context, threadID string, input Input) (*Result, error) {
	return e.resume(ctx, threadID, input, nil)
}

// Continue re-enters the loop from the latest checkpoint. Use it after a
// failed superstep, an exhausted step budget or a cancelled context.
func (e *Engine) Continue(ctx context.Context, threadID string) (*Result, error) {
	release, err := e.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	x, err := e.resumePoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	switch e.graph.statusOf(x.frontier, x.inputs) {
	case StatusCompleted:
		return nil, &InterruptProtocolError{ThreadID: threadID, Step: x.step, Reason: "thread has completed; use Run"}
	case StatusAwaitingInput:
		return nil, &InterruptProtocolError{ThreadID: threadID, Step: x.step, Reason: "thread is awaiting input; use Resume"}
	}
	return e.drive(ctx, x)
}

// Stream is Run delivered lazily: one NodeEvent per executed node in
// merge order, each yielded after its superstep is checkpointed. A failure
// is yielded last with a zero NodeEvent. Breaking out of the loop stops the
// thread after the current superstep; its checkpoint stays resumable.
func (e *Engine) Stream(ctx context.Context, threadID string, initial map[string]any) iter.Seq2[NodeEvent, error] {
	return stream(func(yield func(NodeEvent) bool) error {
		_, err := e.run(ctx, threadID, initial, yield)
		return err
	})
}

// StreamResume is Resume delivered like Stream.
func (e *Engine) StreamResume(ctx context.Context, threadID string, input Input) iter.Seq2[NodeEvent, error] {
	return stream(func(yield func(NodeEvent) bool) error {
		_, err := e.resume(ctx, threadID, input, yield)
		return err
	})
}

// GetState returns the latest durable state of a thread. An unknown thread
// returns an error wrapping store.ErrNotFound.
func (e *Engine) GetState(ctx context.Context, threadID string) (*ThreadState, error) {
	cp, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	ts, err := e.graph.threadState(cp)
	if err != nil {
		return nil, &PersistenceError{ThreadID: threadID, Step: cp.Step, Op: "restore", Cause: err}
	}
	return &ts, nil
}

// History returns every checkpoint of a thread in step order.
func (e *Engine) History(ctx context.Context, threadID string) ([]ThreadState, error) {
	cps, err := e.store.History(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("thread %s: %w", threadID, err)
	}
	if err != nil {
		return nil, &PersistenceError{ThreadID: threadID, Op: "history", Cause: err}
	}

	out := make([]ThreadState, 0, len(cps))
	for _, cp := range cps {
		ts, err := e.graph.threadState(cp)
		if err != nil {
			return nil, &PersistenceError{ThreadID: threadID, Step: cp.Step, Op: "restore", Cause: err}
		}
		out = append(out, ts)
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, threadID string, initial map[string]any, yield func(NodeEvent) bool) (*Result, error) {
	release, err := e.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	x, err := e.begin(ctx, threadID, initial)
	if err != nil {
		return nil, err
	}
	x.yield = yield
	return e.drive(ctx, x)
}

// begin prepares and persists the starting point of a Run.
func (e *Engine) begin(ctx context.Context, threadID string, initial map[string]any) (*execution, error) {
	x, err := e.resumePoint(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		c, err := NewContainer(e.graph.schema, initial)
		if err != nil {
			return nil, withThread(err, threadID, 0)
		}
		x = &execution{threadID: threadID, container: c, frontier: e.graph.Entries()}
		if err := e.persist(ctx, x.threadID, 0, c, x.frontier, nil); err != nil {
			return nil, err
		}
		e.event(threadID, 0, "", emit.MsgRunStart, map[string]interface{}{"frontier": x.frontier})
		return x, nil
	}
	if err != nil {
		return nil, err
	}

	switch e.graph.statusOf(x.frontier, x.inputs) {
	case StatusAwaitingInput:
		return nil, &InterruptProtocolError{ThreadID: threadID, Step: x.step, Reason: "thread is awaiting input; use Resume"}
	case StatusPending:
		return nil, &InterruptProtocolError{ThreadID: threadID, Step: x.step, Reason: "thread has unfinished work; use Continue"}
	}

	c := x.container.Clone()
	if tf := e.graph.terminationField; tf != "" {
		if _, ok := initial[tf]; !ok {
			c.reset(tf)
		}
	}
	if _, err := c.Apply(Delta(initial)); err != nil {
		return nil, withThread(err, threadID, x.step)
	}
	step, frontier := x.step+1, e.graph.Entries()
	if err := e.persist(ctx, threadID, step, c, frontier, nil); err != nil {
		return nil, err
	}
	x.step, x.container, x.frontier = step, c, frontier
	e.event(threadID, step, "", emit.MsgRunStart, map[string]interface{}{"frontier": frontier, "restart": true})
	return x, nil
}

func (e *Engine) resume(ctx context.Context, threadID string, input Input, yield func(NodeEvent) bool) (*Result, error) {
	release, err := e.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	x, err := e.resumePoint(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &InterruptProtocolError{ThreadID: threadID, Reason: "thread has no checkpoint"}
	}
	if err != nil {
		return nil, err
	}

	pending := e.graph.pendingHumans(x.frontier, x.inputs)
	if len(pending) == 0 {
		return nil, &InterruptProtocolError{ThreadID: threadID, Step: x.step, NodeID: input.NodeID, Reason: "thread is not awaiting input"}
	}

	target := input.NodeID
	if target == "" {
		if len(pending) > 1 {
			return nil, &InterruptProtocolError{ThreadID: threadID, Step: x.step,
				Reason: fmt.Sprintf("%d human nodes are waiting; input must name one", len(pending))}
		}
		target = pending[0].NodeID
	} else if !waiting(pending, target) {
		return nil, &InterruptProtocolError{ThreadID: threadID, Step: x.step, NodeID: target, Reason: "node is not awaiting input"}
	}

	delta, err := e.inputDelta(x.container, e.graph.nodes[target], input.Values)
	if err != nil {
		return nil, withThread(err, threadID, x.step)
	}
	if x.inputs == nil {
		x.inputs = make(map[string]Delta)
	}
	x.inputs[target] = delta
	e.metrics.resumed(target)
	e.event(threadID, x.step, target, emit.MsgResume, map[string]interface{}{"fields": delta.Keys()})

	if len(e.graph.pendingHumans(x.frontier, x.inputs)) > 0 {
		// Other human nodes still wait; keep the answer durable and stay paused.
		step := x.step + 1
		if err := e.persist(ctx, threadID, step, x.container, x.frontier, x.inputs); err != nil {
			return nil, err
		}
		x.step = step
	}

	x.yield = yield
	return e.drive(ctx, x)
}

// inputDelta builds and checks the delta of a human node without touching
// the thread's state.
func (e *Engine) inputDelta(c *Container, spec NodeSpec, values map[string]any) (Delta, error) {
	delta := Delta(cloneMap(values))
	if spec.Parse != nil {
		parsed, err := spec.Parse(cloneMap(values))
		if err != nil {
			return nil, &ValidationError{NodeID: spec.ID, Reason: err.Error()}
		}
		delta = parsed
	}
	if delta == nil {
		delta = Delta{}
	}

	for _, k := range delta.Keys() {
		if contains(spec.InputFields, k) || (k != "" && k == e.graph.terminationField) {
			continue
		}
		return nil, &ValidationError{NodeID: spec.ID, Field: k, Reason: "field is not an input field of this node"}
	}
	if _, err := c.Clone().Apply(delta); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.NodeID = spec.ID
		}
		return nil, err
	}
	return delta, nil
}

// resumePoint loads the latest checkpoint as an execution. A missing
// thread returns store.ErrNotFound unwrapped.
func (e *Engine) resumePoint(ctx context.Context, threadID string) (*execution, error) {
	cp, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	c, err := restoreContainer(e.graph.schema, cp.State)
	if err != nil {
		return nil, &PersistenceError{ThreadID: threadID, Step: cp.Step, Op: "restore", Cause: err}
	}
	for _, id := range cp.Frontier {
		if _, ok := e.graph.nodes[id]; !ok {
			return nil, &PersistenceError{ThreadID: threadID, Step: cp.Step, Op: "restore",
				Cause: fmt.Errorf("checkpoint frontier names unknown node %q", id)}
		}
	}
	return &execution{
		threadID:  threadID,
		step:      cp.Step,
		container: c,
		frontier:  append([]string(nil), cp.Frontier...),
		inputs:    inputsFromCheckpoint(cp.Inputs),
	}, nil
}

func (e *Engine) load(ctx context.Context, threadID string) (store.Checkpoint, error) {
	cp, err := e.store.Load(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return cp, fmt.Errorf("thread %s: %w", threadID, err)
	}
	if err != nil {
		return cp, &PersistenceError{ThreadID: threadID, Op: "load", Cause: err}
	}
	return cp, nil
}

func (e *Engine) persist(ctx context.Context, threadID string, step int, c *Container, frontier []string, inputs map[string]Delta) error {
	cp := store.Checkpoint{
		ThreadID:  threadID,
		Step:      step,
		State:     c.Snapshot().Values(),
		Frontier:  frontier,
		Inputs:    inputsToCheckpoint(inputs),
		Timestamp: e.now(),
	}

	start := time.Now()
	err := e.store.Save(ctx, threadID, cp)
	e.metrics.checkpointSaved(time.Since(start), err)
	if err != nil {
		return &PersistenceError{ThreadID: threadID, Step: step, Op: "save", Cause: err}
	}
	e.event(threadID, step, "", emit.MsgCheckpointSaved, map[string]interface{}{"frontier": frontier})
	return nil
}

// drive runs supersteps until the thread completes, pauses or fails.
func (e *Engine) drive(ctx context.Context, x *execution) (*Result, error) {
	for steps := 0; ; steps++ {
		if len(x.frontier) == 0 {
			e.event(x.threadID, x.step, "", emit.MsgRunComplete, nil)
			return e.result(x, StatusCompleted), nil
		}
		if pending := e.graph.pendingHumans(x.frontier, x.inputs); len(pending) > 0 {
			for _, p := range pending {
				e.metrics.interrupted(p.NodeID)
				e.event(x.threadID, x.step, p.NodeID, emit.MsgInterrupt, map[string]interface{}{"input_fields": p.InputFields})
			}
			return e.result(x, StatusAwaitingInput), nil
		}
		if x.stopped {
			return e.result(x, StatusPending), nil
		}
		if e.opts.MaxSteps > 0 && steps >= e.opts.MaxSteps {
			return e.result(x, StatusPending), fmt.Errorf("thread %s after %d supersteps: %w", x.threadID, steps, ErrMaxStepsExceeded)
		}
		if err := ctx.Err(); err != nil {
			return e.result(x, StatusPending), err
		}
		if err := e.superstep(ctx, x); err != nil {
			return e.result(x, StatusFailed), err
		}
	}
}

func (e *Engine) result(x *execution, status Status) *Result {
	return &Result{
		ThreadID: x.threadID,
		Status:   status,
		Step:     x.step,
		State:    x.container.Snapshot(),
		Frontier: append([]string(nil), x.frontier...),
		Events:   x.events,
		Pending:  e.graph.pendingHumans(x.frontier, x.inputs),
	}
}

func (e *Engine) acquire(threadID string) (func(), error) {
	if threadID == "" {
		return nil, &ValidationError{Reason: "thread id is required"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[threadID]; busy {
		return nil, &InterruptProtocolError{ThreadID: threadID, Reason: "thread is busy"}
	}
	e.active[threadID] = struct{}{}

	return func() {
		e.mu.Lock()
		delete(e.active, threadID)
		e.mu.Unlock()
	}, nil
}

func (e *Engine) event(threadID string, step int, nodeID, msg string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		ThreadID: threadID,
		Step:     step,
		NodeID:   nodeID,
		Msg:      msg,
		Time:     e.now(),
		Meta:     meta,
	})
}

func stream(call func(yield func(NodeEvent) bool) error) iter.Seq2[NodeEvent, error] {
	return func(yield func(NodeEvent, error) bool) {
		stopped := false
		err := call(func(ev NodeEvent) bool {
			if !yield(ev, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(NodeEvent{}, err)
		}
	}
}

func withThread(err error, threadID string, step int) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		ve.ThreadID = threadID
		ve.Step = step
	}
	return err
}

func waiting(pending []Interrupt, nodeID string) bool {
	for _, p := range pending {
		if p.NodeID == nodeID {
			return true
		}
	}
	return false
}
