package graph

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/durable-graph/graph/emit"
)

type outcome struct {
	delta    Delta
	decision Decision
	err      error
}

// superstep executes the frontier of x once. Nothing in x changes unless
// the resulting checkpoint was saved.
func (e *Engine) superstep(ctx context.Context, x *execution) error {
	step := x.step + 1
	snapshot := x.container.Snapshot()

	var runnable []NodeSpec
	for _, id := range x.frontier {
		if spec := e.graph.nodes[id]; spec.Kind == Computation {
			runnable = append(runnable, spec)
		}
	}

	outcomes := e.execute(ctx, x.threadID, step, snapshot, runnable)
	for _, spec := range runnable {
		if err := outcomes[spec.ID].err; err != nil {
			return e.failed(x.threadID, step, spec.ID, snapshot, err)
		}
	}

	work := x.container.Clone()
	events := make([]NodeEvent, 0, len(x.frontier))
	decisions := make(map[string]Decision, len(runnable))
	for _, id := range x.frontier {
		spec := e.graph.nodes[id]

		var delta Delta
		if spec.Kind == Human {
			delta = x.inputs[id]
		} else {
			o := outcomes[id]
			delta, decisions[id] = o.delta, o.decision
			if err := e.checkOutputs(spec, delta); err != nil {
				return e.failed(x.threadID, step, id, snapshot, err)
			}
		}

		if _, err := work.Apply(delta); err != nil {
			return e.failed(x.threadID, step, id, snapshot, err)
		}
		events = append(events, NodeEvent{Step: step, NodeID: id, Kind: spec.Kind, Delta: Delta(cloneMap(delta))})
	}

	merged := work.Snapshot()
	targets := make(map[string]struct{})
	for _, id := range x.frontier {
		next, err := e.graph.next(id, merged, decisions[id])
		if err != nil {
			return e.failed(x.threadID, step, id, snapshot, err)
		}
		for _, t := range next {
			targets[t] = struct{}{}
		}
	}
	frontier := frontierOf(targets)

	if err := e.persist(ctx, x.threadID, step, work, frontier, nil); err != nil {
		return err
	}
	x.step, x.container, x.frontier, x.inputs = step, work, frontier, nil
	e.metrics.superstepDone()
	e.event(x.threadID, step, "", emit.MsgSuperstepEnd, map[string]interface{}{"frontier": frontier, "nodes": len(events)})

	for _, ev := range events {
		x.events = append(x.events, ev)
		if x.yield != nil && !x.stopped && !x.yield(ev) {
			x.stopped = true
		}
	}
	return nil
}

// execute runs every node on the same snapshot, at most
// MaxConcurrentNodes at a time, and waits for all of them.
func (e *Engine) execute(ctx context.Context, threadID string, step int, snapshot State, specs []NodeSpec) map[string]outcome {
	results := make([]outcome, len(specs))

	var g errgroup.Group
	if e.opts.MaxConcurrentNodes > 0 {
		g.SetLimit(e.opts.MaxConcurrentNodes)
	}
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = e.runNode(ctx, threadID, step, spec, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]outcome, len(specs))
	for i, spec := range specs {
		out[spec.ID] = results[i]
	}
	return out
}

func (e *Engine) runNode(ctx context.Context, threadID string, step int, spec NodeSpec, snapshot State) (o outcome) {
	e.event(threadID, step, spec.ID, emit.MsgNodeStart, nil)
	e.metrics.nodeStarted()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: &PanicError{Value: r}}
		}
		d := time.Since(start)
		if o.err != nil {
			e.metrics.nodeFinished(spec.ID, d, "error")
			e.event(threadID, step, spec.ID, emit.MsgNodeError, map[string]interface{}{
				"error":       o.err.Error(),
				"duration_ms": d.Milliseconds(),
			})
			return
		}
		e.metrics.nodeFinished(spec.ID, d, "success")
		meta := map[string]interface{}{"duration_ms": d.Milliseconds(), "fields": o.delta.Keys()}
		if o.decision != "" {
			meta["decision"] = string(o.decision)
		}
		e.event(threadID, step, spec.ID, emit.MsgNodeEnd, meta)
	}()

	res := spec.Run.Run(ctx, snapshot)
	return outcome{delta: res.Delta, decision: res.Decision, err: res.Err}
}

// checkOutputs enforces a node's declared outputs. The termination field
// is always writable.
func (e *Engine) checkOutputs(spec NodeSpec, delta Delta) error {
	if len(spec.Outputs) == 0 {
		return nil
	}
	for _, k := range delta.Keys() {
		if contains(spec.Outputs, k) || (k != "" && k == e.graph.terminationField) {
			continue
		}
		return &ValidationError{NodeID: spec.ID, Field: k, Reason: "node may not write this field"}
	}
	return nil
}

func (e *Engine) failed(threadID string, step int, nodeID string, input State, cause error) error {
	e.metrics.executionFailed(nodeID)
	return &ExecutionError{ThreadID: threadID, Step: step, NodeID: nodeID, Input: input, Cause: cause}
}
