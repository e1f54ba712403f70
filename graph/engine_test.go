package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/durable-graph/graph/emit"
	"github.com/dshills/durable-graph/graph/store"
)

func flowSchema() *Schema {
	return MustSchema(
		Field{Name: "route", Policy: Replace},
		Field{Name: "winner", Policy: Replace},
		Field{Name: "trail", Policy: Append},
		Field{Name: "facts", Policy: MapMerge},
		Field{Name: "reply", Policy: Replace},
		Field{Name: "seen", Policy: Replace},
		Field{Name: "done", Policy: Replace},
	)
}

func mustCompile(t *testing.T, b *Builder) *Graph {
	t.Helper()
	g, err := b.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return g
}

func mustEngine(t *testing.T, g *Graph, st store.Store, opts ...Option) *Engine {
	t.Helper()
	e, err := New(g, st, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

// trail appends the node id to the trail field.
func trail(id string) Node {
	return NodeFunc(func(context.Context, State) NodeResult {
		return Update(Delta{"trail": []any{id}})
	})
}

func nodeIDs(events []NodeEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.NodeID)
	}
	return out
}

func historyLen(t *testing.T, st store.Store, thread string) int {
	t.Helper()
	h, err := st.History(context.Background(), thread)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return len(h)
}

// branchGraph is A -> {x: B, y: C} with A writing its route from state.
func branchGraph(t *testing.T) *Graph {
	b := NewBuilder(flowSchema())
	_ = b.AddNode("A", NodeFunc(func(_ context.Context, s State) NodeResult {
		return Update(Delta{"trail": []any{"A"}, "route": s.String("seen")})
	}))
	_ = b.AddNode("B", trail("B"))
	_ = b.AddNode("C", trail("C"))
	_ = b.AddEdge(Start, "A")
	_ = b.AddConditionalEdge("A", []string{"x", "y"}, RouteOn("route", "x"), map[string]string{"x": "B", "y": "C"})
	_ = b.AddEdge("B", End)
	_ = b.AddEdge("C", End)
	return mustCompile(t, b)
}

func TestEngine_ConditionalBranch(t *testing.T) {
	tests := []struct {
		seen  string
		want  []string
		trail []any
	}{
		{"x", []string{"A", "B"}, []any{"A", "B"}},
		{"y", []string{"A", "C"}, []any{"A", "C"}},
	}
	for _, tt := range tests {
		t.Run(tt.seen, func(t *testing.T) {
			st := store.NewMemStore()
			e := mustEngine(t, branchGraph(t), st)

			res, err := e.Run(context.Background(), "t", map[string]any{"seen": tt.seen})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if res.Status != StatusCompleted {
				t.Errorf("expected completed, got %s", res.Status)
			}
			if got := nodeIDs(res.Events); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected events %v, got %v", tt.want, got)
			}
			if got := res.State.List("trail"); !reflect.DeepEqual(got, tt.trail) {
				t.Errorf("expected trail %v, got %v", tt.trail, got)
			}
			if res.Step != 2 {
				t.Errorf("expected step 2, got %d", res.Step)
			}
			// step 0 plus one checkpoint per superstep
			if n := historyLen(t, st, "t"); n != 3 {
				t.Errorf("expected 3 checkpoints, got %d", n)
			}
		})
	}
}

// fanGraph runs b, c and d in one superstep. Each sleeps a random time so
// completion order differs between runs.
func fanGraph(t *testing.T, observed *sync.Map) *Graph {
	b := NewBuilder(flowSchema())
	_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult {
		return Update(Delta{"winner": "a", "trail": []any{"a"}})
	}))
	for _, id := range []string{"d", "b", "c"} {
		_ = b.AddNode(id, NodeFunc(func(ctx context.Context, s State) NodeResult {
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			if observed != nil {
				observed.Store(id, s.String("winner"))
			}
			return Update(Delta{
				"winner": id,
				"trail":  []any{id},
				"facts":  map[string]any{id: true, "last": id},
			})
		}))
		_ = b.AddEdge("a", id)
		_ = b.AddEdge(id, End)
	}
	_ = b.AddEdge(Start, "a")
	return mustCompile(t, b)
}

func TestEngine_DeterministicMerge(t *testing.T) {
	var first map[string]any
	for i := 0; i < 20; i++ {
		e := mustEngine(t, fanGraph(t, nil), store.NewMemStore())
		res, err := e.Run(context.Background(), "t", nil)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}

		if got := nodeIDs(res.Events); !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
			t.Fatalf("run %d: events not in id order: %v", i, got)
		}
		values := res.State.Values()
		if values["winner"] != "d" {
			t.Fatalf("run %d: expected highest id to win replace, got %v", i, values["winner"])
		}
		if !reflect.DeepEqual(values["trail"], []any{"a", "b", "c", "d"}) {
			t.Fatalf("run %d: expected append in id order, got %v", i, values["trail"])
		}
		if first == nil {
			first = values
		} else if !reflect.DeepEqual(first, values) {
			t.Fatalf("run %d: state differs: %v vs %v", i, first, values)
		}
	}
}

func TestEngine_FrozenSnapshot(t *testing.T) {
	var observed sync.Map
	e := mustEngine(t, fanGraph(t, &observed), store.NewMemStore())
	if _, err := e.Run(context.Background(), "t", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, id := range []string{"b", "c", "d"} {
		v, _ := observed.Load(id)
		if v != "a" {
			t.Errorf("node %s saw %v, expected the pre-superstep value a", id, v)
		}
	}
}

func TestEngine_NodeFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32

	b := NewBuilder(flowSchema())
	_ = b.AddNode("a", trail("a"))
	_ = b.AddNode("b", trail("b"))
	_ = b.AddNode("c", NodeFunc(func(context.Context, State) NodeResult {
		if calls.Add(1) == 1 {
			return Fail(boom)
		}
		return Update(Delta{"trail": []any{"c"}})
	}))
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", "b")
	_ = b.AddEdge("a", "c")
	g := mustCompile(t, b)

	st := store.NewMemStore()
	e := mustEngine(t, g, st)
	ctx := context.Background()

	res, err := e.Run(ctx, "t", nil)
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if ee.NodeID != "c" || ee.Step != 2 || ee.ThreadID != "t" {
		t.Errorf("unexpected error fields %+v", ee)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause boom, got %v", ee.Cause)
	}
	if got := ee.Input.List("trail"); !reflect.DeepEqual(got, []any{"a"}) {
		t.Errorf("expected input snapshot trail [a], got %v", got)
	}
	if res.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", res.Status)
	}

	// b succeeded in the failed superstep but nothing of it was kept
	state, err := e.GetState(ctx, "t")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Step != 1 || state.Status != StatusPending {
		t.Errorf("expected step 1 pending, got step %d %s", state.Step, state.Status)
	}
	if got := state.State.List("trail"); !reflect.DeepEqual(got, []any{"a"}) {
		t.Errorf("failed superstep leaked into checkpoint: %v", got)
	}
	if n := historyLen(t, st, "t"); n != 2 {
		t.Errorf("expected 2 checkpoints, got %d", n)
	}

	res, err = e.Continue(ctx, "t")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected completed after continue, got %s", res.Status)
	}
	if got := res.State.List("trail"); !reflect.DeepEqual(got, []any{"a", "b", "c"}) {
		t.Errorf("expected trail [a b c], got %v", got)
	}
}

func TestEngine_ExecutionErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		check func(t *testing.T, err error)
	}{
		{
			name: "panic",
			build: func(b *Builder) {
				_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult { panic("bad input") }))
				_ = b.AddEdge(Start, "a")
			},
			check: func(t *testing.T, err error) {
				var pe *PanicError
				if !errors.As(err, &pe) || pe.Value != "bad input" {
					t.Errorf("expected PanicError, got %v", err)
				}
			},
		},
		{
			name: "unknown field in delta",
			build: func(b *Builder) {
				_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult { return Update(Delta{"salary": 1}) }))
				_ = b.AddEdge(Start, "a")
			},
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				if !errors.As(err, &ve) || ve.Field != "salary" {
					t.Errorf("expected ValidationError on salary, got %v", err)
				}
			},
		},
		{
			name: "write outside declared outputs",
			build: func(b *Builder) {
				_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult {
					return Update(Delta{"reply": "x", "winner": "a"})
				}), WithOutputs("reply"))
				_ = b.AddEdge(Start, "a")
			},
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				if !errors.As(err, &ve) || ve.Field != "winner" {
					t.Errorf("expected ValidationError on winner, got %v", err)
				}
			},
		},
		{
			name: "undeclared predicate key",
			build: func(b *Builder) {
				_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult { return Update(Delta{"route": "z"}) }))
				_ = b.AddEdge(Start, "a")
				_ = b.AddConditionalEdge("a", []string{"x"}, RouteOn("route", "x"), map[string]string{"x": End})
			},
			check: func(t *testing.T, err error) {
				if err == nil || !strings.Contains(err.Error(), `undeclared key "z"`) {
					t.Errorf("expected undeclared key error, got %v", err)
				}
			},
		},
		{
			name: "undeclared decision",
			build: func(b *Builder) {
				_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult { return Decide("maybe", nil) }),
					WithDecisions("yes", "no"))
				_ = b.AddEdge(Start, "a")
				_ = b.AddDecisionEdge("a", map[Decision]string{"yes": End, "no": End})
			},
			check: func(t *testing.T, err error) {
				if err == nil || !strings.Contains(err.Error(), `undeclared decision "maybe"`) {
					t.Errorf("expected undeclared decision error, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(flowSchema())
			tt.build(b)
			e := mustEngine(t, mustCompile(t, b), store.NewMemStore())

			_, err := e.Run(context.Background(), "t", nil)
			var ee *ExecutionError
			if !errors.As(err, &ee) {
				t.Fatalf("expected ExecutionError, got %v", err)
			}
			if ee.NodeID != "a" {
				t.Errorf("expected node a, got %s", ee.NodeID)
			}
			tt.check(t, err)
		})
	}
}

func TestEngine_DecisionRouting(t *testing.T) {
	b := NewBuilder(flowSchema())
	_ = b.AddNode("screen", NodeFunc(func(_ context.Context, s State) NodeResult {
		if s.String("reply") == "strong" {
			return Decide("advance", Delta{"trail": []any{"screen"}})
		}
		return Decide("reject", Delta{"trail": []any{"screen"}})
	}), WithDecisions("advance", "reject"))
	_ = b.AddNode("interview", trail("interview"))
	_ = b.AddNode("decline", trail("decline"))
	_ = b.AddEdge(Start, "screen")
	_ = b.AddDecisionEdge("screen", map[Decision]string{"advance": "interview", "reject": "decline"})
	g := mustCompile(t, b)

	for reply, want := range map[string]string{"strong": "interview", "weak": "decline"} {
		e := mustEngine(t, g, store.NewMemStore())
		res, err := e.Run(context.Background(), "t-"+reply, map[string]any{"reply": reply})
		if err != nil {
			t.Fatalf("run %s: %v", reply, err)
		}
		if got := res.State.List("trail"); len(got) != 2 || got[1] != want {
			t.Errorf("reply %s: expected screen then %s, got %v", reply, want, got)
		}
	}
}

// failingStore fails every Save from the given step on.
type failingStore struct {
	*store.MemStore
	failFrom int
}

func (f *failingStore) Save(ctx context.Context, threadID string, cp store.Checkpoint) error {
	if cp.Step >= f.failFrom {
		return errors.New("disk full")
	}
	return f.MemStore.Save(ctx, threadID, cp)
}

func TestEngine_PersistenceFailure(t *testing.T) {
	mem := store.NewMemStore()
	b := NewBuilder(flowSchema())
	_ = b.AddNode("a", trail("a"))
	_ = b.AddNode("b", trail("b"))
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", "b")
	g := mustCompile(t, b)
	ctx := context.Background()

	broken := mustEngine(t, g, &failingStore{MemStore: mem, failFrom: 2})
	res, err := broken.Run(ctx, "t", nil)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if pe.Step != 2 || pe.Op != "save" {
		t.Errorf("unexpected persistence error %+v", pe)
	}
	if res.Status != StatusFailed || res.Step != 1 {
		t.Errorf("expected failed at durable step 1, got %s step %d", res.Status, res.Step)
	}
	if got := res.State.List("trail"); !reflect.DeepEqual(got, []any{"a"}) {
		t.Errorf("unsaved superstep leaked into result: %v", got)
	}

	// a new process with a healthy store continues from step 1
	healthy := mustEngine(t, g, mem)
	res, err = healthy.Continue(ctx, "t")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if got := res.State.List("trail"); !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Errorf("expected trail [a b], got %v", got)
	}
}

func TestEngine_MaxSteps(t *testing.T) {
	b := NewBuilder(flowSchema())
	_ = b.AddNode("loop", NodeFunc(func(_ context.Context, s State) NodeResult {
		d := Delta{"trail": []any{"loop"}}
		if len(s.List("trail")) >= 4 {
			d["done"] = true
		}
		return Update(d)
	}))
	_ = b.AddEdge(Start, "loop")
	_ = b.AddEdge("loop", "loop")
	b.SetTerminationField("done")
	g := mustCompile(t, b)
	ctx := context.Background()

	e := mustEngine(t, g, store.NewMemStore(), WithMaxSteps(2))
	res, err := e.Run(ctx, "t", nil)
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}
	if res.Status != StatusPending || res.Step != 2 {
		t.Errorf("expected pending at step 2, got %s step %d", res.Status, res.Step)
	}

	for i := 0; i < 5; i++ {
		res, err = e.Continue(ctx, "t")
		if err == nil {
			break
		}
		if !errors.Is(err, ErrMaxStepsExceeded) {
			t.Fatalf("continue: %v", err)
		}
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if n := len(res.State.List("trail")); n != 5 {
		t.Errorf("expected 5 iterations, got %d", n)
	}
}

func TestEngine_MaxConcurrent(t *testing.T) {
	var running, peak atomic.Int32
	b := NewBuilder(flowSchema())
	_ = b.AddNode("root", trail("root"))
	_ = b.AddEdge(Start, "root")
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("n%d", i)
		_ = b.AddNode(id, NodeFunc(func(context.Context, State) NodeResult {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return Update(Delta{"trail": []any{id}})
		}))
		_ = b.AddEdge("root", id)
	}

	e := mustEngine(t, mustCompile(t, b), store.NewMemStore(), WithMaxConcurrent(1))
	res, err := e.Run(context.Background(), "t", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("expected at most 1 node at a time, saw %d", peak.Load())
	}
	if n := len(res.State.List("trail")); n != 5 {
		t.Errorf("expected 5 trail entries, got %d", n)
	}
}

func TestEngine_BusyThread(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	b := NewBuilder(flowSchema())
	_ = b.AddNode("slow", NodeFunc(func(context.Context, State) NodeResult {
		close(started)
		<-release
		return NodeResult{}
	}))
	_ = b.AddEdge(Start, "slow")
	e := mustEngine(t, mustCompile(t, b), store.NewMemStore())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, "t", nil)
		done <- err
	}()
	<-started

	_, err := e.Run(ctx, "t", nil)
	var ipe *InterruptProtocolError
	if !errors.As(err, &ipe) {
		t.Errorf("expected InterruptProtocolError for busy thread, got %v", err)
	}
	if _, err := e.GetState(ctx, "t"); err != nil {
		t.Errorf("reading state of a busy thread: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestEngine_RunCompletedThreadRestarts(t *testing.T) {
	b := NewBuilder(flowSchema())
	_ = b.AddNode("a", trail("a"))
	_ = b.AddEdge(Start, "a")
	st := store.NewMemStore()
	e := mustEngine(t, mustCompile(t, b), st)
	ctx := context.Background()

	if _, err := e.Run(ctx, "t", map[string]any{"reply": "first"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := e.Run(ctx, "t", map[string]any{"reply": "second"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.State.String("reply") != "second" {
		t.Errorf("expected reply second, got %q", res.State.String("reply"))
	}
	if got := res.State.List("trail"); !reflect.DeepEqual(got, []any{"a", "a"}) {
		t.Errorf("expected state carried over, got %v", got)
	}
	if res.Step != 3 {
		t.Errorf("expected step numbers to continue to 3, got %d", res.Step)
	}

	_, err = e.Run(ctx, "t", map[string]any{"salary": 1})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.ThreadID != "t" {
		t.Errorf("expected ValidationError naming the thread, got %v", err)
	}
}

func TestEngine_RestartClearsTerminationField(t *testing.T) {
	var agentRuns atomic.Int32
	e := mustEngine(t, conversationGraph(t, &agentRuns), store.NewMemStore())
	ctx := context.Background()

	finish := func(label string) {
		t.Helper()
		res, err := e.Resume(ctx, "t", Input{Values: map[string]any{"reply": "done"}})
		if err != nil {
			t.Fatalf("%s: %v", label, err)
		}
		if res.Status != StatusCompleted || !res.State.Bool("done") {
			t.Fatalf("%s: expected completed with done set, got %s %v", label, res.Status, res.State.Values())
		}
	}

	if _, err := e.Run(ctx, "t", nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	finish("first exit")

	res, err := e.Run(ctx, "t", nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if res.Status != StatusAwaitingInput || len(res.Pending) != 1 || res.Pending[0].NodeID != "human" {
		t.Fatalf("expected restart to reach the human node again, got %s %+v", res.Status, res.Pending)
	}
	if res.State.IsSet("done") {
		t.Errorf("expected termination field cleared on restart, got %v", res.State.Get("done"))
	}
	if agentRuns.Load() != 2 {
		t.Errorf("expected agent to run on restart, got %d runs", agentRuns.Load())
	}
	finish("second exit")

	res, err = e.Run(ctx, "t", map[string]any{"done": true})
	if err != nil {
		t.Fatalf("restart with done: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected an explicit termination value to end the pass, got %s", res.Status)
	}
}

func TestEngine_StateShapeMatchesCheckpoint(t *testing.T) {
	schema := MustSchema(
		Field{Name: "n", Policy: Replace},
		Field{Name: "tags", Policy: Append},
		Field{Name: "reply", Policy: Replace},
		Field{Name: "seen", Policy: Append},
	)
	b := NewBuilder(schema)
	_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult {
		return Update(Delta{"n": 3, "tags": []string{"x"}})
	}))
	_ = b.AddNode("c", NodeFunc(func(_ context.Context, s State) NodeResult {
		return Update(Delta{"seen": []any{fmt.Sprintf("%T", s.Get("n"))}})
	}))
	_ = b.AddHumanNode("h", "Reply", []string{"reply"})
	_ = b.AddEdge(Start, "a")
	_ = b.AddEdge("a", "c")
	_ = b.AddEdge("c", "h")
	_ = b.AddEdge("h", "c")
	g := mustCompile(t, b)
	st := store.NewMemStore()
	ctx := context.Background()

	res, err := mustEngine(t, g, st).Run(ctx, "t", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusAwaitingInput {
		t.Fatalf("expected awaiting input, got %s", res.Status)
	}
	if got := res.State.Get("n"); got != 3.0 {
		t.Errorf("expected n stored as float64 3, got %#v", got)
	}

	reloaded := mustEngine(t, g, st)
	ts, err := reloaded.GetState(ctx, "t")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !reflect.DeepEqual(ts.State.Values(), res.State.Values()) {
		t.Errorf("live and reloaded state differ:\nlive:     %#v\nreloaded: %#v", res.State.Values(), ts.State.Values())
	}

	res, err = reloaded.Resume(ctx, "t", Input{Values: map[string]any{"reply": "again"}})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := res.State.List("seen"); !reflect.DeepEqual(got, []any{"float64", "float64"}) {
		t.Errorf("expected nodes to see the same type before and after resume, got %v", got)
	}
}

func TestEngine_ContextCancelled(t *testing.T) {
	b := NewBuilder(flowSchema())
	_ = b.AddNode("a", trail("a"))
	_ = b.AddEdge(Start, "a")
	e := mustEngine(t, mustCompile(t, b), store.NewMemStore())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Run(ctx, "t", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != StatusPending || res.Step != 0 {
		t.Errorf("expected pending at step 0, got %s step %d", res.Status, res.Step)
	}

	res, err = e.Continue(context.Background(), "t")
	if err != nil || res.Status != StatusCompleted {
		t.Errorf("expected continue to complete, got %v %v", res, err)
	}
}

func TestEngine_Continue_Protocol(t *testing.T) {
	e := mustEngine(t, branchGraph(t), store.NewMemStore())
	ctx := context.Background()

	_, err := e.Continue(ctx, "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := e.Run(ctx, "t", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, err = e.Continue(ctx, "t")
	var ipe *InterruptProtocolError
	if !errors.As(err, &ipe) {
		t.Errorf("expected InterruptProtocolError on completed thread, got %v", err)
	}
}

func TestEngine_Stream(t *testing.T) {
	e := mustEngine(t, fanGraph(t, nil), store.NewMemStore())
	ctx := context.Background()

	var got []string
	for ev, err := range e.Stream(ctx, "t", nil) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		got = append(got, fmt.Sprintf("%d:%s", ev.Step, ev.NodeID))
	}
	want := []string{"1:a", "2:b", "2:c", "2:d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEngine_StreamStopEarly(t *testing.T) {
	e := mustEngine(t, fanGraph(t, nil), store.NewMemStore())
	ctx := context.Background()

	for ev, err := range e.Stream(ctx, "t", nil) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		if ev.NodeID == "a" {
			break
		}
	}

	state, err := e.GetState(ctx, "t")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != StatusPending || state.Step != 1 {
		t.Errorf("expected pending after step 1, got %s step %d", state.Status, state.Step)
	}
	if !reflect.DeepEqual(state.Frontier, []string{"b", "c", "d"}) {
		t.Errorf("expected frontier [b c d], got %v", state.Frontier)
	}

	res, err := e.Continue(ctx, "t")
	if err != nil || res.Status != StatusCompleted {
		t.Fatalf("continue: %v %v", res, err)
	}
}

func TestEngine_StreamError(t *testing.T) {
	b := NewBuilder(flowSchema())
	_ = b.AddNode("a", NodeFunc(func(context.Context, State) NodeResult { return Fail(errors.New("nope")) }))
	_ = b.AddEdge(Start, "a")
	e := mustEngine(t, mustCompile(t, b), store.NewMemStore())

	var errs []error
	for _, err := range e.Stream(context.Background(), "t", nil) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	var ee *ExecutionError
	if !errors.As(errs[0], &ee) {
		t.Errorf("expected ExecutionError, got %v", errs[0])
	}
}

func TestEngine_Events(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := mustEngine(t, branchGraph(t), store.NewMemStore(),
		WithEmitter(buf), WithClock(func() time.Time { return fixed }))

	if _, err := e.Run(context.Background(), "t", map[string]any{"seen": "x"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		emit.MsgCheckpointSaved, emit.MsgRunStart,
		emit.MsgNodeStart, emit.MsgNodeEnd, emit.MsgCheckpointSaved, emit.MsgSuperstepEnd,
		emit.MsgNodeStart, emit.MsgNodeEnd, emit.MsgCheckpointSaved, emit.MsgSuperstepEnd,
		emit.MsgRunComplete,
	}
	if got := buf.Messages("t"); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	for _, ev := range buf.GetHistory("t") {
		if !ev.Time.Equal(fixed) {
			t.Errorf("expected event time from clock, got %v", ev.Time)
		}
	}
}

func TestEngine_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)
	e := mustEngine(t, branchGraph(t), store.NewMemStore(), WithMetrics(metrics))

	if _, err := e.Run(context.Background(), "t", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := testutil.ToFloat64(metrics.supersteps); got != 2 {
		t.Errorf("expected 2 supersteps, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.inflightNodes); got != 0 {
		t.Errorf("expected no inflight nodes, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.nodeLatency); got != 2 {
		t.Errorf("expected latency series for 2 nodes, got %d", got)
	}
}

func TestNew_Options(t *testing.T) {
	g := branchGraph(t)
	tests := []struct {
		name string
		opts []Option
	}{
		{"negative max steps", []Option{WithMaxSteps(-1)}},
		{"negative concurrency", []Option{WithMaxConcurrent(-1)}},
		{"nil clock", []Option{WithClock(nil)}},
		{"negative struct", []Option{WithOptions(Options{MaxSteps: -3})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(g, store.NewMemStore(), tt.opts...); err == nil {
				t.Error("expected option error")
			}
		})
	}

	if _, err := New(nil, store.NewMemStore()); err == nil {
		t.Error("expected error for nil graph")
	}
	if _, err := New(g, nil); err == nil {
		t.Error("expected error for nil store")
	}
}
