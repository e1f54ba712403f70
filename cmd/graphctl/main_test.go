package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/durable-graph/graph"
	"github.com/dshills/durable-graph/graph/model/anthropic"
	"github.com/dshills/durable-graph/graph/model/openai"
	"github.com/dshills/durable-graph/graph/store"
)

// testEnv points graphctl at a fresh SQLite file with quiet logging and
// no credentials.
func testEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"GRAPH_CONFIG":       "",
		"GRAPH_STORE":        "sqlite",
		"GRAPH_DSN":          filepath.Join(t.TempDir(), "graph.db"),
		"GRAPH_LOG_FORMAT":   "none",
		"GRAPH_LLM":          "none",
		"GRAPH_METRICS_ADDR": "",
		"GRAPH_TRACING":      "false",
		"GRAPH_DESIGN":       "",
		"GRAPH_DEDUP":        "",
		"INSTANTLY_API_KEY":  "",
		"HEYGEN_API_KEY":     "",
		"STRIPE_SECRET_KEY":  "",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

type view struct {
	ThreadID string         `json:"thread_id"`
	Status   string         `json:"status"`
	Step     int            `json:"step"`
	State    map[string]any `json:"state"`
	Frontier []string       `json:"frontier"`
	Pending  []struct {
		NodeID string `json:"node_id"`
	} `json:"pending"`
}

func decodeView(t *testing.T, out string) view {
	t.Helper()
	var v view
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	return v
}

func TestCLI_RunResumeAcrossInvocations(t *testing.T) {
	testEnv(t)

	out, stderr, err := execute(t, "", "run", "--thread", "t-1",
		"--set", `job={"title":"Go developer","candidates":["ada","grace"]}`)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	v := decodeView(t, out)
	if v.Status != string(graph.StatusAwaitingInput) || v.Pending[0].NodeID != "human_initial_screening_call" {
		t.Fatalf("run = %s %+v", v.Status, v.Pending)
	}
	if !strings.Contains(stderr, "waiting on human_initial_screening_call") {
		t.Errorf("stderr = %q, want pending description", stderr)
	}

	out, _, err = execute(t, "", "resume", "--thread", "t-1",
		"--set", "call_notes=strong fit", "--set", "call_outcome=pass")
	if err != nil {
		t.Fatalf("resume(call) error = %v", err)
	}
	v = decodeView(t, out)
	if v.Status != string(graph.StatusAwaitingInput) || v.Pending[0].NodeID != "human_client_submission_approval" {
		t.Fatalf("resume(call) = %s %+v", v.Status, v.Pending)
	}

	out, _, err = execute(t, "", "resume", "--thread", "t-1",
		"--node", "human_client_submission_approval", "--input", `{"approval":"yes"}`)
	if err != nil {
		t.Fatalf("resume(approval) error = %v", err)
	}
	v = decodeView(t, out)
	if v.Status != string(graph.StatusCompleted) || v.State["status"] != "invoiced" {
		t.Fatalf("resume(approval) = %s %v", v.Status, v.State)
	}

	out, _, err = execute(t, "", "state", "--thread", "t-1")
	if err != nil {
		t.Fatalf("state error = %v", err)
	}
	if s := decodeView(t, out); s.Status != string(graph.StatusCompleted) || s.Step != v.Step || len(s.Frontier) != 0 {
		t.Errorf("state = %+v, want completed at step %d", s, v.Step)
	}

	out, _, err = execute(t, "", "history", "--thread", "t-1")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var hist []view
	if err := json.Unmarshal([]byte(out), &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist) < 3 || hist[0].Step != 0 || hist[len(hist)-1].Step != v.Step {
		t.Fatalf("history = %d checkpoints", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Step <= hist[i-1].Step {
			t.Errorf("history steps out of order at %d: %d then %d", i, hist[i-1].Step, hist[i].Step)
		}
	}
}

func TestCLI_Interactive(t *testing.T) {
	tests := []struct {
		name   string
		stdin  string
		status string
		done   bool
	}{
		{"placement", "strong fit\npass\nyes\n", "invoiced", false},
		{"exit word", "done\n\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testEnv(t)
			out, stderr, err := execute(t, tt.stdin, "run", "-i",
				"--set", `job={"title":"Go developer","candidates":["ada"]}`)
			if err != nil {
				t.Fatalf("run -i error = %v", err)
			}
			v := decodeView(t, out)
			if v.Status != string(graph.StatusCompleted) {
				t.Fatalf("status = %s, want completed", v.Status)
			}
			if tt.status != "" && v.State["status"] != tt.status {
				t.Errorf("state.status = %v, want %s", v.State["status"], tt.status)
			}
			if done, _ := v.State["done"].(bool); done != tt.done {
				t.Errorf("done = %v, want %v", v.State["done"], tt.done)
			}
			if !strings.Contains(stderr, "call_notes> ") {
				t.Errorf("stderr = %q, want field prompt", stderr)
			}
		})
	}
}

func TestCLI_InteractiveEOF(t *testing.T) {
	testEnv(t)
	_, _, err := execute(t, "", "run", "-i", "--set", `job={"candidates":["ada"]}`)
	if err == nil || !errors.Is(err, io.EOF) {
		t.Errorf("error = %v, want EOF", err)
	}
}

func TestCLI_Stream(t *testing.T) {
	testEnv(t)

	out, _, err := execute(t, "", "run", "--stream", "--thread", "s-1")
	if err != nil {
		t.Fatalf("run --stream error = %v", err)
	}

	dec := json.NewDecoder(strings.NewReader(out))
	type event struct {
		Step   int    `json:"step"`
		NodeID string `json:"node_id"`
	}
	var events []event
	var final view
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(raw, []byte(`"thread_id"`)) {
			if err := json.Unmarshal(raw, &final); err != nil {
				t.Fatal(err)
			}
			continue
		}
		var ev event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
	}

	if len(events) == 0 || events[0].NodeID != "job_info_gathering" {
		t.Fatalf("events = %+v", events)
	}
	if final.ThreadID != "s-1" || final.Status != string(graph.StatusCompleted) || final.State["status"] != "no_candidates" {
		t.Errorf("final = %+v", final)
	}
}

func TestCLI_Errors(t *testing.T) {
	testEnv(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown thread", []string{"state", "--thread", "nope"}, 1},
		{"resume unknown thread", []string{"resume", "--thread", "nope", "--set", "approval=yes"}, 3},
		{"unknown initial field", []string{"run", "--set", "salary=1"}, 2},
		{"bad set", []string{"run", "--set", "salary"}, 1},
		{"bad input json", []string{"run", "--input", "{"}, 1},
		{"missing thread flag", []string{"state"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, "", tt.args...)
			if err == nil {
				t.Fatal("command succeeded, want error")
			}
			if got := exitCode(err); got != tt.code {
				t.Errorf("exitCode(%v) = %d, want %d", err, got, tt.code)
			}
		})
	}
}

func TestCLI_ResumeNotWaiting(t *testing.T) {
	testEnv(t)
	if _, _, err := execute(t, "", "run", "--thread", "done-1"); err != nil {
		t.Fatal(err)
	}
	_, _, err := execute(t, "", "resume", "--thread", "done-1", "--set", "approval=yes")
	var ierr *graph.InterruptProtocolError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want InterruptProtocolError", err)
	}
	if exitCode(err) != 3 {
		t.Errorf("exitCode = %d, want 3", exitCode(err))
	}
}

func TestCLI_Validate(t *testing.T) {
	testEnv(t)

	out, _, err := execute(t, "", "validate")
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got["valid"] != true || got["nodes"] != float64(9) || got["human"] != float64(2) {
		t.Errorf("validate = %v", got)
	}

	_, _, err = execute(t, "", "validate", "--design", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("validate accepted a missing design file")
	}
}

func TestCLI_Capabilities(t *testing.T) {
	testEnv(t)
	t.Setenv("HEYGEN_API_KEY", "key")

	out, _, err := execute(t, "", "capabilities")
	if err != nil {
		t.Fatalf("capabilities error = %v", err)
	}
	var got struct {
		Policy string `json:"policy"`
		Nodes  []struct {
			Node     string `json:"node"`
			Bindings []struct {
				Capability string `json:"capability"`
				Status     string `json:"status"`
			} `json:"bindings"`
		} `json:"nodes"`
		Missing []struct {
			EnvVar string `json:"env_var"`
		} `json:"missing"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got.Policy != "dedup_by_capability" {
		t.Errorf("policy = %s", got.Policy)
	}
	envs := map[string]bool{}
	for _, m := range got.Missing {
		envs[m.EnvVar] = true
	}
	if !envs["INSTANTLY_API_KEY"] || !envs["STRIPE_SECRET_KEY"] || envs["HEYGEN_API_KEY"] {
		t.Errorf("missing = %+v", got.Missing)
	}
	statuses := map[string]string{}
	for _, n := range got.Nodes {
		for _, b := range n.Bindings {
			statuses[b.Capability] = b.Status
		}
	}
	if statuses["heygen_create_video"] != "configured" || statuses["stripe_create_invoice"] != "needs_key" {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestCLI_TracingAndJSONLog(t *testing.T) {
	testEnv(t)
	t.Setenv("GRAPH_TRACING", "true")
	t.Setenv("GRAPH_LOG_FORMAT", "json")

	_, stderr, err := execute(t, "", "run")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if !strings.Contains(stderr, `"msg":"run_start"`) {
		t.Errorf("stderr lacks JSON log lines:\n%s", stderr)
	}
	if !strings.Contains(stderr, `"Name":"node job_info_gathering"`) {
		t.Errorf("stderr lacks node spans:\n%s", stderr)
	}
}

func TestApp_ServeMetrics(t *testing.T) {
	a := &app{}
	m, err := a.serveMetrics("127.0.0.1:0")
	if err != nil {
		t.Fatalf("serveMetrics() error = %v", err)
	}
	defer a.Close()
	if m == nil {
		t.Fatal("serveMetrics() returned nil metrics")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", a.metricsAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("GET /metrics = %d\n%s", resp.StatusCode, body)
	}
}

func TestApp_MemoryStoreFlag(t *testing.T) {
	testEnv(t)
	g := &globals{store: "memory"}
	cfg, err := g.config()
	if err != nil {
		t.Fatal(err)
	}
	a, err := newApp(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()
	if _, ok := a.store.(*store.MemStore); !ok {
		t.Errorf("store = %T, want *store.MemStore", a.store)
	}
}

func TestChatModel(t *testing.T) {
	keys := func(vars map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		}
	}

	tests := []struct {
		name     string
		provider string
		vars     map[string]string
		want     string
		wantErr  bool
	}{
		{"none", "none", map[string]string{"OPENAI_API_KEY": "k"}, "<nil>", false},
		{"auto without keys", "auto", nil, "<nil>", false},
		{"auto picks first key", "auto", map[string]string{"OPENAI_API_KEY": "k", "GOOGLE_API_KEY": "k"}, fmt.Sprintf("%T", &openai.ChatModel{}), false},
		{"explicit", "anthropic", map[string]string{"ANTHROPIC_API_KEY": "k"}, fmt.Sprintf("%T", &anthropic.ChatModel{}), false},
		{"explicit without key", "google", nil, "", true},
		{"unknown", "llama", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := chatModel(tt.provider, keys(tt.vars))
			if (err != nil) != tt.wantErr {
				t.Fatalf("chatModel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := fmt.Sprintf("%T", m); got != tt.want {
				t.Errorf("chatModel() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseValues(t *testing.T) {
	got, err := parseValues([]string{"n=3", "name=ada", `tags=["a"]`, "note=a=b"}, `{"n":1,"x":true}`)
	if err != nil {
		t.Fatal(err)
	}
	if got["n"] != float64(3) || got["name"] != "ada" || got["x"] != true || got["note"] != "a=b" {
		t.Errorf("parseValues() = %v", got)
	}
	if tags, ok := got["tags"].([]any); !ok || len(tags) != 1 {
		t.Errorf("tags = %v", got["tags"])
	}
}
