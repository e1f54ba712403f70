package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lookup(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(lookup(nil))
	if err != nil {
		t.Fatalf("FromLookup() error = %v", err)
	}
	if cfg != Default() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestFromLookup_Env(t *testing.T) {
	cfg, err := FromLookup(lookup(map[string]string{
		EnvStore:         "Postgres",
		EnvDSN:           "postgres://localhost/graph",
		EnvMaxConcurrent: "4",
		EnvMaxSteps:      "0",
		EnvLogFormat:     "json",
		EnvMetricsAddr:   "localhost:9090",
		EnvDesign:        "design.yaml",
		EnvTracing:       "true",
		EnvDedup:         "bind_all",
		EnvLLM:           "OpenAI",
	}))
	if err != nil {
		t.Fatalf("FromLookup() error = %v", err)
	}
	want := Config{
		Store:         "postgres",
		DSN:           "postgres://localhost/graph",
		MaxConcurrent: 4,
		MaxSteps:      0,
		LogFormat:     "json",
		MetricsAddr:   "localhost:9090",
		Design:        "design.yaml",
		Tracing:       true,
		Dedup:         "bind_all",
		LLM:           "openai",
	}
	if cfg != want {
		t.Errorf("cfg = %+v\nwant %+v", cfg, want)
	}
}

func TestFromLookup_MemoryDropsDefaultDSN(t *testing.T) {
	cfg, err := FromLookup(lookup(map[string]string{EnvStore: "memory"}))
	if err != nil {
		t.Fatalf("FromLookup() error = %v", err)
	}
	if cfg.DSN != "" {
		t.Errorf("DSN = %q, want empty", cfg.DSN)
	}
}

func TestFromLookup_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"unknown store", map[string]string{EnvStore: "redis"}, "Store"},
		{"negative concurrency", map[string]string{EnvMaxConcurrent: "-1"}, "MaxConcurrent"},
		{"not a number", map[string]string{EnvMaxSteps: "many"}, EnvMaxSteps},
		{"bad bool", map[string]string{EnvTracing: "sometimes"}, EnvTracing},
		{"bad log format", map[string]string{EnvLogFormat: "xml"}, "LogFormat"},
		{"bad metrics addr", map[string]string{EnvMetricsAddr: "nine"}, "MetricsAddr"},
		{"bad dedup", map[string]string{EnvDedup: "maybe"}, "Dedup"},
		{"bad llm", map[string]string{EnvLLM: "llama"}, "LLM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromLookup(lookup(tt.vars))
			if err == nil {
				t.Fatal("FromLookup() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestFromLookup_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	body := "store: mysql\ndsn: user:pw@/graph\nmax_concurrent: 8\ntracing: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := FromLookup(lookup(map[string]string{EnvConfig: path, EnvMaxConcurrent: "2"}))
	if err != nil {
		t.Fatalf("FromLookup() error = %v", err)
	}
	if cfg.Store != "mysql" || cfg.DSN != "user:pw@/graph" || !cfg.Tracing {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, env should win over file", cfg.MaxConcurrent)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("stor: sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := FromLookup(lookup(map[string]string{EnvConfig: bad})); err == nil {
		t.Error("unknown key in config file accepted")
	}
	noDSN := filepath.Join(dir, "nodsn.yaml")
	if err := os.WriteFile(noDSN, []byte("store: postgres\ndsn: ''\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := FromLookup(lookup(map[string]string{EnvConfig: noDSN})); err == nil || !strings.Contains(err.Error(), "DSN") {
		t.Errorf("postgres without dsn error = %v", err)
	}
	if _, err := FromLookup(lookup(map[string]string{EnvConfig: filepath.Join(dir, "missing.yaml")})); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GRAPH_STORE=memory\nGRAPH_MAX_STEPS=7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvMaxSteps, "9")

	cfg, err := Load(filepath.Join(dir, "absent.env"), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store != "memory" {
		t.Errorf("Store = %s, want memory from .env", cfg.Store)
	}
	if cfg.MaxSteps != 9 {
		t.Errorf("MaxSteps = %d, process env should win over .env", cfg.MaxSteps)
	}
}
