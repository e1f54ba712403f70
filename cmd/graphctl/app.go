package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/durable-graph/graph"
	"github.com/dshills/durable-graph/graph/design"
	"github.com/dshills/durable-graph/graph/emit"
	"github.com/dshills/durable-graph/graph/model"
	"github.com/dshills/durable-graph/graph/model/anthropic"
	"github.com/dshills/durable-graph/graph/model/google"
	"github.com/dshills/durable-graph/graph/model/openai"
	"github.com/dshills/durable-graph/graph/store"
	"github.com/dshills/durable-graph/graph/tool"
	"github.com/dshills/durable-graph/internal/config"
	"github.com/dshills/durable-graph/internal/recruit"
)

// app is everything one graphctl command needs.
type app struct {
	cfg      config.Config
	doc      *design.Document
	tools    *tool.Registry
	compiled *design.Compiled
	store    store.Store
	engine   *graph.Engine

	metricsAddr string

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logw io.Writer) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	if err := a.compile(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	opts := []graph.Option{
		graph.WithMaxSteps(cfg.MaxSteps),
		graph.WithMaxConcurrent(cfg.MaxConcurrent),
	}

	var emitters []emit.Emitter
	switch cfg.LogFormat {
	case "text", "json":
		emitters = append(emitters, emit.NewLogEmitter(logw, cfg.LogFormat == "json"))
	}
	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(logw))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		otelEmitter := emit.NewOTelEmitter(tp.Tracer("graphctl"))
		emitters = append(emitters, otelEmitter)
		a.closers = append(a.closers, tp.Shutdown, otelEmitter.Flush)
	}
	if len(emitters) > 0 {
		opts = append(opts, graph.WithEmitter(emit.NewMultiEmitter(emitters...)))
	}

	if cfg.MetricsAddr != "" {
		m, err := a.serveMetrics(cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, graph.WithMetrics(m))
	}

	engine, err := graph.New(a.compiled.Graph, st, opts...)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	ready = true
	return a, nil
}

// load reads the design and builds the capability registry.
func (a *app) load() error {
	doc, err := loadDesign(a.cfg.Design)
	if err != nil {
		return err
	}
	if doc.Dedup == "" {
		doc.Dedup = a.cfg.Dedup
	}
	a.doc = doc

	tools, err := recruit.Tools(nil)
	if err != nil {
		return err
	}
	a.tools = tools
	return nil
}

// compile loads the design and compiles it against the pipeline's nodes
// and tools. It needs no store.
func (a *app) compile() error {
	if err := a.load(); err != nil {
		return err
	}
	chat, err := chatModel(a.cfg.LLM, os.LookupEnv)
	if err != nil {
		return err
	}
	compiled, err := recruit.New(a.tools, chat).Compile(a.doc)
	if err != nil {
		return err
	}
	a.compiled = compiled
	return nil
}

func loadDesign(path string) (*design.Document, error) {
	if path == "" {
		return recruit.Design()
	}
	return design.LoadFile(path)
}

// serveMetrics starts the /metrics endpoint and returns the engine metrics
// registered on it.
func (a *app) serveMetrics(addr string) (*graph.PrometheusMetrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := graph.NewPrometheusMetrics(registry)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	a.metricsAddr = ln.Addr().String()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.Serve(ln)
	}()
	a.closers = append(a.closers, srv.Shutdown)
	return metrics, nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Provider API key variables, in the order auto tries them.
var providerKeys = []struct {
	provider string
	env      string
}{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
	{"google", "GOOGLE_API_KEY"},
}

// chatModel returns the model for provider, or nil when no model is used.
func chatModel(provider string, lookup func(string) (string, bool)) (model.ChatModel, error) {
	if provider == "none" {
		return nil, nil
	}
	for _, p := range providerKeys {
		if provider != "auto" && provider != p.provider {
			continue
		}
		key, _ := lookup(p.env)
		if key == "" {
			if provider == "auto" {
				continue
			}
			return nil, fmt.Errorf("llm %s: %s is not set", provider, p.env)
		}
		switch p.provider {
		case "anthropic":
			return anthropic.NewChatModel(key, ""), nil
		case "openai":
			return openai.NewChatModel(key, ""), nil
		case "google":
			return google.NewChatModel(key, ""), nil
		}
	}
	if provider == "auto" {
		return nil, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", provider)
}
