package graph

import (
	"errors"
	"time"

	"github.com/dshills/durable-graph/graph/emit"
)

// Options configures an Engine.
type Options struct {
	// MaxSteps bounds the supersteps one call may run. Zero means no
	// limit; cyclic graphs then rely on their own exit condition.
	MaxSteps int

	// MaxConcurrentNodes bounds how many computation nodes of a superstep
	// run at once. Zero runs the whole superstep in parallel.
	MaxConcurrentNodes int

	Emitter emit.Emitter
	Metrics *PrometheusMetrics
	Clock   func() time.Time
}

// Option is a functional option for New.
//
//	engine, err := graph.New(g, st,
//	    graph.WithMaxSteps(50),
//	    graph.WithMaxConcurrent(4),
//	    graph.WithEmitter(emit.NewLogEmitter(os.Stderr, true)),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// WithOptions replaces the whole option struct.
func WithOptions(o Options) Option {
	return func(cfg *engineConfig) error {
		if o.MaxSteps < 0 || o.MaxConcurrentNodes < 0 {
			return errors.New("options must not be negative")
		}
		cfg.opts = o
		return nil
	}
}

// WithMaxSteps limits the supersteps run by one Run, Resume or Continue
// call. A stopped thread reports StatusPending and can be continued.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return errors.New("MaxSteps must be >= 0")
		}
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithMaxConcurrent limits parallel node execution inside a superstep.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return errors.New("MaxConcurrentNodes must be >= 0")
		}
		cfg.opts.MaxConcurrentNodes = n
		return nil
	}
}

// WithEmitter sets the event sink. The default discards events.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithClock overrides time.Now for checkpoint and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		cfg.opts.Clock = now
		return nil
	}
}
