// Package store persists graph checkpoints.
//
// A checkpoint is written only after a superstep has completed and its
// deltas have been merged, so the latest checkpoint of a thread is always a
// consistent resume point. Every backend keeps the full history of a thread
// and rejects a save whose step does not advance past the latest one.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a thread has no checkpoint.
	ErrNotFound = errors.New("not found")

	// ErrStaleCheckpoint is returned when a save does not advance the
	// thread's step counter.
	ErrStaleCheckpoint = errors.New("stale checkpoint")

	// ErrClosed is returned by any operation on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Checkpoint is the durable record of one thread after a superstep.
type Checkpoint struct {
	ThreadID string `json:"thread_id"`

	// Step increases by at least one on every save of a thread.
	Step int `json:"step"`

	// State is the merged state, encoded as JSON by every backend.
	State map[string]any `json:"state"`

	// Frontier is the sorted set of node ids that run next. Empty means
	// the thread has completed.
	Frontier []string `json:"frontier"`

	// Inputs holds resume values already received for human nodes still
	// waiting in Frontier. It is empty unless several human nodes were
	// pending at once.
	Inputs map[string]map[string]any `json:"inputs,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Store is the checkpoint persistence contract.
//
// Save must be durable before it returns: a process restart right after a
// successful Save must still observe the checkpoint through Load.
type Store interface {
	Save(ctx context.Context, threadID string, cp Checkpoint) error
	Load(ctx context.Context, threadID string) (Checkpoint, error)
	History(ctx context.Context, threadID string) ([]Checkpoint, error)
	Close() error
}

// Open creates a store from a backend name and DSN. Supported backends are
// memory, sqlite, mysql and postgres.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "memory", "mem":
		return NewMemStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "mysql", "mariadb":
		return NewMySQLStore(dsn)
	case "postgres", "postgresql", "pg":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// encoded is a checkpoint in its column form.
type encoded struct {
	state    []byte
	frontier []byte
	inputs   []byte
	created  int64
}

func encode(threadID string, cp Checkpoint) (encoded, error) {
	if threadID == "" {
		return encoded{}, errors.New("thread id is required")
	}
	if cp.Step < 0 {
		return encoded{}, fmt.Errorf("negative step %d", cp.Step)
	}

	state := cp.State
	if state == nil {
		state = map[string]any{}
	}
	frontier := cp.Frontier
	if frontier == nil {
		frontier = []string{}
	}

	var out encoded
	var err error
	if out.state, err = json.Marshal(state); err != nil {
		return encoded{}, fmt.Errorf("encode state: %w", err)
	}
	if out.frontier, err = json.Marshal(frontier); err != nil {
		return encoded{}, fmt.Errorf("encode frontier: %w", err)
	}
	if len(cp.Inputs) > 0 {
		if out.inputs, err = json.Marshal(cp.Inputs); err != nil {
			return encoded{}, fmt.Errorf("encode inputs: %w", err)
		}
	}

	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out.created = ts.UnixNano()
	return out, nil
}

func decode(threadID string, step int, e encoded) (Checkpoint, error) {
	cp := Checkpoint{
		ThreadID:  threadID,
		Step:      step,
		Timestamp: time.Unix(0, e.created).UTC(),
	}
	if err := json.Unmarshal(e.state, &cp.State); err != nil {
		return Checkpoint{}, fmt.Errorf("decode state: %w", err)
	}
	if err := json.Unmarshal(e.frontier, &cp.Frontier); err != nil {
		return Checkpoint{}, fmt.Errorf("decode frontier: %w", err)
	}
	if len(e.inputs) > 0 && string(e.inputs) != "null" {
		if err := json.Unmarshal(e.inputs, &cp.Inputs); err != nil {
			return Checkpoint{}, fmt.Errorf("decode inputs: %w", err)
		}
	}
	return cp, nil
}

func staleError(threadID string, step, latest int) error {
	return fmt.Errorf("%w: thread %q step %d is not after %d", ErrStaleCheckpoint, threadID, step, latest)
}
