package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore keeps checkpoints in process memory.
//
// Checkpoints are stored in their JSON encoded form so values read back
// have the same shape as from the SQL backends (numbers come back as
// float64, lists as []any). Use it for tests and single-process demos; it
// does not survive a restart unless dumped with MarshalJSON.
type MemStore struct {
	mu      sync.RWMutex
	threads map[string][]memRecord
	closed  bool
}

type memRecord struct {
	Step     int             `json:"step"`
	State    json.RawMessage `json:"state"`
	Frontier json.RawMessage `json:"frontier"`
	Inputs   json.RawMessage `json:"inputs,omitempty"`
	Created  int64           `json:"created"`
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		threads: make(map[string][]memRecord),
	}
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, threadID string, cp Checkpoint) error {
	enc, err := encode(threadID, cp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	records := m.threads[threadID]
	if n := len(records); n > 0 && cp.Step <= records[n-1].Step {
		return staleError(threadID, cp.Step, records[n-1].Step)
	}
	m.threads[threadID] = append(records, memRecord{
		Step:     cp.Step,
		State:    enc.state,
		Frontier: enc.frontier,
		Inputs:   enc.inputs,
		Created:  enc.created,
	})
	return nil
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Checkpoint{}, ErrClosed
	}
	records := m.threads[threadID]
	if len(records) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return records[len(records)-1].checkpoint(threadID)
}

// History implements Store.
func (m *MemStore) History(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	records := m.threads[threadID]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Checkpoint, 0, len(records))
	for _, r := range records {
		cp, err := r.checkpoint(threadID)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close implements Store. Stored checkpoints are released.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.threads = nil
	return nil
}

// MarshalJSON dumps every thread so the store can be restored later with
// UnmarshalJSON.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(m.threads)
}

// UnmarshalJSON replaces the store contents with a dump from MarshalJSON.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	threads := make(map[string][]memRecord)
	if err := json.Unmarshal(data, &threads); err != nil {
		return fmt.Errorf("restore memory store: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = threads
	m.closed = false
	return nil
}

func (r memRecord) checkpoint(threadID string) (Checkpoint, error) {
	return decode(threadID, r.Step, encoded{
		state:    r.State,
		frontier: r.Frontier,
		inputs:   r.Inputs,
		created:  r.Created,
	})
}
