package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMaxStepsExceeded is returned when a call runs more supersteps than
// WithMaxSteps allows. The thread keeps its last checkpoint and can be
// picked up again with Continue.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ValidationError reports a malformed graph, schema or state update.
type ValidationError struct {
	ThreadID string
	Step     int
	NodeID   string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation")
	if e.ThreadID != "" {
		fmt.Fprintf(&b, ": thread %s step %d", e.ThreadID, e.Step)
	}
	if e.NodeID != "" {
		fmt.Fprintf(&b, ": node %s", e.NodeID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// ExecutionError reports a node that failed, panicked, produced an invalid
// delta or routed to an undeclared key. The superstep it belongs to wrote
// no checkpoint.
type ExecutionError struct {
	ThreadID string
	Step     int
	NodeID   string

	// Input is the snapshot the node was given.
	Input State

	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution: thread %s step %d: node %s: %v", e.ThreadID, e.Step, e.NodeID, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// PersistenceError reports a checkpoint that could not be saved or loaded.
// When a save fails the superstep's progress is discarded.
type PersistenceError struct {
	ThreadID string
	Step     int
	Op       string
	Cause    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s thread %s step %d: %v", e.Op, e.ThreadID, e.Step, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// InterruptProtocolError reports a call that does not fit the thread's
// current status, such as resuming a thread that is not waiting for input.
type InterruptProtocolError struct {
	ThreadID string
	Step     int
	NodeID   string
	Reason   string
}

func (e *InterruptProtocolError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("interrupt: thread %s step %d: node %s: %s", e.ThreadID, e.Step, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("interrupt: thread %s step %d: %s", e.ThreadID, e.Step, e.Reason)
}

// PanicError wraps a value recovered from a panicking node.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node panicked: %v", e.Value)
}
