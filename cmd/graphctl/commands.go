package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dshills/durable-graph/graph"
	"github.com/dshills/durable-graph/graph/tool"
)

// inputFlags are the flags that carry state values.
type inputFlags struct {
	sets        []string
	raw         string
	stream      bool
	interactive bool
}

func (f *inputFlags) register(cmd *cobra.Command, what string) {
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, what+" value as field=value; JSON values are decoded")
	cmd.Flags().StringVar(&f.raw, "input", "", what+" values as a JSON object")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "print node events as JSON lines while running")
	cmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false, "prompt on stdin whenever a human node is waiting")
}

func newRunCmd(g *globals) *cobra.Command {
	var (
		thread string
		in     inputFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a thread, or restart a completed one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			initial, err := parseValues(in.sets, in.raw)
			if err != nil {
				return err
			}
			if thread == "" {
				thread = uuid.NewString()
			}
			a, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			call := func(ctx context.Context) (*graph.Result, error) {
				return a.engine.Run(ctx, thread, initial)
			}
			if in.stream {
				call = func(ctx context.Context) (*graph.Result, error) {
					return a.streamed(ctx, cmd.OutOrStdout(), thread, a.engine.Stream(ctx, thread, initial))
				}
			}
			return a.finish(cmd, call, in.interactive)
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "thread id; a new UUID when empty")
	in.register(cmd, "initial state")
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	var (
		thread string
		node   string
		in     inputFlags
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Answer a waiting human node and continue the thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			values, err := parseValues(in.sets, in.raw)
			if err != nil {
				return err
			}
			a, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			input := graph.Input{NodeID: node, Values: values}
			call := func(ctx context.Context) (*graph.Result, error) {
				return a.engine.Resume(ctx, thread, input)
			}
			if in.stream {
				call = func(ctx context.Context) (*graph.Result, error) {
					return a.streamed(ctx, cmd.OutOrStdout(), thread, a.engine.StreamResume(ctx, thread, input))
				}
			}
			return a.finish(cmd, call, in.interactive)
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "thread id")
	cmd.Flags().StringVar(&node, "node", "", "human node being answered; optional when only one is waiting")
	in.register(cmd, "input")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func newContinueCmd(g *globals) *cobra.Command {
	var (
		thread      string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Retry a thread from its last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.finish(cmd, func(ctx context.Context) (*graph.Result, error) {
				return a.engine.Continue(ctx, thread)
			}, interactive)
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "thread id")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt on stdin whenever a human node is waiting")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func newStateCmd(g *globals) *cobra.Command {
	var thread string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the latest checkpoint of a thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ts, err := a.engine.GetState(cmd.Context(), thread)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stateView(*ts))
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "thread id")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	var thread string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print every checkpoint of a thread in step order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			states, err := a.engine.History(cmd.Context(), thread)
			if err != nil {
				return err
			}
			views := make([]threadView, 0, len(states))
			for _, ts := range states {
				views = append(views, stateView(ts))
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "thread id")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the workflow design compiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			a := &app{cfg: cfg}
			if err := a.compile(); err != nil {
				return err
			}
			human := 0
			for _, n := range a.doc.Nodes {
				if n.Human() {
					human++
				}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"name":   a.doc.Name,
				"fields": len(a.doc.Fields),
				"nodes":  len(a.doc.Nodes),
				"human":  human,
				"valid":  true,
			})
		},
	}
}

func newCapabilitiesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Show how each node's declared tools resolve and which integrations need keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			a := &app{cfg: cfg}
			if err := a.load(); err != nil {
				return err
			}
			policy, err := tool.ParseDedupPolicy(a.doc.Dedup)
			if err != nil {
				return err
			}
			reports, missing, reportErr := a.tools.Report(a.doc.Capabilities(), policy)
			if missing == nil {
				missing = []tool.Integration{}
			}
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"policy":  policy.String(),
				"nodes":   reports,
				"missing": missing,
			}); err != nil {
				return err
			}
			return reportErr
		},
	}
}

// finish runs call, drives human nodes from stdin when interactive and
// prints the final thread.
func (a *app) finish(cmd *cobra.Command, call func(context.Context) (*graph.Result, error), interactive bool) error {
	ctx := cmd.Context()
	res, err := call(ctx)
	if err != nil {
		if res != nil {
			_ = writeJSON(cmd.OutOrStdout(), resultView(res))
		}
		return err
	}
	if interactive {
		res, err = a.drive(ctx, res, bufio.NewReader(cmd.InOrStdin()), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	} else if res.Status == graph.StatusAwaitingInput {
		describePending(cmd.ErrOrStderr(), res.Pending)
	}
	return writeJSON(cmd.OutOrStdout(), resultView(res))
}

// drive answers waiting human nodes from in until the thread stops waiting.
// Replies are taken as plain strings.
func (a *app) drive(ctx context.Context, res *graph.Result, in *bufio.Reader, prompts io.Writer) (*graph.Result, error) {
	for res.Status == graph.StatusAwaitingInput && len(res.Pending) > 0 {
		next := res.Pending[0]
		fmt.Fprintln(prompts)
		describePending(prompts, []graph.Interrupt{next})

		values := make(map[string]any, len(next.InputFields))
		for _, field := range next.InputFields {
			fmt.Fprintf(prompts, "%s> ", field)
			line, err := in.ReadString('\n')
			if err != nil && (!errors.Is(err, io.EOF) || line == "") {
				return nil, fmt.Errorf("read %s for %s: %w", field, next.NodeID, err)
			}
			values[field] = strings.TrimSpace(line)
		}

		var err error
		res, err = a.engine.Resume(ctx, res.ThreadID, graph.Input{NodeID: next.NodeID, Values: values})
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// streamed prints each node event of seq as a JSON line and returns the
// thread as it stands afterwards.
func (a *app) streamed(ctx context.Context, w io.Writer, thread string, seq iter.Seq2[graph.NodeEvent, error]) (*graph.Result, error) {
	enc := json.NewEncoder(w)
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	ts, err := a.engine.GetState(ctx, thread)
	if err != nil {
		return nil, err
	}
	return &graph.Result{
		ThreadID: ts.ThreadID,
		Status:   ts.Status,
		Step:     ts.Step,
		State:    ts.State,
		Frontier: ts.Frontier,
		Pending:  ts.Pending,
	}, nil
}
