// Package recruit is the demo workflow shipped with graphctl: a
// recruitment agency pipeline from job intake to invoicing, with two
// human checkpoints. Node bodies are placeholders that exercise the
// declared tools; they carry no recruitment rules.
package recruit

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/dshills/durable-graph/graph"
	"github.com/dshills/durable-graph/graph/design"
	"github.com/dshills/durable-graph/graph/model"
	"github.com/dshills/durable-graph/graph/tool"
)

//go:embed pipeline.yaml
var pipelineYAML []byte

// ExitWords end the conversation when typed as call notes.
var ExitWords = []string{"done", "exit", "quit"}

// Design returns the embedded pipeline design.
func Design() (*design.Document, error) {
	return design.Parse(pipelineYAML)
}

// Pipeline holds what the node implementations need at run time.
type Pipeline struct {
	tools *tool.Registry
	chat  model.ChatModel

	mu       sync.RWMutex
	bindings map[string][]tool.Binding
}

// New creates a pipeline. chat may be nil, in which case the job advert
// is templated instead of generated.
func New(tools *tool.Registry, chat model.ChatModel) *Pipeline {
	return &Pipeline{tools: tools, chat: chat}
}

// Compile compiles doc against the pipeline's nodes and tools and keeps
// the resulting tool bindings for the nodes to use.
func (p *Pipeline) Compile(doc *design.Document) (*design.Compiled, error) {
	reg, err := p.Registry()
	if err != nil {
		return nil, err
	}
	c, err := design.Compile(doc, reg, p.tools)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.bindings = c.Bindings
	p.mu.Unlock()
	return c, nil
}

// Registry returns the static node registry.
func (p *Pipeline) Registry() (*graph.Registry, error) {
	reg := graph.NewRegistry()

	jobAd := graph.Node(graph.NodeFunc(p.jobAdCreation))
	if p.chat != nil {
		jobAd = &model.ChatNode{
			Model:  p.chat,
			System: "Write a short, inclusive job advert for the role described in the input.",
			Inputs: []string{"job"},
			Output: "job_ad",
		}
	}

	entries := []struct {
		name string
		node graph.Node
	}{
		{"job_info_gathering", graph.NodeFunc(p.jobInfoGathering)},
		{"job_ad_creation", jobAd},
		{"candidate_sourcing", graph.NodeFunc(p.candidateSourcing)},
		{"cv_screening", graph.NodeFunc(p.cvScreening)},
		{"candidate_qualifier", graph.NodeFunc(candidateQualifier)},
		{"contract_generation", graph.NodeFunc(p.contractGeneration)},
		{"invoice_generation", graph.NodeFunc(p.invoiceGeneration)},
	}
	for _, e := range entries {
		if err := reg.Register(e.name, e.node); err != nil {
			return nil, err
		}
	}
	if err := reg.RegisterParser("exit_words", graph.ExitOnWords("call_notes", "done", ExitWords...)); err != nil {
		return nil, err
	}
	return reg, nil
}

func (p *Pipeline) jobInfoGathering(ctx context.Context, s graph.State) graph.NodeResult {
	job := s.Map("job")
	title, _ := job["title"].(string)
	if title == "" {
		title = "Untitled role"
	}
	results, err := p.useTools(ctx, "job_info_gathering", map[string]interface{}{"query": title})
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Update(graph.Delta{
		"job":          map[string]any{"title": title, "gathered": true},
		"tool_results": results,
	})
}

func (p *Pipeline) jobAdCreation(ctx context.Context, s graph.State) graph.NodeResult {
	title, _ := s.Map("job")["title"].(string)
	results, err := p.useTools(ctx, "job_ad_creation", map[string]interface{}{"title": title})
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Update(graph.Delta{
		"job_ad":       fmt.Sprintf("We are hiring: %s.", title),
		"tool_results": results,
	})
}

func (p *Pipeline) candidateSourcing(ctx context.Context, s graph.State) graph.NodeResult {
	var found []any
	if seeds, ok := s.Map("job")["candidates"].([]any); ok {
		found = append(found, seeds...)
	}
	results, err := p.useTools(ctx, "candidate_sourcing", map[string]interface{}{"job": s.Map("job")})
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Update(graph.Delta{"candidates": found, "tool_results": results})
}

func (p *Pipeline) cvScreening(ctx context.Context, s graph.State) graph.NodeResult {
	shortlist := s.List("candidates")
	status := "shortlisted"
	if len(shortlist) == 0 {
		status = "no_candidates"
	}
	results, err := p.useTools(ctx, "cv_screening", map[string]interface{}{"count": len(shortlist)})
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Update(graph.Delta{"shortlist": shortlist, "status": status, "tool_results": results})
}

func candidateQualifier(_ context.Context, s graph.State) graph.NodeResult {
	if strings.EqualFold(strings.TrimSpace(s.String("call_outcome")), "reject") {
		return graph.Decide("rejected", graph.Delta{"status": "rejected"})
	}
	return graph.Decide("qualified", graph.Delta{"status": "qualified"})
}

func (p *Pipeline) contractGeneration(ctx context.Context, s graph.State) graph.NodeResult {
	results, err := p.useTools(ctx, "contract_generation", map[string]interface{}{"shortlist": s.List("shortlist")})
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Update(graph.Delta{
		"offer":        map[string]any{"contract": "drafted"},
		"documents":    []any{"contract"},
		"tool_results": results,
	})
}

func (p *Pipeline) invoiceGeneration(ctx context.Context, s graph.State) graph.NodeResult {
	results, err := p.useTools(ctx, "invoice_generation", map[string]interface{}{"offer": s.Map("offer")})
	if err != nil {
		return graph.Fail(err)
	}
	return graph.Update(graph.Delta{
		"documents":    []any{"invoice"},
		"status":       "invoiced",
		"tool_results": results,
	})
}

// useTools calls every tool bound to node. Capabilities whose credential is
// missing are reported instead of called.
func (p *Pipeline) useTools(ctx context.Context, node string, input map[string]interface{}) (map[string]any, error) {
	p.mu.RLock()
	bindings := p.bindings[node]
	p.mu.RUnlock()

	results := make(map[string]any, len(bindings))
	for _, b := range bindings {
		if b.Status == tool.StatusNeedsKey {
			results[b.Capability] = map[string]any{"ok": false, "needs_key": true}
			continue
		}
		out, err := b.Tool.Call(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Capability, err)
		}
		results[b.Capability] = out
	}
	return results, nil
}
