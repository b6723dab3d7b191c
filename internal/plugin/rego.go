package plugin

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/toolwatch/toolwatch/internal/event"
)

// RegoPlugin evaluates a Rego policy as an approval strategy.
//
// The policy must use package toolwatch and define:
//
//	approved: bool
//	reason: string (optional)
//
// Input available to the policy mirrors the tool-call event:
//
//	input.tool, input.user, input.model, input.params, ...
type RegoPlugin struct {
	query rego.PreparedEvalQuery
	path  string
}

// NewRegoPlugin loads and compiles a .rego policy file.
func NewRegoPlugin(path string) (Plugin, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	query, err := rego.New(
		rego.Query("data.toolwatch"),
		rego.Module(path, string(source)),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("compiling policy: %w", err)
	}

	return &RegoPlugin{query: query, path: path}, nil
}

// Evaluate runs the policy against the event.
func (p *RegoPlugin) Evaluate(ctx context.Context, ev *event.ToolCallEvent) (*event.ApprovalResponse, error) {
	input, err := eventToMap(ev)
	if err != nil {
		return nil, err
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.path, err)
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy %s returned no result", p.path)
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("policy %s returned unexpected result type", p.path)
	}

	resp := &event.ApprovalResponse{}
	if approved, ok := doc["approved"].(bool); ok {
		resp.Approved = approved
	}
	if reason, ok := doc["reason"].(string); ok {
		resp.Reason = reason
	}
	return resp, nil
}
