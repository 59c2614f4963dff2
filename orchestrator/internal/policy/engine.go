// Package policy classifies tools for file tracking with an OPA policy.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
	cache sync.Map // tool name -> domain.ToolClass
}

// NewEngine creates a new policy engine with the given policy content. The
// policy must define data.tool_activity.classification.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_activity.classification"),
		rego.Module("tool_activity.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Classify returns whether a tool reads files, writes files or is ignored by
// the tracker. Results are cached per tool name.
func (e *Engine) Classify(ctx context.Context, toolName string) (domain.ToolClass, error) {
	if v, ok := e.cache.Load(toolName); ok {
		return v.(domain.ToolClass), nil
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"tool_name": toolName,
	}))
	if err != nil {
		return domain.ToolClassIgnore, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	class := domain.ToolClassIgnore
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if s, ok := results[0].Expressions[0].Value.(string); ok {
			switch domain.ToolClass(s) {
			case domain.ToolClassRead, domain.ToolClassWrite:
				class = domain.ToolClass(s)
			}
		}
	}

	e.cache.Store(toolName, class)
	return class, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_activity

import rego.v1

read_tools := {"Read", "NotebookRead"}

write_tools := {"Write", "Edit", "MultiEdit", "NotebookEdit"}

default classification := "ignore"

classification := "read" if {
	input.tool_name in read_tools
}

classification := "write" if {
	input.tool_name in write_tools
}
`
