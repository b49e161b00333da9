package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// CELEvaluator backs the engine's adapter hook with CEL expressions.
// Queries are registered by name and compiled once; evaluation runs under
// an interrupt check and a hard cost limit so a hostile expression cannot
// stall the decision path.
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEvaluator builds an evaluator whose expressions see two variables:
// agent_did (string) and context (map of the caller's evaluation context).
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent_did", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// AddQuery compiles expr and registers it under name. The expression must
// produce a bool. Recompiling an existing name replaces it.
func (c *CELEvaluator) AddQuery(name, expr string) error {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("query %s compile: %w", name, issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return fmt.Errorf("query %s program: %w", name, err)
	}

	c.mu.Lock()
	c.programs[name] = prg
	c.mu.Unlock()
	return nil
}

// Evaluate runs the named query against the input and maps the bool result
// onto an allow/deny verdict.
func (c *CELEvaluator) Evaluate(ctx context.Context, queryPath string, input map[string]any) (*AdapterDecision, error) {
	c.mu.RLock()
	prg, ok := c.programs[queryPath]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("query %s not registered", queryPath)
	}

	start := time.Now()
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query %s eval: %w", queryPath, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("query %s result not bool", queryPath)
	}
	return &AdapterDecision{
		Allowed: allowed,
		Source:  "cel:" + queryPath,
		EvalMS:  msSince(start),
	}, nil
}
