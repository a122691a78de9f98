package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Engine evaluates Rego policies against a plan before it is applied.
type Engine struct {
	logger   zerolog.Logger
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger:   logger.With().Str("component", "policy").Logger(),
		policies: make(map[string]*compiledPolicy),
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		if err := e.AddPolicy(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// AddPolicy compiles a policy and registers it, replacing any policy with the
// same name. The module must define a deny set.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// LoadPolicies compiles every .rego file found under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loaded, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range loaded {
		if err := e.AddPolicy(ctx, p); err != nil {
			return engine.NewValidationError(fmt.Sprintf("policy %s does not compile", p.Source), err).
				WithCode(engine.ErrCodeInvalidConfig)
		}
	}
	return nil
}

// Policies returns the registered policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate runs every policy against input and collects the violations.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		compiled = append(compiled, cp)
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	result := &Result{}
	for _, cp := range compiled {
		rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation error: %w", cp.policy.Name, err)
		}
		for _, r := range rs {
			if len(r.Expressions) == 0 {
				continue
			}
			denySet, ok := r.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				result.Violations = append(result.Violations, newViolation(cp.policy, d))
			}
		}
	}

	return result, nil
}

// Check evaluates a plan. Warnings are logged; any error-severity violation
// fails the check with POLICY_DENIED.
func (e *Engine) Check(ctx context.Context, specs []engine.ResourceSpec, notifications []engine.Notification) (*Result, error) {
	result, err := e.Evaluate(ctx, NewInput(specs, notifications))
	if err != nil {
		return nil, err
	}

	for _, v := range result.Warnings() {
		e.logger.Warn().Str("policy", v.Policy).Str("resource", v.Resource).Msg(v.Message)
	}

	denied := result.Errors()
	if len(denied) == 0 {
		return result, nil
	}
	msgs := make([]string, 0, len(denied))
	for _, v := range denied {
		e.logger.Error().Str("policy", v.Policy).Str("resource", v.Resource).Msg(v.Message)
		msgs = append(msgs, v.Message)
	}
	return result, engine.NewValidationError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(denied[0].Resource).
		WithDetail("violations", len(denied))
}

func newViolation(p Policy, value interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}

	return v
}
