package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/engine"
)

// Engine evaluates Rego policies against execution plans. It implements
// engine.PlanPolicy.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	metadata        map[string]interface{}
	builtinPolicies []Policy
	loader          *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithData exposes data to every policy under data.larder.
func WithData(data map[string]interface{}) Option {
	return func(e *Engine) {
		e.store = inmem.NewFromObject(map[string]interface{}{"larder": data})
	}
}

// WithMetadata sets input.context.metadata.
func WithMetadata(metadata map[string]interface{}) Option {
	return func(e *Engine) {
		e.metadata = metadata
	}
}

// WithoutBuiltins skips the built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) {
		e.builtinPolicies = nil
	}
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluatePlan evaluates every enabled policy against plan. The plan is
// denied when a violation has error or critical severity.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.ExecutionPlan) (*engine.PolicyResult, error) {
	startTime := time.Now()
	if plan == nil {
		plan = engine.NewExecutionPlan(nil)
	}

	doc, err := planDocument(plan)
	if err != nil {
		return nil, err
	}
	input := &PolicyInput{
		Plan: doc,
		Context: &PolicyContext{
			Timestamp: startTime,
			Operation: "plan",
			Metadata:  e.metadata,
		},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &engine.PolicyResult{Allowed: true}
	for _, cp := range e.enabled() {
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}

		for _, v := range violations {
			if Severity(v.Severity).Blocking() {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}

	e.logger.Debug().
		Int("items", plan.Len()).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", time.Since(startTime)).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// planDocument converts the plan into the generic JSON form Rego sees.
func planDocument(plan *engine.ExecutionPlan) (interface{}, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return doc, nil
}

// enabled returns the enabled policies sorted by name.
func (e *Engine) enabled() []*compiledPolicy {
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]*compiledPolicy, len(names))
	for i, name := range names {
		out[i] = e.policies[name]
	}
	return out
}

// LoadPolicies loads policy files and directories, replacing policies with
// the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Nothing is added if any fails.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := e.compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which evaluates to a list.
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Resource != violations[j].Resource {
			return violations[i].Resource < violations[j].Resource
		}
		return violations[i].Message < violations[j].Message
	})

	return violations, nil
}

// createViolation creates a PolicyViolation from a member of a deny set.
// Members are either messages or objects with message, severity, resource
// and rule fields.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Rule:     "deny",
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
		if rule, ok := v["rule"].(string); ok {
			violation.Rule = rule
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil || module.Package == nil {
		return nil, fmt.Errorf("policy has no package")
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		cp, err := e.compilePolicy(ctx, &e.builtinPolicies[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// ReloadPolicies replaces every policy with the built-in policies and
// those loaded from paths.
func (e *Engine) ReloadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		return nil
	}
	return e.LoadPolicies(ctx, paths)
}

// Watch reloads the policies under paths whenever they change, until ctx
// is done or StopWatching is called. Built-in policies are kept.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// StopWatching ends a Watch.
func (e *Engine) StopWatching() error {
	return e.loader.StopWatching()
}

// replace swaps every loaded policy for the built-ins plus policies.
func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy)
	for i := range policies {
		cp, err := e.compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[cp.policy.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	return nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
