package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

type stubProvider struct {
	typ string
}

func (p stubProvider) Type() string {
	return p.typ
}

func (p stubProvider) CanRun(*facts.FactCollection) bool {
	return true
}

func (p stubProvider) RequireAdministrator(*facts.FactCollection) bool {
	return false
}

func (p stubProvider) Run(*engine.ExecutionContext, *resource.Resource) (resource.State, error) {
	return resource.Unchanged, nil
}

func planOf(resources ...*resource.Resource) *engine.ExecutionPlan {
	items := make([]engine.ExecutionPlanItem, len(resources))
	for i, r := range resources {
		items[i] = engine.NewExecutionPlanItem(stubProvider{typ: r.Type}, r, false)
	}
	return engine.NewExecutionPlan(items)
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"floating-package",
		"insecure-download",
		"unguarded-exec",
		"world-writable-file",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
	}
}

func TestEvaluatePlan_Builtins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		resource       *resource.Resource
		expectAllowed  bool
		expectPolicy   string
		expectSeverity string
	}{
		{
			name:          "private file",
			resource:      resource.New("file", "/etc/app.conf", resource.WithProperty("mode", "0640")).Build(),
			expectAllowed: true,
		},
		{
			name:           "world writable file",
			resource:       resource.New("file", "/tmp/drop", resource.WithProperty("mode", "0777")).Build(),
			expectAllowed:  false,
			expectPolicy:   "world-writable-file",
			expectSeverity: "error",
		},
		{
			name: "plain http download",
			resource: resource.New("download", "/opt/tool.tgz",
				resource.WithProperty("url", "http://example.com/tool.tgz")).Build(),
			expectAllowed:  false,
			expectPolicy:   "insecure-download",
			expectSeverity: "error",
		},
		{
			name: "plain http download with checksum",
			resource: resource.New("download", "/opt/tool.tgz", resource.WithProperties(map[string]any{
				"url":      "http://example.com/tool.tgz",
				"checksum": "sha256:abc",
			})).Build(),
			expectAllowed: true,
		},
		{
			name:           "unguarded exec",
			resource:       resource.New("exec", "migrate", resource.WithProperty("command", "./migrate")).Build(),
			expectAllowed:  true,
			expectPolicy:   "unguarded-exec",
			expectSeverity: "warning",
		},
		{
			name: "guarded exec",
			resource: resource.New("exec", "migrate",
				resource.WithProperty("command", "./migrate"),
				resource.Unless("test -f /var/lib/app/migrated")).Build(),
			expectAllowed: true,
		},
		{
			name:           "latest package",
			resource:       resource.New("package", "nginx", resource.WithProperty("state", "latest")).Build(),
			expectAllowed:  true,
			expectPolicy:   "floating-package",
			expectSeverity: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluatePlan(ctx, planOf(tt.resource))
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if tt.expectPolicy == "" {
				if len(result.Violations) != 0 {
					t.Errorf("Expected no violations, got %+v", result.Violations)
				}
				return
			}
			if len(result.Violations) != 1 {
				t.Fatalf("Expected 1 violation, got %+v", result.Violations)
			}
			v := result.Violations[0]
			if v.Policy != tt.expectPolicy {
				t.Errorf("Expected policy %s, got %s", tt.expectPolicy, v.Policy)
			}
			if v.Severity != tt.expectSeverity {
				t.Errorf("Expected severity %s, got %s", tt.expectSeverity, v.Severity)
			}
			if v.Resource != tt.resource.Key().String() {
				t.Errorf("Expected resource %s, got %s", tt.resource.Key(), v.Resource)
			}
		})
	}
}

func TestEvaluatePlan_EmptyAndNil(t *testing.T) {
	eng := newTestEngine(t)

	for _, plan := range []*engine.ExecutionPlan{nil, engine.NewExecutionPlan(nil)} {
		result, err := eng.EvaluatePlan(context.Background(), plan)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if !result.Allowed || len(result.Violations) != 0 {
			t.Errorf("Expected an empty plan to be allowed, got %+v", result)
		}
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	plan := planOf(resource.New("file", "/tmp/drop", resource.WithProperty("mode", "0666")).Build())

	if err := eng.DisablePolicy("world-writable-file"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.Allowed {
		t.Error("Expected plan to be allowed with the policy disabled")
	}

	if err := eng.EnablePolicy("world-writable-file"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Allowed {
		t.Error("Expected plan to be denied with the policy enabled")
	}

	if err := eng.DisablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for an unknown policy")
	}
}

func TestCustomPolicy_DataAndMetadata(t *testing.T) {
	eng := newTestEngine(t,
		WithoutBuiltins(),
		WithData(map[string]interface{}{"forbidden_packages": []interface{}{"telnetd"}}),
		WithMetadata(map[string]interface{}{"user": "deploy"}),
	)

	err := eng.AddPolicies(context.Background(), []Policy{{
		Name:     "forbidden-packages",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.packages

import rego.v1

deny contains violation if {
	some item in input.plan.items
	item.type == "package"
	item.name in data.larder.forbidden_packages
	violation := {
		"message": sprintf("%s may not install %s", [input.context.metadata.user, item.name]),
		"resource": sprintf("package::%s", [item.name]),
		"rule": "forbidden",
	}
}`,
	}})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	result, err := eng.EvaluatePlan(context.Background(), planOf(
		resource.New("package", "curl").Build(),
		resource.New("package", "telnetd").Build(),
	))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Allowed {
		t.Error("Expected plan to be denied")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Message != "deploy may not install telnetd" {
		t.Errorf("Expected message with user, got %q", v.Message)
	}
	if v.Severity != "error" {
		t.Errorf("Expected default severity error, got %s", v.Severity)
	}
	if v.Rule != "forbidden" {
		t.Errorf("Expected rule forbidden, got %s", v.Rule)
	}
}

func TestAddPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{{
		Name:    "broken",
		Enabled: true,
		Rego:    "package broken\n\ndeny contains msg if {",
	}})
	if err == nil {
		t.Fatal("Expected error for invalid Rego")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Expected the broken policy not to be added")
	}
}

func TestLoadAndReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	rego := `# Denies every plan.
package custom.deny_all

import rego.v1

deny contains "nothing may run" if {
	true
}`
	if err := os.WriteFile(filepath.Join(dir, "deny-all.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	p, err := eng.GetPolicy("deny-all")
	if err != nil {
		t.Fatalf("Expected loaded policy, got %v", err)
	}
	if p.Description != "Denies every plan." {
		t.Errorf("Expected description from comments, got %q", p.Description)
	}

	// .rego files default to warning severity.
	result, err := eng.EvaluatePlan(context.Background(), engine.NewExecutionPlan(nil))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.Allowed || len(result.Violations) != 1 {
		t.Errorf("Expected one warning, got %+v", result)
	}

	if err := eng.ReloadPolicies(context.Background(), nil); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}
	if _, err := eng.GetPolicy("deny-all"); err == nil {
		t.Error("Expected reload without paths to drop loaded policies")
	}
	if len(eng.ListPolicies()) != len(GetBuiltinPolicies()) {
		t.Errorf("Expected only built-in policies, got %d", len(eng.ListPolicies()))
	}
}

var _ engine.PlanPolicy = (*Engine)(nil)
