package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/manifest"
	"github.com/openfroyo/larder/pkg/resource"
)

func declare(name string, fn func(ctx *manifest.Context)) manifest.Manifest {
	return manifest.New(name, func(ctx *manifest.Context) error {
		fn(ctx)
		return nil
	})
}

func traversal(g *ResourceGraph) string {
	keys := g.Traverse()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return strings.Join(out, ",")
}

func TestBuildGraph_Empty(t *testing.T) {
	graph, err := BuildGraph(NewRepository(), nil, facts.Empty())
	if err != nil {
		t.Fatalf("Expected no error for empty manifests, got: %v", err)
	}

	if graph.Len() != 0 {
		t.Errorf("Expected 0 nodes, got %d", graph.Len())
	}
	if len(graph.Traverse()) != 0 {
		t.Errorf("Expected empty traversal, got %v", graph.Traverse())
	}
	if graph.Configurations.Len() != 0 {
		t.Errorf("Expected no configurations, got %d", graph.Configurations.Len())
	}
}

func TestBuildGraph_AfterConstraint(t *testing.T) {
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("exec", "install", resource.After("download", "installer"))
		ctx.Resource("download", "installer")
	})

	graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := traversal(graph); got != "download::installer,exec::install" {
		t.Errorf("Expected installer before install, got %s", got)
	}

	deps := graph.Dependencies(resource.NewKey("exec", "install"))
	if len(deps) != 1 || deps[0] != resource.NewKey("download", "installer") {
		t.Errorf("Expected install to depend on installer, got %v", deps)
	}
	dependents := graph.Dependents(resource.NewKey("download", "installer"))
	if len(dependents) != 1 || dependents[0] != resource.NewKey("exec", "install") {
		t.Errorf("Expected installer to have dependent install, got %v", dependents)
	}
}

func TestBuildGraph_BeforeConstraint(t *testing.T) {
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("file", "config")
		ctx.Resource("registry", "policy", resource.Before("file", "config"))
	})

	graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := traversal(graph); got != "registry::policy,file::config" {
		t.Errorf("Expected policy before config, got %s", got)
	}
}

func TestBuildGraph_StableOrder(t *testing.T) {
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("file", "d", resource.After("file", "a"))
		ctx.Resource("file", "c")
		ctx.Resource("file", "b")
		ctx.Resource("file", "a")
	})

	for i := 0; i < 20; i++ {
		graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got := traversal(graph); got != "file::c,file::b,file::a,file::d" {
			t.Fatalf("Expected declaration order among ready resources, got %s", got)
		}
	}
}

func TestBuildGraph_AcrossManifests(t *testing.T) {
	first := declare("first", func(ctx *manifest.Context) {
		ctx.Resource("exec", "install", resource.After("download", "installer"))
	})
	second := declare("second", func(ctx *manifest.Context) {
		ctx.Resource("download", "installer")
	})

	graph, err := BuildGraph(NewRepository(), []manifest.Manifest{first, second}, facts.Empty())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := traversal(graph); got != "download::installer,exec::install" {
		t.Errorf("Unexpected order %s", got)
	}
	if graph.Manifest(resource.NewKey("download", "installer")) != "second" {
		t.Error("Expected installer to be attributed to the second manifest")
	}
}

func TestBuildGraph_SameNameDifferentType(t *testing.T) {
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("file", "git")
		ctx.Resource("package", "git")
	})

	graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if err != nil {
		t.Fatalf("Expected type to be part of the identity, got: %v", err)
	}
	if graph.Len() != 2 {
		t.Errorf("Expected 2 resources, got %d", graph.Len())
	}
}

func TestBuildGraph_Cycle(t *testing.T) {
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("exec", "a", resource.After("exec", "b"))
		ctx.Resource("exec", "b", resource.After("exec", "a"))
	})

	_, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if err == nil {
		t.Fatal("Expected error for circular dependency")
	}
	if ErrorCode(err) != ErrCodeCycle || !IsConstructionError(err) {
		t.Errorf("Expected cycle construction error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "exec::a") || !strings.Contains(err.Error(), "exec::b") {
		t.Errorf("Expected error to name both resources, got: %v", err)
	}
	if !strings.Contains(err.Error(), "exec::a -> exec::b -> exec::a") {
		t.Errorf("Expected the cycle path in the message, got: %v", err)
	}
}

func TestBuildGraph_LongCycleAndSelfCycle(t *testing.T) {
	long := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("exec", "a", resource.After("exec", "c"))
		ctx.Resource("exec", "b", resource.After("exec", "a"))
		ctx.Resource("exec", "c", resource.Before("exec", "a"), resource.After("exec", "b"))
	})
	if _, err := BuildGraph(NewRepository(), []manifest.Manifest{long}, facts.Empty()); ErrorCode(err) != ErrCodeCycle {
		t.Errorf("Expected cycle error, got: %v", err)
	}

	self := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("exec", "a", resource.After("exec", "a"))
	})
	_, err := BuildGraph(NewRepository(), []manifest.Manifest{self}, facts.Empty())
	if ErrorCode(err) != ErrCodeCycle {
		t.Fatalf("Expected cycle error for self reference, got: %v", err)
	}
	if !strings.Contains(err.Error(), "exec::a -> exec::a") {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestBuildGraph_DanglingReference(t *testing.T) {
	tests := []struct {
		name string
		opt  resource.Option
	}{
		{"after", resource.After("download", "missing")},
		{"before", resource.Before("download", "missing")},
	}

	for _, tt := range tests {
		m := declare("m", func(ctx *manifest.Context) {
			ctx.Resource("exec", "install", tt.opt)
		})

		_, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
		if err == nil {
			t.Fatalf("%s: expected dangling reference error", tt.name)
		}
		if ErrorCode(err) != ErrCodeDanglingReference || !IsConstructionError(err) {
			t.Errorf("%s: expected dangling reference, got: %v", tt.name, err)
		}
		if !strings.Contains(err.Error(), "exec::install") || !strings.Contains(err.Error(), "download::missing") {
			t.Errorf("%s: expected both ends in message, got: %v", tt.name, err)
		}
	}
}

func TestBuildGraph_Duplicate(t *testing.T) {
	first := declare("first", func(ctx *manifest.Context) { ctx.Resource("file", "motd") })
	second := declare("second", func(ctx *manifest.Context) { ctx.Resource("file", "motd") })

	_, err := BuildGraph(NewRepository(), []manifest.Manifest{first, second}, facts.Empty())
	if ErrorCode(err) != ErrCodeDuplicateResource {
		t.Fatalf("Expected duplicate resource error, got: %v", err)
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatal("Expected an EngineError")
	}
	if engineErr.Details["first_manifest"] != "first" || engineErr.Details["second_manifest"] != "second" {
		t.Errorf("Expected both manifests in details, got %v", engineErr.Details)
	}
}

func TestBuildGraph_ManifestFailure(t *testing.T) {
	m := manifest.New("broken", func(ctx *manifest.Context) error {
		return errors.New("template missing")
	})

	_, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if ErrorCode(err) != ErrCodeManifestFailed {
		t.Fatalf("Expected manifest failure, got: %v", err)
	}
	if !strings.Contains(err.Error(), "template missing") {
		t.Errorf("Expected the cause in the message, got: %v", err)
	}
}

func TestBuildGraph_EmptyName(t *testing.T) {
	m := declare("m", func(ctx *manifest.Context) { ctx.Resource("file", "") })
	if _, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty()); ErrorCode(err) != ErrCodeValidation {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

type validatingProvider struct {
	*mockProvider
}

func (v validatingProvider) Validate(r *resource.Resource) error {
	if r.Properties.String("path") == "" {
		return errors.New("path is required")
	}
	return nil
}

func TestBuildGraph_ProviderValidation(t *testing.T) {
	repo := NewRepository(validatingProvider{newMockProvider("file")})
	m := declare("m", func(ctx *manifest.Context) { ctx.Resource("file", "motd") })

	_, err := BuildGraph(repo, []manifest.Manifest{m}, facts.Empty())
	if ErrorCode(err) != ErrCodeValidation {
		t.Fatalf("Expected validation error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected provider message, got: %v", err)
	}
}

func TestConfigurations_RunOnceInOrder(t *testing.T) {
	var calls []string
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("file", "a", resource.Bind(func(r *resource.Resource, _ resource.Resolver) error {
			calls = append(calls, "a1")
			return nil
		}))
		ctx.Resource("file", "b", resource.Bind(func(r *resource.Resource, _ resource.Resolver) error {
			calls = append(calls, "b")
			return nil
		}))
		ctx.Resource("file", "c")
	})

	graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if graph.Configurations.Len() != 2 {
		t.Fatalf("Expected 2 configurations, got %d", graph.Configurations.Len())
	}

	for i := 0; i < 3; i++ {
		if err := graph.Configurations.Run(); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if strings.Join(calls, ",") != "a1,b" {
		t.Errorf("Expected each binding exactly once in order, got %v", calls)
	}
}

func TestConfigurations_Failure(t *testing.T) {
	ran := false
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("file", "a", resource.Bind(func(*resource.Resource, resource.Resolver) error {
			return errors.New("no such resource")
		}))
		ctx.Resource("file", "b", resource.Bind(func(*resource.Resource, resource.Resolver) error {
			ran = true
			return nil
		}))
	})

	graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err = graph.Configurations.Run()
	if ErrorCode(err) != ErrCodeBindingFailed {
		t.Fatalf("Expected binding failure, got: %v", err)
	}
	if ran {
		t.Error("Expected later bindings not to run after a failure")
	}
	if err := graph.Configurations.Run(); err != nil {
		t.Errorf("Expected second run to be a no-op, got: %v", err)
	}
}

func TestResourceGraph_ToDOT(t *testing.T) {
	m := declare("m", func(ctx *manifest.Context) {
		ctx.Resource("download", "installer")
		ctx.Resource("exec", "install", resource.After("download", "installer"), resource.RequireAdministrator())
	})

	graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT()
	if !strings.HasPrefix(dot, "digraph ResourceGraph {") {
		t.Errorf("Unexpected DOT header: %s", dot)
	}
	if !strings.Contains(dot, `"download::installer" -> "exec::install";`) {
		t.Errorf("Expected edge in DOT output, got:\n%s", dot)
	}
	if !strings.Contains(dot, "lightcoral") {
		t.Error("Expected administrator resources to be highlighted")
	}
}

// TestBuildGraph_RandomAcyclic checks that every constraint of random acyclic
// resource sets is honoured by the traversal.
func TestBuildGraph_RandomAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(25)
		// rank fixes a hidden topological order; constraints only point down it
		rank := rng.Perm(n)
		byRank := make([]int, n)
		for i, r := range rank {
			byRank[r] = i
		}

		type constraint struct {
			before, after int
			asBefore      bool
		}
		var constraints []constraint
		for i := 0; i < n; i++ {
			for r := 0; r < rank[i]; r++ {
				if rng.Intn(4) == 0 {
					constraints = append(constraints, constraint{before: byRank[r], after: i, asBefore: rng.Intn(2) == 0})
				}
			}
		}

		m := declare("random", func(ctx *manifest.Context) {
			for i := 0; i < n; i++ {
				var opts []resource.Option
				for _, c := range constraints {
					switch {
					case c.after == i && !c.asBefore:
						opts = append(opts, resource.After("exec", fmt.Sprint(c.before)))
					case c.before == i && c.asBefore:
						opts = append(opts, resource.Before("exec", fmt.Sprint(c.after)))
					}
				}
				ctx.Resource("exec", fmt.Sprint(i), opts...)
			}
		})

		graph, err := BuildGraph(NewRepository(), []manifest.Manifest{m}, facts.Empty())
		if err != nil {
			t.Fatalf("round %d: expected no error, got: %v", round, err)
		}

		position := make(map[string]int)
		for i, k := range graph.Traverse() {
			position[k.Name] = i
		}
		if len(position) != n {
			t.Fatalf("round %d: expected %d resources in traversal, got %d", round, n, len(position))
		}
		for _, c := range constraints {
			if position[fmt.Sprint(c.before)] >= position[fmt.Sprint(c.after)] {
				t.Fatalf("round %d: %d must run before %d", round, c.before, c.after)
			}
		}
	}
}
