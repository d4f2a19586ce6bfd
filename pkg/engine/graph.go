package engine

import (
	"container/heap"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/manifest"
	"github.com/openfroyo/larder/pkg/resource"
)

// ResourceGraph is the acyclic dependency graph of every resource in a run.
// Edges point from a dependency to its dependent.
type ResourceGraph struct {
	// nodes holds resources in declaration order
	nodes []*resource.Resource

	// origins maps node index to the manifest that declared it
	origins []string

	// index maps resource keys to node indexes
	index map[resource.Key]int

	// adjacencyList maps a node to its dependents
	adjacencyList [][]int

	// reverseAdjacencyList maps a node to its dependencies
	reverseAdjacencyList [][]int

	// order is the topological traversal
	order []int

	// Configurations are the deferred bindings collected while building.
	Configurations *Configurations
}

// BuildGraph evaluates manifests and compiles their declarations into a
// ResourceGraph. The repository is consulted for providers that validate
// resource properties; a type without a provider is reported by planning.
func BuildGraph(repo *Repository, manifests []manifest.Manifest, f *facts.FactCollection) (*ResourceGraph, error) {
	b := newGraphBuilder(repo)

	for _, m := range manifests {
		if err := b.evaluate(m, f); err != nil {
			return nil, err
		}
	}

	if err := b.link(); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	b.computeOrder()

	return b.graph, nil
}

type graphBuilder struct {
	repo  *Repository
	graph *ResourceGraph

	// edges deduplicates dependency -> dependent pairs
	edges map[[2]int]bool
}

func newGraphBuilder(repo *Repository) *graphBuilder {
	return &graphBuilder{
		repo: repo,
		graph: &ResourceGraph{
			index:          make(map[resource.Key]int),
			Configurations: &Configurations{},
		},
		edges: make(map[[2]int]bool),
	}
}

// evaluate runs a manifest and adds its declarations as nodes.
func (b *graphBuilder) evaluate(m manifest.Manifest, f *facts.FactCollection) error {
	ctx := manifest.NewContext(m.Name(), f)
	if err := m.Execute(ctx); err != nil {
		return NewPermanentError(fmt.Sprintf("manifest %s failed", m.Name()), err).
			WithCode(ErrCodeManifestFailed).
			WithDetail("manifest", m.Name())
	}

	g := b.graph
	for _, builder := range ctx.Builders() {
		key := builder.Key()
		if key.Type == "" || key.Name == "" {
			return NewPermanentError(
				fmt.Sprintf("manifest %s declared a resource without type or name", m.Name()), nil,
			).WithCode(ErrCodeValidation).WithResource(key.String())
		}

		if existing, exists := g.index[key]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate resource: %s", key), nil).
				WithCode(ErrCodeDuplicateResource).
				WithResource(key.String()).
				WithDetail("first_manifest", g.origins[existing]).
				WithDetail("second_manifest", m.Name())
		}

		r := builder.Build()
		if err := b.validate(r); err != nil {
			return err
		}

		g.index[key] = len(g.nodes)
		g.nodes = append(g.nodes, r)
		g.origins = append(g.origins, m.Name())
		g.adjacencyList = append(g.adjacencyList, nil)
		g.reverseAdjacencyList = append(g.reverseAdjacencyList, nil)

		for _, binding := range builder.Bindings() {
			fn := binding
			g.Configurations.Add(key.String(), func() error {
				return fn(r, g)
			})
		}
	}

	return nil
}

// validate lets the provider of the resource type reject bad properties.
func (b *graphBuilder) validate(r *resource.Resource) error {
	if b.repo == nil {
		return nil
	}
	provider, ok := b.repo.Get(r.Type)
	if !ok {
		return nil
	}
	validator, ok := provider.(ResourceValidator)
	if !ok {
		return nil
	}
	if err := validator.Validate(r); err != nil {
		return NewPermanentError(fmt.Sprintf("invalid resource %s", r), err).
			WithCode(ErrCodeValidation).
			WithResource(r.String())
	}
	return nil
}

// link turns ordering constraints into edges.
func (b *graphBuilder) link() error {
	g := b.graph
	for i, r := range g.nodes {
		for _, dep := range r.After {
			j, exists := g.index[dep]
			if !exists {
				return danglingReference(r, dep, "after")
			}
			b.addEdge(j, i)
		}
		for _, target := range r.Before {
			j, exists := g.index[target]
			if !exists {
				return danglingReference(r, target, "before")
			}
			b.addEdge(i, j)
		}
	}
	return nil
}

func danglingReference(r *resource.Resource, missing resource.Key, relation string) error {
	return NewPermanentError(
		fmt.Sprintf("resource %s is ordered %s non-existent resource %s", r, relation, missing),
		nil,
	).WithCode(ErrCodeDanglingReference).
		WithResource(r.String()).
		WithDetail("missing", missing.String()).
		WithDetail("relation", relation)
}

func (b *graphBuilder) addEdge(from, to int) {
	edge := [2]int{from, to}
	if b.edges[edge] {
		return
	}
	b.edges[edge] = true
	b.graph.adjacencyList[from] = append(b.graph.adjacencyList[from], to)
	b.graph.reverseAdjacencyList[to] = append(b.graph.reverseAdjacencyList[to], from)
}

// detectCycles uses depth-first search to find circular dependencies.
func (b *graphBuilder) detectCycles() error {
	g := b.graph
	visited := make([]bool, len(g.nodes))
	recStack := make([]bool, len(g.nodes))

	for i := range g.nodes {
		if visited[i] {
			continue
		}
		if cycle := b.detectCyclesUtil(i, visited, recStack, nil); cycle != nil {
			members := make([]string, len(cycle))
			for n, idx := range cycle {
				members[n] = g.nodes[idx].String()
			}
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(members)),
				nil,
			).WithCode(ErrCodeCycle).
				WithResource(members[0]).
				WithDetail("cycle", members)
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle path, closed on its first node, or nil.
func (b *graphBuilder) detectCyclesUtil(node int, visited, recStack []bool, path []int) []int {
	visited[node] = true
	recStack[node] = true
	path = append(path, node)

	for _, dependent := range b.graph.adjacencyList[node] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]int(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[node] = false
	return nil
}

// computeOrder is Kahn's algorithm. Among ready nodes the earliest declared
// goes first, so the order is stable across runs.
func (b *graphBuilder) computeOrder() {
	g := b.graph
	inDegree := make([]int, len(g.nodes))
	for i := range g.nodes {
		inDegree[i] = len(g.reverseAdjacencyList[i])
	}

	ready := &indexHeap{}
	for i, degree := range inDegree {
		if degree == 0 {
			heap.Push(ready, i)
		}
	}

	g.order = make([]int, 0, len(g.nodes))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(int)
		g.order = append(g.order, node)
		for _, dependent := range g.adjacencyList[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}
}

// indexHeap is a min-heap of declaration indexes.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *indexHeap) Push(x any) {
	*h = append(*h, x.(int))
}

func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Len returns the number of resources.
func (g *ResourceGraph) Len() int {
	return len(g.nodes)
}

// Traverse returns resource keys in execution order. Every resource comes
// after all of its dependencies.
func (g *ResourceGraph) Traverse() []resource.Key {
	keys := make([]resource.Key, len(g.order))
	for i, idx := range g.order {
		keys[i] = g.nodes[idx].Key()
	}
	return keys
}

// Resources returns the resources in declaration order.
func (g *ResourceGraph) Resources() []*resource.Resource {
	return append([]*resource.Resource(nil), g.nodes...)
}

// Resolve returns the resource with the given key.
func (g *ResourceGraph) Resolve(key resource.Key) (*resource.Resource, bool) {
	idx, ok := g.index[key]
	if !ok {
		return nil, false
	}
	return g.nodes[idx], true
}

// Manifest returns the name of the manifest that declared key.
func (g *ResourceGraph) Manifest(key resource.Key) string {
	idx, ok := g.index[key]
	if !ok {
		return ""
	}
	return g.origins[idx]
}

// Dependencies returns the resources key must run after.
func (g *ResourceGraph) Dependencies(key resource.Key) []resource.Key {
	idx, ok := g.index[key]
	if !ok {
		return nil
	}
	return g.keys(g.reverseAdjacencyList[idx])
}

// Dependents returns the resources that must run after key.
func (g *ResourceGraph) Dependents(key resource.Key) []resource.Key {
	idx, ok := g.index[key]
	if !ok {
		return nil
	}
	return g.keys(g.adjacencyList[idx])
}

func (g *ResourceGraph) keys(indexes []int) []resource.Key {
	keys := make([]resource.Key, len(indexes))
	for i, idx := range indexes {
		keys[i] = g.nodes[idx].Key()
	}
	return keys
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *ResourceGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ResourceGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, idx := range g.order {
		r := g.nodes[idx]
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
			r.String(), r.Type, r.Name, nodeColor(r)))
	}

	if len(g.order) > 0 {
		sb.WriteString("\n")
	}

	for _, idx := range g.order {
		for _, dependent := range g.adjacencyList[idx] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", g.nodes[idx].String(), g.nodes[dependent].String()))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// nodeColor returns a color for visualizing resources.
func nodeColor(r *resource.Resource) string {
	switch {
	case r.RequireAdministrator:
		return "lightcoral"
	case r.OnError == resource.Ignore:
		return "lightgray"
	default:
		return "lightblue"
	}
}

// Configurations is the ordered list of deferred bindings owned by a graph.
// Run executes each action exactly once, in registration order.
type Configurations struct {
	mu      sync.Mutex
	actions []configuration
	ran     bool
}

type configuration struct {
	resource string
	fn       func() error
}

// Add registers an action for the named resource. Actions added after Run
// has been called are never executed.
func (c *Configurations) Add(resourceID string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, configuration{resource: resourceID, fn: fn})
}

// Len returns the number of registered actions.
func (c *Configurations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

// Run executes every action in registration order and stops at the first
// failure. Subsequent calls do nothing.
func (c *Configurations) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ran {
		return nil
	}
	c.ran = true

	for _, action := range c.actions {
		if err := action.fn(); err != nil {
			return NewPermanentError("resource binding failed", err).
				WithCode(ErrCodeBindingFailed).
				WithResource(action.resource)
		}
	}
	return nil
}
