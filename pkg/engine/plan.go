package engine

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// ExecutionPlanItem pairs a resource with its provider.
type ExecutionPlanItem struct {
	provider             Provider
	resource             *resource.Resource
	requireAdministrator bool
}

// NewExecutionPlanItem creates a plan item. The resource is copied.
func NewExecutionPlanItem(provider Provider, r *resource.Resource, requireAdministrator bool) ExecutionPlanItem {
	return ExecutionPlanItem{
		provider:             provider,
		resource:             r.Clone(),
		requireAdministrator: requireAdministrator,
	}
}

// Provider returns the provider that will run the resource.
func (i ExecutionPlanItem) Provider() Provider {
	return i.provider
}

// Resource returns a copy of the planned resource.
func (i ExecutionPlanItem) Resource() *resource.Resource {
	return i.resource.Clone()
}

// Key returns the identity of the planned resource.
func (i ExecutionPlanItem) Key() resource.Key {
	return i.resource.Key()
}

// RequireAdministrator reports whether this item needs an elevated process.
func (i ExecutionPlanItem) RequireAdministrator() bool {
	return i.requireAdministrator
}

// MarshalJSON renders the item for plan output and policy input.
func (i ExecutionPlanItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(planItemJSON{
		Type:                 i.resource.Type,
		Name:                 i.resource.Name,
		Provider:             i.provider.Type(),
		RequireAdministrator: i.requireAdministrator,
		OnError:              i.resource.OnError,
		After:                keyStrings(i.resource.After),
		Before:               keyStrings(i.resource.Before),
		Guards:               i.resource.Guards,
		Properties:           i.resource.Properties,
	})
}

type planItemJSON struct {
	Type                 string                 `json:"type"`
	Name                 string                 `json:"name"`
	Provider             string                 `json:"provider"`
	RequireAdministrator bool                   `json:"require_administrator"`
	OnError              resource.ErrorHandling `json:"on_error"`
	After                []string               `json:"after,omitempty"`
	Before               []string               `json:"before,omitempty"`
	Guards               []resource.Guard       `json:"guards,omitempty"`
	Properties           resource.Properties    `json:"properties,omitempty"`
}

func keyStrings(keys []resource.Key) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// ExecutionPlan is the ordered list of items a run will execute.
type ExecutionPlan struct {
	items                 []ExecutionPlanItem
	requiresAdministrator bool
}

// NewExecutionPlan creates a plan from ordered items.
func NewExecutionPlan(items []ExecutionPlanItem) *ExecutionPlan {
	plan := &ExecutionPlan{items: append([]ExecutionPlanItem(nil), items...)}
	for _, item := range plan.items {
		if item.requireAdministrator {
			plan.requiresAdministrator = true
			break
		}
	}
	return plan
}

// Items returns the plan items in execution order.
func (p *ExecutionPlan) Items() []ExecutionPlanItem {
	return append([]ExecutionPlanItem(nil), p.items...)
}

// Len returns the number of items.
func (p *ExecutionPlan) Len() int {
	return len(p.items)
}

// Empty reports whether there is nothing to execute.
func (p *ExecutionPlan) Empty() bool {
	return len(p.items) == 0
}

// RequiresAdministrator reports whether any item needs an elevated process.
func (p *ExecutionPlan) RequiresAdministrator() bool {
	return p.requiresAdministrator
}

// MarshalJSON renders the plan for output and policy input.
func (p *ExecutionPlan) MarshalJSON() ([]byte, error) {
	items := p.items
	if items == nil {
		items = []ExecutionPlanItem{}
	}
	return json.Marshal(struct {
		RequiresAdministrator bool                `json:"requires_administrator"`
		Items                 []ExecutionPlanItem `json:"items"`
	}{
		RequiresAdministrator: p.requiresAdministrator,
		Items:                 items,
	})
}

// BuildExecutionPlan resolves every resource of the graph, in traversal
// order, to its provider and privilege requirement.
func BuildExecutionPlan(repo *Repository, graph *ResourceGraph, f *facts.FactCollection) (*ExecutionPlan, error) {
	traversal := graph.Traverse()
	items := make([]ExecutionPlanItem, 0, len(traversal))

	for _, key := range traversal {
		r, ok := graph.Resolve(key)
		if !ok {
			return nil, NewPermanentError(fmt.Sprintf("could not find resource %s", key), nil).
				WithCode(ErrCodeUnresolvedResource).
				WithResource(key.String())
		}

		provider, ok := repo.Get(r.Type)
		if !ok {
			return nil, NewPermanentError(fmt.Sprintf("could not find resource provider for %s", key), nil).
				WithCode(ErrCodeNoProvider).
				WithResource(key.String()).
				WithDetail("type", r.Type)
		}

		requireAdministrator := r.RequireAdministrator || provider.RequireAdministrator(f)
		items = append(items, NewExecutionPlanItem(provider, r, requireAdministrator))
	}

	return NewExecutionPlan(items), nil
}
