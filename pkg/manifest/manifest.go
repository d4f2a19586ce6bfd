// Package manifest defines the user-authored declarations of a run.
//
// A Manifest declares resources for the current machine. A Catalog is a gate
// over facts that selects which manifests apply. Neither executes anything:
// they only describe desired state for the engine to plan.
package manifest

import (
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// Manifest is a named unit of resource declarations.
type Manifest interface {
	// Name identifies the manifest. Catalogs select manifests by name.
	Name() string

	// Execute declares resources on ctx. It must not change the machine.
	Execute(ctx *Context) error
}

// Context is handed to a manifest while it declares resources.
type Context struct {
	// Facts describes the machine the run targets.
	Facts *facts.FactCollection

	manifest string
	builders []*resource.Builder
}

// NewContext creates a declaration context for the named manifest.
func NewContext(manifestName string, f *facts.FactCollection) *Context {
	if f == nil {
		f = facts.Empty()
	}
	return &Context{Facts: f, manifest: manifestName}
}

// Manifest returns the name of the manifest being evaluated.
func (c *Context) Manifest() string {
	return c.manifest
}

// Resource declares a resource and returns its builder for further options.
func (c *Context) Resource(typ, name string, opts ...resource.Option) *resource.Builder {
	b := resource.New(typ, name, opts...)
	c.builders = append(c.builders, b)
	return b
}

// Builders returns every declaration in the order it was made.
func (c *Context) Builders() []*resource.Builder {
	return append([]*resource.Builder(nil), c.builders...)
}

// Func adapts a function into a Manifest.
type Func struct {
	name string
	fn   func(ctx *Context) error
}

// New creates a manifest from a declaration function.
func New(name string, fn func(ctx *Context) error) *Func {
	return &Func{name: name, fn: fn}
}

// Name implements Manifest.
func (m *Func) Name() string {
	return m.name
}

// Execute implements Manifest.
func (m *Func) Execute(ctx *Context) error {
	if m.fn == nil {
		return nil
	}
	return m.fn(ctx)
}
