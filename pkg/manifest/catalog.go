package manifest

import "github.com/openfroyo/larder/pkg/facts"

// Catalog decides which manifests apply to the current machine.
type Catalog interface {
	// Name identifies the catalog in logs.
	Name() string

	// CanRun reports whether the catalog applies. It must be side-effect free.
	CanRun(f *facts.FactCollection) bool

	// Execute records the manifests this catalog uses.
	Execute(ctx *CatalogContext) error
}

// CatalogContext collects the manifests selected by catalogs.
type CatalogContext struct {
	// Facts describes the machine the run targets.
	Facts *facts.FactCollection

	used []string
	seen map[string]bool
}

// NewCatalogContext creates an empty selection.
func NewCatalogContext(f *facts.FactCollection) *CatalogContext {
	if f == nil {
		f = facts.Empty()
	}
	return &CatalogContext{Facts: f, seen: make(map[string]bool)}
}

// Use marks manifests as used. Repeated names are recorded once, at the
// position of their first use.
func (c *CatalogContext) Use(names ...string) {
	for _, name := range names {
		if name == "" || c.seen[name] {
			continue
		}
		c.seen[name] = true
		c.used = append(c.used, name)
	}
}

// Used returns the selected manifest names in order of first use.
func (c *CatalogContext) Used() []string {
	return append([]string(nil), c.used...)
}

// CatalogFunc adapts functions into a Catalog.
type CatalogFunc struct {
	name    string
	canRun  func(f *facts.FactCollection) bool
	execute func(ctx *CatalogContext) error
}

// NewCatalog creates a catalog. A nil canRun always applies.
func NewCatalog(name string, canRun func(f *facts.FactCollection) bool, execute func(ctx *CatalogContext) error) *CatalogFunc {
	return &CatalogFunc{name: name, canRun: canRun, execute: execute}
}

// Uses creates a catalog that selects a fixed list of manifests.
func Uses(name string, canRun func(f *facts.FactCollection) bool, manifests ...string) *CatalogFunc {
	return NewCatalog(name, canRun, func(ctx *CatalogContext) error {
		ctx.Use(manifests...)
		return nil
	})
}

// Name implements Catalog.
func (c *CatalogFunc) Name() string {
	return c.name
}

// CanRun implements Catalog.
func (c *CatalogFunc) CanRun(f *facts.FactCollection) bool {
	if c.canRun == nil {
		return true
	}
	return c.canRun(f)
}

// Execute implements Catalog.
func (c *CatalogFunc) Execute(ctx *CatalogContext) error {
	if c.execute == nil {
		return nil
	}
	return c.execute(ctx)
}
