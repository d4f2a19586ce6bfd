package config

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/manifest"
)

// Declarations are the catalogs and manifests loaded from CUE sources.
type Declarations struct {
	Document  *Document
	Catalogs  []manifest.Catalog
	Manifests []manifest.Manifest
}

// EngineOptions registers the declarations with an engine.
func (d *Declarations) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithCatalogs(d.Catalogs...),
		engine.WithManifests(d.Manifests...),
	}
}

// Load parses sources and adapts the result into catalogs and manifests.
// It fails when the document has errors; warnings are logged.
func (cp *CUEParser) Load(ctx context.Context, sources []string) (*Declarations, error) {
	doc, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("invalid declarations: %w", err)
	}
	for _, w := range doc.Errors {
		cp.logger.Warn().Str("path", w.Path).Msg(w.Message)
	}
	return cp.Declare(doc), nil
}

// Declare adapts a parsed document into catalogs and manifests.
func (cp *CUEParser) Declare(doc *Document) *Declarations {
	d := &Declarations{Document: doc}
	for _, spec := range doc.Catalogs {
		d.Catalogs = append(d.Catalogs, &declaredCatalog{spec: spec, eval: cp.starlarkEvaluator, logger: cp.logger})
	}
	for _, spec := range doc.Manifests {
		d.Manifests = append(d.Manifests, &declaredManifest{spec: spec, parser: cp})
	}
	return d
}

// declaredCatalog is a catalog read from CUE.
type declaredCatalog struct {
	spec   CatalogSpec
	eval   *StarlarkEvaluator
	logger zerolog.Logger
}

func (c *declaredCatalog) Name() string {
	return c.spec.Name
}

// CanRun evaluates the when expression. A failing expression does not apply.
func (c *declaredCatalog) CanRun(f *facts.FactCollection) bool {
	if c.spec.When == "" {
		return true
	}
	ok, err := c.eval.EvaluatePredicate(context.Background(), c.spec.When, f)
	if err != nil {
		c.logger.Warn().Err(err).Str("catalog", c.spec.Name).Msg("Catalog condition failed")
		return false
	}
	return ok
}

func (c *declaredCatalog) Execute(ctx *manifest.CatalogContext) error {
	ctx.Use(c.spec.Manifests...)
	return nil
}

// declaredManifest is a manifest read from CUE. Its script runs after the
// static resources are declared.
type declaredManifest struct {
	spec   ManifestSpec
	parser *CUEParser
}

func (m *declaredManifest) Name() string {
	return m.spec.Name
}

func (m *declaredManifest) Execute(ctx *manifest.Context) error {
	specs := m.spec.Resources

	if m.spec.Script != "" {
		generated, err := m.parser.starlarkEvaluator.GenerateResources(context.Background(), m.spec.Script, ctx.Facts)
		if err != nil {
			return fmt.Errorf("script: %w", err)
		}
		for i, spec := range generated {
			if err := m.parser.validator.Struct(spec); err != nil {
				return fmt.Errorf("script resource %d: %v", i, convertValidatorErrors(err))
			}
		}
		specs = append(append([]ResourceSpec(nil), specs...), generated...)
	}

	for _, spec := range specs {
		if spec.When != "" {
			ok, err := m.parser.starlarkEvaluator.EvaluatePredicate(context.Background(), spec.When, ctx.Facts)
			if err != nil {
				return fmt.Errorf("resource %s: when: %w", spec.Key(), err)
			}
			if !ok {
				continue
			}
		}

		opts, err := spec.Options()
		if err != nil {
			return fmt.Errorf("resource %s: %w", spec.Key(), err)
		}
		ctx.Resource(spec.Type, spec.Name, opts...)
	}

	return nil
}
