package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in
// schemas. Values validated against the registry must come from ctx.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.registerBuiltInSchemas(); err != nil {
		// The built-in schema is a constant.
		panic(err)
	}

	return sr
}

// registerBuiltInSchemas registers one schema per definition of the
// built-in schema source.
func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	val := sr.ctx.CompileString(builtinSchema, cue.Filename("larder.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile built-in schema: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	for name, def := range map[string]string{
		"document": "#Document",
		"catalog":  "#Catalog",
		"manifest": "#Manifest",
		"resource": "#Resource",
		"copy":     "#Copy",
	} {
		schema := val.LookupPath(cue.ParsePath(def))
		if err := schema.Err(); err != nil {
			return fmt.Errorf("failed to look up %s: %w", def, err)
		}
		sr.schemas[name] = schema
	}
	return nil
}

// RegisterSchema compiles schema and registers it under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with the named schema. The result carries the schema's
// defaults and constraints; callers check it with Validate.
func (sr *SchemaRegistry) Apply(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Apply(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateResource validates a resource declaration against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, spec ResourceSpec) error {
	return sr.ValidateAgainstSchema(ctx, "resource", spec)
}

const builtinSchema = `
// A resource reference, type::name.
#Key: string & =~"^[^:]+::.+$"

#Resource: {
	type: string & !=""
	name: string & !=""

	// Provider-specific configuration.
	properties?: {...}

	after?:  [...#Key]
	before?: [...#Key]

	require_administrator?: bool
	on_error?:              "abort" | "ignore"

	// Shell commands guarding the resource.
	unless?:  [...string]
	only_if?: [...string]

	// Starlark expression over facts.
	when?: string

	copy?: [...#Copy]
}

#Copy: {
	property:       string & !=""
	from:           #Key
	from_property?: string
}

#Catalog: {
	when?:     string
	manifests: [string, ...string]
}

#Manifest: {
	resources?: [...#Resource]
	script?:    string
}

#Document: {
	catalogs?: {[string]: #Catalog}
	manifests?: {[string]: #Manifest}
	...
}
`
