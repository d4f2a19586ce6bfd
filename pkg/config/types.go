package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/larder/pkg/resource"
)

// Document is the decoded content of one or more CUE sources.
type Document struct {
	// Catalogs are the declared catalogs, in declaration order.
	Catalogs []CatalogSpec `json:"catalogs" validate:"dive"`

	// Manifests are the declared manifests, in declaration order.
	Manifests []ManifestSpec `json:"manifests" validate:"dive"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any parse or validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// CatalogSpec declares a catalog.
type CatalogSpec struct {
	// Name is the catalog name, taken from its key.
	Name string `json:"name" validate:"required"`

	// When is a Starlark expression over facts. Empty means always.
	When string `json:"when,omitempty"`

	// Manifests lists the manifests the catalog uses.
	Manifests []string `json:"manifests" validate:"required,min=1,dive,required"`
}

// ManifestSpec declares a manifest.
type ManifestSpec struct {
	// Name is the manifest name, taken from its key.
	Name string `json:"name" validate:"required"`

	// Resources are the declared resources, in declaration order.
	Resources []ResourceSpec `json:"resources,omitempty" validate:"dive"`

	// Script is a Starlark program that may define a "resources" list
	// appended after Resources.
	Script string `json:"script,omitempty"`
}

// ResourceSpec declares a resource.
type ResourceSpec struct {
	Type                 string         `json:"type" validate:"required"`
	Name                 string         `json:"name" validate:"required"`
	Properties           map[string]any `json:"properties,omitempty"`
	After                []string       `json:"after,omitempty" validate:"dive,resource_key"`
	Before               []string       `json:"before,omitempty" validate:"dive,resource_key"`
	RequireAdministrator bool           `json:"require_administrator,omitempty"`
	OnError              string         `json:"on_error,omitempty" validate:"omitempty,oneof=abort ignore"`
	Unless               []string       `json:"unless,omitempty" validate:"dive,required"`
	OnlyIf               []string       `json:"only_if,omitempty" validate:"dive,required"`

	// When is a Starlark expression over facts. The resource is only
	// declared when it holds.
	When string `json:"when,omitempty"`

	// Copy lists properties filled from other resources once the whole
	// graph is known.
	Copy []PropertyCopy `json:"copy,omitempty" validate:"dive"`
}

// PropertyCopy copies a property of another resource into this one.
type PropertyCopy struct {
	// Property is the property to set on this resource.
	Property string `json:"property" validate:"required"`

	// From is the source resource key, type::name.
	From string `json:"from" validate:"required,resource_key"`

	// FromProperty is the property to read. Defaults to Property.
	FromProperty string `json:"from_property,omitempty"`
}

// Key returns the identity of the declared resource.
func (s ResourceSpec) Key() resource.Key {
	return resource.NewKey(s.Type, s.Name)
}

// Options converts the declaration into resource builder options.
func (s ResourceSpec) Options() ([]resource.Option, error) {
	var opts []resource.Option

	if len(s.Properties) > 0 {
		opts = append(opts, resource.WithProperties(s.Properties))
	}

	for _, ref := range s.After {
		key, err := resource.ParseKey(ref)
		if err != nil {
			return nil, err
		}
		opts = append(opts, resource.After(key.Type, key.Name))
	}
	for _, ref := range s.Before {
		key, err := resource.ParseKey(ref)
		if err != nil {
			return nil, err
		}
		opts = append(opts, resource.Before(key.Type, key.Name))
	}

	if s.RequireAdministrator {
		opts = append(opts, resource.RequireAdministrator())
	}

	policy, err := resource.ParseErrorHandling(s.OnError)
	if err != nil {
		return nil, err
	}
	opts = append(opts, resource.OnError(policy))

	for _, check := range s.Unless {
		opts = append(opts, resource.Unless(check))
	}
	for _, check := range s.OnlyIf {
		opts = append(opts, resource.OnlyIf(check))
	}

	for _, c := range s.Copy {
		binding, err := c.binding()
		if err != nil {
			return nil, err
		}
		opts = append(opts, resource.Bind(binding))
	}

	return opts, nil
}

func (c PropertyCopy) binding() (resource.Binding, error) {
	from, err := resource.ParseKey(c.From)
	if err != nil {
		return nil, err
	}
	fromProperty := c.FromProperty
	if fromProperty == "" {
		fromProperty = c.Property
	}

	return func(r *resource.Resource, resolver resource.Resolver) error {
		source, ok := resolver.Resolve(from)
		if !ok {
			return fmt.Errorf("cannot copy %s: resource %s is not declared", c.Property, from)
		}
		value, ok := source.Properties.Get(fromProperty)
		if !ok {
			return fmt.Errorf("cannot copy %s: resource %s has no property %s", c.Property, from, fromProperty)
		}
		if r.Properties == nil {
			r.Properties = resource.Properties{}
		}
		r.Properties[c.Property] = value
		return nil
	}, nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "manifests.web.resources[0]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// Error formats the error with its location.
func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
