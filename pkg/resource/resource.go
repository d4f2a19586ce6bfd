// Package resource defines the declarations a manifest produces: typed,
// named resources with ordering constraints, guards and an error policy.
package resource

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Key identifies a resource within a run. The (Type, Name) pair is unique.
type Key struct {
	// Type is the resource type (e.g. "file", "exec", "download").
	Type string `json:"type"`

	// Name is the user-chosen resource name.
	Name string `json:"name"`
}

// NewKey creates a key.
func NewKey(typ, name string) Key {
	return Key{Type: typ, Name: name}
}

// String renders the key as "type::name".
func (k Key) String() string {
	return k.Type + "::" + k.Name
}

// ParseKey parses a "type::name" reference.
func ParseKey(s string) (Key, error) {
	typ, name, ok := strings.Cut(s, "::")
	if !ok || typ == "" || name == "" {
		return Key{}, fmt.Errorf("invalid resource reference %q: expected type::name", s)
	}
	return Key{Type: typ, Name: name}, nil
}

// ErrorHandling controls what happens to the run when a resource fails.
type ErrorHandling int

const (
	// Abort stops the run after recording the failing resource.
	Abort ErrorHandling = iota

	// Ignore records the failure and continues with the next resource.
	Ignore
)

// String returns the policy name.
func (e ErrorHandling) String() string {
	switch e {
	case Abort:
		return "abort"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("error_handling(%d)", int(e))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (e ErrorHandling) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *ErrorHandling) UnmarshalText(text []byte) error {
	parsed, err := ParseErrorHandling(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseErrorHandling parses "abort" or "ignore". The empty string is Abort.
func ParseErrorHandling(s string) (ErrorHandling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return Abort, nil
	case "ignore":
		return Ignore, nil
	default:
		return Abort, fmt.Errorf("invalid error handling: %s (must be 'abort' or 'ignore')", s)
	}
}

// GuardKind distinguishes the two guard predicates.
type GuardKind string

const (
	// GuardUnless skips the resource when the check succeeds.
	GuardUnless GuardKind = "unless"

	// GuardOnlyIf skips the resource when the check fails.
	GuardOnlyIf GuardKind = "only_if"
)

// Guard is a side-effect free check a provider evaluates before mutating.
type Guard struct {
	Kind  GuardKind `json:"kind"`
	Check string    `json:"check"`
}

// Resource is a compiled resource declaration.
type Resource struct {
	// Type is the resource type used to select a provider.
	Type string `json:"type"`

	// Name is the resource name, unique per type.
	Name string `json:"name"`

	// Properties is the type-specific property bag.
	Properties Properties `json:"properties,omitempty"`

	// After lists resources that must run before this one.
	After []Key `json:"after,omitempty"`

	// Before lists resources that must run after this one.
	Before []Key `json:"before,omitempty"`

	// RequireAdministrator forces elevation regardless of the provider.
	RequireAdministrator bool `json:"require_administrator"`

	// OnError is the failure policy. Abort is the default.
	OnError ErrorHandling `json:"on_error"`

	// Guards are evaluated by the provider, in order, before mutation.
	Guards []Guard `json:"guards,omitempty"`
}

// Key returns the resource identity.
func (r *Resource) Key() Key {
	return Key{Type: r.Type, Name: r.Name}
}

// String renders the resource as "type::name".
func (r *Resource) String() string {
	return r.Key().String()
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	c := *r
	c.Properties = r.Properties.Clone()
	c.After = append([]Key(nil), r.After...)
	c.Before = append([]Key(nil), r.Before...)
	c.Guards = append([]Guard(nil), r.Guards...)
	return &c
}

// GuardsOf returns the checks of the given kind.
func (r *Resource) GuardsOf(kind GuardKind) []string {
	var checks []string
	for _, g := range r.Guards {
		if g.Kind == kind {
			checks = append(checks, g.Check)
		}
	}
	return checks
}

// Properties is a type-specific property bag.
type Properties map[string]any

// Get returns a property.
func (p Properties) Get(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// String returns a property as a string, or "" when missing or not a string.
func (p Properties) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool returns a property as a bool, or false when missing or not a bool.
func (p Properties) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Clone returns a deep copy of the properties.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Decode converts the property bag into a typed struct using its json tags.
func (p Properties) Decode(into any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode properties: %w", err)
	}
	return nil
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Properties:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
