package resource

// Resolver gives bindings read access to the other resources of a run.
type Resolver interface {
	// Resolve returns the resource with the given key.
	Resolve(key Key) (*Resource, bool)
}

// Binding is a deferred configuration step. It runs once, after every
// manifest has been evaluated and before planning, so it may copy values
// from resources declared elsewhere. Bindings must not invoke providers.
type Binding func(r *Resource, resolver Resolver) error

// Option configures a resource declaration.
type Option func(*Builder)

// Builder accumulates one resource declaration.
type Builder struct {
	resource Resource
	bindings []Binding
}

// New starts a resource declaration.
func New(typ, name string, opts ...Option) *Builder {
	b := &Builder{
		resource: Resource{
			Type:       typ,
			Name:       name,
			Properties: make(Properties),
			OnError:    Abort,
		},
	}
	return b.Apply(opts...)
}

// Apply applies further options to the declaration.
func (b *Builder) Apply(opts ...Option) *Builder {
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Key returns the identity of the declared resource.
func (b *Builder) Key() Key {
	return b.resource.Key()
}

// Build returns a snapshot of the declaration. Later changes to the builder
// do not affect resources already built.
func (b *Builder) Build() *Resource {
	return b.resource.Clone()
}

// Bindings returns the deferred configuration steps in registration order.
func (b *Builder) Bindings() []Binding {
	return append([]Binding(nil), b.bindings...)
}

// WithProperty sets a single property.
func WithProperty(key string, value any) Option {
	return func(b *Builder) {
		b.resource.Properties[key] = value
	}
}

// WithProperties merges properties, overwriting existing keys.
func WithProperties(props map[string]any) Option {
	return func(b *Builder) {
		for k, v := range props {
			b.resource.Properties[k] = v
		}
	}
}

// After orders this resource after the resource typ::name.
func After(typ, name string) Option {
	return func(b *Builder) {
		b.resource.After = appendKey(b.resource.After, Key{Type: typ, Name: name})
	}
}

// Before orders this resource before the resource typ::name.
func Before(typ, name string) Option {
	return func(b *Builder) {
		b.resource.Before = appendKey(b.resource.Before, Key{Type: typ, Name: name})
	}
}

// Unless skips the mutation when check succeeds.
func Unless(check string) Option {
	return func(b *Builder) {
		b.resource.Guards = append(b.resource.Guards, Guard{Kind: GuardUnless, Check: check})
	}
}

// OnlyIf skips the mutation when check fails.
func OnlyIf(check string) Option {
	return func(b *Builder) {
		b.resource.Guards = append(b.resource.Guards, Guard{Kind: GuardOnlyIf, Check: check})
	}
}

// RequireAdministrator marks the resource as needing an elevated process.
func RequireAdministrator() Option {
	return func(b *Builder) {
		b.resource.RequireAdministrator = true
	}
}

// OnError sets the failure policy.
func OnError(policy ErrorHandling) Option {
	return func(b *Builder) {
		b.resource.OnError = policy
	}
}

// Bind registers a deferred configuration step.
func Bind(fn Binding) Option {
	return func(b *Builder) {
		if fn != nil {
			b.bindings = append(b.bindings, fn)
		}
	}
}

func appendKey(keys []Key, key Key) []Key {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}
