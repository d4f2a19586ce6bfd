// Package facts provides the immutable FactCollection describing the host a
// run executes on, and the Builder that inspects it.
//
// Facts are addressed by dotted paths such as "os.platform" or
// "windows.sandbox". Unknown paths never fail: they resolve to the zero
// Value, which is falsy, empty and zero.
package facts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is a single fact, or a subtree of facts, looked up by path.
type Value struct {
	raw     any
	present bool
}

// Exists reports whether the value was present in the collection.
func (v Value) Exists() bool {
	return v.present
}

// Interface returns the underlying value. Subtrees are returned as copies.
func (v Value) Interface() any {
	return deepCopy(v.raw)
}

// Get descends into a subtree. Looking below a scalar yields the zero Value.
func (v Value) Get(path string) Value {
	node, ok := v.raw.(map[string]any)
	if !ok {
		return Value{}
	}
	return lookup(node, path)
}

// Bool interprets the value as a boolean.
// Strings are parsed with strconv.ParseBool; numbers are true when non-zero.
func (v Value) Bool() bool {
	switch val := v.raw.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(val)
		return err == nil && b
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return false
	}
}

// String returns the string form of a scalar value, or "" for subtrees and
// missing values.
func (v Value) String() string {
	switch val := v.raw.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case map[string]any:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Float interprets the value as a number.
func (v Value) Float() float64 {
	switch val := v.raw.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// Int interprets the value as an integer, truncating fractions.
func (v Value) Int() int {
	return int(v.Float())
}

// FactCollection is an immutable, hierarchical set of facts.
type FactCollection struct {
	root map[string]any
}

// New creates a collection from data. Dotted keys are expanded into nested
// maps, so {"os.platform": "linux"} and {"os": {"platform": "linux"}} are
// equivalent. The input is copied.
//
// Keys are applied in sorted order. When a scalar and a nested fact claim the
// same path, the nested fact wins: {"profile": "web", "profile.tier": "gold"}
// always yields profile.tier == "gold".
func New(data map[string]any) *FactCollection {
	root := make(map[string]any)
	for _, key := range sortedKeys(data) {
		set(root, key, normalize(data[key]))
	}
	return &FactCollection{root: root}
}

// Empty returns a collection without any facts.
func Empty() *FactCollection {
	return &FactCollection{root: make(map[string]any)}
}

// Get returns the value at path. A nil collection behaves as empty.
func (f *FactCollection) Get(path string) Value {
	if f == nil {
		return Value{}
	}
	return lookup(f.root, path)
}

// Lookup returns the value at path and whether it exists.
func (f *FactCollection) Lookup(path string) (Value, bool) {
	v := f.Get(path)
	return v, v.present
}

// Bool is shorthand for Get(path).Bool().
func (f *FactCollection) Bool(path string) bool {
	return f.Get(path).Bool()
}

// String is shorthand for Get(path).String().
func (f *FactCollection) String(path string) string {
	return f.Get(path).String()
}

// Map returns a deep copy of the fact tree.
func (f *FactCollection) Map() map[string]any {
	if f == nil {
		return map[string]any{}
	}
	return deepCopy(f.root).(map[string]any)
}

// Flatten returns every scalar fact keyed by its dotted path.
func (f *FactCollection) Flatten() map[string]any {
	out := make(map[string]any)
	if f != nil {
		flatten("", f.root, out)
	}
	return out
}

// Keys returns the sorted dotted paths of every scalar fact.
func (f *FactCollection) Keys() []string {
	flat := f.Flatten()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of scalar facts.
func (f *FactCollection) Len() int {
	return len(f.Flatten())
}

// MarshalJSON renders the fact tree.
func (f *FactCollection) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Map())
}

func lookup(node map[string]any, path string) Value {
	if path == "" {
		return Value{raw: node, present: true}
	}

	var current any = node
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return Value{}
		}
		next, exists := m[part]
		if !exists {
			return Value{}
		}
		current = next
	}

	return Value{raw: current, present: true}
}

func set(root map[string]any, path string, val any) {
	parts := strings.Split(path, ".")
	node := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}

	last := parts[len(parts)-1]
	existing, branch := node[last].(map[string]any)
	incoming, ok := val.(map[string]any)
	if !ok {
		if !branch {
			node[last] = val
		}
		return
	}
	if !branch {
		existing = make(map[string]any)
		node[last] = existing
	}
	for _, k := range sortedKeys(incoming) {
		set(existing, k, incoming[k])
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalize converts the value shapes produced by decoders into the small set
// of types Value understands.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return val
	}
}

func flatten(prefix string, node map[string]any, out map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}
