package providers

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// Registry value types.
const (
	RegistryString       = "string"
	RegistryExpandString = "expand_string"
	RegistryDWord        = "dword"
	RegistryQWord        = "qword"
	RegistryMultiString  = "multi_string"
)

// RegistryProperties describes a Windows registry value. Key starts with a
// hive such as HKLM or HKEY_CURRENT_USER. Value is the value name and
// defaults to the resource name. Type is inferred from Data when empty.
type RegistryProperties struct {
	Key   string `json:"key" validate:"required,registrykey"`
	Value string `json:"value"`
	Type  string `json:"type" validate:"omitempty,oneof=string expand_string dword qword multi_string"`
	Data  any    `json:"data" validate:"required_unless=State absent"`
	State string `json:"state" validate:"omitempty,oneof=present absent"`
}

// registryValue holds string, uint64 or []string data.
type registryValue struct {
	Type string
	Data any
}

type registryStore interface {
	Get(key, name string) (registryValue, bool, error)
	Set(key, name string, v registryValue) error
	Delete(key, name string) error
}

var registryHives = map[string]string{
	"HKLM":                "HKLM",
	"HKEY_LOCAL_MACHINE":  "HKLM",
	"HKCU":                "HKCU",
	"HKEY_CURRENT_USER":   "HKCU",
	"HKCR":                "HKCR",
	"HKEY_CLASSES_ROOT":   "HKCR",
	"HKU":                 "HKU",
	"HKEY_USERS":          "HKU",
	"HKCC":                "HKCC",
	"HKEY_CURRENT_CONFIG": "HKCC",
}

// parseRegistryKey splits a key into its short hive name and subkey path.
func parseRegistryKey(key string) (string, string, error) {
	root, path, _ := strings.Cut(strings.ReplaceAll(key, "/", `\`), `\`)
	hive, ok := registryHives[strings.ToUpper(root)]
	if !ok {
		return "", "", fmt.Errorf("unknown registry hive %q", root)
	}
	return hive, strings.Trim(path, `\`), nil
}

// Registry manages Windows registry values.
type Registry struct {
	settings *settings
}

// NewRegistry creates the registry provider.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{settings: newSettings(opts)}
}

// Type implements engine.Provider.
func (p *Registry) Type() string {
	return "registry"
}

// CanRun implements engine.Provider.
func (p *Registry) CanRun(f *facts.FactCollection) bool {
	return f.Bool("os.windows")
}

// RequireAdministrator implements engine.Provider.
func (p *Registry) RequireAdministrator(*facts.FactCollection) bool {
	return true
}

// Validate implements engine.ResourceValidator.
func (p *Registry) Validate(r *resource.Resource) error {
	_, _, err := p.desired(r)
	return err
}

func (p *Registry) desired(r *resource.Resource) (*RegistryProperties, registryValue, error) {
	var props RegistryProperties
	if err := decode(r, &props); err != nil {
		return nil, registryValue{}, err
	}
	if props.Value == "" {
		props.Value = r.Name
	}
	if props.State == stateAbsent {
		return &props, registryValue{}, nil
	}

	v, err := normalizeRegistryValue(props.Type, props.Data)
	if err != nil {
		return nil, registryValue{}, fmt.Errorf("%s: %w", r, err)
	}
	return &props, v, nil
}

// Run implements engine.Provider.
func (p *Registry) Run(ctx *engine.ExecutionContext, r *resource.Resource) (resource.State, error) {
	props, want, err := p.desired(r)
	if err != nil {
		return resource.Error, err
	}

	skip, err := checkGuards(ctx, p.settings.runner, defaultShell(ctx.Facts), r)
	if err != nil {
		return resource.Error, err
	}
	if skip {
		return resource.Unchanged, nil
	}

	store := p.settings.registry
	current, exists, err := store.Get(props.Key, props.Value)
	if err != nil {
		return resource.Error, fmt.Errorf("failed to read %s\\%s: %w", props.Key, props.Value, err)
	}

	if props.State == stateAbsent {
		if !exists {
			return resource.Unchanged, nil
		}
		if ctx.DryRun {
			return resource.Changed, nil
		}
		if err := store.Delete(props.Key, props.Value); err != nil {
			return resource.Error, fmt.Errorf("failed to delete %s\\%s: %w", props.Key, props.Value, err)
		}
		return resource.Changed, nil
	}

	if exists && current.Type == want.Type && reflect.DeepEqual(current.Data, want.Data) {
		return resource.Unchanged, nil
	}
	if ctx.DryRun {
		return resource.Changed, nil
	}
	if err := store.Set(props.Key, props.Value, want); err != nil {
		return resource.Error, fmt.Errorf("failed to write %s\\%s: %w", props.Key, props.Value, err)
	}

	ctx.Logger.Debug().
		Str("key", props.Key).
		Str("value", props.Value).
		Str("type", want.Type).
		Msg("Registry value written")
	return resource.Changed, nil
}

// normalizeRegistryValue converts declared data into the representation of
// its registry type, inferring the type when empty.
func normalizeRegistryValue(typ string, data any) (registryValue, error) {
	if typ == "" {
		switch d := data.(type) {
		case string:
			typ = RegistryString
		case float64:
			typ = RegistryDWord
			if d > math.MaxUint32 {
				typ = RegistryQWord
			}
		case []any:
			typ = RegistryMultiString
		default:
			return registryValue{}, fmt.Errorf("cannot infer registry type of %T", data)
		}
	}

	switch typ {
	case RegistryString, RegistryExpandString:
		s, ok := data.(string)
		if !ok {
			return registryValue{}, fmt.Errorf("%s data must be a string", typ)
		}
		return registryValue{Type: typ, Data: s}, nil

	case RegistryDWord, RegistryQWord:
		n, ok := data.(float64)
		if !ok || n < 0 || n != math.Trunc(n) {
			return registryValue{}, fmt.Errorf("%s data must be a non-negative integer", typ)
		}
		if typ == RegistryDWord && n > math.MaxUint32 {
			return registryValue{}, fmt.Errorf("%v does not fit a dword", n)
		}
		return registryValue{Type: typ, Data: uint64(n)}, nil

	case RegistryMultiString:
		items, ok := data.([]any)
		if !ok {
			return registryValue{}, fmt.Errorf("%s data must be a list of strings", typ)
		}
		strs := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return registryValue{}, fmt.Errorf("%s data must be a list of strings", typ)
			}
			strs[i] = s
		}
		return registryValue{Type: typ, Data: strs}, nil
	}

	return registryValue{}, fmt.Errorf("unsupported registry type %q", typ)
}
