package facts

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Builder produces the FactCollection for a run from the raw arguments the
// user passed after the command.
type Builder interface {
	Build(args []string) (*FactCollection, error)
}

// sandboxUser is the account Windows Sandbox logs in as.
const sandboxUser = "WDAGUtilityAccount"

// ciVariables are environment variables set by common CI systems.
var ciVariables = []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "TF_BUILD", "BUILDKITE", "JENKINS_URL"}

// DefaultBuilder inspects the local machine.
type DefaultBuilder struct {
	files    []string
	extra    map[string]any
	getenv   func(string) string
	hostname func() (string, error)
	current  func() (*user.User, error)
	goos     string
	goarch   string
}

// BuilderOption configures a DefaultBuilder.
type BuilderOption func(*DefaultBuilder)

// WithFactFiles merges YAML fact files underneath the detected facts.
// Detected facts and argument facts win over file facts.
func WithFactFiles(paths ...string) BuilderOption {
	return func(b *DefaultBuilder) {
		b.files = append(b.files, paths...)
	}
}

// WithExtraFacts adds static facts, applied after files and before probing.
func WithExtraFacts(extra map[string]any) BuilderOption {
	return func(b *DefaultBuilder) {
		for k, v := range extra {
			b.extra[k] = v
		}
	}
}

// WithEnvironment overrides environment lookup.
func WithEnvironment(getenv func(string) string) BuilderOption {
	return func(b *DefaultBuilder) {
		b.getenv = getenv
	}
}

// WithPlatform overrides the detected GOOS and GOARCH.
func WithPlatform(goos, goarch string) BuilderOption {
	return func(b *DefaultBuilder) {
		b.goos = goos
		b.goarch = goarch
	}
}

// WithUserLookup overrides the current user lookup.
func WithUserLookup(fn func() (*user.User, error)) BuilderOption {
	return func(b *DefaultBuilder) {
		b.current = fn
	}
}

// NewBuilder creates a fact builder for the local machine.
func NewBuilder(opts ...BuilderOption) *DefaultBuilder {
	b := &DefaultBuilder{
		extra:    make(map[string]any),
		getenv:   os.Getenv,
		hostname: os.Hostname,
		current:  user.Current,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build collects facts. Detection failures are logged and leave the fact unset.
func (b *DefaultBuilder) Build(args []string) (*FactCollection, error) {
	data := make(map[string]any)

	for _, path := range b.files {
		fileFacts, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		mergeInto(data, New(fileFacts).root)
	}

	// Later layers win: files, extra facts, detected facts, arguments.
	mergeInto(data, New(b.extra).root)
	mergeInto(data, New(b.detect()).root)
	mergeInto(data, New(map[string]any{"args": ParseArgs(args)}).root)

	return New(data), nil
}

func (b *DefaultBuilder) detect() map[string]any {
	detected := map[string]any{
		"os.platform": b.goos,
		"os.arch":     b.goarch,
		"os.windows":  b.goos == "windows",
		"os.linux":    b.goos == "linux",
		"os.darwin":   b.goos == "darwin",
		"os.unix":     b.goos != "windows",
	}

	if host, err := b.hostname(); err == nil {
		detected["os.hostname"] = host
	} else {
		log.Debug().Err(err).Msg("Failed to read hostname")
	}

	sandbox := false
	if u, err := b.current(); err == nil {
		name := u.Username
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
		detected["user.name"] = name
		detected["user.home"] = u.HomeDir
		sandbox = b.goos == "windows" && strings.EqualFold(name, sandboxUser)
	} else {
		log.Debug().Err(err).Msg("Failed to look up current user")
	}
	detected["windows.sandbox"] = sandbox

	ci := false
	for _, name := range ciVariables {
		if b.getenv(name) != "" {
			ci = true
			break
		}
	}
	detected["env.ci"] = ci

	return detected
}

// ParseArgs turns raw "--key=value" and "--flag" arguments into facts.
// Values that parse as booleans or numbers are typed accordingly; anything
// that is not a flag is ignored.
func ParseArgs(args []string) map[string]any {
	out := make(map[string]any)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == "" {
			continue
		}

		key, value, hasValue := strings.Cut(trimmed, "=")
		key = strings.ToLower(key)
		if !hasValue {
			out[key] = true
			continue
		}
		out[key] = typedValue(value)
	}
	return out
}

func typedValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// LoadFile reads a YAML fact file.
func LoadFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fact file %s: %w", path, err)
	}

	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to parse fact file %s: %w", path, err)
	}
	if data == nil {
		data = make(map[string]any)
	}

	return data, nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		incoming, ok := normalize(v).(map[string]any)
		if !ok {
			dst[k] = normalize(v)
			continue
		}
		existing, ok := dst[k].(map[string]any)
		if !ok {
			dst[k] = incoming
			continue
		}
		mergeInto(existing, incoming)
	}
}
