// Package providers holds the built-in resource providers.
//
// Every provider decodes the resource property bag into a typed struct that
// is checked with validator tags when the resource graph is built, so bad
// declarations fail before anything runs. Providers evaluate the resource
// guards before mutating anything.
package providers

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

const (
	statePresent   = "present"
	stateAbsent    = "absent"
	stateDirectory = "directory"
	stateLatest    = "latest"
)

type settings struct {
	runner   Runner
	client   *http.Client
	lookPath func(string) (string, error)
	registry registryStore
}

// Option configures the built-in providers.
type Option func(*settings)

// WithRunner replaces the process runner.
func WithRunner(runner Runner) Option {
	return func(s *settings) {
		s.runner = runner
	}
}

// WithHTTPClient replaces the client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		s.client = client
	}
}

// WithLookPath replaces the executable lookup used to detect package
// managers.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(s *settings) {
		s.lookPath = fn
	}
}

func newSettings(opts []Option) *settings {
	s := &settings{
		runner: ExecRunner{},
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Minute,
		},
		lookPath: exec.LookPath,
		registry: systemRegistry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// All returns every built-in provider.
func All(opts ...Option) []engine.Provider {
	return []engine.Provider{
		NewFile(opts...),
		NewExec(opts...),
		NewDownload(opts...),
		NewPackage(opts...),
		NewRegistry(opts...),
	}
}

// NewRepository returns a repository holding every built-in provider.
func NewRepository(opts ...Option) *engine.Repository {
	return engine.NewRepository(All(opts...)...)
}

var (
	validate = newValidator()

	checksumPattern = regexp.MustCompile(`^(sha256:)?[0-9a-fA-F]{64}$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		_, err := parseMode(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("checksum", func(fl validator.FieldLevel) bool {
		return checksumPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("registrykey", func(fl validator.FieldLevel) bool {
		_, _, err := parseRegistryKey(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})

	return v
}

// decode converts the resource properties into a validated struct.
func decode(r *resource.Resource, into any) error {
	if err := r.Properties.Decode(into); err != nil {
		return fmt.Errorf("%s: %w", r, err)
	}
	if err := validate.Struct(into); err != nil {
		return fmt.Errorf("%s: invalid properties: %w", r, err)
	}
	return nil
}

// parseMode parses an octal permission string such as "0644".
func parseMode(s string) (os.FileMode, error) {
	if len(s) < 3 || len(s) > 4 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return os.FileMode(mode).Perm(), nil
}

// expandPath resolves a leading "~" against the user.home fact.
func expandPath(f *facts.FactCollection, path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home := f.String("user.home")
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return "", fmt.Errorf("failed to expand %s: %w", path, err)
		}
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// defaultShell is PowerShell on windows and sh elsewhere.
func defaultShell(f *facts.FactCollection) Shell {
	if f.Bool("os.windows") {
		return ShellPowerShell
	}
	return ShellSh
}

// shellOf returns the declared shell or the machine default.
func shellOf(f *facts.FactCollection, declared string) Shell {
	if declared == "" {
		return defaultShell(f)
	}
	return Shell(declared)
}
