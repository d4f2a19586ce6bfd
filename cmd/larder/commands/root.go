package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/larder/pkg/engine"
)

var (
	// Global flags
	configPaths   []string
	factFiles     []string
	policyPaths   []string
	noPolicy      bool
	logLevel      string
	eventLevel    string
	jsonOutput    bool
	outputFormat  string
	metricsFile   string
	traceExporter string
	traceEndpoint string

	// Set by watch only.
	metricsListen string

	version = "dev"
)

// errRunFailed marks runs that finished with failed resources.
var errRunFailed = errors.New("run failed")

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit code: 2 for a run that
// finished with failed resources, 3 when administrator rights are missing,
// 4 for a plan denied by policy and 1 otherwise.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, errRunFailed):
		return 2
	case engine.IsPrivilegeError(err):
		return 3
	case isPolicyDenied(err):
		return 4
	default:
		return 1
	}
}

func isPolicyDenied(err error) bool {
	return engine.ErrorCode(err) == engine.ErrCodePolicyDenied
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	version = ver

	rootCmd := &cobra.Command{
		Use:   "larder",
		Short: "Larder - declarative local provisioning",
		Long: `Larder brings the local machine to a declared state.

Resources are declared in manifests, and catalogs decide from machine facts
which manifests apply. Larder orders the resources, checks that it has the
privileges they need and applies them one by one.

Features:
  - Catalogs and manifests declared in CUE
  - Starlark conditions and resource generators over facts
  - Rego policies over the execution plan
  - Dry runs that report without touching the machine`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVarP(&configPaths, "config", "c", []string{"."}, "CUE files or directories declaring catalogs and manifests")
	flags.StringSliceVar(&factFiles, "facts-file", nil, "YAML or JSON files with extra facts")
	flags.StringSliceVar(&policyPaths, "policy", nil, "Rego or JSON policy files and directories")
	flags.BoolVar(&noPolicy, "no-policy", false, "skip plan policies, built-in ones included")
	flags.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&eventLevel, "event-level", "info", "lowest run event level to publish (info, warning, error)")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVarP(&outputFormat, "output", "o", "text", "output format (text, json, yaml; plan also takes dot)")
	flags.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")
	flags.StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP gRPC endpoint for the otlp exporter")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// format resolves --json and --output. Commands pass the formats they
// accept on top of text, json and yaml.
func format(extra ...string) (string, error) {
	if jsonOutput {
		return "json", nil
	}
	allowed := append([]string{"text", "json", "yaml"}, extra...)
	if slices.Contains(allowed, outputFormat) {
		return outputFormat, nil
	}
	return "", fmt.Errorf("invalid output format: %s (must be one of %s)", outputFormat, strings.Join(allowed, ", "))
}
