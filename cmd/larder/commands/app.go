package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/config"
	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/policy"
	"github.com/openfroyo/larder/pkg/providers"
	"github.com/openfroyo/larder/pkg/security"
	"github.com/openfroyo/larder/pkg/telemetry"
)

// app is the wiring shared by the commands.
type app struct {
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	parser    *config.CUEParser
	policy    *policy.Engine
	repo      *engine.Repository
	facts     facts.Builder
}

// newApp configures telemetry from the global flags and builds the pieces
// every command needs. Callers must call close.
func newApp(ctx context.Context) (*app, error) {
	cfg := telemetry.DefaultConfig()
	if logLevel == "debug" || logLevel == "trace" {
		cfg = telemetry.DevelopmentConfig()
	}
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Events.MinLevel = eventLevel
	cfg.Metrics.TextfilePath = metricsFile
	cfg.Metrics.ListenAddress = metricsListen
	if traceExporter != "" && traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	tel.LogEvents()

	a := &app{
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
		repo:      providers.NewRepository(),
		facts:     facts.NewBuilder(facts.WithFactFiles(factFiles...)),
	}
	a.parser = config.NewCUEParser(config.WithLogger(tel.Logger.NewComponentLogger("config").Zerolog()))

	if !noPolicy {
		a.policy, err = policy.NewEngine(tel.Logger.NewComponentLogger("policy").Zerolog())
		if err != nil {
			return nil, errors.Join(err, a.close(ctx))
		}
		if len(policyPaths) > 0 {
			if err := a.policy.LoadPolicies(ctx, policyPaths); err != nil {
				return nil, errors.Join(err, a.close(ctx))
			}
		}
	}

	return a, nil
}

// Arguments to newEngine.
const (
	withPolicy    = true
	withoutPolicy = false
)

// newEngine builds an engine over the given declarations. The plan policy
// gates the engine only when gated is set and policies are enabled.
func (a *app) newEngine(decls *config.Declarations, gated bool, extra ...engine.Option) *engine.Engine {
	opts := append(a.telemetry.EngineOptions(), decls.EngineOptions()...)
	if gated && a.policy != nil {
		opts = append(opts, engine.WithPolicy(a.policy))
	}
	opts = append(opts, extra...)
	return engine.New(a.repo, a.facts, security.Current(), opts...)
}

// load parses the configured declarations.
func (a *app) load(ctx context.Context) (*config.Declarations, error) {
	return a.parser.Load(ctx, configPaths)
}

func (a *app) close(ctx context.Context) error {
	return a.telemetry.Shutdown(ctx)
}

// withApp runs fn with a configured app and shuts telemetry down after.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(context.WithoutCancel(ctx)); closeErr != nil {
			a.logger.Warn().Err(closeErr).Msg("Failed to shut down telemetry")
		}
	}()
	return fn(a)
}
