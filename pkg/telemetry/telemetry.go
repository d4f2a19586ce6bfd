package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// EngineOptions returns the engine options that route engine logs, spans,
// measurements and reports through this telemetry instance.
func (t *Telemetry) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithLogger(t.Logger.NewComponentLogger("engine").Zerolog()),
		engine.WithTracer(t.Tracer.Tracer()),
		engine.WithMetrics(t.Metrics),
		engine.WithSubscriber(NewReportPublisher(t.Events)),
	}
}

// LogEvents logs published events: resource.state at debug, run.completed
// at info and run.failed at warn.
func (t *Telemetry) LogEvents() {
	logger := t.Logger.NewComponentLogger("events").Zerolog()
	logEvent := func(e *zerolog.Event, event Event) {
		e.Str("event_id", event.ID).
			Str("type", event.Type).
			Str("run_id", event.RunID).
			Str("resource", event.ResourceID).
			Fields(event.Data).
			Msg(event.Message)
	}

	t.Events.Subscribe(func(event Event) {
		e := logger.Debug()
		if event.Level == EventLevelError {
			e = logger.Warn()
		}
		logEvent(e, event)
	}, FilterByType(EventTypeResourceState))

	t.Events.Subscribe(func(event Event) {
		e := logger.Info()
		if event.Type == EventTypeRunFailed {
			e = logger.Warn()
		}
		logEvent(e, event)
	}, FilterByType(EventTypeRunCompleted, EventTypeRunFailed))
}

// Shutdown drains events, flushes spans and writes the metrics textfile
// when one is configured. Every step runs; their errors are joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
