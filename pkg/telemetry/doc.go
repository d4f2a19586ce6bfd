// Package telemetry provides observability for Larder runs.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus) and event publishing, and
// plugs them into the engine through engine options.
//
// # Usage
//
// Initialize telemetry at startup and hand it to the engine:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/larder.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(repo, builder, principal, tel.EngineOptions()...)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("providers").Zerolog()
//	logger.Info().Str("resource", "file::/etc/motd").Msg("Content updated")
//
// Log levels: trace, debug, info, warn, error, fatal, disabled.
// DevelopmentConfig logs at debug with caller information.
//
// # Tracing
//
// The engine opens a "larder.run" span per run and a "larder.provider.run"
// span per provider invocation. Exporters:
//
//   - "stdout": pretty-printed spans on stdout
//   - "otlp": OTLP/gRPC to TracingConfig.Endpoint
//   - "none": spans are recorded but not exported
//
// A disabled TracingConfig yields a no-op tracer.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder on a private registry:
//
//   - larder_runs_started_total{mode}
//   - larder_runs_completed_total{status}
//   - larder_run_duration_seconds{status}
//   - larder_active_runs
//   - larder_last_run_resources{state}
//   - larder_provider_calls_total{provider,state}
//   - larder_provider_call_duration_seconds{provider}
//   - larder_errors_by_class_total{class}
//   - larder_errors_by_code_total{code}
//
// A run is a short-lived process, so metrics are written to a textfile for
// the node exporter on Shutdown. Long-running commands may also serve them
// over HTTP with StartMetricsServer.
//
// # Events
//
// ReportPublisher implements engine.ReportSubscriber. For every report it
// publishes a resource.state event per item followed by run.completed or
// run.failed:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.ResourceID)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
//
// EventsConfig.MinLevel drops events below a level before any subscriber
// sees them. LogEvents logs resource.state events at debug and run events at
// info, or warn for failures.
package telemetry
