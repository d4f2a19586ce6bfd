package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/larder/pkg/engine"
	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
	"github.com/openfroyo/larder/pkg/telemetry"
)

// Example_reportEvents shows the events published for a finished run.
func Example_reportEvents() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 10})
	defer events.Shutdown(context.Background())

	events.Subscribe(func(e telemetry.Event) {
		fmt.Printf("%s %s %v\n", e.Type, e.ResourceID, e.Data["state"])
	}, telemetry.FilterByType(telemetry.EventTypeResourceState))

	events.Subscribe(func(e telemetry.Event) {
		fmt.Printf("%s %v\n", e.Type, e.Data["status"])
	}, telemetry.FilterByType(telemetry.EventTypeRunCompleted, telemetry.EventTypeRunFailed))

	report := engine.NewReport([]engine.ReportItem{
		{Resource: resource.New("package", "git").Build(), State: resource.Unchanged},
		{Resource: resource.New("file", "/etc/gitconfig").Build(), State: resource.Changed},
	}, facts.Empty(), true, false)

	_ = telemetry.NewReportPublisher(events).Notify(report)

	// Output:
	// resource.state package::git unchanged
	// resource.state file::/etc/gitconfig changed
	// run.completed succeeded
}

// Example_metrics shows metrics recorded through the engine interface.
func Example_metrics() {
	metrics, _ := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)

	var recorder engine.MetricsRecorder = metrics
	recorder.RecordRunStarted("apply")
	recorder.RecordProviderCall("file", "changed", 0)
	recorder.RecordRunCompleted("succeeded", 0)

	families, _ := metrics.Registry().Gather()
	for _, mf := range families {
		fmt.Println(mf.GetName())
	}

	// Output:
	// larder_active_runs
	// larder_provider_call_duration_seconds
	// larder_provider_calls_total
	// larder_run_duration_seconds
	// larder_runs_completed_total
	// larder_runs_started_total
}
