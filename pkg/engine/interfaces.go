package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// Provider applies resources of a single type to the local machine.
type Provider interface {
	// Type is the resource type this provider handles.
	Type() string

	// CanRun reports whether the provider can run on this machine.
	// It must be side-effect free.
	CanRun(f *facts.FactCollection) bool

	// RequireAdministrator reports whether the provider needs an elevated
	// process on this machine. It must be side-effect free.
	RequireAdministrator(f *facts.FactCollection) bool

	// Run brings the resource to its desired state. It must be idempotent:
	// a second call with nothing changed in between returns Unchanged.
	Run(ctx *ExecutionContext, r *resource.Resource) (resource.State, error)
}

// ResourceValidator is implemented by providers that check resource
// properties while the graph is built, before anything executes.
type ResourceValidator interface {
	Validate(r *resource.Resource) error
}

// ExecutionContext is passed to providers for a single Run call.
type ExecutionContext struct {
	context.Context

	// Facts describes the machine.
	Facts *facts.FactCollection

	// DryRun asks the provider to report the state it would reach without
	// changing the machine. The engine sets it for what-if runs.
	DryRun bool

	// Logger is scoped to the resource being executed.
	Logger zerolog.Logger
}

// SecurityPrincipal reports the privileges of the current process.
type SecurityPrincipal interface {
	IsAdministrator() bool
}

// StatusUpdater receives human-readable progress during real runs.
type StatusUpdater interface {
	Update(status string)
}

// StatusFunc adapts a function into a StatusUpdater.
type StatusFunc func(status string)

// Update implements StatusUpdater.
func (f StatusFunc) Update(status string) {
	f(status)
}

// ReportSubscriber is notified once per run with the final Report.
type ReportSubscriber interface {
	Notify(report *Report) error
}

// PlanPolicy decides whether an execution plan may run.
type PlanPolicy interface {
	EvaluatePlan(ctx context.Context, plan *ExecutionPlan) (*PolicyResult, error)
}

// PolicyResult is the outcome of a plan policy evaluation.
type PolicyResult struct {
	// Allowed is false when at least one violation blocks the plan.
	Allowed bool `json:"allowed"`

	// Violations lists every policy violation, blocking or not.
	Violations []PolicyViolation `json:"violations,omitempty"`
}

// PolicyViolation describes a single violation.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Rule     string `json:"rule,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Resource string `json:"resource,omitempty"`
}

// MetricsRecorder receives run measurements.
type MetricsRecorder interface {
	RecordRunStarted(mode string)
	RecordRunCompleted(status string, duration time.Duration)
	RecordProviderCall(provider, state string, duration time.Duration)
	RecordResourceStates(counts map[string]int)
	RecordError(class, code string)
}

type nopMetrics struct{}

func (nopMetrics) RecordRunStarted(string) {}
func (nopMetrics) RecordRunCompleted(string, time.Duration) {}
func (nopMetrics) RecordProviderCall(string, string, time.Duration) {}
func (nopMetrics) RecordResourceStates(map[string]int) {}
func (nopMetrics) RecordError(string, string) {}

type nopStatus struct{}

func (nopStatus) Update(string) {}
