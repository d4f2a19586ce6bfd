package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/manifest"
	"github.com/openfroyo/larder/pkg/resource"
)

// Engine compiles catalogs and manifests into an execution plan and walks
// it, one provider call at a time.
type Engine struct {
	repo        *Repository
	factBuilder facts.Builder
	security    SecurityPrincipal

	catalogs   []manifest.Catalog
	manifests  []manifest.Manifest
	logger     zerolog.Logger
	subscriber ReportSubscriber
	metrics    MetricsRecorder
	tracer     trace.Tracer
	policy     PlanPolicy
	whatIf     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalogs registers catalogs. They are evaluated in registration order.
func WithCatalogs(catalogs ...manifest.Catalog) Option {
	return func(e *Engine) {
		e.catalogs = append(e.catalogs, catalogs...)
	}
}

// WithManifests registers the manifests catalogs may select.
func WithManifests(manifests ...manifest.Manifest) Option {
	return func(e *Engine) {
		e.manifests = append(e.manifests, manifests...)
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSubscriber sets the subscriber notified with every non-empty report.
func WithSubscriber(subscriber ReportSubscriber) Option {
	return func(e *Engine) {
		e.subscriber = subscriber
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used for run and provider spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithPolicy sets a policy that must allow the plan before it executes.
func WithPolicy(policy PlanPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithWhatIf makes dry runs call every provider with ExecutionContext.DryRun
// set. Items then carry the state a real run would reach instead of Unknown.
// The privilege gate is still skipped and the walk halts as a real run would.
func WithWhatIf() Option {
	return func(e *Engine) {
		e.whatIf = true
	}
}

// New creates an engine.
func New(repo *Repository, factBuilder facts.Builder, security SecurityPrincipal, opts ...Option) *Engine {
	e := &Engine{
		repo:        repo,
		factBuilder: factBuilder,
		security:    security,
		logger:      zerolog.Nop(),
		metrics:     nopMetrics{},
		tracer:      noop.NewTracerProvider().Tracer("larder"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Preparation is everything a run decides before touching the machine.
type Preparation struct {
	// Facts is the fact collection of the run.
	Facts *facts.FactCollection

	// Catalogs lists the catalogs whose gate passed.
	Catalogs []string

	// Manifests lists the manifests that were evaluated.
	Manifests []string

	// Graph is the resource graph, with its configurations already run.
	Graph *ResourceGraph

	// Plan is the execution plan.
	Plan *ExecutionPlan

	// Policy is the policy decision, if a policy is configured.
	Policy *PolicyResult
}

// Prepare collects facts, evaluates catalogs and manifests, builds the graph
// and the plan, and applies the plan policy. Nothing is executed.
func (e *Engine) Prepare(ctx context.Context, args []string) (*Preparation, error) {
	if e.repo == nil || e.factBuilder == nil || e.security == nil {
		return nil, NewPermanentError("engine requires a repository, a fact builder and a security principal", nil).
			WithCode(ErrCodeValidation)
	}

	f, err := e.factBuilder.Build(args)
	if err != nil {
		return nil, NewPermanentError("failed to build facts", err).WithCode(ErrCodeFacts)
	}

	prep := &Preparation{Facts: f}

	catalogCtx := manifest.NewCatalogContext(f)
	for _, catalog := range e.catalogs {
		if !catalog.CanRun(f) {
			e.logger.Debug().Str("catalog", catalog.Name()).Msg("Catalog skipped")
			continue
		}
		if err := catalog.Execute(catalogCtx); err != nil {
			return nil, NewPermanentError(fmt.Sprintf("catalog %s failed", catalog.Name()), err).
				WithCode(ErrCodeCatalogFailed).
				WithDetail("catalog", catalog.Name())
		}
		prep.Catalogs = append(prep.Catalogs, catalog.Name())
	}

	manifests, err := e.resolveManifests(catalogCtx.Used())
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		prep.Manifests = append(prep.Manifests, m.Name())
	}

	graph, err := BuildGraph(e.repo, manifests, f)
	if err != nil {
		return nil, err
	}
	if err := graph.Configurations.Run(); err != nil {
		return nil, err
	}
	prep.Graph = graph

	plan, err := BuildExecutionPlan(e.repo, graph, f)
	if err != nil {
		return nil, err
	}
	prep.Plan = plan

	if e.policy != nil {
		result, err := e.policy.EvaluatePlan(ctx, plan)
		if err != nil {
			return nil, NewPermanentError("failed to evaluate plan policy", err).
				WithCode(ErrCodePolicyDenied)
		}
		prep.Policy = result
		if !result.Allowed {
			denied := NewPermanentError(
				fmt.Sprintf("plan denied by policy with %d violation(s)", len(result.Violations)), nil,
			).WithCode(ErrCodePolicyDenied)
			for i, v := range result.Violations {
				denied.WithDetail(fmt.Sprintf("violation_%d", i), fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
			return nil, denied
		}
	}

	return prep, nil
}

// resolveManifests maps used manifest names to registered manifests.
// Names without a registered manifest are dropped.
func (e *Engine) resolveManifests(used []string) ([]manifest.Manifest, error) {
	registered := make(map[string]manifest.Manifest, len(e.manifests))
	for _, m := range e.manifests {
		if _, exists := registered[m.Name()]; exists {
			return nil, NewPermanentError(fmt.Sprintf("manifest %s registered more than once", m.Name()), nil).
				WithCode(ErrCodeValidation)
		}
		registered[m.Name()] = m
	}

	manifests := make([]manifest.Manifest, 0, len(used))
	for _, name := range used {
		m, ok := registered[name]
		if !ok {
			e.logger.Debug().Str("manifest", name).Msg("Used manifest is not registered")
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Run executes a full run. Construction, resolution, policy and privilege
// failures return an error and no report. A walk that stops early still
// returns its partial report.
func (e *Engine) Run(ctx context.Context, args []string, status StatusUpdater, dryRun bool) (*Report, error) {
	runID := uuid.New().String()
	startedAt := time.Now()
	logger := e.logger.With().Str("run_id", runID).Bool("dry_run", dryRun).Logger()

	ctx, span := e.tracer.Start(ctx, "larder.run", trace.WithAttributes(
		attribute.String("larder.run_id", runID),
		attribute.Bool("larder.dry_run", dryRun),
	))
	defer span.End()

	e.metrics.RecordRunStarted(e.runMode(dryRun))
	logger.Info().Msg("Run started")

	prep, err := e.Prepare(ctx, args)
	if err != nil {
		return nil, e.fail(span, logger, startedAt, err)
	}

	logger.Debug().
		Strs("catalogs", prep.Catalogs).
		Strs("manifests", prep.Manifests).
		Int("resources", prep.Plan.Len()).
		Bool("requires_administrator", prep.Plan.RequiresAdministrator()).
		Msg("Execution plan built")

	if prep.Plan.Empty() {
		report := NewReport(nil, prep.Facts, prep.Plan.RequiresAdministrator(), dryRun).
			withRun(runID, startedAt, time.Now())
		e.complete(span, logger, report)
		return report, nil
	}

	report, err := e.executePlan(ctx, logger, prep.Plan, prep.Facts, status, dryRun)
	if err != nil {
		return nil, e.fail(span, logger, startedAt, err)
	}
	report.withRun(runID, startedAt, time.Now())

	e.complete(span, logger, report)
	e.notify(logger, report)

	return report, nil
}

// ExecutePlan checks privileges and walks the plan.
func (e *Engine) ExecutePlan(ctx context.Context, plan *ExecutionPlan, f *facts.FactCollection, status StatusUpdater, dryRun bool) (*Report, error) {
	return e.executePlan(ctx, e.logger, plan, f, status, dryRun)
}

func (e *Engine) executePlan(
	ctx context.Context,
	logger zerolog.Logger,
	plan *ExecutionPlan,
	f *facts.FactCollection,
	status StatusUpdater,
	dryRun bool,
) (*Report, error) {
	if plan.RequiresAdministrator() && !dryRun && !e.security.IsAdministrator() {
		return nil, NewPermanentError("not running as administrator", nil).
			WithCode(ErrCodePermissionDenied).
			WithOperation("execute")
	}

	if status == nil {
		status = nopStatus{}
	}

	items := make([]ReportItem, 0, plan.Len())
	for _, node := range plan.Items() {
		if dryRun && !e.whatIf {
			items = append(items, ReportItem{
				Provider:             node.Provider(),
				Resource:             node.Resource(),
				State:                resource.Unknown,
				RequireAdministrator: node.RequireAdministrator(),
			})
			continue
		}

		key := node.Key()
		if !dryRun {
			status.Update(fmt.Sprintf("Executing %s", key))
		}

		if err := ctx.Err(); err != nil {
			logger.Error().Err(err).Str("resource", key.String()).Msg("Run cancelled before resource")
			break
		}

		if !node.Provider().CanRun(f) {
			logger.Error().Str("resource", key.String()).Msg("The resource cannot be run")
			break
		}

		item := e.runItem(ctx, logger, node, f, dryRun)
		items = append(items, item)

		if item.State.IsError() && item.Resource.OnError != resource.Ignore {
			logger.Error().Str("resource", key.String()).Msg("Aborting run due to error in resource")
			break
		}
	}

	logger.Debug().Int("items", len(items)).Msg("Execution done")
	return NewReport(items, f, plan.RequiresAdministrator(), dryRun), nil
}

// runItem invokes the provider for one plan item.
func (e *Engine) runItem(ctx context.Context, logger zerolog.Logger, node ExecutionPlanItem, f *facts.FactCollection, dryRun bool) ReportItem {
	r := node.Resource()
	provider := node.Provider()

	ctx, span := e.tracer.Start(ctx, "larder.provider.run", trace.WithAttributes(
		attribute.String("larder.resource.type", r.Type),
		attribute.String("larder.resource.name", r.Name),
	))
	defer span.End()

	execCtx := &ExecutionContext{
		Context: ctx,
		Facts:   f,
		DryRun:  dryRun,
		Logger:  logger.With().Str("resource", r.String()).Logger(),
	}

	start := time.Now()
	state, err := invoke(provider, execCtx, r)
	duration := time.Since(start)

	item := ReportItem{
		Provider:             provider,
		Resource:             r,
		State:                state,
		RequireAdministrator: node.RequireAdministrator(),
		Duration:             duration,
	}

	if err != nil {
		item.State = resource.Error
		item.Error = err.Error()
		execCtx.Logger.Error().Err(err).Msg("Provider failed")
		span.RecordError(err)
		e.metrics.RecordError(string(ErrorClassPermanent), ErrCodeProviderFailed)
	}

	if item.State.IsError() {
		span.SetStatus(codes.Error, "resource failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("larder.resource.state", item.State.String()))

	execCtx.Logger.Info().
		Str("state", item.State.String()).
		Dur("duration", duration).
		Msg("Resource executed")
	e.metrics.RecordProviderCall(provider.Type(), item.State.String(), duration)

	return item
}

// invoke runs the provider and turns a panic into an error.
func invoke(provider Provider, ctx *ExecutionContext, r *resource.Resource) (state resource.State, err error) {
	defer func() {
		if p := recover(); p != nil {
			state = resource.Error
			err = fmt.Errorf("provider %s panicked: %v", provider.Type(), p)
		}
	}()
	return provider.Run(ctx, r)
}

func (e *Engine) fail(span trace.Span, logger zerolog.Logger, startedAt time.Time, err error) error {
	class, code := string(ErrorClassPermanent), ErrorCode(err)
	if IsTransient(err) {
		class = string(ErrorClassTransient)
	}
	e.metrics.RecordError(class, code)
	e.metrics.RecordRunCompleted("error", time.Since(startedAt))

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Error().Err(err).Str("code", code).Msg("Run failed")
	return err
}

func (e *Engine) complete(span trace.Span, logger zerolog.Logger, report *Report) {
	summary := make(map[string]int)
	for state, count := range report.Summary() {
		summary[state.String()] = count
	}
	e.metrics.RecordResourceStates(summary)
	e.metrics.RecordRunCompleted(report.Status(), report.Duration())

	span.SetAttributes(
		attribute.Int("larder.items", report.Count()),
		attribute.Bool("larder.successful", report.Successful()),
	)
	if report.Successful() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "run failed")
	}

	logger.Info().
		Int("items", report.Count()).
		Bool("successful", report.Successful()).
		Dur("duration", report.Duration()).
		Msg("Run completed")
}

// notify hands the report to the subscriber. Its failures are logged only.
func (e *Engine) notify(logger zerolog.Logger, report *Report) {
	if e.subscriber == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Warn().Interface("panic", p).Msg("Report subscriber panicked")
		}
	}()
	if err := e.subscriber.Notify(report); err != nil {
		logger.Warn().Err(err).Msg("Report subscriber failed")
	}
}

func (e *Engine) runMode(dryRun bool) string {
	switch {
	case dryRun && e.whatIf:
		return "what_if"
	case dryRun:
		return "dry_run"
	}
	return "apply"
}
