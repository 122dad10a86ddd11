package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/engine"
	"github.com/fyrsmithlabs/foundry/internal/events"
	"github.com/fyrsmithlabs/foundry/internal/logging"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/taskgraph"
	"github.com/fyrsmithlabs/foundry/internal/team"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing pipeline dependency")

// Deps are the collaborators of an Orchestrator. Workspaces, Assembler,
// Builder and Engine are required.
type Deps struct {
	Workspaces *workspace.Manager
	Assembler  team.Assembler
	Builder    taskgraph.Builder
	Engine     engine.Engine

	// Limiter gates team assembly on Settings.TeamProvider. Optional.
	Limiter *ratelimit.Limiter
	// Registry tracks in-flight projects for status endpoints. Optional.
	Registry *project.Registry
	// Events receives phase and unit notifications. Optional.
	Events events.Publisher
	// Scanner adds secret findings to the quality report. Optional.
	Scanner *workspace.SecretScanner
	// Catalog sizes the plan estimates. Optional.
	Catalog team.CatalogSource
}

// Settings are the tunables of an Orchestrator.
type Settings struct {
	TeamProvider     string
	ExecutionTimeout time.Duration
	OverallTimeout   time.Duration
	GitSnapshot      bool
}

// Orchestrator drives projects through their phases. One Orchestrator is
// shared by all projects; per-project state lives in CreateProject.
type Orchestrator struct {
	deps     Deps
	settings Settings
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMetrics sets the instruments.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, settings Settings, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Workspaces == nil:
		return nil, fmt.Errorf("%w: workspaces", ErrMissingDependency)
	case deps.Assembler == nil:
		return nil, fmt.Errorf("%w: assembler", ErrMissingDependency)
	case deps.Builder == nil:
		return nil, fmt.Errorf("%w: builder", ErrMissingDependency)
	case deps.Engine == nil:
		return nil, fmt.Errorf("%w: engine", ErrMissingDependency)
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Registry == nil {
		deps.Registry = project.NewRegistry()
	}

	o := &Orchestrator{
		deps:     deps,
		settings: settings,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(InstrumentationName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Registry returns the project registry.
func (o *Orchestrator) Registry() *project.Registry { return o.deps.Registry }

// run is the per-project state threaded through the phases.
type run struct {
	req     project.Request
	id      string
	state   *State
	started time.Time

	ws       *workspace.Workspace
	handler  *recovery.Handler
	plan     project.Plan
	team     []project.Worker
	graph    []project.WorkUnit
	exec     *project.ExecutionResult
	quality  project.QualityReport
	wsReady  bool
	execTime time.Duration
}

// CreateProject runs req through every phase and always returns a result.
// Failures are recorded in the workspace error log before returning.
func (o *Orchestrator) CreateProject(ctx context.Context, req project.Request) *ProjectResult {
	started := o.now()
	r := &run{req: req, started: started}
	r.id = o.deps.Registry.Claim(project.NewID(req.Type, started), req.Type)
	r.state = NewState(r.id, started)

	ctx = logging.WithProjectID(ctx, r.id)
	if o.settings.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.OverallTimeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.create_project")
	defer span.End()

	o.metrics.projectStarted(ctx)
	o.logger.Info("project requested", append(logging.ContextFields(ctx),
		zap.String("project_type", req.Type))...)

	if err := req.Validate(); err != nil {
		err = recovery.Wrap(recovery.KindInvalidConfiguration, "validating request", err)
		return o.fail(ctx, r, err)
	}

	// Workspaces are reserved up front so every failure has a log location.
	ws, err := o.deps.Workspaces.Reserve(r.id)
	if err != nil {
		return o.fail(ctx, r, err)
	}
	r.ws = ws
	r.handler = recovery.NewHandler(r.ws.Root,
		recovery.WithFs(o.deps.Workspaces.Fs()),
		recovery.WithLogger(o.logger))
	o.deps.Registry.SetWorkspace(r.id, r.ws.Root)

	steps := []struct {
		phase Phase
		fn    func(context.Context, *run) error
	}{
		{PhaseAnalyzing, o.analyze},
		{PhaseSettingUpWorkspace, o.setupWorkspace},
		{PhaseAssemblingTeam, o.assembleTeam},
		{PhaseBuildingTaskGraph, o.buildTaskGraph},
		{PhaseExecuting, o.execute},
		{PhaseValidating, o.validate},
	}

	for _, step := range steps {
		if err := o.runPhase(ctx, r, step.phase, step.fn); err != nil {
			if r.state.Phase == PhaseExecuting {
				return o.partial(ctx, r, err)
			}
			return o.fail(ctx, r, err)
		}
	}

	if err := o.enter(ctx, r, PhaseCompleted); err != nil {
		return o.fail(ctx, r, err)
	}
	return o.succeed(ctx, r)
}

func (o *Orchestrator) enter(ctx context.Context, r *run, phase Phase) error {
	if err := r.state.Enter(phase, o.now()); err != nil {
		return recovery.Wrap(recovery.KindUnexpectedRuntime, "phase transition", err)
	}
	o.deps.Registry.SetPhase(r.id, string(phase))
	o.publish(ctx, events.Event{Type: events.TypePhase, ProjectID: r.id, Phase: string(phase), WorkspacePath: r.wsPath()})
	return nil
}

// runPhase enters phase before anything else, so a cancellation between
// phases is attributed to the phase that never got to run.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase Phase, fn func(context.Context, *run) error) error {
	if err := o.enter(ctx, r, phase); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before %s: %w", phase, context.Cause(ctx))
	}

	ctx = logging.WithPhase(ctx, string(phase))
	ctx, span := startPhaseSpan(ctx, o.tracer, r.id, phase)
	start := o.now()

	err := o.call(ctx, r, phase, fn)

	o.metrics.phaseDone(ctx, phase, o.now().Sub(start), err)
	endSpan(span, err)
	if err == nil {
		r.state.Complete(o.now())
		o.logger.Debug("phase completed", append(logging.ContextFields(ctx),
			zap.Duration("elapsed", o.now().Sub(start)))...)
	}
	return err
}

// call runs fn, turning a panic in a collaborator into an error.
func (o *Orchestrator) call(ctx context.Context, r *run, phase Phase, fn func(context.Context, *run) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			o.logger.Error("phase panicked", append(logging.ContextFields(ctx),
				zap.Any("panic", v), zap.Stack("stack"))...)
			err = recovery.Wrap(recovery.KindUnexpectedRuntime, string(phase), fmt.Errorf("panic: %v", v))
		}
	}()
	return fn(ctx, r)
}

func (o *Orchestrator) analyze(_ context.Context, r *run) error {
	workers, tasks := o.estimate(r.req)
	r.plan = Analyze(r.req, workers, tasks)
	return nil
}

// estimate sizes the plan from the catalog when one is available, falling
// back to the three-role fallback team.
func (o *Orchestrator) estimate(req project.Request) (workers, tasks int) {
	workers, tasks = 3, 3
	if o.deps.Catalog == nil {
		return workers, tasks
	}
	c := o.deps.Catalog.Current()
	var team []project.Worker
	for _, name := range c.TeamRoles(req.Type, req.CustomRequirements) {
		if role, ok := c.Role(name); ok {
			team = append(team, project.Worker{Role: name, Title: role.Title})
		}
	}
	if len(team) == 0 {
		return workers, tasks
	}
	units, err := taskgraph.TemplateBuilder{}.Build(team, req, "", project.Plan{})
	if err != nil || len(units) == 0 {
		return len(team), 1
	}
	return len(team), len(units)
}

func (o *Orchestrator) setupWorkspace(ctx context.Context, r *run) error {
	if err := o.deps.Workspaces.Setup(ctx, r.ws, r.id, r.req, r.plan); err != nil {
		return err
	}
	r.wsReady = true
	return nil
}

func (o *Orchestrator) assembleTeam(ctx context.Context, r *run) error {
	provider := o.settings.TeamProvider
	if o.deps.Limiter != nil && provider != "" {
		if err := o.deps.Limiter.WaitUntilAdmitted(ctx, provider); err != nil {
			return fmt.Errorf("waiting for %s rate limit: %w", provider, err)
		}
	}

	workers, err := o.deps.Assembler.Assemble(ctx, r.req.Type, r.req.Description, r.req.CustomRequirements)
	if err != nil {
		if errors.Is(err, team.ErrNoWorkers) {
			return recovery.Wrap(recovery.KindInvalidConfiguration, "assembling team", err)
		}
		return err
	}
	if len(workers) == 0 {
		return recovery.Wrap(recovery.KindInvalidConfiguration, "assembling team", team.ErrNoWorkers)
	}
	if o.deps.Limiter != nil && provider != "" {
		o.deps.Limiter.Record(provider, 0)
	}

	r.team = workers
	o.logger.Info("team assembled", append(logging.ContextFields(ctx),
		zap.Int("workers", len(workers)))...)
	return nil
}

func (o *Orchestrator) buildTaskGraph(ctx context.Context, r *run) error {
	graph, err := o.deps.Builder.Build(r.team, r.req, r.ws.Root, r.plan)
	if err != nil {
		return err
	}
	if err := taskgraph.Validate(graph, r.team); err != nil {
		return err
	}
	r.graph = graph
	o.logger.Info("task graph built", append(logging.ContextFields(ctx),
		zap.Int("units", len(graph)))...)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	start := o.now()
	res, err := o.deps.Engine.Execute(ctx, r.team, r.graph, r.ws, o.settings.ExecutionTimeout)
	r.execTime = o.now().Sub(start)
	r.exec = res
	if err != nil {
		return err
	}
	if res == nil || !res.Success {
		return recovery.Wrap(recovery.KindUnexpectedRuntime, "executing", errors.New("engine reported an unsuccessful run"))
	}
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, r *run) error {
	quality, err := workspace.Assess(r.ws)
	if err != nil {
		return recovery.Wrap(recovery.Classify(err), "assessing workspace", err)
	}

	if o.deps.Scanner != nil {
		findings, err := o.deps.Scanner.Scan(r.ws)
		if err != nil {
			o.logger.Warn("secret scan failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		} else if len(findings) > 0 {
			quality.SecretFindings = findings
			o.logger.Warn("secrets detected in generated files", append(logging.ContextFields(ctx),
				zap.Int("findings", len(findings)))...)
		}
	}
	r.quality = quality

	err = workspace.WriteReport(r.ws, workspace.ReportInput{
		ProjectID:   r.id,
		Request:     r.req,
		Plan:        r.plan,
		Team:        r.team,
		Execution:   r.exec,
		Quality:     quality,
		GeneratedAt: o.now(),
	})
	if err != nil {
		return recovery.Wrap(recovery.Classify(err), "writing report", err)
	}

	if err := o.deps.Workspaces.SetStatus(r.ws, workspace.StatusCompleted); err != nil {
		return err
	}

	if o.settings.GitSnapshot {
		if _, ok := o.deps.Workspaces.Fs().(*afero.OsFs); ok {
			hash, err := workspace.Snapshot(r.ws, fmt.Sprintf("foundry: %s (score %d)", r.id, quality.Score), o.now())
			if err != nil {
				o.logger.Warn("git snapshot failed", append(logging.ContextFields(ctx), zap.Error(err))...)
			} else if hash != "" {
				o.logger.Info("workspace snapshot committed", append(logging.ContextFields(ctx),
					zap.String("commit", hash))...)
			}
		}
	}
	return nil
}

func (r *run) wsPath() string {
	if r.ws == nil {
		return ""
	}
	return r.ws.Root
}
