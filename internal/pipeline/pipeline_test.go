package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/catalog"
	"github.com/fyrsmithlabs/foundry/internal/config"
	"github.com/fyrsmithlabs/foundry/internal/engine"
	"github.com/fyrsmithlabs/foundry/internal/events"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/fyrsmithlabs/foundry/internal/taskgraph"
	"github.com/fyrsmithlabs/foundry/internal/team"
	"github.com/fyrsmithlabs/foundry/internal/telemetry"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAssembler is a mock implementation of team.Assembler
type MockAssembler struct {
	mock.Mock
}

func (m *MockAssembler) Assemble(ctx context.Context, projectType, description string, requirements []string) ([]project.Worker, error) {
	args := m.Called(ctx, projectType, description, requirements)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]project.Worker), args.Error(1)
}

// MockEngine is a mock implementation of engine.Engine
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Execute(ctx context.Context, team []project.Worker, graph []project.WorkUnit, ws *workspace.Workspace, limit time.Duration) (*project.ExecutionResult, error) {
	args := m.Called(ctx, team, graph, ws, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*project.ExecutionResult), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) phases() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Type == events.TypePhase {
			out = append(out, e.Phase)
		}
	}
	return out
}

var (
	fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	testTeam = []project.Worker{
		{Role: "backend_developer", Title: "Senior Backend Developer"},
		{Role: "system_architect", Title: "Senior System Architect"},
	}

	testRequest = project.Request{
		Type:               "web_application",
		Description:        "A basic todo app",
		CustomRequirements: []string{"user accounts"},
	}
)

type fixture struct {
	fs        afero.Fs
	assembler *MockAssembler
	engine    *MockEngine
	builder   taskgraph.Builder
	publisher *recordingPublisher
	registry  *project.Registry
	tel       *telemetry.TestTelemetry
	settings  Settings
}

func newFixture() *fixture {
	return &fixture{
		fs:        afero.NewMemMapFs(),
		assembler: new(MockAssembler),
		engine:    new(MockEngine),
		builder:   taskgraph.TemplateBuilder{},
		publisher: &recordingPublisher{},
		registry:  project.NewRegistry(),
		tel:       telemetry.NewTestTelemetry(),
		settings:  Settings{ExecutionTimeout: time.Minute},
	}
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	metrics, err := NewMetrics(f.tel.Meter(InstrumentationName))
	require.NoError(t, err)

	o, err := New(Deps{
		Workspaces: workspace.NewManager("/ws", workspace.WithFs(f.fs), workspace.WithClock(func() time.Time { return fixedNow })),
		Assembler:  f.assembler,
		Builder:    f.builder,
		Engine:     f.engine,
		Registry:   f.registry,
		Events:     f.publisher,
	}, f.settings,
		WithTracer(f.tel.Tracer(InstrumentationName)),
		WithMetrics(metrics),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return o
}

func writeFile(t *testing.T, ws *workspace.Workspace, content string, elem ...string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(ws.Fs(), ws.Path(elem...), []byte(content), 0o644))
}

func TestCreateProject_Success(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, "web_application", "A basic todo app", []string{"user accounts"}).
		Return(testTeam, nil)
	f.engine.On("Execute", mock.Anything, testTeam, mock.Anything, mock.Anything, time.Minute).
		Run(func(args mock.Arguments) {
			ws := args.Get(3).(*workspace.Workspace)
			writeFile(t, ws, "print('hi')", "src", "app.py")
			writeFile(t, ws, "# Todo", "README.md")
		}).
		Return(&project.ExecutionResult{Success: true, Units: []project.UnitResult{
			{UnitID: taskgraph.UnitBackend, Success: true},
			{UnitID: taskgraph.UnitDocumentation, Success: true},
		}}, nil)

	res := f.orchestrator(t).CreateProject(context.Background(), testRequest)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "web_applic_1773480600", res.ProjectID)
	assert.Equal(t, "/ws/web_applic_1773480600_20260314_093000", res.WorkspacePath)
	assert.Equal(t, 2, res.WorkersUsed)
	assert.Equal(t, 2, res.TasksCompleted)
	require.NotNil(t, res.QualityReport)
	assert.Equal(t, 95, res.QualityReport.Score)
	assert.Equal(t, res.QualityReport.Summary, res.Summary)
	require.NotNil(t, res.Plan)
	assert.Equal(t, project.ComplexitySimple, res.Plan.Complexity)
	assert.Empty(t, res.FailedPhase)

	var phases []Phase
	for _, p := range res.Phases {
		phases = append(phases, p.Phase)
		assert.Equal(t, StatusCompleted, p.Status, p.Phase)
	}
	assert.Equal(t, AllPhases()[1:], phases)

	graph := f.engine.Calls[0].Arguments.Get(2).([]project.WorkUnit)
	require.Len(t, graph, 2)
	assert.Equal(t, taskgraph.UnitBackend, graph[0].ID)

	meta, err := workspace.ReadMetadata(f.fs, res.WorkspacePath)
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusCompleted, meta.Status)
	assert.Equal(t, res.ProjectID, meta.ProjectID)

	exists, err := afero.Exists(f.fs, res.WorkspacePath+"/"+workspace.ReportFile)
	require.NoError(t, err)
	assert.True(t, exists)

	status, err := f.registry.Get(res.ProjectID)
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.True(t, status.Success)

	assert.Equal(t, []string{
		"analyzing", "setting_up_workspace", "assembling_team",
		"building_task_graph", "executing", "validating", "completed",
	}, f.publisher.phases())
	last := f.publisher.events[len(f.publisher.events)-1]
	assert.Equal(t, events.TypeCompleted, last.Type)

	f.tel.AssertSpanExists(t, "pipeline.create_project")
	f.tel.AssertSpanExists(t, "pipeline.executing")
	f.tel.AssertSpanAttribute(t, "pipeline.validating", "project.id", res.ProjectID)
	assert.Contains(t, f.tel.MetricNames(context.Background()), "pipeline.projects.total")
}

func TestCreateProject_ExecutionFailureIsPartial(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(testTeam, nil)
	execErr := recovery.Wrap(recovery.KindConnectivity, "unit backend", errors.New("connection refused"))
	f.engine.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&project.ExecutionResult{Units: []project.UnitResult{{UnitID: "backend", Error: "connection refused"}}}, execErr)

	res := f.orchestrator(t).CreateProject(context.Background(), testRequest)
	require.False(t, res.Success)

	assert.Equal(t, PhaseExecuting, res.FailedPhase)
	assert.Equal(t, recovery.KindConnectivity, res.ErrorKind)
	assert.Equal(t, res.WorkspacePath, res.PartialWorkspacePath)
	assert.Equal(t, "Partial completion. Check: "+res.WorkspacePath, res.Summary)
	assert.Equal(t, 0, res.TasksCompleted)

	history, err := recovery.LoadHistory(f.fs, res.WorkspacePath)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, recovery.SeverityHigh, history[0].Severity)
	assert.True(t, history[0].Recoverable)
	assert.Equal(t, "Partial completion", history[0].RecoveryAction)

	meta, err := workspace.ReadMetadata(f.fs, res.WorkspacePath)
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusFailed, meta.Status)

	for _, dir := range workspace.Dirs {
		ok, err := afero.DirExists(f.fs, res.WorkspacePath+"/"+dir)
		require.NoError(t, err)
		assert.True(t, ok, dir)
	}

	last := res.Phases[len(res.Phases)-1]
	assert.Equal(t, PhaseFailed, last.Phase)
}

func TestCreateProject_NoWorkers(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, team.ErrNoWorkers)

	res := f.orchestrator(t).CreateProject(context.Background(), testRequest)
	require.False(t, res.Success)

	assert.Equal(t, PhaseAssemblingTeam, res.FailedPhase)
	assert.Equal(t, recovery.KindInvalidConfiguration, res.ErrorKind)
	f.engine.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	history, err := recovery.LoadHistory(f.fs, res.WorkspacePath)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, recovery.SeverityCritical, history[0].Severity)
	assert.False(t, history[0].Recoverable)
	assert.Contains(t, history[0].Context, "assembling_team")
}

func TestCreateProject_CyclicGraphNeverExecutes(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(testTeam, nil)
	f.builder = taskgraph.BuilderFunc(func([]project.Worker, project.Request, string, project.Plan) ([]project.WorkUnit, error) {
		return []project.WorkUnit{
			{ID: "a", Worker: "backend_developer", DependsOn: []string{"b"}},
			{ID: "b", Worker: "backend_developer", DependsOn: []string{"a"}},
		}, nil
	})

	res := f.orchestrator(t).CreateProject(context.Background(), testRequest)
	require.False(t, res.Success)

	assert.Equal(t, PhaseBuildingTaskGraph, res.FailedPhase)
	assert.Contains(t, res.Error, "cycle")
	f.engine.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateProject_TimeoutDuringExecution(t *testing.T) {
	f := newFixture()
	f.settings.OverallTimeout = 50 * time.Millisecond
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(testTeam, nil)
	f.engine.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	res := f.orchestrator(t).CreateProject(context.Background(), testRequest)
	require.False(t, res.Success)
	assert.Equal(t, PhaseExecuting, res.FailedPhase)
	assert.Equal(t, recovery.KindTimeout, res.ErrorKind)

	status, err := f.registry.Get(res.ProjectID)
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.False(t, status.Success)
}

func successfulEngine(f *fixture) {
	f.engine.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&project.ExecutionResult{Success: true, Units: []project.UnitResult{
			{UnitID: taskgraph.UnitBackend, Success: true},
		}}, nil)
}

func TestCreateProject_ConcurrentProjectsGetOwnWorkspaces(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(testTeam, nil)
	successfulEngine(f)
	o := f.orchestrator(t)

	const n = 4
	results := make([]*ProjectResult, n)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.CreateProject(context.Background(), testRequest)
		}()
	}
	wg.Wait()

	ids := map[string]bool{}
	roots := map[string]bool{}
	for _, res := range results {
		require.True(t, res.Success, res.Error)
		ids[res.ProjectID] = true
		roots[res.WorkspacePath] = true

		meta, err := workspace.ReadMetadata(f.fs, res.WorkspacePath)
		require.NoError(t, err)
		assert.Equal(t, res.ProjectID, meta.ProjectID)
	}
	assert.Len(t, ids, n)
	assert.Len(t, roots, n)
	assert.True(t, ids["web_applic_1773480600"])
	assert.True(t, ids["web_applic_1773480600_2"])
	assert.Len(t, f.registry.List(), n)
}

func TestCreateProject_TypeCannotEscapeBaseDir(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(testTeam, nil)
	successfulEngine(f)

	res := f.orchestrator(t).CreateProject(context.Background(), project.Request{
		Type:        "../../../x",
		Description: "basic crud api",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "x_1773480600", res.ProjectID)
	assert.Equal(t, "/ws/x_1773480600_20260314_093000", res.WorkspacePath)
	assert.True(t, workspace.Within("/ws", res.WorkspacePath))

	escaped, err := afero.DirExists(f.fs, "/x_1773480600_20260314_093000")
	require.NoError(t, err)
	assert.False(t, escaped)
}

func TestCreateProject_PanickingBuilderFails(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(testTeam, nil)
	f.builder = taskgraph.BuilderFunc(func([]project.Worker, project.Request, string, project.Plan) ([]project.WorkUnit, error) {
		var byID map[string]project.WorkUnit
		byID["backend"] = project.WorkUnit{ID: "backend"}
		return nil, nil
	})

	var res *ProjectResult
	require.NotPanics(t, func() {
		res = f.orchestrator(t).CreateProject(context.Background(), testRequest)
	})
	require.False(t, res.Success)
	assert.Equal(t, PhaseBuildingTaskGraph, res.FailedPhase)
	assert.Equal(t, recovery.KindUnexpectedRuntime, res.ErrorKind)
	assert.Contains(t, res.Error, "panic")

	history, err := recovery.LoadHistory(f.fs, res.WorkspacePath)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, recovery.SeverityCritical, history[0].Severity)

	meta, err := workspace.ReadMetadata(f.fs, res.WorkspacePath)
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusFailed, meta.Status)

	status, err := f.registry.Get(res.ProjectID)
	require.NoError(t, err)
	assert.True(t, status.Done)
}

func TestCreateProject_CancelBetweenPhasesNamesNextPhase(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(testTeam, nil)

	res := f.orchestrator(t).CreateProject(ctx, testRequest)
	require.False(t, res.Success)
	assert.Equal(t, PhaseBuildingTaskGraph, res.FailedPhase)

	history, err := recovery.LoadHistory(f.fs, res.WorkspacePath)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Context, "building_task_graph")

	var assembling PhaseResult
	for _, p := range res.Phases {
		if p.Phase == PhaseAssemblingTeam {
			assembling = p
		}
	}
	assert.Equal(t, StatusCompleted, assembling.Status)
}

func TestCreateProject_RetriesExhaustedWithDispatcher(t *testing.T) {
	f := newFixture()
	f.assembler.On("Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(testTeam, nil)

	var calls atomic.Int32
	runner := engine.RunnerFunc(func(ctx context.Context, req engine.UnitRequest) (engine.UnitOutput, error) {
		calls.Add(1)
		return engine.UnitOutput{}, recovery.Wrap(recovery.KindConnectivity, "unit "+req.Unit.ID, errors.New("connection refused"))
	})
	var units []project.UnitResult
	var mu sync.Mutex
	dispatcher := engine.NewDispatcher(runner, "test",
		ratelimit.NewManager(2, nil, nil),
		ratelimit.NewLimiter(map[string]int{"test": 1000}),
		resilience.NewBreakers(config.BreakerConfig{FailureThreshold: 5, Timeout: config.Duration(time.Minute)}),
		resilience.NewRetrier(resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}, nil),
		engine.WithProgress(func(_ context.Context, u project.UnitResult) {
			mu.Lock()
			units = append(units, u)
			mu.Unlock()
		}))

	o, err := New(Deps{
		Workspaces: workspace.NewManager("/ws", workspace.WithFs(f.fs), workspace.WithClock(func() time.Time { return fixedNow })),
		Assembler:  f.assembler,
		Builder:    taskgraph.TemplateBuilder{},
		Engine:     dispatcher,
		Registry:   f.registry,
	}, Settings{ExecutionTimeout: time.Minute}, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	res := o.CreateProject(context.Background(), testRequest)
	require.False(t, res.Success)
	assert.Equal(t, PhaseExecuting, res.FailedPhase)
	assert.Equal(t, recovery.KindConnectivity, res.ErrorKind)
	assert.Equal(t, res.WorkspacePath, res.PartialWorkspacePath)
	assert.Equal(t, 0, res.TasksCompleted)

	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, units, 1)
	assert.Equal(t, taskgraph.UnitBackend, units[0].UnitID)
	assert.Equal(t, 3, units[0].Attempts)

	for _, dir := range workspace.Dirs {
		ok, err := afero.DirExists(f.fs, res.PartialWorkspacePath+"/"+dir)
		require.NoError(t, err)
		assert.True(t, ok, dir)
	}
}

func TestCreateProject_InvalidRequest(t *testing.T) {
	f := newFixture()

	res := f.orchestrator(t).CreateProject(context.Background(), project.Request{Type: "cli_tool"})
	require.False(t, res.Success)
	assert.Equal(t, PhaseRequested, res.FailedPhase)
	assert.Equal(t, recovery.KindInvalidConfiguration, res.ErrorKind)
	assert.Empty(t, res.PartialWorkspacePath)
	f.assembler.AssertNotCalled(t, "Assemble", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Settings{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestEstimate_UsesCatalog(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	f := newFixture()
	o := f.orchestrator(t)
	o.deps.Catalog = team.Static{Catalog: c}

	known := 0
	for _, name := range c.TeamRoles(testRequest.Type, testRequest.CustomRequirements) {
		if _, ok := c.Role(name); ok {
			known++
		}
	}

	workers, tasks := o.estimate(testRequest)
	assert.Equal(t, known, workers)
	assert.GreaterOrEqual(t, tasks, 1)
	assert.LessOrEqual(t, tasks, 3)

	o.deps.Catalog = nil
	workers, tasks = o.estimate(testRequest)
	assert.Equal(t, 3, workers)
	assert.Equal(t, 3, tasks)
}

func TestAssessComplexity(t *testing.T) {
	tests := []struct {
		description  string
		requirements []string
		want         project.Complexity
	}{
		{"basic crud api", nil, project.ComplexitySimple},
		{"Inventory service", []string{"REST API", "database"}, project.ComplexityMedium},
		{"Scalable event platform", nil, project.ComplexityComplex},
		{"Recommendation engine", []string{"machine learning"}, project.ComplexityAdvanced},
		{"Something else entirely", nil, project.ComplexityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessComplexity(tt.description, tt.requirements))
		})
	}
}

func TestAnalyze(t *testing.T) {
	plan := Analyze(project.Request{
		Type:               "blockchain_project",
		Description:        "token exchange",
		CustomRequirements: []string{"real-time prices"},
	}, 4, 3)

	assert.Equal(t, project.ComplexityMedium, plan.Complexity)
	assert.Equal(t, 15, plan.EstimatedDurationMinutes)
	// "blockchain" also contains "ai".
	assert.Equal(t, []string{"Smart contract security", "Model performance", "Performance and latency"}, plan.RiskFactors)
	assert.Len(t, plan.SuccessCriteria, 5)
	assert.Len(t, plan.QualityGates, 4)
	assert.Equal(t, 30, EstimateDuration(project.ComplexityAdvanced, 2))
}

func TestState_Transitions(t *testing.T) {
	s := NewState("p", fixedNow)

	assert.Error(t, s.CanTransition(PhaseExecuting), "skipping phases is rejected")
	require.NoError(t, s.Enter(PhaseAnalyzing, fixedNow))
	assert.Error(t, s.Enter(PhaseAnalyzing, fixedNow), "re-entry is rejected")
	require.NoError(t, s.Enter(PhaseSettingUpWorkspace, fixedNow))

	failed := s.Fail(errors.New("disk full"), fixedNow)
	assert.Equal(t, PhaseSettingUpWorkspace, failed)
	assert.Equal(t, PhaseFailed, s.Phase)
	assert.Error(t, s.CanTransition(PhaseAssemblingTeam))
	assert.Error(t, s.CanTransition(PhaseFailed))

	require.Len(t, s.Results, 3)
	assert.Equal(t, StatusCompleted, s.Results[0].Status)
	assert.Equal(t, StatusFailed, s.Results[1].Status)
	assert.Equal(t, "disk full", s.Results[1].Error)
}
