package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "create_project",
		Description: "Run the full project pipeline: analysis, workspace setup, team assembly, task graph, execution and validation",
	}, s.handleCreateProject)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "provider_status",
		Description: "Report per-provider rate windows, circuit breaker states and in-flight requests",
	}, s.handleProviderStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "recovery_suggestion",
		Description: "Return the recovery suggestion for an error kind, or classify an error message first",
	}, s.handleRecoverySuggestion)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_project_types",
		Description: "List known project types and the roles of their default teams",
	}, s.handleListProjectTypes)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "project_errors",
		Description: "Read the persisted error history of a project workspace",
	}, s.handleProjectErrors)
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// ===== CREATE PROJECT =====

type createProjectInput struct {
	ProjectType        string   `json:"project_type" jsonschema:"Project type, e.g. web_application, api_service, cli_tool"`
	Description        string   `json:"description" jsonschema:"What to build"`
	CustomRequirements []string `json:"custom_requirements,omitempty" jsonschema:"Extra requirements; some add specialist roles (blockchain, security, ...)"`
}

type createProjectOutput struct {
	Success              bool    `json:"success"`
	ProjectID            string  `json:"project_id"`
	WorkspacePath        string  `json:"workspace_path,omitempty"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	WorkersUsed          int     `json:"workers_used"`
	TasksCompleted       int     `json:"tasks_completed"`
	QualityScore         int     `json:"quality_score,omitempty"`
	Summary              string  `json:"summary,omitempty"`
	Error                string  `json:"error,omitempty"`
	ErrorKind            string  `json:"error_kind,omitempty"`
	FailedPhase          string  `json:"failed_phase,omitempty"`
	PartialWorkspacePath string  `json:"partial_workspace_path,omitempty"`
}

func (s *Server) handleCreateProject(ctx context.Context, _ *mcp.CallToolRequest, args createProjectInput) (*mcp.CallToolResult, createProjectOutput, error) {
	var toolErr error
	done := s.metrics.Start(ctx, "create_project")
	defer func() { done(toolErr) }()

	req := project.Request{
		Type:               args.ProjectType,
		Description:        args.Description,
		CustomRequirements: args.CustomRequirements,
	}
	if err := req.Validate(); err != nil {
		toolErr = fmt.Errorf("invalid request: %w", err)
		return nil, createProjectOutput{}, toolErr
	}

	res := s.deps.Projects.CreateProject(ctx, req)
	s.metrics.ProjectFinished(ctx, req.Type, res.Success, res.ErrorKind)
	out := createProjectOutput{
		Success:              res.Success,
		ProjectID:            res.ProjectID,
		WorkspacePath:        res.WorkspacePath,
		ExecutionTimeSeconds: res.ExecutionTimeSeconds,
		WorkersUsed:          res.WorkersUsed,
		TasksCompleted:       res.TasksCompleted,
		Summary:              res.Summary,
		Error:                res.Error,
		ErrorKind:            string(res.ErrorKind),
		FailedPhase:          string(res.FailedPhase),
		PartialWorkspacePath: res.PartialWorkspacePath,
	}
	if res.QualityReport != nil {
		out.QualityScore = res.QualityReport.Score
	}

	if !res.Success {
		// A failed project is a result, not a tool error.
		return textResult("Project %s failed in %s (%s): %s", res.ProjectID, res.FailedPhase, res.ErrorKind, res.Error), out, nil
	}
	return textResult("Project %s completed: %d tasks, score %d/100. Workspace: %s",
		res.ProjectID, res.TasksCompleted, out.QualityScore, res.WorkspacePath), out, nil
}

// ===== PROVIDER STATUS =====

type providerStatusInput struct{}

type providerStatus struct {
	Provider    string  `json:"provider"`
	Limit       int     `json:"limit"`
	InWindow    int     `json:"in_window"`
	Available   int     `json:"available"`
	WaitSeconds float64 `json:"wait_seconds"`
	Breaker     string  `json:"breaker"`
}

type providerStatusOutput struct {
	Providers      []providerStatus `json:"providers"`
	InFlight       int              `json:"in_flight"`
	MaxConcurrent  int              `json:"max_concurrent"`
	ActiveProjects int              `json:"active_projects"`
}

func (s *Server) handleProviderStatus(ctx context.Context, _ *mcp.CallToolRequest, _ providerStatusInput) (*mcp.CallToolResult, providerStatusOutput, error) {
	done := s.metrics.Start(ctx, "provider_status")
	defer done(nil)

	out := providerStatusOutput{Providers: []providerStatus{}}
	index := map[string]int{}
	if s.deps.Limiter != nil {
		for _, w := range s.deps.Limiter.Snapshot() {
			index[w.Provider] = len(out.Providers)
			out.Providers = append(out.Providers, providerStatus{
				Provider:    w.Provider,
				Limit:       w.Limit,
				InWindow:    w.InWindow,
				Available:   w.Available,
				WaitSeconds: w.WaitFor.Seconds(),
				Breaker:     "closed",
			})
		}
	}
	if s.deps.Breakers != nil {
		for _, b := range s.deps.Breakers.Snapshot() {
			if i, ok := index[b.Provider]; ok {
				out.Providers[i].Breaker = b.State
				continue
			}
			out.Providers = append(out.Providers, providerStatus{Provider: b.Provider, Breaker: b.State})
		}
	}
	if s.deps.Manager != nil {
		out.InFlight = s.deps.Manager.InFlight()
		out.MaxConcurrent = s.deps.Manager.Max()
	}
	out.ActiveProjects = s.deps.Registry.Active()

	var b strings.Builder
	fmt.Fprintf(&b, "%d active projects, %d/%d requests in flight", out.ActiveProjects, out.InFlight, out.MaxConcurrent)
	for _, p := range out.Providers {
		fmt.Fprintf(&b, "\n%s: %d/%d in window, breaker %s", p.Provider, p.InWindow, p.Limit, p.Breaker)
	}
	return textResult("%s", b.String()), out, nil
}

// ===== RECOVERY SUGGESTION =====

type recoverySuggestionInput struct {
	ErrorKind    string `json:"error_kind,omitempty" jsonschema:"One of the recovery kinds, e.g. rate_limit_exceeded"`
	ErrorMessage string `json:"error_message,omitempty" jsonschema:"Raw error text to classify when error_kind is empty"`
}

type recoverySuggestionOutput struct {
	ErrorKind  string `json:"error_kind"`
	Suggestion string `json:"suggestion"`
}

func (s *Server) handleRecoverySuggestion(ctx context.Context, _ *mcp.CallToolRequest, args recoverySuggestionInput) (*mcp.CallToolResult, recoverySuggestionOutput, error) {
	var toolErr error
	done := s.metrics.Start(ctx, "recovery_suggestion")
	defer func() { done(toolErr) }()

	kind := recovery.Kind(args.ErrorKind)
	switch {
	case kind != "" && !kind.Valid():
		toolErr = fmt.Errorf("invalid error_kind %q", args.ErrorKind)
		return nil, recoverySuggestionOutput{}, toolErr
	case kind == "" && strings.TrimSpace(args.ErrorMessage) == "":
		toolErr = fmt.Errorf("invalid input: error_kind or error_message is required")
		return nil, recoverySuggestionOutput{}, toolErr
	case kind == "":
		kind = recovery.Classify(fmt.Errorf("%s", args.ErrorMessage))
	}

	out := recoverySuggestionOutput{ErrorKind: string(kind), Suggestion: recovery.Suggestion(kind)}
	return textResult("%s: %s", out.ErrorKind, out.Suggestion), out, nil
}

// ===== PROJECT TYPES =====

type listProjectTypesInput struct{}

type projectTypeInfo struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type listProjectTypesOutput struct {
	ProjectTypes []projectTypeInfo `json:"project_types"`
}

func (s *Server) handleListProjectTypes(ctx context.Context, _ *mcp.CallToolRequest, _ listProjectTypesInput) (*mcp.CallToolResult, listProjectTypesOutput, error) {
	done := s.metrics.Start(ctx, "list_project_types")
	defer done(nil)

	cat := s.deps.Catalog.Current()
	out := listProjectTypesOutput{ProjectTypes: []projectTypeInfo{}}
	names := make([]string, 0)
	for _, name := range cat.ProjectTypes() {
		out.ProjectTypes = append(out.ProjectTypes, projectTypeInfo{Name: name, Roles: cat.TeamRoles(name, nil)})
		names = append(names, name)
	}
	return textResult("Project types: %s", strings.Join(names, ", ")), out, nil
}

// ===== PROJECT ERRORS =====

type projectErrorsInput struct {
	WorkspacePath string `json:"workspace_path,omitempty" jsonschema:"Workspace directory; defaults to the workspace of project_id"`
	ProjectID     string `json:"project_id,omitempty" jsonschema:"Project tracked by this server"`
}

type errorRecord struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Kind        string `json:"error_type"`
	Message     string `json:"error_message"`
	Severity    string `json:"severity"`
	Context     string `json:"context"`
	Recoverable bool   `json:"recoverable"`
	Suggestion  string `json:"suggestion"`
}

type projectErrorsOutput struct {
	WorkspacePath string        `json:"workspace_path"`
	Errors        []errorRecord `json:"errors"`
}

func (s *Server) handleProjectErrors(ctx context.Context, _ *mcp.CallToolRequest, args projectErrorsInput) (*mcp.CallToolResult, projectErrorsOutput, error) {
	var toolErr error
	done := s.metrics.Start(ctx, "project_errors")
	defer func() { done(toolErr) }()

	dir := args.WorkspacePath
	if dir == "" && args.ProjectID != "" {
		st, err := s.deps.Registry.Get(args.ProjectID)
		if err != nil {
			toolErr = err
			return nil, projectErrorsOutput{}, toolErr
		}
		dir = st.WorkspacePath
	}
	if dir == "" {
		toolErr = fmt.Errorf("invalid input: workspace_path or a tracked project_id is required")
		return nil, projectErrorsOutput{}, toolErr
	}
	if !workspace.Within(s.deps.BaseDir, dir) {
		toolErr = fmt.Errorf("invalid workspace_path: outside the workspace base directory")
		return nil, projectErrorsOutput{}, toolErr
	}

	records, err := recovery.LoadHistory(s.deps.Fs, dir)
	if err != nil {
		toolErr = fmt.Errorf("reading error history: %w", err)
		return nil, projectErrorsOutput{}, toolErr
	}

	out := projectErrorsOutput{WorkspacePath: dir, Errors: make([]errorRecord, 0, len(records))}
	for _, r := range records {
		out.Errors = append(out.Errors, errorRecord{
			ID:          r.ID,
			Timestamp:   r.Timestamp.Format(time.RFC3339),
			Kind:        string(r.Kind),
			Message:     r.Message,
			Severity:    string(r.Severity),
			Context:     r.Context,
			Recoverable: r.Recoverable,
			Suggestion:  r.Suggestion,
		})
	}
	return textResult("%d errors recorded in %s", len(out.Errors), dir), out, nil
}
