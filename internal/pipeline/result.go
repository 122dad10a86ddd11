package pipeline

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/foundry/internal/events"
	"github.com/fyrsmithlabs/foundry/internal/logging"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"go.uber.org/zap"
)

// ProjectResult is what CreateProject returns. Failure fields are set only
// when Success is false.
type ProjectResult struct {
	Success              bool                   `json:"success"`
	ProjectID            string                 `json:"project_id"`
	WorkspacePath        string                 `json:"workspace_path,omitempty"`
	ExecutionTimeSeconds float64                `json:"execution_time_seconds"`
	WorkersUsed          int                    `json:"workers_used"`
	TasksCompleted       int                    `json:"tasks_completed"`
	QualityReport        *project.QualityReport `json:"quality_report,omitempty"`
	Plan                 *project.Plan          `json:"plan,omitempty"`
	Summary              string                 `json:"summary,omitempty"`
	Phases               []PhaseResult          `json:"phases"`

	Error                string        `json:"error,omitempty"`
	ErrorKind            recovery.Kind `json:"error_kind,omitempty"`
	FailedPhase          Phase         `json:"failed_phase,omitempty"`
	PartialWorkspacePath string        `json:"partial_workspace_path,omitempty"`
}

const (
	partialAction = "Partial completion"
	reviewAction  = "Review error logs"
)

func (o *Orchestrator) base(r *run) *ProjectResult {
	res := &ProjectResult{
		ProjectID:            r.id,
		WorkspacePath:        r.wsPath(),
		ExecutionTimeSeconds: r.execTime.Seconds(),
		WorkersUsed:          len(r.team),
		TasksCompleted:       r.exec.Completed(),
		Phases:               append([]PhaseResult(nil), r.state.Results...),
	}
	if r.plan.Complexity != "" {
		plan := r.plan
		res.Plan = &plan
	}
	return res
}

func (o *Orchestrator) succeed(ctx context.Context, r *run) *ProjectResult {
	res := o.base(r)
	res.Success = true
	quality := r.quality
	res.QualityReport = &quality
	res.Summary = quality.Summary

	o.deps.Registry.Finish(r.id, true, "")
	o.metrics.projectFinished(ctx, r.req.Type, true, res.TasksCompleted)
	o.publish(ctx, events.Event{Type: events.TypeCompleted, ProjectID: r.id, Success: true, WorkspacePath: res.WorkspacePath})
	o.logger.Info("project completed", append(logging.ContextFields(ctx),
		zap.Int("score", quality.Score),
		zap.Int("tasks_completed", res.TasksCompleted),
		zap.Duration("elapsed", o.now().Sub(r.started)))...)
	return res
}

// partial handles an executing-phase failure: one recovery pass records the
// failure as recoverable and reports whatever the engine finished.
func (o *Orchestrator) partial(ctx context.Context, r *run, err error) *ProjectResult {
	rec := r.handler.Log(ctx, recovery.Entry{
		Err:            err,
		Severity:       recovery.SeverityHigh,
		Context:        "Project execution failed",
		Recoverable:    true,
		RecoveryAction: partialAction,
	})
	summary := fmt.Sprintf("Partial completion. Check: %s", r.ws.Root)
	return o.finishFailed(ctx, r, err, rec.Kind, summary)
}

// fail records a CRITICAL error for the current phase and stops.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) *ProjectResult {
	kind := recovery.Classify(err)
	if r.handler != nil {
		rec := r.handler.Log(ctx, recovery.Entry{
			Err:            err,
			Severity:       recovery.SeverityCritical,
			Context:        fmt.Sprintf("Project %s failed in %s", r.id, r.state.Phase),
			Recoverable:    false,
			RecoveryAction: reviewAction,
		})
		kind = rec.Kind
	} else {
		o.logger.Error("project rejected", append(logging.ContextFields(ctx),
			zap.String("error.kind", string(kind)), zap.Error(err))...)
	}
	return o.finishFailed(ctx, r, err, kind, "")
}

func (o *Orchestrator) finishFailed(ctx context.Context, r *run, err error, kind recovery.Kind, summary string) *ProjectResult {
	failed := r.state.Fail(err, o.now())

	if r.wsReady {
		if serr := o.deps.Workspaces.SetStatus(r.ws, workspace.StatusFailed); serr != nil {
			o.logger.Warn("could not mark workspace failed", append(logging.ContextFields(ctx), zap.Error(serr))...)
		}
	}

	res := o.base(r)
	res.Success = false
	res.Error = err.Error()
	res.ErrorKind = kind
	res.FailedPhase = failed
	res.Summary = summary
	if r.wsReady {
		res.PartialWorkspacePath = r.ws.Root
	}

	o.deps.Registry.SetPhase(r.id, string(PhaseFailed))
	o.deps.Registry.Finish(r.id, false, res.Error)
	o.metrics.projectFinished(ctx, r.req.Type, false, res.TasksCompleted)
	o.publish(ctx, events.Event{
		Type:          events.TypeFailed,
		ProjectID:     r.id,
		Phase:         string(failed),
		Error:         res.Error,
		WorkspacePath: res.PartialWorkspacePath,
	})
	o.logger.Warn("project failed", append(logging.ContextFields(ctx),
		zap.String("failed_phase", string(failed)),
		zap.String("error.kind", string(kind)),
		zap.Error(err))...)
	return res
}

// UnitProgress returns an engine progress callback publishing one unit
// event per finished work unit. The project id comes from ctx.
func UnitProgress(pub events.Publisher, logger *zap.Logger) func(context.Context, project.UnitResult) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, u project.UnitResult) {
		e := events.Event{
			Type:      events.TypeUnit,
			ProjectID: logging.ProjectIDFromContext(ctx),
			Phase:     string(PhaseExecuting),
			UnitID:    u.UnitID,
			Success:   u.Success,
			Error:     u.Error,
		}
		if err := pub.Publish(context.WithoutCancel(ctx), e); err != nil {
			logger.Warn("event publish failed", append(logging.ContextFields(ctx),
				zap.String("event", e.Type), zap.Error(err))...)
		}
	}
}

// publish sends e without letting a cancelled project context drop the
// terminal event.
func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	e.Time = o.now().UTC()
	if err := o.deps.Events.Publish(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("event publish failed", append(logging.ContextFields(ctx),
			zap.String("event", e.Type), zap.Error(err))...)
	}
}
