package pipeline

import (
	"fmt"
	"time"
)

// Phase is one step of a project's lifecycle.
type Phase string

const (
	// PhaseRequested is the initial phase of every project.
	PhaseRequested Phase = "requested"

	// PhaseAnalyzing derives the project plan from the request.
	PhaseAnalyzing Phase = "analyzing"

	// PhaseSettingUpWorkspace creates the directory skeleton and metadata.
	PhaseSettingUpWorkspace Phase = "setting_up_workspace"

	// PhaseAssemblingTeam builds the worker team.
	PhaseAssemblingTeam Phase = "assembling_team"

	// PhaseBuildingTaskGraph builds and validates the work units.
	PhaseBuildingTaskGraph Phase = "building_task_graph"

	// PhaseExecuting runs the task graph on the engine.
	PhaseExecuting Phase = "executing"

	// PhaseValidating scores the workspace and writes the report.
	PhaseValidating Phase = "validating"

	// PhaseCompleted is terminal.
	PhaseCompleted Phase = "completed"

	// PhaseFailed is terminal and reachable from any non-terminal phase.
	PhaseFailed Phase = "failed"
)

// AllPhases returns the successful path in execution order.
func AllPhases() []Phase {
	return []Phase{
		PhaseRequested,
		PhaseAnalyzing,
		PhaseSettingUpWorkspace,
		PhaseAssemblingTeam,
		PhaseBuildingTaskGraph,
		PhaseExecuting,
		PhaseValidating,
		PhaseCompleted,
	}
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func (p Phase) index() int {
	for i, q := range AllPhases() {
		if q == p {
			return i
		}
	}
	return -1
}

// PhaseStatus is the outcome of one phase.
type PhaseStatus string

const (
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusFailed     PhaseStatus = "failed"
)

// PhaseResult captures one phase execution.
type PhaseResult struct {
	Phase       Phase       `json:"phase"`
	Status      PhaseStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// State tracks the phase of one project. It is owned by the goroutine
// driving the project.
type State struct {
	ProjectID string
	Phase     Phase
	Results   []PhaseResult
	StartedAt time.Time
}

// NewState returns a project in PhaseRequested.
func NewState(projectID string, now time.Time) *State {
	return &State{ProjectID: projectID, Phase: PhaseRequested, StartedAt: now}
}

// CanTransition checks that next directly follows the current phase, or is
// PhaseFailed from a non-terminal phase.
func (s *State) CanTransition(next Phase) error {
	if s.Phase.Terminal() {
		return fmt.Errorf("cannot transition from terminal phase %s to %s", s.Phase, next)
	}
	if next == PhaseFailed {
		return nil
	}

	currentIdx, nextIdx := s.Phase.index(), next.index()
	if currentIdx == -1 {
		return fmt.Errorf("invalid current phase: %s", s.Phase)
	}
	if nextIdx == -1 {
		return fmt.Errorf("invalid target phase: %s", next)
	}
	if nextIdx != currentIdx+1 {
		return fmt.Errorf("cannot transition from %s to %s: must follow sequential order", s.Phase, next)
	}
	return nil
}

// Enter moves to next and opens its result.
func (s *State) Enter(next Phase, now time.Time) error {
	if err := s.CanTransition(next); err != nil {
		return err
	}
	s.closeCurrent(StatusCompleted, now, "")
	s.Phase = next
	status := StatusInProgress
	if next.Terminal() {
		status = StatusCompleted
		if next == PhaseFailed {
			status = StatusFailed
		}
	}
	s.Results = append(s.Results, PhaseResult{Phase: next, Status: status, StartedAt: now})
	if next.Terminal() {
		s.Results[len(s.Results)-1].CompletedAt = now
	}
	return nil
}

// Complete closes the current phase's result as completed.
func (s *State) Complete(now time.Time) {
	s.closeCurrent(StatusCompleted, now, "")
}

// Fail marks the current phase failed with err and moves to PhaseFailed.
// It returns the phase that failed.
func (s *State) Fail(err error, now time.Time) Phase {
	failed := s.Phase
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.closeCurrent(StatusFailed, now, msg)
	if !s.Phase.Terminal() {
		s.Phase = PhaseFailed
		s.Results = append(s.Results, PhaseResult{Phase: PhaseFailed, Status: StatusFailed, StartedAt: now, CompletedAt: now, Error: msg})
	}
	return failed
}

func (s *State) closeCurrent(status PhaseStatus, now time.Time, msg string) {
	if len(s.Results) == 0 {
		return
	}
	last := &s.Results[len(s.Results)-1]
	if last.Status != StatusInProgress {
		return
	}
	last.Status = status
	last.CompletedAt = now
	last.Error = msg
}
