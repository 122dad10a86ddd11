// Package engine executes a task graph: each work unit runs through a
// UnitRunner under the shared concurrency, rate-limit, circuit-breaker and
// retry primitives, in dependency-ordered waves.
package engine

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
)

// Engine runs a whole task graph.
type Engine interface {
	Execute(ctx context.Context, team []project.Worker, graph []project.WorkUnit, ws *workspace.Workspace, limit time.Duration) (*project.ExecutionResult, error)
}

// UnitRequest is everything a runner needs for one unit.
type UnitRequest struct {
	Unit   project.WorkUnit  `json:"unit"`
	Worker project.Worker    `json:"worker"`
	Root   string            `json:"workspace"`
	Inputs map[string]string `json:"inputs,omitempty"` // outputs of dependencies by unit id

	ws *workspace.Workspace
}

// Workspace returns the workspace the unit writes into.
func (r UnitRequest) Workspace() *workspace.Workspace { return r.ws }

// UnitOutput is a runner's result.
type UnitOutput struct {
	Output string
	Tokens int
}

// TokensUsed implements ratelimit.TokenCounter.
func (o UnitOutput) TokensUsed() int { return o.Tokens }

// UnitRunner executes a single work unit once. Retries, rate limiting and
// circuit breaking are applied around it by the Dispatcher.
type UnitRunner interface {
	RunUnit(ctx context.Context, req UnitRequest) (UnitOutput, error)
}

// RunnerFunc adapts a function to UnitRunner.
type RunnerFunc func(ctx context.Context, req UnitRequest) (UnitOutput, error)

// RunUnit implements UnitRunner.
func (f RunnerFunc) RunUnit(ctx context.Context, req UnitRequest) (UnitOutput, error) {
	return f(ctx, req)
}
