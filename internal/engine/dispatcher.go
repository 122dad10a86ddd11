package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/logging"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/fyrsmithlabs/foundry/internal/taskgraph"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrExecutionTimeout is returned when a graph runs past its wall-clock limit.
var ErrExecutionTimeout = &recovery.Error{
	Kind: recovery.KindTimeout,
	Err:  errors.New("execution exceeded its time limit"),
}

// ErrUnknownWorker is returned for units assigned to a role not in the team.
var ErrUnknownWorker = errors.New("unit worker not in team")

const skippedMessage = "skipped: an earlier unit failed"

// NewUnitRequest builds a request for runners outside the Dispatcher.
func NewUnitRequest(unit project.WorkUnit, worker project.Worker, ws *workspace.Workspace, inputs map[string]string) UnitRequest {
	return UnitRequest{Unit: unit, Worker: worker, Root: ws.Root, Inputs: inputs, ws: ws}
}

// Dispatcher implements Engine on top of a UnitRunner. Every unit call
// goes through retry, then the provider's circuit breaker, then a
// concurrency permit and rate admission.
type Dispatcher struct {
	runner   UnitRunner
	provider string
	manager  *ratelimit.Manager
	limiter  *ratelimit.Limiter
	breakers *resilience.Breakers
	retrier  *resilience.Retrier
	logger   *zap.Logger
	progress func(context.Context, project.UnitResult)
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithProgress registers a callback invoked after each unit finishes with
// the context Execute was called with. It may be called concurrently.
func WithProgress(fn func(context.Context, project.UnitResult)) DispatcherOption {
	return func(d *Dispatcher) { d.progress = fn }
}

// NewDispatcher wires a runner to the shared primitives. provider names the
// rate-limit window and breaker used for every unit call.
func NewDispatcher(runner UnitRunner, provider string, manager *ratelimit.Manager, limiter *ratelimit.Limiter,
	breakers *resilience.Breakers, retrier *resilience.Retrier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		runner:   runner,
		provider: provider,
		manager:  manager,
		limiter:  limiter,
		breakers: breakers,
		retrier:  retrier,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs graph wave by wave. A unit starts only after every unit it
// depends on succeeded; the first failure cancels its wave and skips the
// rest. The returned result always lists every unit.
func (d *Dispatcher) Execute(ctx context.Context, team []project.Worker, graph []project.WorkUnit, ws *workspace.Workspace, limit time.Duration) (*project.ExecutionResult, error) {
	waves, err := taskgraph.Waves(graph)
	if err != nil {
		return nil, err
	}
	workers := make(map[string]project.Worker, len(team))
	for _, w := range team {
		workers[w.Role] = w
	}
	for _, u := range graph {
		if _, ok := workers[u.Worker]; !ok {
			return nil, recovery.Wrap(recovery.KindInvalidConfiguration, u.ID, ErrUnknownWorker)
		}
	}

	execCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeoutCause(ctx, limit, ErrExecutionTimeout)
		defer cancel()
	}

	start := d.now()
	result := &project.ExecutionResult{}
	outputs := make(map[string]string, len(graph))
	var firstErr error

	for i, wave := range waves {
		if firstErr != nil {
			for _, u := range wave {
				result.Units = append(result.Units, project.UnitResult{UnitID: u.ID, Worker: u.Worker, Error: skippedMessage})
			}
			continue
		}

		d.logger.Debug("starting wave", append(logging.ContextFields(ctx),
			zap.Int("wave", i), zap.Int("units", len(wave)))...)

		results, err := d.runWave(execCtx, wave, workers, ws, outputs)
		result.Units = append(result.Units, results...)
		for _, r := range results {
			if r.Success {
				outputs[r.UnitID] = r.Output
			}
		}
		if err != nil {
			firstErr = err
		}
	}

	result.Elapsed = d.now().Sub(start)
	result.Success = firstErr == nil
	result.RawOutput = rawOutput(result.Units)

	if firstErr != nil {
		if errors.Is(context.Cause(execCtx), ErrExecutionTimeout) && ctx.Err() == nil && !errors.Is(firstErr, ErrExecutionTimeout) {
			firstErr = fmt.Errorf("%w: %w", ErrExecutionTimeout, firstErr)
		}
		return result, firstErr
	}
	return result, nil
}

func (d *Dispatcher) runWave(ctx context.Context, wave []project.WorkUnit, workers map[string]project.Worker,
	ws *workspace.Workspace, outputs map[string]string) ([]project.UnitResult, error) {
	results := make([]project.UnitResult, len(wave))
	g, gctx := errgroup.WithContext(ctx)

	for i, u := range wave {
		inputs := make(map[string]string, len(u.DependsOn))
		for _, dep := range u.DependsOn {
			inputs[dep] = outputs[dep]
		}
		req := UnitRequest{Unit: u, Worker: workers[u.Worker], Root: ws.Root, Inputs: inputs, ws: ws}

		g.Go(func() error {
			res, err := d.runUnit(gctx, req)
			results[i] = res
			return err
		})
	}

	err := g.Wait()
	return results, err
}

func (d *Dispatcher) runUnit(ctx context.Context, req UnitRequest) (project.UnitResult, error) {
	start := d.now()
	var mu sync.Mutex
	attempts := 0

	out, err := resilience.Retry(ctx, d.retrier, func(ctx context.Context) (UnitOutput, error) {
		mu.Lock()
		attempts++
		mu.Unlock()

		var out UnitOutput
		err := d.breakers.Get(d.provider).Call(ctx, func(ctx context.Context) error {
			return d.manager.Run(ctx, d.provider, d.limiter, func(ctx context.Context) (int, error) {
				o, err := d.run(ctx, req)
				if err != nil {
					return 0, err
				}
				out = o
				return o.Tokens, nil
			})
		})
		return out, err
	})

	res := project.UnitResult{
		UnitID:   req.Unit.ID,
		Worker:   req.Unit.Worker,
		Success:  err == nil,
		Output:   out.Output,
		Tokens:   out.Tokens,
		Elapsed:  d.now().Sub(start),
		Attempts: attempts,
	}
	outcome := "success"
	if err != nil {
		res.Error = err.Error()
		outcome = "failure"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
	}
	UnitsTotal.WithLabelValues(outcome).Inc()
	UnitDuration.Observe(res.Elapsed.Seconds())

	fields := append(logging.ContextFields(ctx),
		zap.String("unit", req.Unit.ID),
		zap.String("worker", req.Unit.Worker),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", res.Elapsed))
	if err != nil {
		d.logger.Warn("work unit failed", append(fields, zap.Error(err))...)
	} else {
		d.logger.Info("work unit completed", append(fields, zap.Int("tokens", out.Tokens))...)
	}

	if d.progress != nil {
		d.progress(ctx, res)
	}
	return res, err
}

// run calls the runner, turning a panic into a permanent error so one bad
// unit cannot take down the process.
func (d *Dispatcher) run(ctx context.Context, req UnitRequest) (out UnitOutput, err error) {
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("unit runner panicked", append(logging.ContextFields(ctx),
				zap.String("unit", req.Unit.ID), zap.Any("panic", v), zap.Stack("stack"))...)
			err = resilience.Permanent(recovery.Wrap(recovery.KindUnexpectedRuntime, "unit "+req.Unit.ID,
				fmt.Errorf("runner panic: %v", v)))
		}
	}()
	return d.runner.RunUnit(ctx, req)
}

func rawOutput(units []project.UnitResult) string {
	var b strings.Builder
	for _, u := range units {
		if !u.Success {
			continue
		}
		fmt.Fprintf(&b, "## %s (%s)\n\n%s\n\n", u.UnitID, u.Worker, strings.TrimSpace(u.Output))
	}
	return strings.TrimSpace(b.String())
}
