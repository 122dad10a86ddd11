package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
)

// Exit codes with special meaning for CommandRunner.
const (
	// ExitTempFail (sysexits EX_TEMPFAIL) marks a retryable failure.
	ExitTempFail = 75
	// ExitConfig (sysexits EX_CONFIG) marks a permanent configuration error.
	ExitConfig = 78
)

const maxStderr = 2048

// CommandRunner runs an external program once per unit. The unit request
// is written to stdin as JSON; stdout becomes the unit output. The process
// runs in the workspace root with FOUNDRY_WORKSPACE, FOUNDRY_UNIT_ID and
// FOUNDRY_WORKER set.
type CommandRunner struct {
	Command string
	Args    []string
	Env     []string
}

// NewCommandRunner returns a runner for command.
func NewCommandRunner(command string, args ...string) *CommandRunner {
	return &CommandRunner{Command: command, Args: args}
}

// RunUnit implements UnitRunner.
func (c *CommandRunner) RunUnit(ctx context.Context, req UnitRequest) (UnitOutput, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return UnitOutput{}, resilience.Permanent(fmt.Errorf("encoding unit %s: %w", req.Unit.ID, err))
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = req.Root
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"FOUNDRY_WORKSPACE="+req.Root,
		"FOUNDRY_UNIT_ID="+req.Unit.ID,
		"FOUNDRY_WORKER="+req.Unit.Worker,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return UnitOutput{}, ctxErr
		}
		return UnitOutput{}, commandError(req.Unit.ID, err, stderr.String())
	}
	return UnitOutput{Output: stdout.String()}, nil
}

func commandError(unitID string, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > maxStderr {
		stderr = stderr[len(stderr)-maxStderr:]
	}
	op := "unit " + unitID

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// The binary could not be started at all.
		return resilience.Permanent(recovery.Wrap(recovery.KindInvalidConfiguration, op, err))
	}

	wrapped := fmt.Errorf("%w: %s", err, stderr)
	switch exitErr.ExitCode() {
	case ExitTempFail:
		return recovery.Wrap(recovery.KindConnectivity, op, wrapped)
	case ExitConfig:
		return resilience.Permanent(recovery.Wrap(recovery.KindInvalidConfiguration, op, wrapped))
	default:
		return recovery.Wrap(recovery.KindUnexpectedRuntime, op, wrapped)
	}
}
