package executor

import (
	"context"
	"errors"
	"time"

	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/haatos/stepflow/internal/util"
)

// StepExecutor runs one step's command against an execution context,
// enforcing the step's timeout and capturing bounded output. It holds no
// shared mutable state; one executor can serve concurrent steps.
type StepExecutor struct {
	maxOutputBytes int
}

func NewStepExecutor(maxOutputBytes int) *StepExecutor {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	return &StepExecutor{maxOutputBytes: maxOutputBytes}
}

// Execute runs a single attempt of the step. The returned result is
// terminal: Succeeded on exit 0, TimedOut when the step's timeout
// elapsed, Cancelled when the caller's context was cancelled first, and
// Failed otherwise (non-zero exit or transport error).
func (e *StepExecutor) Execute(
	ctx context.Context,
	step pipeline.Step,
	ec ExecContext,
) pipeline.StepResult {
	result := pipeline.StepResult{
		StepID:    step.ID,
		Status:    pipeline.StatusRunning,
		StartedOn: util.AsPtr(time.Now().UTC()),
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	buf := NewBoundedBuffer(e.maxOutputBytes)
	exitCode, err := ec.Run(stepCtx, step.Command, buf)

	result.EndedOn = util.AsPtr(time.Now().UTC())
	result.Output = buf.String()
	result.Truncated = buf.Truncated()

	switch {
	case stepCtx.Err() != nil && ctx.Err() == nil:
		// The per-step deadline fired; the context implementation has
		// already killed the underlying process.
		result.Status = pipeline.StatusTimedOut
		result.Error = errors.Join(context.DeadlineExceeded, err).Error()
	case ctx.Err() != nil:
		result.Status = pipeline.StatusCancelled
		result.Error = ctx.Err().Error()
	case err != nil:
		result.Status = pipeline.StatusFailed
		result.Error = err.Error()
	case exitCode != 0:
		result.Status = pipeline.StatusFailed
		result.ExitCode = util.AsPtr(exitCode)
	default:
		result.Status = pipeline.StatusSucceeded
		result.ExitCode = util.AsPtr(exitCode)
	}

	return result
}
