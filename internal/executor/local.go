package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/haatos/stepflow/internal/pipeline"
)

// LocalProvider runs step commands as child processes on the controller
// host. It is the default execution context.
type LocalProvider struct {
	workdir string
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func NewLocalProviderInDir(workdir string) *LocalProvider {
	return &LocalProvider{workdir: workdir}
}

func (p *LocalProvider) CreateContext(
	ctx context.Context,
	spec pipeline.ContextSpec,
) (ExecContext, error) {
	return &localContext{workdir: p.workdir}, nil
}

func (p *LocalProvider) DestroyContext(ec ExecContext) error {
	return ec.Close()
}

type localContext struct {
	workdir string
}

func (lc *localContext) Run(
	ctx context.Context,
	command []string,
	output io.Writer,
) (int, error) {
	if len(command) == 0 {
		return -1, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = lc.workdir
	cmd.Stdout = output
	cmd.Stderr = output
	// Bounded grace period between the kill on cancellation and giving up
	// on the process's remaining output.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (lc *localContext) Close() error {
	return nil
}
