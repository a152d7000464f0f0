package executor

import (
	"context"
	"fmt"
	"io"

	"github.com/haatos/stepflow/internal/pipeline"
)

// ExecContext is an isolated runtime a step's command runs inside. A
// context is exclusively owned by one step for the duration of Run unless
// the pipeline opts into shared-context mode, in which case steps bind to
// it serially. Run returns the command's exit code; err is non-nil only
// for transport or provisioning failures, not for non-zero exits.
type ExecContext interface {
	Run(ctx context.Context, command []string, output io.Writer) (int, error)
	Close() error
}

// Provider creates and destroys execution contexts. The runner treats the
// returned context opaquely.
type Provider interface {
	CreateContext(ctx context.Context, spec pipeline.ContextSpec) (ExecContext, error)
	DestroyContext(ec ExecContext) error
}

// ArtifactDownloader is implemented by execution contexts that can copy
// files back to the controller after a run.
type ArtifactDownloader interface {
	DownloadArtifacts(remotePath, localPath string) error
}

type ContextProvisionError struct {
	Kind string
	Err  error
}

func (e ContextProvisionError) Error() string {
	return fmt.Sprintf("err provisioning %s execution context: %v", e.Kind, e.Err)
}

func (e ContextProvisionError) Unwrap() error {
	return e.Err
}

func NewContextProvisionError(kind string, err error) *ContextProvisionError {
	return &ContextProvisionError{Kind: kind, Err: err}
}

// NewProvider returns the provider for the context kind named in the
// pipeline definition.
func NewProvider(spec pipeline.ContextSpec) (Provider, error) {
	switch spec.Kind {
	case pipeline.ContextLocal, "":
		return NewLocalProvider(), nil
	case pipeline.ContextSSH:
		return NewSSHProviderFromEnv()
	case pipeline.ContextDocker:
		return NewDockerProvider()
	default:
		return nil, fmt.Errorf("unknown execution context kind %q", spec.Kind)
	}
}
