package executor

import (
	"context"
	"errors"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/haatos/stepflow/internal/pipeline"
)

// DockerProvider runs step commands inside one long-lived container per
// execution context, created from the image named in the pipeline
// definition. Commands execute through the exec API so the container's
// service process keeps running between steps.
type DockerProvider struct {
	cli *client.Client
}

func NewDockerProvider() (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, NewContextProvisionError(pipeline.ContextDocker, err)
	}
	return &DockerProvider{cli: cli}, nil
}

func (p *DockerProvider) CreateContext(
	ctx context.Context,
	spec pipeline.ContextSpec,
) (ExecContext, error) {
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return nil, NewContextProvisionError(pipeline.ContextDocker, err)
	}

	resp, err := p.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image: spec.Image,
			// Keep the container alive between step execs.
			Cmd:          []string{"sleep", "infinity"},
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings: bindings,
		},
		nil, nil, "",
	)
	if err != nil {
		return nil, NewContextProvisionError(pipeline.ContextDocker, err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(
			context.Background(), resp.ID, container.RemoveOptions{Force: true},
		)
		return nil, NewContextProvisionError(pipeline.ContextDocker, err)
	}

	return &dockerContext{cli: p.cli, containerID: resp.ID}, nil
}

func (p *DockerProvider) DestroyContext(ec ExecContext) error {
	return ec.Close()
}

type dockerContext struct {
	cli         *client.Client
	containerID string
}

func (dc *dockerContext) Run(
	ctx context.Context,
	command []string,
	output io.Writer,
) (int, error) {
	if len(command) == 0 {
		return -1, errors.New("empty command")
	}

	execResp, err := dc.cli.ContainerExecCreate(ctx, dc.containerID, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, err
	}

	attach, err := dc.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, err
	}
	defer attach.Close()

	copyDone := make(chan error, 1)
	go func() {
		// Docker multiplexes stdout/stderr over one stream.
		_, err := stdcopy.StdCopy(output, output, attach.Reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		// The exec API has no per-exec kill; killing the container's
		// init takes the exec'd process down with it.
		_ = dc.cli.ContainerKill(context.Background(), dc.containerID, "KILL")
		return -1, ctx.Err()
	case err := <-copyDone:
		if err != nil && ctx.Err() == nil {
			return -1, err
		}
	}

	inspect, err := dc.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, err
	}
	return inspect.ExitCode, nil
}

func (dc *dockerContext) Close() error {
	return dc.cli.ContainerRemove(
		context.Background(),
		dc.containerID,
		container.RemoveOptions{Force: true},
	)
}
