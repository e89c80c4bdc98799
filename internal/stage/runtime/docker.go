package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkDir = "/docflow"

// DockerRuntime runs stage programs in containers. The run directory holding the document
// is bind-mounted at /docflow.
type DockerRuntime struct {
	client  client.APIClient
	workDir string
}

// DockerHandle is one stage container and its run directory.
type DockerHandle struct {
	client      client.APIClient
	containerID string
	dir         string
}

// NewDockerRuntime connects using DOCKER_HOST and related environment variables.
func NewDockerRuntime(workDir string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "docflow", "stages")
	}
	return &DockerRuntime{client: cli, workDir: workDir}, nil
}

func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, errors.New("image is required for the docker runtime")
	}
	if err := d.ensureImage(ctx, opts.Image); err != nil {
		return nil, err
	}

	dir, err := prepareWorkDir(d.workDir, opts)
	if err != nil {
		return nil, err
	}

	cfg, hostCfg := containerSpec(dir, opts)
	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	h := &DockerHandle{client: d.client, containerID: resp.ID, dir: dir}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		h.Cleanup(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return h, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	progress, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer progress.Close()
	_, err = io.Copy(io.Discard, progress)
	return err
}

// containerSpec describes a stage container with no network access. Only the document
// directory is mounted.
func containerSpec(dir string, opts StartOptions) (*container.Config, *container.HostConfig) {
	env := append(mapToEnvList(opts.Env),
		EnvInput+"="+containerWorkDir+"/"+inputFile,
		EnvWorkDir+"="+containerWorkDir,
	)
	cfg := &container.Config{
		Image:           opts.Image,
		Cmd:             opts.Command,
		Env:             env,
		WorkingDir:      containerWorkDir,
		NetworkDisabled: true,
		Labels:          map[string]string{managedByLabel: "docflow", "docflow.run": opts.Name},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeBind, Source: dir, Target: containerWorkDir}},
	}
	return cfg, hostCfg
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		res := ExitResult{ExitCode: int(status.StatusCode)}
		switch {
		case status.Error != nil:
			res.Error = errors.New(status.Error.Message)
		case res.ExitCode != 0:
			res.Error = fmt.Errorf("container exited with code %d", res.ExitCode)
			if msg := h.stderrTail(ctx); msg != "" {
				res.Error = errors.New(msg)
			}
		}
		return res, nil
	}
}

// Stop gives the program five seconds to exit after SIGTERM.
func (h *DockerHandle) Stop(ctx context.Context) error {
	grace := 5
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &grace})
}

// StreamLogs returns the container's stdout.
func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	stdout, _, err := h.logs(ctx, container.LogsOptions{ShowStdout: true})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(stdout), nil
}

func (h *DockerHandle) stderrTail(ctx context.Context) string {
	_, stderr, err := h.logs(ctx, container.LogsOptions{ShowStderr: true, Tail: "20"})
	if err != nil {
		return ""
	}
	return tail(stderr.String(), 512)
}

func (h *DockerHandle) logs(ctx context.Context, opts container.LogsOptions) (*bytes.Buffer, *bytes.Buffer, error) {
	rc, err := h.client.ContainerLogs(ctx, h.containerID, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, nil, fmt.Errorf("read container logs: %w", err)
	}
	return &stdout, &stderr, nil
}

// Cleanup removes the container and the run directory.
func (h *DockerHandle) Cleanup(ctx context.Context) error {
	err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	return errors.Join(err, os.RemoveAll(h.dir))
}
