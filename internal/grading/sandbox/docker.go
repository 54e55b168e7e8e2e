package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"riddleflow/internal/common/metrics"
	appErr "riddleflow/pkg/errors"
	"riddleflow/pkg/utils/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	managedLabel   = "riddleflow.sandbox"
	copyDrainGrace = 2 * time.Second
)

// DockerAPI is the subset of the Docker Engine client used by DockerRunner.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerClient connects to the daemon described by the DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// DockerRunner runs every request in a fresh container and always removes it.
type DockerRunner struct {
	cli     DockerAPI
	cfg     Config
	metrics *metrics.GradingMetrics
}

// NewDockerRunner creates a runner. metrics may be nil.
func NewDockerRunner(cli DockerAPI, cfg Config, m *metrics.GradingMetrics) (*DockerRunner, error) {
	if cli == nil {
		return nil, errors.New("docker client is required")
	}
	cfg.ApplyDefaults()
	return &DockerRunner{cli: cli, cfg: cfg, metrics: m}, nil
}

// Ping checks that the daemon answers.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return unavailable("ping docker daemon", err)
	}
	return nil
}

// EnsureImage pulls the sandbox image when the daemon does not have it.
func (r *DockerRunner) EnsureImage(ctx context.Context) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, r.cfg.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return unavailable("inspect image", err)
	}
	logger.Info(ctx, "sandbox image missing, pulling", zap.String("image", r.cfg.Image))
	rc, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return unavailable("pull image", err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return unavailable("pull image", err)
	}
	return nil
}

// Run executes req.Code with req.Stdin inside a new container.
func (r *DockerRunner) Run(ctx context.Context, req Request) (Result, error) {
	if req.TimeLimit <= 0 {
		return Result{}, appErr.ValidationError("time_limit", "must be positive")
	}
	if req.MemoryLimitMB <= 0 {
		return Result{}, appErr.ValidationError("memory_limit", "must be positive")
	}

	begin := time.Now()
	res, err := r.run(ctx, req)
	r.metrics.ObserveSandbox(outcome(res, err), time.Since(begin))
	return res, err
}

func (r *DockerRunner) run(ctx context.Context, req Request) (Result, error) {
	memory := int64(req.MemoryLimitMB) << 20
	pids := r.cfg.PidsLimit
	cmd := append(append([]string{}, r.cfg.Command...), req.Code)

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           r.cfg.Image,
			Cmd:             cmd,
			User:            r.cfg.User,
			AttachStdin:     true,
			AttachStdout:    true,
			AttachStderr:    true,
			OpenStdin:       true,
			StdinOnce:       true,
			Tty:             false,
			NetworkDisabled: true,
			Labels:          map[string]string{managedLabel: "true"},
		},
		&container.HostConfig{
			NetworkMode:    "none",
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			ReadonlyRootfs: r.cfg.ReadOnlyRootfs,
			Resources: container.Resources{
				Memory:     memory,
				MemorySwap: memory,
				NanoCPUs:   r.cfg.NanoCPUs,
				PidsLimit:  &pids,
			},
		}, nil, nil, "")
	if err != nil {
		return Result{}, unavailable("create container", err)
	}
	defer r.remove(ctx, created.ID)

	hijack, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Result{}, unavailable("attach container", err)
	}
	defer hijack.Close()

	stdout := newTailBuffer(r.cfg.MaxOutputBytes)
	stderr := newTailBuffer(r.cfg.StderrTail)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, hijack.Reader)
	}()

	start := time.Now()
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Result{}, unavailable("start container", err)
	}

	// The program may never read stdin; a blocked write must not hold up the deadline.
	go func() {
		input := strings.TrimSpace(req.Stdin) + "\n"
		if _, err := io.WriteString(hijack.Conn, input); err != nil {
			logger.Debug(ctx, "write sandbox stdin failed", zap.String("container_id", created.ID), zap.Error(err))
		}
		_ = hijack.CloseWrite()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, req.TimeLimit+r.cfg.Margin)
	defer cancel()
	statusCh, errCh := r.cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return Result{}, unavailable("wait container", errors.New(status.Error.Message))
		}
		exitCode = status.StatusCode
	case err := <-errCh:
		return r.waitFailed(ctx, waitCtx, start, err)
	case <-waitCtx.Done():
		return r.waitFailed(ctx, waitCtx, start, waitCtx.Err())
	}
	elapsed := time.Since(start)

	timer := time.NewTimer(copyDrainGrace)
	select {
	case <-copyDone:
		timer.Stop()
	case <-timer.C:
		logger.Warn(ctx, "sandbox output stream did not close", zap.String("container_id", created.ID))
		// Output is not read past this point; the copier ends when the conn closes.
		return Result{}, unavailable("read container output", errors.New("output stream stalled"))
	}

	oom := false
	info, err := r.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		logger.Warn(ctx, "inspect sandbox container failed", zap.String("container_id", created.ID), zap.Error(err))
	} else if info.ContainerJSONBase != nil && info.State != nil {
		oom = info.State.OOMKilled
	}

	return Result{
		Output:    lastNonEmptyLine(stdout.String()),
		Crashed:   exitCode != 0 || oom,
		OOMKilled: oom,
		ExitCode:  int(exitCode),
		Stderr:    stderr.String(),
		Elapsed:   elapsed,
	}, nil
}

func (r *DockerRunner) waitFailed(ctx, waitCtx context.Context, start time.Time, err error) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return Result{TimedOut: true, ExitCode: -1, Elapsed: time.Since(start)}, nil
	}
	return Result{}, unavailable("wait container", err)
}

// remove force-removes the container on a context detached from the caller's
// cancellation, so a canceled job still tears its container down.
func (r *DockerRunner) remove(ctx context.Context, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RemoveTimeout)
	defer cancel()
	err := r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Error(ctx, "remove sandbox container failed", zap.String("container_id", id), zap.Error(err))
	}
}

func unavailable(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return appErr.Wrapf(err, appErr.SandboxUnavailable, "%s failed: docker daemon unreachable", op)
	}
	return appErr.Wrapf(err, appErr.SandboxUnavailable, "%s failed", op)
}

func outcome(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.TimedOut:
		return "timeout"
	case res.Crashed:
		return "crashed"
	default:
		return "ok"
	}
}
