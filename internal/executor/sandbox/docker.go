package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErr "codelab/pkg/errors"
	"codelab/pkg/utils/logger"
)

const (
	// dockerScratchMount is the single writable path inside the container.
	dockerScratchMount = "/box"
	// sigkillExitCode is what an OOM or forced kill surfaces as.
	sigkillExitCode = 137
	// timeoutExitCode is the in-container watchdog's exit status when the
	// payload had to be terminated.
	timeoutExitCode = 124

	maxStreamBytes = 64 * 1024
	cpuPeriodUsec  = 100_000

	// execKillGrace extends the client-side deadline past the in-container
	// watchdog, which is expected to fire first and kill the payload.
	execKillGrace = 2 * time.Second
)

// DockerConfig holds Docker backend settings.
type DockerConfig struct {
	// PullImages allows pulling a missing toolchain image on first use.
	PullImages bool `yaml:"pullImages"`
	// User is the in-container execution identity.
	User string `yaml:"user"`
}

// DockerProvisioner runs each submission in a disposable container:
// network disabled, read-only rootfs, a tmpfs scratch at /box, and
// memory/cpu/pids ceilings enforced by the container runtime.
type DockerProvisioner struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerProvisioner connects to the Docker daemon.
func NewDockerProvisioner(cfg DockerConfig) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "create docker client failed")
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "docker daemon unreachable")
	}
	if cfg.User == "" {
		cfg.User = "nobody"
	}
	return &DockerProvisioner{cli: cli, cfg: cfg}, nil
}

func (p *DockerProvisioner) Create(ctx context.Context, cfg ResourceConfig) (*Environment, error) {
	cfg = cfg.WithDefaults()
	if cfg.Image == "" {
		return nil, appErr.ValidationError("image", "required")
	}

	pids := cfg.PIDs
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			dockerScratchMount: fmt.Sprintf("rw,exec,size=%dm", cfg.ScratchMB),
		},
		Resources: container.Resources{
			Memory:     cfg.MemoryMB * 1024 * 1024,
			MemorySwap: cfg.MemoryMB * 1024 * 1024,
			CPUQuota:   int64(cfg.CPULimit * cpuPeriodUsec),
			CPUPeriod:  cpuPeriodUsec,
			PidsLimit:  &pids,
		},
	}
	contCfg := &container.Config{
		Image:           cfg.Image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      dockerScratchMount,
		User:            p.cfg.User,
		NetworkDisabled: true,
	}

	created, err := p.cli.ContainerCreate(ctx, contCfg, hostCfg, nil, nil, "")
	if err != nil && errdefs.IsNotFound(err) && p.cfg.PullImages {
		if pullErr := p.pullImage(ctx, cfg.Image); pullErr != nil {
			return nil, pullErr
		}
		created, err = p.cli.ContainerCreate(ctx, contCfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ProvisioningError, "create container failed")
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = p.cli.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true})
		return nil, appErr.Wrapf(err, appErr.ProvisioningError, "start container failed")
	}

	return &Environment{
		ID:         uuid.NewString(),
		ScratchDir: dockerScratchMount,
		handle:     created.ID,
		limits:     cfg,
	}, nil
}

func (p *DockerProvisioner) pullImage(ctx context.Context, ref string) error {
	reader, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "pull image %s failed", ref)
	}
	defer reader.Close()
	// Drain the progress stream; the pull completes only once it is read.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "pull image %s failed", ref)
	}
	return nil
}

func (p *DockerProvisioner) WriteFile(ctx context.Context, env *Environment, name string, data []byte) error {
	if env == nil || env.Destroyed() {
		return appErr.New(appErr.EnvironmentDestroyed)
	}
	if name == "" {
		return appErr.ValidationError("name", "required")
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "write tar header failed")
	}
	if _, err := tw.Write(data); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "write tar payload failed")
	}
	if err := tw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "close tar failed")
	}

	opts := types.CopyToContainerOptions{}
	if err := p.cli.CopyToContainer(ctx, env.handle, env.ScratchDir, &buf, opts); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "copy file into container failed")
	}
	return nil
}

func (p *DockerProvisioner) Run(ctx context.Context, env *Environment, cmd Command) (RunResult, error) {
	if env == nil || env.Destroyed() {
		return RunResult{}, appErr.New(appErr.EnvironmentDestroyed)
	}
	if len(cmd.Argv) == 0 {
		return RunResult{}, appErr.ValidationError("command", "required")
	}
	timeout := cmd.timeoutOr(env.limits.Timeout)

	execCfg := container.ExecOptions{
		Cmd:          wrapWithTimeout(cmd.Argv, timeout),
		Env:          cmd.Env,
		WorkingDir:   env.ScratchDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := p.cli.ContainerExecCreate(ctx, env.handle, execCfg)
	if err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.ProvisioningError, "create exec failed")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout+execKillGrace)
	defer cancel()

	attach, err := p.cli.ContainerExecAttach(runCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.ProvisioningError, "attach exec failed")
	}
	defer attach.Close()

	start := time.Now()
	go func() {
		if cmd.Stdin != "" {
			_, _ = attach.Conn.Write([]byte(cmd.Stdin))
		}
		_ = attach.CloseWrite()
	}()

	stdout := newLimitedBuffer(maxStreamBytes)
	stderr := newLimitedBuffer(maxStreamBytes)
	copied := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- copyErr
	}()

	timedOut := false
	select {
	case <-runCtx.Done():
		// The in-container watchdog should have killed the payload already;
		// reaching this branch means the daemon stopped cooperating, so give
		// up on the exec and classify the case as a timeout.
		timedOut = true
	case copyErr := <-copied:
		if copyErr != nil && runCtx.Err() == nil {
			return RunResult{}, appErr.Wrapf(copyErr, appErr.ProvisioningError, "read exec streams failed")
		}
		timedOut = runCtx.Err() != nil
	}

	res := RunResult{
		ExitCode:   -1,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   timedOut,
	}
	if timedOut {
		res.Stdout = ""
		return res, nil
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return res, appErr.Wrapf(err, appErr.ProvisioningError, "inspect exec failed")
	}
	oom := false
	if inspect.ExitCode == sigkillExitCode {
		oom, _ = p.containerOOMKilled(ctx, env.handle)
	}
	res.ExitCode = inspect.ExitCode
	res.TimedOut, res.OOMKilled = classifyExecExit(inspect.ExitCode, oom, time.Since(start), timeout)
	if res.TimedOut {
		res.ExitCode = -1
		res.Stdout = ""
	}
	return res, nil
}

// wrapWithTimeout prefixes the payload with an in-container watchdog so a
// runaway process is terminated when its budget expires instead of running
// until teardown and starving later cases of CPU. TERM first, KILL one
// second later; coreutils timeout ships in every toolchain image.
func wrapWithTimeout(argv []string, timeout time.Duration) []string {
	secs := int64(timeout / time.Second)
	if timeout%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return append([]string{"timeout", "-k", "1", strconv.FormatInt(secs, 10)}, argv...)
}

// classifyExecExit maps a finished exec's exit status onto timeout and
// memory kills. 124 is the watchdog's timeout status; 137 (SIGKILL) is
// either the OOM killer or the watchdog's follow-up kill, disambiguated by
// the container's OOM flag and the elapsed wall time.
func classifyExecExit(exitCode int, oomKilled bool, elapsed, timeout time.Duration) (bool, bool) {
	switch exitCode {
	case timeoutExitCode:
		return true, false
	case sigkillExitCode:
		if oomKilled {
			return false, true
		}
		return elapsed >= timeout, false
	}
	return false, false
}

func (p *DockerProvisioner) containerOOMKilled(ctx context.Context, containerID string) (bool, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return inspect.State != nil && inspect.State.OOMKilled, nil
}

func (p *DockerProvisioner) Destroy(ctx context.Context, env *Environment) error {
	if env == nil || !env.markDestroyed() {
		return nil
	}
	// Force remove kills the keep-alive process and any leftover execs;
	// the tmpfs scratch dies with the container.
	err := p.cli.ContainerRemove(ctx, env.handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Warn(ctx, "remove container failed", zap.String("container", env.handle), zap.Error(err))
		return appErr.Wrapf(err, appErr.ProvisioningError, "remove container failed")
	}
	return nil
}

// limitedBuffer caps captured stream bytes; overflow is dropped. The copy
// goroutine may still be writing when the deadline branch reads, so both
// sides lock.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	// Report full consumption so stdcopy keeps draining the stream.
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
