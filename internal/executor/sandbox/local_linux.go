//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErr "codelab/pkg/errors"
	"codelab/pkg/utils/logger"
)

const (
	localStdinName  = "stdin.txt"
	localStdoutName = "stdout.txt"
	localStderrName = "stderr.txt"
)

type localProvisioner struct {
	cfg LocalConfig

	// cgroups tracks live cgroup paths per environment so Destroy can kill
	// stragglers that outlived their invocation.
	cgroupsMu sync.Mutex
	cgroups   map[string][]string

	runSeq atomic.Int64
}

// NewLocalProvisioner creates the Linux process backend.
func NewLocalProvisioner(cfg LocalConfig) (Provisioner, error) {
	if cfg.WorkRoot == "" {
		return nil, appErr.ValidationError("workRoot", "required")
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.RootFS != "" && !cfg.EnableNamespaces {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("rootfs requires namespaces")
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, appErr.ValidationError("cgroupRoot", "required")
	}
	return &localProvisioner{cfg: cfg, cgroups: make(map[string][]string)}, nil
}

func (p *localProvisioner) Create(ctx context.Context, cfg ResourceConfig) (*Environment, error) {
	cfg = cfg.WithDefaults()
	envID := uuid.NewString()
	hostDir := filepath.Join(p.cfg.WorkRoot, envID)
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.ProvisioningError, "create scratch dir failed")
	}

	scratch := hostDir
	if p.cfg.RootFS != "" {
		scratch = localScratchMount
	}
	return &Environment{
		ID:         envID,
		ScratchDir: scratch,
		handle:     hostDir,
		limits:     cfg,
	}, nil
}

func (p *localProvisioner) WriteFile(ctx context.Context, env *Environment, name string, data []byte) error {
	if env == nil || env.Destroyed() {
		return appErr.New(appErr.EnvironmentDestroyed)
	}
	if name == "" || name != filepath.Base(name) {
		return appErr.ValidationError("name", "invalid")
	}
	if err := os.WriteFile(filepath.Join(env.handle, name), data, 0644); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "write scratch file failed")
	}
	return nil
}

func (p *localProvisioner) Run(ctx context.Context, env *Environment, cmd Command) (RunResult, error) {
	if env == nil || env.Destroyed() {
		return RunResult{}, appErr.New(appErr.EnvironmentDestroyed)
	}
	if len(cmd.Argv) == 0 {
		return RunResult{}, appErr.ValidationError("command", "required")
	}
	timeout := cmd.timeoutOr(env.limits.Timeout)

	// Streams are fresh per invocation: stdin is rewritten and the previous
	// stdout/stderr files are truncated by the helper.
	stdinHost := filepath.Join(env.handle, localStdinName)
	if err := os.WriteFile(stdinHost, []byte(cmd.Stdin), 0644); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.ProvisioningError, "write stdin failed")
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if p.cfg.EnableCgroup {
		var err error
		cgroupPath, cgroupCleanup, err = createRunCgroup(p.cfg.CgroupRoot, env.ID, p.runSeq.Add(1))
		if err != nil {
			return RunResult{}, appErr.Wrapf(err, appErr.ProvisioningError, "create cgroup failed")
		}
		if err := applyCgroupLimits(cgroupPath, env.limits); err != nil {
			cgroupCleanup()
			return RunResult{}, appErr.Wrapf(err, appErr.ProvisioningError, "apply cgroup limits failed")
		}
		p.registerCgroup(env.ID, cgroupPath)
	}
	defer func() {
		if p.cfg.EnableCgroup {
			p.unregisterCgroup(env.ID, cgroupPath)
			cgroupCleanup()
		}
	}()

	req := p.buildInitRequest(env, cmd, timeout)
	stdinPipe, err := jsonToPipe(req)
	if err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.ProvisioningError, "encode init request failed")
	}
	defer stdinPipe.Close()

	helper := exec.CommandContext(ctx, p.cfg.HelperPath)
	helper.SysProcAttr = buildSysProcAttr(p.cfg.EnableNamespaces)
	helper.Stdin = stdinPipe
	var helperStderr bytes.Buffer
	helper.Stderr = &helperStderr

	start := time.Now()
	if err := helper.Start(); err != nil {
		return RunResult{}, appErr.Wrapf(err, appErr.ProvisioningError, "start sandbox helper failed")
	}
	if p.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, helper.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			timedOut.Store(true)
			killProcessGroup(helper.Process.Pid)
			if cgroupPath != "" {
				_ = killCgroup(cgroupPath)
			}
		case <-done:
		}
	}()

	waitErr := helper.Wait()
	close(done)

	res := RunResult{
		ExitCode:   exitCodeFromState(waitErr, helper.ProcessState),
		Stdout:     readLimitedFile(filepath.Join(env.handle, localStdoutName), maxStreamBytes),
		Stderr:     readLimitedFile(filepath.Join(env.handle, localStderrName), maxStreamBytes),
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   timedOut.Load(),
		OOMKilled:  wasOomKilled(cgroupPath),
	}
	if res.TimedOut {
		res.ExitCode = -1
		res.Stdout = ""
	}
	if waitErr != nil && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper stderr", zap.String("stderr", helperStderr.String()))
	}
	return res, nil
}

func (p *localProvisioner) buildInitRequest(env *Environment, cmd Command, timeout time.Duration) initRequest {
	workDir := env.handle
	stdinPath := filepath.Join(env.handle, localStdinName)
	stdoutPath := filepath.Join(env.handle, localStdoutName)
	stderrPath := filepath.Join(env.handle, localStderrName)
	if p.cfg.RootFS != "" {
		workDir = localScratchMount
		stdinPath = filepath.Join(localScratchMount, localStdinName)
		stdoutPath = filepath.Join(localScratchMount, localStdoutName)
		stderrPath = filepath.Join(localScratchMount, localStderrName)
	}
	return initRequest{
		WorkDir:    workDir,
		Argv:       cmd.Argv,
		Env:        cmd.Env,
		StdinPath:  stdinPath,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,

		RootFS:      p.cfg.RootFS,
		ScratchDir:  localScratchMount,
		ScratchBind: env.handle,

		Limits: initLimits{
			CPUTimeMs: timeout.Milliseconds(),
			StackMB:   64,
			OutputMB:  env.limits.OutputMB,
			PIDs:      env.limits.PIDs,
		},

		SeccompProfile: p.cfg.SeccompProfile,
		EnableSeccomp:  p.cfg.EnableSeccomp,
		EnableNs:       p.cfg.EnableNamespaces,
	}
}

func (p *localProvisioner) Destroy(ctx context.Context, env *Environment) error {
	if env == nil || !env.markDestroyed() {
		return nil
	}
	for _, cgroupPath := range p.snapshotCgroups(env.ID) {
		if err := killCgroup(cgroupPath); err != nil {
			logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	if p.cfg.EnableCgroup {
		_ = os.RemoveAll(filepath.Join(p.cfg.CgroupRoot, env.ID))
	}
	if err := os.RemoveAll(env.handle); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "remove scratch dir failed")
	}
	return nil
}

func (p *localProvisioner) registerCgroup(envID, cgroupPath string) {
	p.cgroupsMu.Lock()
	defer p.cgroupsMu.Unlock()
	p.cgroups[envID] = append(p.cgroups[envID], cgroupPath)
}

func (p *localProvisioner) unregisterCgroup(envID, cgroupPath string) {
	p.cgroupsMu.Lock()
	defer p.cgroupsMu.Unlock()
	paths := p.cgroups[envID]
	updated := paths[:0]
	for _, path := range paths {
		if path != cgroupPath {
			updated = append(updated, path)
		}
	}
	if len(updated) == 0 {
		delete(p.cgroups, envID)
		return
	}
	p.cgroups[envID] = updated
}

func (p *localProvisioner) snapshotCgroups(envID string) []string {
	p.cgroupsMu.Lock()
	defer p.cgroupsMu.Unlock()
	paths := p.cgroups[envID]
	out := make([]string, len(paths))
	copy(out, paths)
	return out
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCodeFromState(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	attr.Cloneflags = uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET |
		syscall.CLONE_NEWUSER)
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

func readLimitedFile(path string, maxBytes int64) string {
	if path == "" || maxBytes <= 0 {
		return ""
	}
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return ""
	}
	return string(data)
}
