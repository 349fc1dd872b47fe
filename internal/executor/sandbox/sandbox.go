// Package sandbox provisions disposable, resource-constrained execution
// environments and runs commands inside them.
//
// The isolation technology is a capability behind the Provisioner interface:
// backends exist for Docker containers and for raw Linux processes under
// namespaces and cgroup v2. Environments are single-use; they are never
// pooled or reused across submissions.
package sandbox

import (
	"context"
	"sync/atomic"
	"time"
)

// Default resource ceilings applied when the caller leaves a field zero.
const (
	DefaultCPULimit  = 0.5
	DefaultMemoryMB  = 128
	DefaultPIDs      = 64
	DefaultScratchMB = 64
	DefaultTimeout   = 5 * time.Second
)

// ResourceConfig describes the hard ceilings of one environment.
type ResourceConfig struct {
	// CPULimit is a fractional core ceiling, e.g. 0.5.
	CPULimit float64
	// MemoryMB caps resident memory; the process group is killed and the
	// run classified as a memory kill when exceeded.
	MemoryMB int64
	PIDs     int64
	// ScratchMB sizes the single writable scratch area.
	ScratchMB int64
	// OutputMB caps bytes written by the payload where the backend can
	// enforce it. Zero means backend default.
	OutputMB int64
	// Timeout is the default per-invocation wall-clock ceiling. Every build
	// step and every test-case run gets this budget individually.
	Timeout time.Duration
	// Image is the toolchain image identifier, used by container backends.
	Image string
}

// WithDefaults fills unset fields with the package defaults.
func (c ResourceConfig) WithDefaults() ResourceConfig {
	if c.CPULimit <= 0 {
		c.CPULimit = DefaultCPULimit
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.PIDs <= 0 {
		c.PIDs = DefaultPIDs
	}
	if c.ScratchMB <= 0 {
		c.ScratchMB = DefaultScratchMB
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Environment is an exclusively-owned, ephemeral isolated context created
// for exactly one submission. Ownership never escapes the execution core;
// it is destroyed before the core returns control.
type Environment struct {
	// ID identifies the environment across backends.
	ID string
	// ScratchDir is the writable scratch path as seen by commands running
	// inside the environment.
	ScratchDir string

	// handle is the backend identity: a container ID or a host directory.
	handle    string
	limits    ResourceConfig
	destroyed atomic.Bool
}

// Destroyed reports whether Destroy has already completed for this
// environment.
func (e *Environment) Destroyed() bool {
	return e.destroyed.Load()
}

// markDestroyed flips the destroyed flag, returning false when another
// caller got there first. Keeps Destroy idempotent.
func (e *Environment) markDestroyed() bool {
	return e.destroyed.CompareAndSwap(false, true)
}

// Command is one invocation inside an environment.
type Command struct {
	Argv  []string
	Stdin string
	Env   []string
	// Timeout overrides the environment's default per-invocation ceiling
	// when positive.
	Timeout time.Duration
}

// RunResult captures raw execution data of one invocation. Timeout and
// memory kills are reported in-band so the caller can classify them per
// test case instead of aborting the submission.
type RunResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
	OOMKilled  bool
}

// Provisioner creates, drives and tears down execution environments.
// Run and Create return errors only for systemic conditions that make the
// environment unusable; Destroy is idempotent and safe to call on every
// exit path.
type Provisioner interface {
	Create(ctx context.Context, cfg ResourceConfig) (*Environment, error)
	// WriteFile places a file into the environment's scratch directory.
	WriteFile(ctx context.Context, env *Environment, name string, data []byte) error
	Run(ctx context.Context, env *Environment, cmd Command) (RunResult, error)
	Destroy(ctx context.Context, env *Environment) error
}

func (c Command) timeoutOr(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}
