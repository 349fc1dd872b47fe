// Package runner drives the build step and individual test-case invocations
// inside a provisioned environment, and classifies their raw outcomes.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"

	appErr "codelab/pkg/errors"
	"codelab/internal/executor/comparator"
	"codelab/internal/executor/registry"
	"codelab/internal/executor/report"
	"codelab/internal/executor/sandbox"
)

// CompileRequest describes one build step.
type CompileRequest struct {
	Env     *sandbox.Environment
	Lang    registry.LanguageSpec
	Timeout time.Duration
}

// RunRequest describes one test-case invocation.
type RunRequest struct {
	Env            *sandbox.Environment
	Lang           registry.LanguageSpec
	Input          string
	ExpectedOutput string
	Timeout        time.Duration
}

// Runner executes the build step and test cases of one submission.
type Runner interface {
	// Compile runs the language's build step. For interpreted languages the
	// outcome reports Ran=false, OK=true without touching the environment.
	// The error return is systemic: the sandbox itself failed.
	Compile(ctx context.Context, req CompileRequest) (report.BuildOutcome, error)
	// Run executes one test case and classifies the outcome. Timeouts,
	// memory kills and runtime errors come back inside the result; the error
	// return is again reserved for systemic sandbox failures.
	Run(ctx context.Context, req RunRequest) (report.TestCaseResult, error)
	// Exec executes the program once and returns the raw result without
	// classification, for callers that surface both streams directly.
	Exec(ctx context.Context, req RunRequest) (sandbox.RunResult, error)
}

// DefaultRunner executes commands through a sandbox provisioner.
type DefaultRunner struct {
	provisioner sandbox.Provisioner
}

var _ Runner = (*DefaultRunner)(nil)

func NewDefaultRunner(p sandbox.Provisioner) *DefaultRunner {
	return &DefaultRunner{provisioner: p}
}

func (r *DefaultRunner) Compile(ctx context.Context, req CompileRequest) (report.BuildOutcome, error) {
	if !req.Lang.Compiled() {
		return report.BuildOutcome{Ran: false, OK: true}, nil
	}

	argv, err := buildCommand(req.Lang.CompileCmdTpl, req.Lang)
	if err != nil {
		return report.BuildOutcome{}, err
	}

	// The build step runs to completion even when the caller cancels
	// mid-flight; teardown happens afterwards.
	res, err := r.provisioner.Run(context.WithoutCancel(ctx), req.Env, sandbox.Command{
		Argv:    argv,
		Env:     req.Lang.Env,
		Timeout: req.Timeout,
	})
	if err != nil {
		return report.BuildOutcome{}, err
	}

	outcome := report.BuildOutcome{
		Ran:        true,
		OK:         res.ExitCode == 0 && !res.TimedOut && !res.OOMKilled,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: res.DurationMs,
	}
	if res.TimedOut && outcome.Stderr == "" {
		outcome.Stderr = fmt.Sprintf("compilation timed out after %dms", res.DurationMs)
	}
	return outcome, nil
}

func (r *DefaultRunner) Run(ctx context.Context, req RunRequest) (report.TestCaseResult, error) {
	res, err := r.Exec(ctx, req)
	if err != nil {
		return report.TestCaseResult{}, err
	}
	return Classify(req, res), nil
}

func (r *DefaultRunner) Exec(ctx context.Context, req RunRequest) (sandbox.RunResult, error) {
	argv, err := buildCommand(req.Lang.RunCmdTpl, req.Lang)
	if err != nil {
		return sandbox.RunResult{}, err
	}

	return r.provisioner.Run(context.WithoutCancel(ctx), req.Env, sandbox.Command{
		Argv:    argv,
		Stdin:   req.Input,
		Env:     req.Lang.Env,
		Timeout: req.Timeout,
	})
}

// Classify maps a raw invocation result onto a test-case result. Timeouts,
// memory kills and nonzero exits are per-case outcomes, never submission
// failures.
func Classify(req RunRequest, res sandbox.RunResult) report.TestCaseResult {
	result := report.TestCaseResult{
		Input:          req.Input,
		ExpectedOutput: req.ExpectedOutput,
		ActualOutput:   res.Stdout,
		DurationMs:     res.DurationMs,
	}

	switch {
	case res.TimedOut:
		result.ActualOutput = ""
		result.Error = fmt.Sprintf("Execution timed out after %dms", res.DurationMs)
	case res.OOMKilled:
		result.ActualOutput = ""
		result.Error = "Memory limit exceeded"
	case res.ExitCode != 0:
		result.Error = strings.TrimSpace(res.Stderr)
		if result.Error == "" {
			result.Error = fmt.Sprintf("Runtime error (exit code %d)", res.ExitCode)
		}
	default:
		result.Passed = comparator.Equal(res.Stdout, req.ExpectedOutput)
	}
	return result
}

// buildCommand expands the {src} and {bin} placeholders of a command
// template and splits it shell-style. Paths are relative to the scratch
// directory, which is the working directory of every invocation.
func buildCommand(tpl string, lang registry.LanguageSpec) ([]string, error) {
	if tpl == "" {
		return nil, appErr.Newf(appErr.InternalServerError, "language %s has no run command", lang.ID)
	}
	cmd := strings.ReplaceAll(tpl, "{src}", lang.SourceFile)
	cmd = strings.ReplaceAll(cmd, "{bin}", "./"+lang.BinaryFile)

	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "parse command template for %s", lang.ID)
	}
	if len(argv) == 0 {
		return nil, appErr.Newf(appErr.InternalServerError, "empty command for language %s", lang.ID)
	}
	return argv, nil
}
