// Package executor is the execution core: it accepts a submission, provisions
// exactly one sandbox environment for it, runs the build step and every test
// case in order, and assembles the final report.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	appErr "codelab/pkg/errors"
	"codelab/pkg/utils/logger"

	"codelab/internal/executor/registry"
	"codelab/internal/executor/report"
	"codelab/internal/executor/runner"
	"codelab/internal/executor/sandbox"
)

const (
	// maxSourceBytes caps the accepted source size.
	maxSourceBytes = 256 * 1024
	// destroyTimeout bounds environment teardown after the submission is
	// done; teardown runs even when the caller's context is cancelled.
	destroyTimeout = 30 * time.Second
)

// TestCase pairs an input with the output expected for it.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// Submission is the unit of work: one source program evaluated against an
// ordered list of test cases.
type Submission struct {
	Code      string     `json:"code"`
	Language  string     `json:"language"`
	TestCases []TestCase `json:"test_cases"`
}

// RunOnceRequest runs a program a single time against a given stdin, with no
// expected output. Used for ad-hoc runs outside test evaluation.
type RunOnceRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin"`
}

// Config tunes the execution core.
type Config struct {
	// MaxConcurrent caps in-flight submissions; further calls block until a
	// slot frees up.
	MaxConcurrent int64 `yaml:"maxConcurrent"`

	CPULimit  float64 `yaml:"cpuLimit"`
	MemoryMB  int64   `yaml:"memoryMB"`
	PIDs      int64   `yaml:"pids"`
	ScratchMB int64   `yaml:"scratchMB"`
	OutputMB  int64   `yaml:"outputMB"`

	// CaseTimeout is the wall-clock budget of each individual invocation,
	// build step and test cases alike. It is not cumulative.
	CaseTimeout time.Duration `yaml:"caseTimeout"`
	// CompileTimeout overrides CaseTimeout for the build step when positive.
	CompileTimeout time.Duration `yaml:"compileTimeout"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.CPULimit <= 0 {
		c.CPULimit = sandbox.DefaultCPULimit
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = sandbox.DefaultMemoryMB
	}
	if c.PIDs <= 0 {
		c.PIDs = sandbox.DefaultPIDs
	}
	if c.ScratchMB <= 0 {
		c.ScratchMB = sandbox.DefaultScratchMB
	}
	if c.CaseTimeout <= 0 {
		c.CaseTimeout = sandbox.DefaultTimeout
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = 2 * c.CaseTimeout
	}
	return c
}

// Service is the execution core. Safe for concurrent use.
type Service struct {
	cfg         Config
	registry    *registry.Registry
	provisioner sandbox.Provisioner
	runner      runner.Runner
	sem         *semaphore.Weighted
}

// NewService wires the core from its capabilities.
func NewService(cfg Config, reg *registry.Registry, prov sandbox.Provisioner) *Service {
	cfg = cfg.WithDefaults()
	return &Service{
		cfg:         cfg,
		registry:    reg,
		provisioner: prov,
		runner:      runner.NewDefaultRunner(prov),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Languages lists the identifiers accepted by Execute and RunOnce.
func (s *Service) Languages() []string {
	return s.registry.Languages()
}

// Execute evaluates one submission and returns its report. It never returns
// an error: every failure mode is folded into the report. The environment
// created for the submission is destroyed on all paths before returning.
func (s *Service) Execute(ctx context.Context, sub Submission) report.ExecutionReport {
	ctx = context.WithValue(ctx, "submission_id", uuid.NewString())

	lang, rep, ok := s.admit(ctx, sub.Code, sub.Language)
	if !ok {
		return rep
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return report.Failure("execution cancelled while waiting for a slot")
	}
	defer s.sem.Release(1)

	env, rep, ok := s.provision(ctx, lang, sub.Code)
	if !ok {
		return rep
	}
	defer s.teardown(ctx, env)

	build, err := s.runner.Compile(ctx, runner.CompileRequest{
		Env:     env,
		Lang:    lang,
		Timeout: scaleDuration(s.cfg.CompileTimeout, lang.TimeMultiplier),
	})
	if err != nil {
		logger.Error(ctx, "build step failed", zap.Error(err))
		return report.Failure(failureMessage(err))
	}
	if !build.OK {
		logger.Info(ctx, "compilation failed",
			zap.String("language", lang.ID),
			zap.Int("exit_code", build.ExitCode))
		return report.CompileFailure(build)
	}

	results, systemicErr := s.runCases(ctx, env, lang, sub.TestCases)
	rep = report.Aggregate(build, results, systemicErr)

	logger.Info(ctx, "submission executed",
		zap.String("language", lang.ID),
		zap.String("status", string(rep.Status)),
		zap.Int("cases", len(rep.Results)),
		zap.Int64("execution_time_ms", rep.ExecutionTimeMs))
	return rep
}

// RunOnce executes the program a single time against the given stdin. The
// program's streams are surfaced at the top of the report; no comparison
// happens and a nonzero exit or timeout is still a per-run outcome, not a
// systemic error.
func (s *Service) RunOnce(ctx context.Context, req RunOnceRequest) report.ExecutionReport {
	ctx = context.WithValue(ctx, "submission_id", uuid.NewString())

	lang, rep, ok := s.admit(ctx, req.Code, req.Language)
	if !ok {
		return rep
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return report.Failure("execution cancelled while waiting for a slot")
	}
	defer s.sem.Release(1)

	env, rep, ok := s.provision(ctx, lang, req.Code)
	if !ok {
		return rep
	}
	defer s.teardown(ctx, env)

	build, err := s.runner.Compile(ctx, runner.CompileRequest{
		Env:     env,
		Lang:    lang,
		Timeout: scaleDuration(s.cfg.CompileTimeout, lang.TimeMultiplier),
	})
	if err != nil {
		return report.Failure(failureMessage(err))
	}
	if !build.OK {
		return report.CompileFailure(build)
	}

	runReq := runner.RunRequest{
		Env:     env,
		Lang:    lang,
		Input:   req.Stdin,
		Timeout: scaleDuration(s.cfg.CaseTimeout, lang.TimeMultiplier),
	}
	raw, err := s.runner.Exec(ctx, runReq)
	if err != nil {
		return report.Failure(failureMessage(err))
	}
	res := runner.Classify(runReq, raw)

	rep = report.Aggregate(build, nil, "")
	rep.ExecutionTimeMs = build.DurationMs + raw.DurationMs
	rep.Stdout = res.ActualOutput
	rep.Stderr = raw.Stderr
	rep.Error = res.Error
	return rep
}

// admit validates the source and resolves the language. ok=false means the
// returned report is final; no environment has been created.
func (s *Service) admit(ctx context.Context, code, language string) (registry.LanguageSpec, report.ExecutionReport, bool) {
	if strings.TrimSpace(code) == "" {
		return registry.LanguageSpec{}, report.Failure(appErr.EmptySource.Message()), false
	}
	if len(code) > maxSourceBytes {
		return registry.LanguageSpec{}, report.Failure(appErr.SourceTooLarge.Message()), false
	}

	lang, err := s.registry.Resolve(language)
	if err != nil {
		logger.Warn(ctx, "language resolution failed", zap.String("language", language))
		return registry.LanguageSpec{}, report.Failure(failureMessage(err)), false
	}
	return lang, report.ExecutionReport{}, true
}

// provision creates the submission's environment and stages the source file.
// On a staging failure the partially set up environment is destroyed here.
func (s *Service) provision(ctx context.Context, lang registry.LanguageSpec, code string) (*sandbox.Environment, report.ExecutionReport, bool) {
	env, err := s.provisioner.Create(ctx, s.resourceConfig(lang))
	if err != nil {
		logger.Error(ctx, "environment provisioning failed", zap.Error(err))
		return nil, report.Failure(failureMessage(err)), false
	}

	if err := s.provisioner.WriteFile(ctx, env, lang.SourceFile, []byte(code)); err != nil {
		logger.Error(ctx, "source staging failed", zap.Error(err))
		s.teardown(ctx, env)
		return nil, report.Failure(failureMessage(err)), false
	}
	return env, report.ExecutionReport{}, true
}

// runCases executes every test case in order against the shared environment.
// A systemic runner failure marks the current and all remaining cases and is
// returned for aggregation; cancellation marks the remaining cases but keeps
// the results already collected.
func (s *Service) runCases(ctx context.Context, env *sandbox.Environment, lang registry.LanguageSpec, cases []TestCase) ([]report.TestCaseResult, string) {
	results := make([]report.TestCaseResult, 0, len(cases))
	timeout := scaleDuration(s.cfg.CaseTimeout, lang.TimeMultiplier)

	systemicErr := ""
	for _, tc := range cases {
		if systemicErr != "" {
			results = append(results, skippedResult(tc, systemicErr))
			continue
		}
		if ctx.Err() != nil {
			results = append(results, skippedResult(tc, "submission cancelled"))
			continue
		}

		res, err := s.runner.Run(ctx, runner.RunRequest{
			Env:            env,
			Lang:           lang,
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			Timeout:        timeout,
		})
		if err != nil {
			logger.Error(ctx, "test case run failed", zap.Error(err))
			systemicErr = failureMessage(err)
			results = append(results, skippedResult(tc, systemicErr))
			continue
		}
		results = append(results, res)
	}
	return results, systemicErr
}

// teardown destroys the environment regardless of the caller's context state.
func (s *Service) teardown(ctx context.Context, env *sandbox.Environment) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	if err := s.provisioner.Destroy(dctx, env); err != nil {
		logger.Warn(ctx, "environment teardown failed",
			zap.String("env_id", env.ID),
			zap.Error(err))
	}
}

func (s *Service) resourceConfig(lang registry.LanguageSpec) sandbox.ResourceConfig {
	return sandbox.ResourceConfig{
		CPULimit:  s.cfg.CPULimit,
		MemoryMB:  scaleInt64(s.cfg.MemoryMB, lang.MemoryMultiplier),
		PIDs:      s.cfg.PIDs,
		ScratchMB: s.cfg.ScratchMB,
		OutputMB:  s.cfg.OutputMB,
		Timeout:   scaleDuration(s.cfg.CaseTimeout, lang.TimeMultiplier),
		Image:     lang.Image,
	}.WithDefaults()
}

func skippedResult(tc TestCase, reason string) report.TestCaseResult {
	return report.TestCaseResult{
		Input:          tc.Input,
		ExpectedOutput: tc.ExpectedOutput,
		Error:          reason,
	}
}

// failureMessage extracts a user-facing message from an error, preferring the
// coded message over the wrapped chain.
func failureMessage(err error) string {
	if e := appErr.GetError(err); e != nil {
		return e.Message
	}
	return err.Error()
}

func scaleDuration(d time.Duration, mult float64) time.Duration {
	if mult <= 0 {
		return d
	}
	return time.Duration(float64(d) * mult)
}

func scaleInt64(v int64, mult float64) int64 {
	if mult <= 0 {
		return v
	}
	return int64(float64(v) * mult)
}
