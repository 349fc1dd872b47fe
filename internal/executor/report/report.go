// Package report defines the execution report returned by the core and the
// aggregation rules that build it.
package report

// Status is the aggregate outcome of one submission.
type Status string

const (
	// StatusSuccess means the build (if any) succeeded and every test case
	// was executed. Individual test failures are data, not an error state.
	StatusSuccess Status = "success"
	// StatusError is reserved for conditions that prevented execution
	// entirely: unsupported language, provisioning failure, compile failure.
	StatusError Status = "error"
)

// TestCaseResult captures the outcome of one test case.
// Immutable once produced.
type TestCaseResult struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	ActualOutput   string `json:"actual_output"`
	Passed         bool   `json:"passed"`
	// Error is a human-readable classification for timeouts, resource
	// kills, runtime errors and systemic failures. Empty for a clean run,
	// including output mismatches.
	Error string `json:"error,omitempty"`
	// DurationMs is the wall time of this invocation.
	DurationMs int64 `json:"duration_ms"`
}

// ExecutionReport is the sole return value of the execution core.
// It is built once, atomically, and never partially mutated afterwards.
type ExecutionReport struct {
	Status Status `json:"status"`
	// ExecutionTimeMs is the total wall time across the build step and all
	// executed test cases.
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	Results         []TestCaseResult `json:"results"`
	// Stdout/Stderr surface the build step streams when a build ran and
	// failed; per-case streams live in each TestCaseResult.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Error  string `json:"error,omitempty"`
}

// BuildOutcome captures the build step result fed into aggregation.
type BuildOutcome struct {
	Ran        bool
	OK         bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
}

// Failure builds an error report for a condition that prevented execution.
func Failure(err string) ExecutionReport {
	return ExecutionReport{
		Status:  StatusError,
		Results: []TestCaseResult{},
		Error:   err,
	}
}

// CompileFailure builds the short-circuit report for a failed build step.
// The compiler's stderr is surfaced verbatim as the diagnostic.
func CompileFailure(build BuildOutcome) ExecutionReport {
	diag := build.Stderr
	if diag == "" {
		diag = "compilation failed"
	}
	return ExecutionReport{
		Status:          StatusError,
		ExecutionTimeMs: build.DurationMs,
		Results:         []TestCaseResult{},
		Stdout:          build.Stdout,
		Stderr:          build.Stderr,
		Error:           diag,
	}
}

// Aggregate assembles the final report from the build outcome and the
// ordered per-case results. systemicErr, when non-empty, downgrades the
// report to StatusError while keeping the collected results for inspection.
func Aggregate(build BuildOutcome, results []TestCaseResult, systemicErr string) ExecutionReport {
	total := build.DurationMs
	for _, res := range results {
		total += res.DurationMs
	}
	if results == nil {
		results = []TestCaseResult{}
	}

	rep := ExecutionReport{
		Status:          StatusSuccess,
		ExecutionTimeMs: total,
		Results:         results,
	}
	if systemicErr != "" {
		rep.Status = StatusError
		rep.Error = systemicErr
	}
	return rep
}
