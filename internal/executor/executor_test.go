package executor_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"codelab/internal/executor"
	"codelab/internal/executor/registry"
	"codelab/internal/executor/report"
	"codelab/internal/executor/sandbox"
)

// fakeProvisioner records lifecycle calls and replays scripted run results.
type fakeProvisioner struct {
	mu       sync.Mutex
	creates  int
	destroys int
	writes   []string

	createErr error
	writeErr  error

	results []sandbox.RunResult
	errs    []error
	cmds    []sandbox.Command
	onRun   func(call int)
}

func (f *fakeProvisioner) Create(ctx context.Context, cfg sandbox.ResourceConfig) (*sandbox.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	return &sandbox.Environment{ID: "env-1", ScratchDir: "/box"}, nil
}

func (f *fakeProvisioner) WriteFile(ctx context.Context, env *sandbox.Environment, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, name)
	return nil
}

func (f *fakeProvisioner) Run(ctx context.Context, env *sandbox.Environment, cmd sandbox.Command) (sandbox.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	idx := len(f.cmds) - 1
	if f.onRun != nil {
		f.onRun(idx)
	}
	if idx < len(f.errs) && f.errs[idx] != nil {
		return sandbox.RunResult{}, f.errs[idx]
	}
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	return sandbox.RunResult{ExitCode: 0}, nil
}

func (f *fakeProvisioner) Destroy(ctx context.Context, env *sandbox.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func newService(prov sandbox.Provisioner) *executor.Service {
	return executor.NewService(executor.Config{MaxConcurrent: 2}, registry.New(registry.Defaults()), prov)
}

func pySubmission(cases ...executor.TestCase) executor.Submission {
	return executor.Submission{
		Code:      "print(sum(map(int, input().split())))",
		Language:  "python",
		TestCases: cases,
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), executor.Submission{
		Code:     "print(1)",
		Language: "cobol",
	})
	if rep.Status != report.StatusError {
		t.Fatalf("status = %q, want error", rep.Status)
	}
	if !strings.Contains(rep.Error, "cobol") {
		t.Fatalf("error = %q, want language named", rep.Error)
	}
	if len(rep.Results) != 0 {
		t.Fatalf("results = %v, want empty", rep.Results)
	}
	if prov.creates != 0 {
		t.Fatalf("no environment should exist for an unsupported language, got %d", prov.creates)
	}
}

func TestExecuteEmptySource(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), executor.Submission{
		Code:     "   \n",
		Language: "python",
	})
	if rep.Status != report.StatusError {
		t.Fatalf("status = %q, want error", rep.Status)
	}
	if prov.creates != 0 {
		t.Fatalf("creates = %d, want 0", prov.creates)
	}
}

func TestExecuteRunsCasesInOrder(t *testing.T) {
	prov := &fakeProvisioner{results: []sandbox.RunResult{
		{ExitCode: 0, Stdout: "2\n", DurationMs: 10},
		{ExitCode: 0, Stdout: "5\n", DurationMs: 11},
		{ExitCode: 0, Stdout: "9\n", DurationMs: 12},
	}}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), pySubmission(
		executor.TestCase{Input: "1 1", ExpectedOutput: "2"},
		executor.TestCase{Input: "2 3", ExpectedOutput: "5"},
		executor.TestCase{Input: "4 5", ExpectedOutput: "8"},
	))
	if rep.Status != report.StatusSuccess {
		t.Fatalf("status = %q, want success", rep.Status)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(rep.Results))
	}
	for i, input := range []string{"1 1", "2 3", "4 5"} {
		if rep.Results[i].Input != input {
			t.Fatalf("result %d input = %q, want %q (order must match submission)", i, rep.Results[i].Input, input)
		}
	}
	if !rep.Results[0].Passed || !rep.Results[1].Passed {
		t.Fatalf("first two cases should pass: %+v", rep.Results)
	}
	if rep.Results[2].Passed {
		t.Fatalf("third case should fail on mismatch")
	}
	if rep.Results[2].Error != "" {
		t.Fatalf("mismatch is not an error, got %q", rep.Results[2].Error)
	}
	if rep.ExecutionTimeMs != 33 {
		t.Fatalf("execution time = %d, want 33", rep.ExecutionTimeMs)
	}
	if prov.creates != 1 || prov.destroys != 1 {
		t.Fatalf("creates/destroys = %d/%d, want 1/1", prov.creates, prov.destroys)
	}
	if len(prov.writes) != 1 || prov.writes[0] != "script.py" {
		t.Fatalf("writes = %v, want source file staged once", prov.writes)
	}
}

func TestExecuteRepeatedSubmissionYieldsIdenticalResults(t *testing.T) {
	scripted := []sandbox.RunResult{
		{ExitCode: 0, Stdout: "2\n", DurationMs: 10},
		{ExitCode: 1, Stderr: "boom", DurationMs: 4},
		{TimedOut: true, ExitCode: -1, DurationMs: 5000},
	}
	sub := pySubmission(
		executor.TestCase{Input: "1 1", ExpectedOutput: "2"},
		executor.TestCase{Input: "die", ExpectedOutput: "never"},
		executor.TestCase{Input: "spin", ExpectedOutput: "never"},
	)

	var reports []report.ExecutionReport
	for i := 0; i < 2; i++ {
		prov := &fakeProvisioner{results: scripted}
		svc := newService(prov)
		reports = append(reports, svc.Execute(context.Background(), sub))
		if prov.creates != 1 || prov.destroys != 1 {
			t.Fatalf("run %d creates/destroys = %d/%d, want 1/1", i, prov.creates, prov.destroys)
		}
	}

	if reports[0].Status != reports[1].Status {
		t.Fatalf("statuses differ: %q vs %q", reports[0].Status, reports[1].Status)
	}
	if !reflect.DeepEqual(reports[0].Results, reports[1].Results) {
		t.Fatalf("same submission produced different results:\n%+v\n%+v", reports[0].Results, reports[1].Results)
	}
}

func TestExecuteNoTestCases(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), pySubmission())
	if rep.Status != report.StatusSuccess {
		t.Fatalf("status = %q, want success", rep.Status)
	}
	if rep.Results == nil || len(rep.Results) != 0 {
		t.Fatalf("results = %v, want present and empty", rep.Results)
	}
	if prov.creates != 1 || prov.destroys != 1 {
		t.Fatalf("creates/destroys = %d/%d, want 1/1", prov.creates, prov.destroys)
	}
}

func TestExecuteCompileFailureShortCircuits(t *testing.T) {
	prov := &fakeProvisioner{results: []sandbox.RunResult{{
		ExitCode: 1,
		Stderr:   "program.c:3:5: error: expected ';' before 'return'",
	}}}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), executor.Submission{
		Code:     "int main() { return 0 }",
		Language: "c",
		TestCases: []executor.TestCase{
			{Input: "1", ExpectedOutput: "1"},
		},
	})
	if rep.Status != report.StatusError {
		t.Fatalf("status = %q, want error", rep.Status)
	}
	if !strings.Contains(rep.Error, "expected ';'") {
		t.Fatalf("error = %q, want compiler stderr verbatim", rep.Error)
	}
	if len(rep.Results) != 0 {
		t.Fatalf("no test case may run after a failed build, got %d results", len(rep.Results))
	}
	if len(prov.cmds) != 1 {
		t.Fatalf("commands = %d, want only the build step", len(prov.cmds))
	}
	if prov.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", prov.destroys)
	}
}

func TestExecuteTimeoutStaysPerCase(t *testing.T) {
	prov := &fakeProvisioner{results: []sandbox.RunResult{
		{TimedOut: true, ExitCode: -1, DurationMs: 5000},
		{ExitCode: 0, Stdout: "5\n", DurationMs: 9},
	}}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), pySubmission(
		executor.TestCase{Input: "spin", ExpectedOutput: "never"},
		executor.TestCase{Input: "2 3", ExpectedOutput: "5"},
	))
	if rep.Status != report.StatusSuccess {
		t.Fatalf("status = %q, want success despite timeout", rep.Status)
	}
	if !strings.Contains(rep.Results[0].Error, "timed out") {
		t.Fatalf("case 0 error = %q, want timeout", rep.Results[0].Error)
	}
	if !rep.Results[1].Passed {
		t.Fatalf("later case must still run after a timeout")
	}
}

func TestExecuteSystemicFailureMarksRemaining(t *testing.T) {
	prov := &fakeProvisioner{
		results: []sandbox.RunResult{{ExitCode: 0, Stdout: "2\n"}},
		errs:    []error{nil, errors.New("sandbox gone")},
	}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), pySubmission(
		executor.TestCase{Input: "1 1", ExpectedOutput: "2"},
		executor.TestCase{Input: "2 3", ExpectedOutput: "5"},
		executor.TestCase{Input: "4 5", ExpectedOutput: "9"},
	))
	if rep.Status != report.StatusError {
		t.Fatalf("status = %q, want error", rep.Status)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("results = %d, want all cases present", len(rep.Results))
	}
	if !rep.Results[0].Passed {
		t.Fatalf("first case ran clean before the failure")
	}
	if rep.Results[1].Error == "" || rep.Results[2].Error == "" {
		t.Fatalf("failed and remaining cases must carry the failure: %+v", rep.Results)
	}
	if len(prov.cmds) != 2 {
		t.Fatalf("commands = %d, want no runs after the systemic failure", len(prov.cmds))
	}
	if prov.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", prov.destroys)
	}
}

func TestExecuteProvisioningFailure(t *testing.T) {
	prov := &fakeProvisioner{createErr: errors.New("docker daemon unreachable")}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), pySubmission(
		executor.TestCase{Input: "1 1", ExpectedOutput: "2"},
	))
	if rep.Status != report.StatusError {
		t.Fatalf("status = %q, want error", rep.Status)
	}
	if prov.destroys != 0 {
		t.Fatalf("nothing to destroy when create failed, got %d", prov.destroys)
	}
}

func TestExecuteStagingFailureDestroysEnvironment(t *testing.T) {
	prov := &fakeProvisioner{writeErr: errors.New("copy failed")}
	svc := newService(prov)

	rep := svc.Execute(context.Background(), pySubmission(
		executor.TestCase{Input: "1 1", ExpectedOutput: "2"},
	))
	if rep.Status != report.StatusError {
		t.Fatalf("status = %q, want error", rep.Status)
	}
	if prov.creates != 1 || prov.destroys != 1 {
		t.Fatalf("creates/destroys = %d/%d, want 1/1", prov.creates, prov.destroys)
	}
}

func TestExecuteCancellationMarksRemainingAndDestroys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prov := &fakeProvisioner{
		results: []sandbox.RunResult{{ExitCode: 0, Stdout: "2\n"}},
		onRun: func(call int) {
			cancel()
		},
	}
	svc := newService(prov)

	rep := svc.Execute(ctx, pySubmission(
		executor.TestCase{Input: "1 1", ExpectedOutput: "2"},
		executor.TestCase{Input: "2 3", ExpectedOutput: "5"},
	))
	if len(rep.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(rep.Results))
	}
	if !rep.Results[0].Passed {
		t.Fatalf("in-flight case must finish before teardown: %+v", rep.Results[0])
	}
	if !strings.Contains(rep.Results[1].Error, "cancelled") {
		t.Fatalf("remaining case error = %q, want cancellation mark", rep.Results[1].Error)
	}
	if len(prov.cmds) != 1 {
		t.Fatalf("commands = %d, want no new runs after cancellation", len(prov.cmds))
	}
	if prov.destroys != 1 {
		t.Fatalf("destroys = %d, environment must be destroyed on cancellation", prov.destroys)
	}
}

func TestExecuteCancelledBeforeSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	prov := &fakeProvisioner{}
	svc := newService(prov)

	rep := svc.Execute(ctx, pySubmission(executor.TestCase{Input: "1 1", ExpectedOutput: "2"}))
	if rep.Status != report.StatusError {
		t.Fatalf("status = %q, want error", rep.Status)
	}
	if prov.creates != 0 {
		t.Fatalf("creates = %d, want 0", prov.creates)
	}
}

func TestRunOnceSurfacesStreams(t *testing.T) {
	prov := &fakeProvisioner{results: []sandbox.RunResult{{
		ExitCode:   0,
		Stdout:     "hello\n",
		DurationMs: 7,
	}}}
	svc := newService(prov)

	rep := svc.RunOnce(context.Background(), executor.RunOnceRequest{
		Code:     "print('hello')",
		Language: "python",
	})
	if rep.Status != report.StatusSuccess {
		t.Fatalf("status = %q, want success", rep.Status)
	}
	if rep.Stdout != "hello\n" {
		t.Fatalf("stdout = %q, want program output", rep.Stdout)
	}
	if len(rep.Results) != 0 {
		t.Fatalf("run once carries no test case results, got %d", len(rep.Results))
	}
	if prov.creates != 1 || prov.destroys != 1 {
		t.Fatalf("creates/destroys = %d/%d, want 1/1", prov.creates, prov.destroys)
	}
}

func TestRunOnceRuntimeError(t *testing.T) {
	prov := &fakeProvisioner{results: []sandbox.RunResult{{
		ExitCode: 1,
		Stderr:   "NameError: name 'x' is not defined",
	}}}
	svc := newService(prov)

	rep := svc.RunOnce(context.Background(), executor.RunOnceRequest{
		Code:     "print(x)",
		Language: "python",
	})
	if rep.Status != report.StatusSuccess {
		t.Fatalf("a runtime error is a per-run outcome, status = %q", rep.Status)
	}
	if !strings.Contains(rep.Error, "NameError") {
		t.Fatalf("error = %q, want stderr surfaced", rep.Error)
	}
	if !strings.Contains(rep.Stderr, "NameError") {
		t.Fatalf("stderr = %q, want program stderr at the top level", rep.Stderr)
	}
	if prov.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", prov.destroys)
	}
}
