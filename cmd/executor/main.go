// Command executor evaluates code submissions inside disposable sandbox
// environments and prints the execution report as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"codelab/internal/executor"
	"codelab/pkg/utils/logger"
)

var cli struct {
	Config string `short:"c" default:"configs/executor.yaml" help:"Path to the YAML config file."`

	Exec      ExecCmd      `cmd:"" default:"withargs" help:"Evaluate a submission against its test cases."`
	Run       RunCmd       `cmd:"" help:"Run a program once against a given stdin."`
	Languages LanguagesCmd `cmd:"" help:"List supported language identifiers."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("executor"),
		kong.Description("Sandboxed code execution and test evaluation."),
		kong.UsageOnError(),
	)

	cfg, err := loadAppConfig(cli.Config)
	kctx.FatalIfErrorf(err)
	kctx.FatalIfErrorf(logger.Init(cfg.Logger))
	defer func() { _ = logger.Sync() }()

	prov, err := buildProvisioner(cfg)
	kctx.FatalIfErrorf(err)

	svc := executor.NewService(cfg.Executor, buildRegistry(cfg), prov)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(svc)
	kctx.FatalIfErrorf(kctx.Run())
}

// ExecCmd reads a submission as JSON and prints the execution report.
type ExecCmd struct {
	File string `arg:"" optional:"" default:"-" help:"Submission JSON file, '-' for stdin."`
}

func (c *ExecCmd) Run(ctx context.Context, svc *executor.Service) error {
	data, err := readInput(c.File)
	if err != nil {
		return err
	}
	var sub executor.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return fmt.Errorf("parse submission: %w", err)
	}
	return printJSON(svc.Execute(ctx, sub))
}

// RunCmd executes a source file once with a fixed stdin.
type RunCmd struct {
	Source   string `arg:"" help:"Source file to run."`
	Language string `short:"l" required:"" help:"Language identifier."`
	Stdin    string `short:"i" optional:"" help:"File providing stdin, '-' for the process stdin."`
}

func (c *RunCmd) Run(ctx context.Context, svc *executor.Service) error {
	code, err := os.ReadFile(c.Source)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	var stdin []byte
	if c.Stdin != "" {
		stdin, err = readInput(c.Stdin)
		if err != nil {
			return err
		}
	}
	return printJSON(svc.RunOnce(ctx, executor.RunOnceRequest{
		Code:     string(code),
		Language: c.Language,
		Stdin:    string(stdin),
	}))
}

// LanguagesCmd lists the language identifiers the registry accepts.
type LanguagesCmd struct{}

func (c *LanguagesCmd) Run(svc *executor.Service) error {
	for _, id := range svc.Languages() {
		fmt.Println(id)
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
