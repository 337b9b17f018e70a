package actions

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/pipeline"
)

// printStep sends the triggering file to a CUPS printer via `lp`.
// Success is exit code 0 within the configured timeout; stderr is
// captured into the step result message (the Open Question decision
// recorded in DESIGN.md). Grounded on the teacher's
// internal/actions/print.go almost unchanged.
type printStep struct {
	name string
	cfg  config.PrintStep
}

func newPrintStep(name string, cfg config.PrintStep) *printStep {
	return &printStep{name: name, cfg: cfg}
}

func (s *printStep) Name() string { return s.name }
func (s *printStep) Type() string { return string(config.StepTypePrint) }

func (s *printStep) Execute(ctx context.Context, execCtx *pipeline.ExecutionContext) pipeline.StepResult {
	path := execCtx.FilePath
	abs := path
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(path); err == nil {
			abs = a
		}
	}
	if stat, err := os.Stat(abs); err != nil || !stat.Mode().IsRegular() {
		return pipeline.StepResult{OK: false, Err: fmt.Errorf("print: file invalid: %s", path)}
	}

	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	printCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-d", s.cfg.PrinterName}
	if s.cfg.Copies > 1 {
		args = append(args, "-n", fmt.Sprintf("%d", s.cfg.Copies))
	}
	for k, v := range s.cfg.Options {
		if v == "" {
			args = append(args, "-o", k)
		} else {
			args = append(args, "-o", fmt.Sprintf("%s=%s", k, v))
		}
	}
	args = append(args, abs)

	cmd := exec.CommandContext(printCtx, "lp", args...)
	out, err := cmd.CombinedOutput()
	if printCtx.Err() != nil {
		return pipeline.StepResult{OK: false, Err: fmt.Errorf("print: timeout after %s", timeout), Message: string(out), Retryable: true}
	}
	if err != nil {
		return pipeline.StepResult{OK: false, Err: fmt.Errorf("print: lp failed: %w", err), Message: string(out), Retryable: true}
	}
	return pipeline.StepResult{OK: true, Message: fmt.Sprintf("sent to %s: %s", s.cfg.PrinterName, string(out))}
}
