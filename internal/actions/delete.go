package actions

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/pipeline"
)

// deleteStep removes the triggering file, honoring a minimum age, an
// optional glob re-check, and secure (overwrite-before-unlink) removal.
// Grounded on the teacher's internal/actions.Delete, which left Secure
// as an unimplemented placeholder; this fills it in.
type deleteStep struct {
	name string
	cfg  config.DeleteStep
}

func newDeleteStep(name string, cfg config.DeleteStep) *deleteStep {
	return &deleteStep{name: name, cfg: cfg}
}

func (s *deleteStep) Name() string { return s.name }
func (s *deleteStep) Type() string { return string(config.StepTypeDelete) }

func (s *deleteStep) Execute(ctx context.Context, execCtx *pipeline.ExecutionContext) pipeline.StepResult {
	path := execCtx.FilePath
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pipeline.StepResult{OK: true, Message: "already gone"}
		}
		return pipeline.StepResult{OK: false, Err: fmt.Errorf("delete: lstat: %w", err)}
	}
	if !info.Mode().IsRegular() {
		return pipeline.StepResult{OK: false, Err: fmt.Errorf("delete: not a regular file: %s", path)}
	}

	if s.cfg.MinAgeMinutes > 0 {
		age := time.Since(info.ModTime())
		if age < time.Duration(s.cfg.MinAgeMinutes)*time.Minute {
			return pipeline.StepResult{OK: true, Action: pipeline.ActionSkip, Message: "below minimum age"}
		}
	}

	if s.cfg.Pattern != "" {
		matched, err := filepath.Match(s.cfg.Pattern, filepath.Base(path))
		if err != nil {
			return pipeline.StepResult{OK: false, Err: fmt.Errorf("delete: bad pattern: %w", err)}
		}
		if !matched {
			return pipeline.StepResult{OK: true, Action: pipeline.ActionSkip, Message: "pattern did not match"}
		}
	}

	if s.cfg.Secure {
		if err := overwriteBeforeUnlink(path, info.Size()); err != nil {
			return pipeline.StepResult{OK: false, Err: fmt.Errorf("delete: secure overwrite: %w", err)}
		}
	}

	if err := os.Remove(path); err != nil {
		return pipeline.StepResult{OK: false, Err: fmt.Errorf("delete: %w", err), Retryable: true}
	}
	return pipeline.StepResult{OK: true, Message: "deleted"}
}

// overwriteBeforeUnlink writes random bytes over the file's content
// before removal, a best-effort measure on filesystems without
// copy-on-write or journaling that would otherwise preserve the data.
func overwriteBeforeUnlink(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(f, rand.Reader, size)
	if err != nil {
		return err
	}
	return f.Sync()
}
