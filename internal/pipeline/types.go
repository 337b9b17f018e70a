// Package pipeline executes a task's ordered list of steps against a
// single triggering file, handling per-step conditions, timeouts,
// retry, and decision-driven control flow (§4.5 of
// SPEC_FULL.md). Grounded on the teacher's internal/task/manager.go
// runPipeline switch, generalized into a Step interface so each action
// package (internal/actions) can be compiled independently of the
// executor.
package pipeline

import (
	"context"
	"time"
)

// ControlAction is the effect a step (most commonly a decision step, or
// a condition's onTrue/onFalse) has on the remainder of the pipeline.
type ControlAction string

const (
	ActionContinue ControlAction = "continue"
	ActionSkip     ControlAction = "skip"
	ActionStop     ControlAction = "stop"
	ActionFail     ControlAction = "fail"
	ActionJump     ControlAction = "jump"
)

// ExecutionContext is the mutable state threaded through one pipeline
// run: the triggering file, the variable map steps read from and write
// to, and bookkeeping for logs and elapsed time.
type ExecutionContext struct {
	TaskID        string
	FilePath      string
	CorrelationID string
	StartedAt     time.Time
	Vars          map[string]string
	Builtins      map[string]string
	Log           []StepLogEntry
}

// StepLogEntry records the outcome of a single step execution. The
// supervisor copies the last entry's StepName into a DLQ record's
// FailedStep; the entries themselves are not persisted.
type StepLogEntry struct {
	StepName  string        `json:"stepName"`
	StepType  string        `json:"stepType"`
	Attempt   int           `json:"attempt"`
	OK        bool          `json:"ok"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"durationMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// StepResult is what a Step.Execute call returns.
type StepResult struct {
	OK        bool
	Message   string
	Err       error
	Retryable bool

	// Outputs are merged into the execution's variable map after the
	// step runs, whether or not it succeeded (e.g. an HTTP step's
	// captured response body).
	Outputs map[string]string

	// Action/JumpTarget are populated by decision steps and by
	// condition-gated skips; the executor honors them after Execute
	// returns regardless of OK.
	Action     ControlAction
	JumpTarget string
}

// Step is the common interface every compiled action (copy, move,
// archive, delete, print, http, decision) implements.
type Step interface {
	// Name is the step's configured name, or a type-derived default.
	Name() string
	// Type is the step's config.StepType value, used for logging.
	Type() string
	// Execute runs the step once against execCtx, honoring ctx
	// cancellation. It must not retry internally; the executor owns
	// retry looping via internal/retrypolicy.
	Execute(ctx context.Context, execCtx *ExecutionContext) StepResult
}
