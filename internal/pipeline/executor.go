package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/retrypolicy"
)

// CompiledStep pairs a config.Step's control metadata (condition, retry,
// timeout) with its compiled action, which internal/actions builds.
type CompiledStep struct {
	Config config.Step
	Action Step
}

// Result is the terminal outcome of a full pipeline run.
type Result struct {
	OK   bool
	Err  error
	Vars map[string]string
	Log  []StepLogEntry
}

// Executor runs a compiled pipeline against one triggering file.
type Executor struct {
	Steps []CompiledStep
}

// Run executes steps in order, honoring each step's enabled flag,
// condition, timeout and retry policy, and any jump/skip/stop/fail
// control action a condition or decision step returns. Interpolation is
// left to each action's Execute. See SPEC_FULL.md §4.5 steps 1-5.
func (e *Executor) Run(ctx context.Context, execCtx *ExecutionContext) Result {
	byName := make(map[string]int, len(e.Steps))
	for i, cs := range e.Steps {
		if cs.Config.Name != "" {
			byName[cs.Config.Name] = i
		}
	}

	i := 0
	for i < len(e.Steps) {
		select {
		case <-ctx.Done():
			return Result{OK: false, Err: ctx.Err(), Vars: execCtx.Vars, Log: execCtx.Log}
		default:
		}

		cs := e.Steps[i]
		stepCfg := cs.Config

		if !stepCfg.IsEnabled() {
			i++
			continue
		}

		if stepCfg.Condition != nil {
			matched := EvalConditionRule(execCtx, stepCfg.Condition.ConditionRule)
			action := stepCfg.Condition.OnFalse
			if matched {
				action = stepCfg.Condition.OnTrue
			}
			switch ControlAction(action) {
			case ActionSkip:
				i++
				continue
			case ActionStop:
				return Result{OK: true, Vars: execCtx.Vars, Log: execCtx.Log}
			case ActionFail:
				return Result{OK: false, Err: fmt.Errorf("step %q: condition forced failure", cs.Action.Name()), Vars: execCtx.Vars, Log: execCtx.Log}
			default:
				// continue (or empty/unset) falls through to execution
			}
		}

		res := e.runStepWithRetry(ctx, execCtx, cs)
		e.logStep(execCtx, cs, res)

		if res.Outputs != nil {
			for k, v := range res.Outputs {
				execCtx.Vars[k] = v
			}
		}

		if !res.OK && res.Action == "" {
			return Result{OK: false, Err: res.Err, Vars: execCtx.Vars, Log: execCtx.Log}
		}

		switch res.Action {
		case ActionJump:
			target, ok := byName[res.JumpTarget]
			if !ok {
				return Result{OK: false, Err: fmt.Errorf("jump target %q not found", res.JumpTarget), Vars: execCtx.Vars, Log: execCtx.Log}
			}
			i = target
			continue
		case ActionStop:
			return Result{OK: true, Vars: execCtx.Vars, Log: execCtx.Log}
		case ActionFail:
			err := res.Err
			if err == nil {
				err = fmt.Errorf("step %q: decision forced failure", cs.Action.Name())
			}
			return Result{OK: false, Err: err, Vars: execCtx.Vars, Log: execCtx.Log}
		case ActionSkip:
			i++
			continue
		default:
			i++
		}
	}
	return Result{OK: true, Vars: execCtx.Vars, Log: execCtx.Log}
}

func (e *Executor) runStepWithRetry(ctx context.Context, execCtx *ExecutionContext, cs CompiledStep) StepResult {
	var last StepResult
	attempt := 0
	stepCtx := ctx
	var cancel context.CancelFunc
	if cs.Config.TimeoutSeconds > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(cs.Config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	err := retrypolicy.Do(stepCtx, cs.Config.Retry, func(ctx context.Context) error {
		attempt++
		last = cs.Action.Execute(ctx, execCtx)
		last.Message = fmt.Sprintf("attempt %d: %s", attempt, last.Message)
		if !last.OK && last.Retryable {
			if last.Err != nil {
				return retrypolicy.Retryable(last.Err)
			}
			return retrypolicy.Retryable(fmt.Errorf("step %q failed", cs.Action.Name()))
		}
		return nil
	})
	if err != nil && last.Err == nil {
		last.Err = err
	}
	return last
}

func (e *Executor) logStep(execCtx *ExecutionContext, cs CompiledStep, res StepResult) {
	entry := StepLogEntry{
		StepName:  cs.Action.Name(),
		StepType:  cs.Action.Type(),
		OK:        res.OK,
		Message:   res.Message,
		Timestamp: time.Now(),
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	execCtx.Log = append(execCtx.Log, entry)
}
