package actions

import (
	"fmt"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/pipeline"
)

// Build compiles a single config.Step into a pipeline.Step. The config
// package has already validated step shape (internal/config's
// ValidatePipelineShape), so the only errors here are internal
// invariant violations, not user input mistakes.
func Build(index int, step config.Step) (pipeline.Step, error) {
	name := step.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", step.Type, index)
	}

	switch step.Type {
	case config.StepTypeCopy:
		if step.Copy == nil {
			return nil, fmt.Errorf("step %q: copy config missing", name)
		}
		return newCopyStep(name, *step.Copy, false), nil
	case config.StepTypeMove:
		if step.Move == nil {
			return nil, fmt.Errorf("step %q: move config missing", name)
		}
		return newCopyStep(name, *step.Move, true), nil
	case config.StepTypeArchive:
		if step.Archive == nil {
			return nil, fmt.Errorf("step %q: archive config missing", name)
		}
		return newArchiveStep(name, *step.Archive), nil
	case config.StepTypeDelete:
		cfg := config.DeleteStep{}
		if step.Delete != nil {
			cfg = *step.Delete
		}
		return newDeleteStep(name, cfg), nil
	case config.StepTypePrint:
		if step.Print == nil {
			return nil, fmt.Errorf("step %q: print config missing", name)
		}
		return newPrintStep(name, *step.Print), nil
	case config.StepTypeHTTP:
		if step.HTTP == nil {
			return nil, fmt.Errorf("step %q: http config missing", name)
		}
		return newHTTPStep(name, *step.HTTP), nil
	case config.StepTypeDecision:
		if step.Decision == nil {
			return nil, fmt.Errorf("step %q: decision config missing", name)
		}
		return newDecisionStep(name, *step.Decision), nil
	default:
		return nil, fmt.Errorf("step %q: unknown type %q", name, step.Type)
	}
}

// BuildPipeline compiles an entire task's pipeline into executor-ready
// CompiledSteps, preserving the config.Step metadata (condition, retry,
// timeout) alongside each compiled action.
func BuildPipeline(steps []config.Step) ([]pipeline.CompiledStep, error) {
	out := make([]pipeline.CompiledStep, 0, len(steps))
	for i, step := range steps {
		action, err := Build(i, step)
		if err != nil {
			return nil, err
		}
		out = append(out, pipeline.CompiledStep{Config: step, Action: action})
	}
	return out, nil
}
