package actions

import (
	"context"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/pipeline"
)

// decisionStep evaluates its rules in order and takes the first
// match's action (or DefaultAction if none match), optionally setting
// a variable as a side effect. There is no teacher precedent for
// decision steps; this is a SPEC_FULL.md domain addition built around
// pipeline.EvalConditionRule.
type decisionStep struct {
	name string
	cfg  config.DecisionStep
}

func newDecisionStep(name string, cfg config.DecisionStep) *decisionStep {
	return &decisionStep{name: name, cfg: cfg}
}

func (s *decisionStep) Name() string { return s.name }
func (s *decisionStep) Type() string { return string(config.StepTypeDecision) }

func (s *decisionStep) Execute(ctx context.Context, execCtx *pipeline.ExecutionContext) pipeline.StepResult {
	for _, rule := range s.cfg.Rules {
		if pipeline.EvalConditionRule(execCtx, rule.ConditionRule) {
			outputs := applySetVariable(execCtx, rule.SetVariable)
			return pipeline.StepResult{
				OK:         rule.Action != "fail",
				Action:     pipeline.ControlAction(rule.Action),
				JumpTarget: rule.JumpTarget,
				Message:    "rule matched",
				Outputs:    outputs,
			}
		}
	}
	action := s.cfg.DefaultAction
	if action == "" {
		action = string(pipeline.ActionContinue)
	}
	return pipeline.StepResult{
		OK:      action != "fail",
		Action:  pipeline.ControlAction(action),
		Message: "no rule matched, using default",
	}
}

func applySetVariable(execCtx *pipeline.ExecutionContext, sv *config.SetVariable) map[string]string {
	if sv == nil || sv.Name == "" {
		return nil
	}
	return map[string]string{sv.Name: sv.Value}
}
