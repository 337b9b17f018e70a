package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// structValidator carries the go-playground/validator/v10 instance used
// for the tag-driven structural checks (required, min/max, oneof). It is
// layered underneath the semantic checks below, which a tag-only
// validator cannot express (duplicate ids, jump-target resolution,
// cycle detection, absolute-path requirements that depend on which step
// type is populated).
var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate performs strict, whole-config validation: any error means the
// config is rejected outright. Parse/Load use the lenient variant
// (validateLenient); Validate backs the `cronplusd validate` command.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Runtime.MaxConcurrentPerTask <= 0 {
		return fmt.Errorf("runtime.maxConcurrentPerTask must be >= 1")
	}
	if cfg.Runtime.StateDbPath != "" && !filepath.IsAbs(cfg.Runtime.StateDbPath) {
		return fmt.Errorf("runtime.stateDbPath must be absolute if set")
	}
	if cfg.Runtime.DeadLetterDir != "" && !filepath.IsAbs(cfg.Runtime.DeadLetterDir) {
		return fmt.Errorf("runtime.deadLetterDir must be absolute if set")
	}
	ids := map[string]struct{}{}
	for i, t := range cfg.Tasks {
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID)
		}
		ids[t.ID] = struct{}{}
		if err := validateTask(&t); err != nil {
			return fmt.Errorf("tasks[%s]: %w", t.ID, err)
		}
	}
	return nil
}

// validateLenient validates global config strictly but handles per-task
// problems leniently: an invalid task is disabled (Enabled=false) and a
// warning logged, while the rest of the config continues to apply. This
// is the §4.9 "lenient mode" described for config-apply time.
func validateLenient(cfg *Config, logger lenientLogger) error {
	if err := structValidator.StructExcept(cfg, "Tasks"); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("at least one task must be defined")
	}
	if cfg.Runtime.MaxConcurrentPerTask <= 0 {
		return fmt.Errorf("runtime.maxConcurrentPerTask must be >= 1")
	}
	if cfg.Runtime.StateDbPath != "" && !filepath.IsAbs(cfg.Runtime.StateDbPath) {
		return fmt.Errorf("runtime.stateDbPath must be absolute if set")
	}
	if cfg.Runtime.DeadLetterDir != "" && !filepath.IsAbs(cfg.Runtime.DeadLetterDir) {
		return fmt.Errorf("runtime.deadLetterDir must be absolute if set")
	}

	ids := map[string]struct{}{}
	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]

		var taskErr error
		if t.ID == "" {
			taskErr = fmt.Errorf("tasks[%d]: id is required", i)
		} else if _, dup := ids[t.ID]; dup {
			taskErr = fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID)
		} else {
			ids[t.ID] = struct{}{}
		}

		if taskErr == nil {
			sanitizeVariables(t, logger)
			taskErr = validateTask(t)
		}

		if taskErr != nil {
			if logger != nil {
				logger.Warnw("disabling invalid task", "taskID", t.ID, "error", taskErr.Error())
			}
			t.Enabled = false
		}
	}

	allDisabled := true
	for i := range cfg.Tasks {
		if cfg.Tasks[i].Enabled {
			allDisabled = false
			break
		}
	}
	if allDisabled && logger != nil {
		logger.Warnw("all tasks disabled after validation; daemon will start without active tasks")
	}
	return nil
}

type lenientLogger interface {
	Warnw(msg string, keysAndValues ...any)
}

// validateTask runs both the struct-tag pass and the semantic checks
// that depend on which step type is populated (§3 Step, §4.9).
func validateTask(t *Task) error {
	if err := structValidator.Struct(t); err != nil {
		return err
	}
	if !filepath.IsAbs(t.Watch.Directory) {
		return fmt.Errorf("watch.directory must be absolute")
	}
	if t.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounceMs must be >= 0")
	}
	if t.Watch.StabilizationMs < 0 {
		return fmt.Errorf("watch.stabilizationMs must be >= 0")
	}
	if len(t.Pipeline) == 0 {
		return fmt.Errorf("pipeline must not be empty")
	}
	for i := range t.Variables {
		if err := validateVariable(t.Variables[i]); err != nil {
			return fmt.Errorf("variables[%d]: %w", i, err)
		}
	}
	return ValidatePipelineShape(t.Pipeline)
}

// ValidatePipelineShape implements the structural half of §4.9 Pipeline
// Validation: unique step names, jump-target resolution, no reachable
// cycle among decision jumps, per-step field validation, and the
// timeout/retry numeric ranges. It is exported so both config-apply time
// and the pre-execution check (internal/pipeline) can call the identical
// logic without duplicating it.
func ValidatePipelineShape(steps []Step) error {
	names := map[string]int{}
	for i, s := range steps {
		if s.Name == "" {
			continue
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("pipeline[%d]: duplicate step name %q", i, s.Name)
		}
		names[s.Name] = i
	}
	for i, s := range steps {
		if err := validateStep(s); err != nil {
			return fmt.Errorf("pipeline[%d]: %w", i, err)
		}
		st := s.Type
		if st == "" {
			st = inferStepType(s)
		}
		if st == StepTypeDecision && s.Decision != nil {
			for j, r := range s.Decision.Rules {
				if r.Action == "jump" {
					if _, ok := names[r.JumpTarget]; !ok {
						return fmt.Errorf("pipeline[%d].rules[%d]: jumpTarget %q does not resolve to a step name", i, j, r.JumpTarget)
					}
				}
			}
		}
	}
	return detectJumpCycle(steps, names)
}

// detectJumpCycle runs a DFS with a recursion stack over the jump edges
// induced by decision steps to certify the pipeline graph acyclic
// (§4.5.f, §8 "Decision closure").
func detectJumpCycle(steps []Step, names map[string]int) error {
	n := len(steps)
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)

	var edges func(i int) []int
	edges = func(i int) []int {
		s := steps[i]
		st := s.Type
		if st == "" {
			st = inferStepType(s)
		}
		if st != StepTypeDecision || s.Decision == nil {
			// Falling off the end of a non-decision step just advances
			// to i+1; that's not a "jump" edge and can't cycle on its
			// own, so it is excluded from the jump graph.
			return nil
		}
		var out []int
		for _, r := range s.Decision.Rules {
			if r.Action == "jump" {
				if idx, ok := names[r.JumpTarget]; ok {
					out = append(out, idx)
				}
			}
		}
		return out
	}

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, j := range edges(i) {
			switch color[j] {
			case gray:
				return fmt.Errorf("pipeline: cycle detected in decision jumps at step %q", steps[i].Name)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}

	for i := 0; i < n; i++ {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStep(s Step) error {
	st := s.Type
	if st == "" {
		st = inferStepType(s)
	}
	if s.TimeoutSeconds != 0 && (s.TimeoutSeconds < 1 || s.TimeoutSeconds > 3600) {
		return fmt.Errorf("timeoutSeconds must be in [1, 3600]")
	}
	if s.Retry != nil {
		if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > 10 {
			return fmt.Errorf("retry.maxAttempts must be in [1, 10]")
		}
		if s.Retry.BackoffMs < 0 {
			return fmt.Errorf("retry.backoffMs must be >= 0")
		}
	}
	switch st {
	case StepTypeCopy:
		return validateCopyLike(s.Copy)
	case StepTypeMove:
		return validateCopyLike(s.Move)
	case StepTypeArchive:
		if s.Archive == nil {
			return fmt.Errorf("archive step missing details")
		}
		if !filepath.IsAbs(s.Archive.Destination) {
			return fmt.Errorf("archive.destination must be absolute")
		}
		switch s.Archive.Format {
		case "zip", "gzip":
		default:
			return fmt.Errorf("archive.format must be zip or gzip")
		}
		switch s.Archive.ConflictStrategy {
		case "", "rename", "overwrite", "skip", "incrementNumber":
		default:
			return fmt.Errorf("archive.conflictStrategy invalid")
		}
	case StepTypeDelete:
		// no required fields
	case StepTypePrint:
		if s.Print == nil {
			return fmt.Errorf("print step missing details")
		}
		if s.Print.PrinterName == "" {
			return fmt.Errorf("print.printerName required")
		}
		if s.Print.Copies <= 0 {
			return fmt.Errorf("print.copies must be > 0")
		}
		if s.Print.TimeoutSeconds <= 0 {
			return fmt.Errorf("print.timeoutSeconds must be > 0")
		}
	case StepTypeHTTP:
		if s.HTTP == nil {
			return fmt.Errorf("http step missing details")
		}
		if s.HTTP.URL == "" {
			return fmt.Errorf("http.url required")
		}
		if s.HTTP.Method == "" {
			return fmt.Errorf("http.method required")
		}
		switch s.HTTP.SendFileMode {
		case "", "none", "raw", "multipart":
		default:
			return fmt.Errorf("http.sendFileMode invalid")
		}
		switch s.HTTP.Auth {
		case "", "none", "bearer", "basic", "apiKey":
		default:
			return fmt.Errorf("http.auth invalid")
		}
	case StepTypeDecision:
		if s.Decision == nil {
			return fmt.Errorf("decision step missing details")
		}
		for i, r := range s.Decision.Rules {
			switch r.Action {
			case "continue", "skip", "stop", "fail", "jump":
			default:
				return fmt.Errorf("rules[%d]: invalid action %q", i, r.Action)
			}
			if r.Action == "jump" && r.JumpTarget == "" {
				return fmt.Errorf("rules[%d]: jump action requires jumpTarget", i)
			}
		}
	default:
		return fmt.Errorf("unsupported step type %q", st)
	}
	return nil
}

func validateCopyLike(c *CopyStep) error {
	if c == nil {
		return fmt.Errorf("missing details")
	}
	if !filepath.IsAbs(c.Destination) {
		return fmt.Errorf("destination must be absolute")
	}
	return nil
}

func inferStepType(s Step) StepType {
	switch {
	case s.Copy != nil:
		return StepTypeCopy
	case s.Move != nil:
		return StepTypeMove
	case s.Archive != nil:
		return StepTypeArchive
	case s.Delete != nil:
		return StepTypeDelete
	case s.Print != nil:
		return StepTypePrint
	case s.HTTP != nil:
		return StepTypeHTTP
	case s.Decision != nil:
		return StepTypeDecision
	}
	return ""
}

// sanitizeVariables drops variables that fail to parse as their declared
// type rather than failing the whole task, mirroring the lenient
// handling applied to the rest of the task.
func sanitizeVariables(t *Task, logger lenientLogger) {
	if len(t.Variables) == 0 {
		return
	}
	seen := map[string]struct{}{}
	valid := make([]Variable, 0, len(t.Variables))
	for _, v := range t.Variables {
		name := strings.TrimSpace(v.Name)
		typ := VarType(strings.ToLower(strings.TrimSpace(string(v.Type))))
		val := strings.TrimSpace(v.Value)
		if name == "" {
			warn(logger, t.ID, "dropping variable with empty name")
			continue
		}
		if _, dup := seen[name]; dup {
			warn(logger, t.ID, "dropping duplicate variable "+name)
			continue
		}
		if typ == "" {
			typ = VarString
		}
		if err := validateVariable(Variable{Name: name, Type: typ, Value: val}); err != nil {
			warn(logger, t.ID, "dropping invalid variable "+name+": "+err.Error())
			continue
		}
		seen[name] = struct{}{}
		valid = append(valid, Variable{Name: name, Type: typ, Value: val})
	}
	t.Variables = valid
}

func warn(logger lenientLogger, taskID, msg string) {
	if logger != nil {
		logger.Warnw(msg, "taskID", taskID)
	}
}

func validateVariable(v Variable) error {
	switch v.Type {
	case "", VarString:
		return nil
	case VarInt:
		_, err := strconv.Atoi(v.Value)
		return err
	case VarBool:
		_, err := strconv.ParseBool(strings.ToLower(v.Value))
		return err
	case VarDate:
		_, err := time.Parse("2006-01-02", v.Value)
		return err
	case VarDateTime:
		if _, err := time.Parse(time.RFC3339, v.Value); err == nil {
			return nil
		}
		_, err := time.Parse("2006-01-02 15:04:05", v.Value)
		return err
	default:
		return fmt.Errorf("unsupported variable type %q", v.Type)
	}
}
