package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Warnw(msg string, keysAndValues ...any) {
	l.warnings = append(l.warnings, msg)
}

func validTaskJSON() string {
	return `{
		"version": 1,
		"runtime": {"maxConcurrentPerTask": 2, "stateDbPath": "/var/lib/cronplus/state.db", "deadLetterDir": "/var/lib/cronplus/dead"},
		"tasks": [{
			"id": "t1",
			"enabled": true,
			"watch": {"directory": "/data/in"},
			"pipeline": [{"decision": {"defaultAction": "continue"}}]
		}]
	}`
}

func TestParse_AppliesDefaultsAndInfersStepType(t *testing.T) {
	cfg, err := Parse([]byte(validTaskJSON()), nil)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Tasks[0].MaxConcurrent)
	assert.Equal(t, "*", cfg.Tasks[0].Watch.Glob)
	assert.Equal(t, StepTypeDecision, cfg.Tasks[0].Pipeline[0].Type)
}

func TestParse_RejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte("{not json"), nil)
	assert.Error(t, err)
}

func TestParse_RejectsEmptyTaskList(t *testing.T) {
	_, err := Parse([]byte(`{"version":1,"runtime":{"maxConcurrentPerTask":1},"tasks":[]}`), nil)
	assert.Error(t, err)
}

func TestParse_DisablesInvalidTaskInsteadOfFailing(t *testing.T) {
	raw := `{
		"version": 1,
		"runtime": {"maxConcurrentPerTask": 2},
		"tasks": [
			{"id": "good", "enabled": true, "watch": {"directory": "/data/in"}, "pipeline": [{"decision": {"defaultAction": "continue"}}]},
			{"id": "bad", "enabled": true, "watch": {"directory": "relative/dir"}, "pipeline": [{"decision": {"defaultAction": "continue"}}]}
		]
	}`
	logger := &recordingLogger{}
	cfg, err := Parse([]byte(raw), logger)
	require.NoError(t, err)
	require.Len(t, cfg.Tasks, 2)
	assert.True(t, cfg.Tasks[0].Enabled)
	assert.False(t, cfg.Tasks[1].Enabled, "task with a relative watch directory must be disabled, not fatal")
	assert.NotEmpty(t, logger.warnings)
}

func TestParse_DuplicateTaskIDsDisablesTheSecond(t *testing.T) {
	raw := `{
		"version": 1,
		"runtime": {"maxConcurrentPerTask": 2},
		"tasks": [
			{"id": "dup", "enabled": true, "watch": {"directory": "/data/in"}, "pipeline": [{"decision": {"defaultAction": "continue"}}]},
			{"id": "dup", "enabled": true, "watch": {"directory": "/data/in2"}, "pipeline": [{"decision": {"defaultAction": "continue"}}]}
		]
	}`
	cfg, err := Parse([]byte(raw), nil)
	require.NoError(t, err)
	assert.True(t, cfg.Tasks[0].Enabled)
	assert.False(t, cfg.Tasks[1].Enabled)
}

func TestParse_SanitizeVariablesDropsInvalidEntries(t *testing.T) {
	raw := `{
		"version": 1,
		"runtime": {"maxConcurrentPerTask": 1},
		"tasks": [{
			"id": "t1",
			"enabled": true,
			"watch": {"directory": "/data/in"},
			"variables": [
				{"name": "count", "type": "int", "value": "not-a-number"},
				{"name": "count", "type": "int", "value": "5"},
				{"name": "", "type": "string", "value": "ignored"}
			],
			"pipeline": [{"decision": {"defaultAction": "continue"}}]
		}]
	}`
	logger := &recordingLogger{}
	cfg, err := Parse([]byte(raw), logger)
	require.NoError(t, err)
	require.Len(t, cfg.Tasks[0].Variables, 1)
	assert.Equal(t, "5", cfg.Tasks[0].Variables[0].Value)
}

func TestValidate_RejectsRelativeStateDbPath(t *testing.T) {
	cfg := &Config{
		Version: 1,
		Runtime: RuntimeCfg{MaxConcurrentPerTask: 1, StateDbPath: "relative.db"},
		Tasks: []Task{{
			ID:       "t1",
			Enabled:  true,
			Watch:    WatchSpec{Directory: "/data/in"},
			Pipeline: []Step{{Decision: &DecisionStep{DefaultAction: "continue"}}},
		}},
	}
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsDuplicateTaskIDs(t *testing.T) {
	task := Task{
		ID:       "dup",
		Enabled:  true,
		Watch:    WatchSpec{Directory: "/data/in"},
		Pipeline: []Step{{Decision: &DecisionStep{DefaultAction: "continue"}}},
	}
	cfg := &Config{
		Version: 1,
		Runtime: RuntimeCfg{MaxConcurrentPerTask: 1},
		Tasks:   []Task{task, task},
	}
	assert.Error(t, Validate(cfg))
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		Version: 1,
		Runtime: RuntimeCfg{MaxConcurrentPerTask: 1},
		Tasks: []Task{{
			ID:       "t1",
			Enabled:  true,
			Watch:    WatchSpec{Directory: "/data/in"},
			Pipeline: []Step{{Decision: &DecisionStep{DefaultAction: "continue"}}},
		}},
	}
	assert.NoError(t, Validate(cfg))
}

func TestValidatePipelineShape_RejectsUnresolvedJumpTarget(t *testing.T) {
	steps := []Step{
		{Name: "s1", Decision: &DecisionStep{Rules: []DecisionRule{{Action: "jump", JumpTarget: "nope"}}}},
	}
	assert.Error(t, ValidatePipelineShape(steps))
}

func TestValidatePipelineShape_RejectsDuplicateStepNames(t *testing.T) {
	steps := []Step{
		{Name: "s1", Decision: &DecisionStep{DefaultAction: "continue"}},
		{Name: "s1", Decision: &DecisionStep{DefaultAction: "continue"}},
	}
	assert.Error(t, ValidatePipelineShape(steps))
}

func TestValidatePipelineShape_DetectsJumpCycle(t *testing.T) {
	steps := []Step{
		{Name: "a", Decision: &DecisionStep{Rules: []DecisionRule{{Action: "jump", JumpTarget: "b"}}}},
		{Name: "b", Decision: &DecisionStep{Rules: []DecisionRule{{Action: "jump", JumpTarget: "a"}}}},
	}
	assert.Error(t, ValidatePipelineShape(steps))
}

func TestValidatePipelineShape_AcceptsAcyclicJumps(t *testing.T) {
	steps := []Step{
		{Name: "a", Decision: &DecisionStep{Rules: []DecisionRule{{Action: "jump", JumpTarget: "b"}}}},
		{Name: "b", Decision: &DecisionStep{DefaultAction: "continue"}},
	}
	assert.NoError(t, ValidatePipelineShape(steps))
}

func TestTaskHash_StableForIdenticalTasks(t *testing.T) {
	t1 := Task{ID: "a", Watch: WatchSpec{Directory: "/in"}, MaxConcurrent: 2}
	t2 := Task{ID: "a", Watch: WatchSpec{Directory: "/in"}, MaxConcurrent: 2}
	assert.Equal(t, t1.Hash(), t2.Hash())
}

func TestTaskHash_ChangesWhenFieldChanges(t *testing.T) {
	t1 := Task{ID: "a", Watch: WatchSpec{Directory: "/in"}, MaxConcurrent: 2}
	t2 := t1
	t2.MaxConcurrent = 3
	assert.NotEqual(t, t1.Hash(), t2.Hash())
}

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := &Config{
		Version: 1,
		Runtime: RuntimeCfg{MaxConcurrentPerTask: 1, StateDbPath: "/var/lib/cronplus/state.db"},
		Tasks: []Task{{
			ID:       "t1",
			Enabled:  true,
			Watch:    WatchSpec{Directory: "/data/in"},
			Pipeline: []Step{{Decision: &DecisionStep{DefaultAction: "continue"}}},
		}},
	}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Tasks[0].ID, loaded.Tasks[0].ID)
	assert.Equal(t, cfg.Runtime.StateDbPath, loaded.Runtime.StateDbPath)
}

func TestLoad_RejectsEmptyPath(t *testing.T) {
	_, err := Load("", nil)
	assert.Error(t, err)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}
