package pipeline

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cronplus/cronplus/internal/config"
)

// fieldResolver looks up a well-known field name against the execution
// context and the triggering file's on-disk state. Unknown field names
// fall back to the variable map.
func fieldResolver(execCtx *ExecutionContext, field string) (string, bool) {
	switch field {
	case "filename":
		return filepath.Base(execCtx.FilePath), true
	case "filePath":
		return execCtx.FilePath, true
	case "fileExt":
		return filepath.Ext(execCtx.FilePath), true
	case "fileSize", "file.sizeKB":
		info, err := os.Stat(execCtx.FilePath)
		if err != nil {
			return "", false
		}
		if field == "file.sizeKB" {
			return strconv.FormatInt(info.Size()/1024, 10), true
		}
		return strconv.FormatInt(info.Size(), 10), true
	case "fileAgeMinutes":
		info, err := os.Stat(execCtx.FilePath)
		if err != nil {
			return "", false
		}
		age := time.Since(info.ModTime()).Minutes()
		return strconv.FormatInt(int64(age), 10), true
	default:
		if strings.HasPrefix(field, "env.") {
			return os.LookupEnv(strings.TrimPrefix(field, "env."))
		}
		v, ok := execCtx.Vars[field]
		return v, ok
	}
}

// EvalCondition evaluates one condition against the execution context.
func EvalCondition(execCtx *ExecutionContext, c config.Condition) bool {
	actual, exists := fieldResolver(execCtx, c.Field)
	switch c.Op {
	case "exists":
		return exists
	case "notExists":
		return !exists
	case "isTrue":
		b, _ := strconv.ParseBool(actual)
		return exists && b
	case "isFalse":
		b, _ := strconv.ParseBool(actual)
		return !exists || !b
	}
	if !exists {
		return false
	}
	expected := toStr(c.Value)
	switch c.Op {
	case "eq":
		return actual == expected
	case "ne":
		return actual != expected
	case "contains":
		return strings.Contains(actual, expected)
	case "startsWith":
		return strings.HasPrefix(actual, expected)
	case "endsWith":
		return strings.HasSuffix(actual, expected)
	case "matches":
		ok, _ := regexp.MatchString(expected, actual)
		return ok
	case "in":
		return containsAny(strings.Split(expected, ","), actual)
	case "notIn":
		return !containsAny(strings.Split(expected, ","), actual)
	case "gt", "gte", "lt", "lte", "between":
		return evalNumeric(actual, c)
	default:
		return false
	}
}

func evalNumeric(actual string, c config.Condition) bool {
	a, err := strconv.ParseFloat(actual, 64)
	if err != nil {
		return false
	}
	expected, err := strconv.ParseFloat(toStr(c.Value), 64)
	if err != nil {
		return false
	}
	switch c.Op {
	case "gt":
		return a > expected
	case "gte":
		return a >= expected
	case "lt":
		return a < expected
	case "lte":
		return a <= expected
	case "between":
		upper, err := strconv.ParseFloat(toStr(c.Value2), 64)
		if err != nil {
			return false
		}
		return a >= expected && a <= upper
	}
	return false
}

func containsAny(set []string, v string) bool {
	for _, s := range set {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

// EvalConditionRule evaluates an ordered list of conditions combined by
// the rule's logic operator (default "and").
func EvalConditionRule(execCtx *ExecutionContext, r config.ConditionRule) bool {
	if len(r.Conditions) == 0 {
		return true
	}
	logic := r.Logic
	if logic == "" {
		logic = "and"
	}
	switch logic {
	case "or":
		for _, c := range r.Conditions {
			if EvalCondition(execCtx, c) {
				return true
			}
		}
		return false
	case "xor":
		count := 0
		for _, c := range r.Conditions {
			if EvalCondition(execCtx, c) {
				count++
			}
		}
		return count == 1
	default: // "and"
		for _, c := range r.Conditions {
			if !EvalCondition(execCtx, c) {
				return false
			}
		}
		return true
	}
}
