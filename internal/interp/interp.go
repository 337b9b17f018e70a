// Package interp expands ${name} and {builtin} placeholders in pipeline
// step fields against an execution's variable map, built-ins, and a
// small function library (§4.4 of SPEC_FULL.md).
package interp

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// builtinNames is the fixed set of bare-word placeholders recognized in
// the legacy {name} form. Restricting to this exact set keeps literal
// JSON bodies like {"key": "value"} from being misread as placeholders.
var builtinNames = map[string]struct{}{
	"fileName":            {},
	"fileNameWithoutExt":  {},
	"fileExt":             {},
	"fileDir":             {},
	"filePath":            {},
	"taskId":              {},
	"date":                {},
	"time":                {},
	"datetime":            {},
	"timestamp":           {},
}

// Context carries everything a placeholder expansion can reference.
type Context struct {
	Vars     map[string]string
	Builtins map[string]string
	Now      time.Time
}

// NewBuiltins computes the built-in replacement table for a file at the
// given path, belonging to taskID, as of now.
func NewBuiltins(taskID, filePath string, now time.Time) map[string]string {
	dir := dirOf(filePath)
	name := baseOf(filePath)
	ext := extOf(name)
	noExt := strings.TrimSuffix(name, ext)
	return map[string]string{
		"fileName":           name,
		"fileNameWithoutExt": noExt,
		"fileExt":            ext,
		"fileDir":            dir,
		"filePath":           filePath,
		"taskId":             taskID,
		"date":               now.Format("2006-01-02"),
		"time":               now.Format("15:04:05"),
		"datetime":           now.Format(time.RFC3339),
		"timestamp":          strconv.FormatInt(now.Unix(), 10),
	}
}

// Expand replaces every ${...} and {builtin} placeholder in s. It never
// fails: unknown placeholders are left verbatim and reported back as
// warnings for the caller to log, per §4.4.
func Expand(s string, ctx Context) (string, []string) {
	var warnings []string
	var out strings.Builder
	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "${") {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				out.WriteString(s[i:])
				break
			}
			token := s[i+2 : i+2+end]
			val, ok := resolveToken(token, ctx)
			if ok {
				out.WriteString(val)
			} else {
				out.WriteString("${")
				out.WriteString(token)
				out.WriteByte('}')
				warnings = append(warnings, fmt.Sprintf("unresolved placeholder ${%s}", token))
			}
			i += 2 + end + 1
			continue
		}
		if s[i] == '{' {
			end := strings.IndexByte(s[i+1:], '}')
			if end >= 0 {
				token := s[i+1 : i+1+end]
				if _, known := builtinNames[token]; known {
					if val, ok := ctx.Builtins[token]; ok {
						out.WriteString(val)
						i += 1 + end + 1
						continue
					}
				}
			}
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String(), warnings
}

// ExpandMap applies Expand to every value of a string map, used for
// step header/option fields.
func ExpandMap(m map[string]string, ctx Context) (map[string]string, []string) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	var warnings []string
	for k, v := range m {
		ev, w := Expand(v, ctx)
		out[k] = ev
		warnings = append(warnings, w...)
	}
	return out, warnings
}

// ExpandSlice applies Expand to every element of a string slice.
func ExpandSlice(s []string, ctx Context) ([]string, []string) {
	if s == nil {
		return nil, nil
	}
	out := make([]string, len(s))
	var warnings []string
	for i, v := range s {
		ev, w := Expand(v, ctx)
		out[i] = ev
		warnings = append(warnings, w...)
	}
	return out, warnings
}

func resolveToken(token string, ctx Context) (string, bool) {
	switch {
	case strings.HasPrefix(token, "fn:"):
		return resolveFunc(token[3:], ctx)
	case strings.HasPrefix(token, "env:"):
		v, ok := os.LookupEnv(token[4:])
		return v, ok
	default:
		if v, ok := resolvePath(token, ctx.Vars); ok {
			return v, true
		}
		v, ok := ctx.Builtins[token]
		return v, ok
	}
}

// resolvePath resolves a possibly-nested/dotted/indexed variable
// reference such as "user.email" or "items[0].id" against vars. The
// first segment is looked up directly in vars; if the value is valid
// JSON and further path segments remain, it is walked as a generic
// object/array.
func resolvePath(path string, vars map[string]string) (string, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return "", false
	}
	first, idxs := parseSegment(segs[0])
	raw, ok := vars[first]
	if !ok {
		return "", false
	}
	if len(segs) == 1 && len(idxs) == 0 {
		return raw, true
	}
	var cur any
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		return "", false
	}
	for _, idx := range idxs {
		cur, ok = indexInto(cur, idx)
		if !ok {
			return "", false
		}
	}
	for _, seg := range segs[1:] {
		name, idxs2 := parseSegment(seg)
		cur, ok = fieldInto(cur, name)
		if !ok {
			return "", false
		}
		for _, idx := range idxs2 {
			cur, ok = indexInto(cur, idx)
			if !ok {
				return "", false
			}
		}
	}
	return stringify(cur), true
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// parseSegment splits "items[0][1]" into ("items", [0, 1]).
func parseSegment(seg string) (string, []int) {
	name := seg
	var idxs []int
	for {
		start := strings.IndexByte(name, '[')
		if start < 0 {
			break
		}
		end := strings.IndexByte(name[start:], ']')
		if end < 0 {
			break
		}
		numStr := name[start+1 : start+end]
		if n, err := strconv.Atoi(numStr); err == nil {
			idxs = append(idxs, n)
		}
		name = name[:start] + name[start+end+1:]
	}
	return name, idxs
}

func fieldInto(cur any, name string) (any, bool) {
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}

func indexInto(cur any, idx int) (any, bool) {
	arr, ok := cur.([]any)
	if !ok || idx < 0 || idx >= len(arr) {
		return nil, false
	}
	return arr[idx], true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func resolveFunc(rest string, ctx Context) (string, bool) {
	name := rest
	args := ""
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		name = rest[:idx]
		args = rest[idx+1:]
	}
	switch name {
	case "now", "date", "time":
		layout := args
		if layout == "" {
			layout = "2006-01-02T15:04:05Z07:00"
		}
		return ctx.Now.Format(layout), true
	case "guid":
		return uuid.NewString(), true
	case "random":
		return resolveRandom(args), true
	case "upper":
		v, ok := ctx.Vars[args]
		return strings.ToUpper(v), ok
	case "lower":
		v, ok := ctx.Vars[args]
		return strings.ToLower(v), ok
	case "trim":
		v, ok := ctx.Vars[args]
		return strings.TrimSpace(v), ok
	case "length":
		v, ok := ctx.Vars[args]
		if !ok {
			return "", false
		}
		return strconv.Itoa(len(v)), true
	case "substring":
		return resolveSubstring(args, ctx.Vars)
	case "replace":
		return resolveReplace(args, ctx.Vars)
	case "join":
		return resolveJoin(args, ctx.Vars)
	case "split":
		return resolveSplit(args, ctx.Vars)
	default:
		return "", false
	}
}

func resolveRandom(args string) string {
	parts := strings.Split(args, ",")
	min, max := 0, 100
	switch len(parts) {
	case 1:
		if parts[0] != "" {
			if n, err := strconv.Atoi(parts[0]); err == nil {
				max = n
			}
		}
	case 2:
		if n, err := strconv.Atoi(parts[0]); err == nil {
			min = n
		}
		if n, err := strconv.Atoi(parts[1]); err == nil {
			max = n
		}
	}
	if max <= min {
		return strconv.Itoa(min)
	}
	return strconv.Itoa(min + rand.Intn(max-min+1))
}

func resolveSubstring(args string, vars map[string]string) (string, bool) {
	parts := strings.Split(args, ",")
	if len(parts) < 2 {
		return "", false
	}
	v, ok := vars[parts[0]]
	if !ok {
		return "", false
	}
	start, err := strconv.Atoi(parts[1])
	if err != nil || start < 0 || start > len(v) {
		return "", false
	}
	end := len(v)
	if len(parts) >= 3 {
		if l, err := strconv.Atoi(parts[2]); err == nil {
			end = start + l
			if end > len(v) {
				end = len(v)
			}
		}
	}
	return v[start:end], true
}

func resolveReplace(args string, vars map[string]string) (string, bool) {
	parts := strings.SplitN(args, ",", 3)
	if len(parts) != 3 {
		return "", false
	}
	v, ok := vars[parts[0]]
	if !ok {
		return "", false
	}
	return strings.ReplaceAll(v, parts[1], parts[2]), true
}

func resolveJoin(args string, vars map[string]string) (string, bool) {
	parts := strings.Split(args, ",")
	if len(parts) < 1 {
		return "", false
	}
	sep := parts[0]
	vals := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if v, ok := vars[p]; ok {
			vals = append(vals, v)
		} else {
			vals = append(vals, p)
		}
	}
	return strings.Join(vals, sep), true
}

func resolveSplit(args string, vars map[string]string) (string, bool) {
	parts := strings.SplitN(args, ",", 2)
	if len(parts) != 2 {
		return "", false
	}
	v, ok := vars[parts[0]]
	if !ok {
		return "", false
	}
	return strings.Join(strings.Split(v, parts[1]), ","), true
}

func dirOf(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

func baseOf(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

func extOf(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return ""
	}
	return name[idx:]
}
