package mcp

import (
	"fmt"
	"strconv"
	"strings"

	"controlnav/internal/mangle"
)

func getStringArg(args map[string]interface{}, key string) string {
	return argString(args[key])
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok || val == nil {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

// asInt converts URI template values, which arrive as strings or string
// slices, to an int. Unparseable values are 0.
func asInt(v any) int {
	switch value := v.(type) {
	case int:
		return value
	case float64:
		return int(value)
	}
	i, err := strconv.Atoi(strings.TrimSpace(argString(v)))
	if err != nil {
		return 0
	}
	return i
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

// factHasPrefix compares leading arguments by their printed form.
func factHasPrefix(f mangle.Fact, wantArgs []interface{}) bool {
	if len(f.Args) < len(wantArgs) {
		return false
	}
	for i := range wantArgs {
		if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", wantArgs[i]) {
			return false
		}
	}
	return true
}

// recentFacts returns at most limit of the newest facts, oldest first.
// Navigation facts carry the session id as first argument.
func recentFacts(source []mangle.Fact, sessionID string, limit int) []mangle.Fact {
	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if sessionID != "" && !factHasPrefix(f, []interface{}{sessionID}) {
			continue
		}
		out = append(out, f)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
