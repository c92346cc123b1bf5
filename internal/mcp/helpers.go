package mcp

import (
	"fmt"
	"strconv"
	"strings"
)

func getStringArg(args map[string]interface{}, key string) string {
	return argString(args[key])
}

// getIntArg accepts JSON numbers and numeric strings.
func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok || val == nil {
		return fallback
	}
	if s, isString := val.(string); isString && strings.TrimSpace(s) == "" {
		return fallback
	}
	return int(asInt64(val))
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

func asInt64(v interface{}) int64 {
	switch value := v.(type) {
	case int:
		return int64(value)
	case int32:
		return int64(value)
	case int64:
		return value
	case float64:
		return int64(value)
	case string:
		trimmed := strings.TrimSpace(value)
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return int64(f)
		}
		return 0
	case []string:
		if len(value) == 0 {
			return 0
		}
		return asInt64(value[0])
	default:
		return 0
	}
}
