package shared

import (
	"encoding/json"
	"fmt"
	"strings"

	"surf/internal/ports"
)

// StringArg fetches a string-like argument from the tool call map, returning an
// empty string when the key is absent or nil.
func StringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	value, ok := args[key]
	if !ok || value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

// StringArgDefault returns a string argument or the provided default.
func StringArgDefault(args map[string]any, key, def string) string {
	if value := StringArg(args, key); value != "" {
		return value
	}
	return def
}

// RequireStringArg returns a non-empty string argument or an error naming the
// missing key.
func RequireStringArg(args map[string]any, key string) (string, error) {
	value := strings.TrimSpace(StringArg(args, key))
	if value == "" {
		return "", fmt.Errorf("missing required argument: %s", key)
	}
	return value, nil
}

// StringSliceArg coalesces array-like arguments into a trimmed slice of
// strings, handling both []any and singular string inputs.
func StringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key]
	if !ok {
		return nil
	}
	switch typed := raw.(type) {
	case []string:
		return typed
	case []any:
		var result []string
		for _, item := range typed {
			if str := strings.TrimSpace(fmt.Sprint(item)); str != "" {
				result = append(result, str)
			}
		}
		return result
	case string:
		if trimmed := strings.TrimSpace(typed); trimmed != "" {
			return []string{trimmed}
		}
	}
	return nil
}

// MapArg returns an object-like argument or nil.
func MapArg(args map[string]any, key string) map[string]any {
	if args == nil {
		return nil
	}
	obj, _ := args[key].(map[string]any)
	return obj
}

// StringMapArg coalesces object-like arguments into a trimmed string map,
// discarding empty keys/values.
func StringMapArg(args map[string]any, key string) map[string]string {
	obj := MapArg(args, key)
	if len(obj) == 0 {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		text, ok := v.(string)
		if !ok {
			continue
		}
		keyTrimmed := strings.TrimSpace(k)
		valTrimmed := strings.TrimSpace(text)
		if keyTrimmed == "" || valTrimmed == "" {
			continue
		}
		out[keyTrimmed] = valTrimmed
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// IntArg parses an integer-like argument into an int, returning (0,false) if absent or invalid.
func IntArg(args map[string]any, key string) (int, bool) {
	if args == nil {
		return 0, false
	}
	value, ok := args[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// IntArgDefault returns an integer argument or the provided default.
func IntArgDefault(args map[string]any, key string, def int) int {
	if value, ok := IntArg(args, key); ok {
		return value
	}
	return def
}

// FloatArg parses a float-like argument into a float64, returning (0,false) if absent or invalid.
func FloatArg(args map[string]any, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	value, ok := args[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// FloatArgDefault returns a float argument or the provided default.
func FloatArgDefault(args map[string]any, key string, def float64) float64 {
	if value, ok := FloatArg(args, key); ok {
		return value
	}
	return def
}

// BoolArgWithDefault returns a boolean argument or the provided default.
func BoolArgWithDefault(args map[string]any, key string, def bool) bool {
	if args == nil {
		return def
	}
	value, ok := args[key]
	if !ok {
		return def
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(v))
		switch trimmed {
		case "", "default":
			return def
		case "true", "1", "yes", "y", "on":
			return true
		case "false", "0", "no", "n", "off":
			return false
		}
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i != 0
		}
	}
	return def
}

// ContentSnippet returns a trimmed prefix of content to use as a lightweight
// preview, avoiding empty strings and over-long slices.
func ContentSnippet(content string, max int) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= max {
		return trimmed
	}
	return trimmed[:max]
}

// ToolError constructs a failed ToolResult from a formatted error message.
func ToolError(callID string, format string, args ...any) (*ports.ToolResult, error) {
	err := fmt.Errorf(format, args...)
	return &ports.ToolResult{CallID: callID, Content: err.Error(), Error: err}, nil
}

// JSONResult marshals a payload into a successful ToolResult, keeping the
// structured form in Metadata for the run engine.
func JSONResult(callID string, payload map[string]any) (*ports.ToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ToolError(callID, "encode result: %v", err)
	}
	return &ports.ToolResult{CallID: callID, Content: string(raw), Metadata: payload}, nil
}
