package redact

import (
	"strings"
)

// stepMetaKeys are the recognized meta keys of the shorthand step shape. Used
// to tell {toolName: args, ...meta} apart from argument maps.
var stepMetaKeys = map[string]bool{
	"label":        true,
	"optional":     true,
	"export":       true,
	"download":     true,
	"irreversible": true,
	"auto_tab":     true,
}

// MaskToolArgs deep-copies args and replaces literal values in sensitive
// positions for the given tool with the redaction token. Interpolation
// placeholders survive verbatim: the agent is allowed to record *references*
// to secrets, never the secrets themselves.
func MaskToolArgs(tool string, args map[string]any) (map[string]any, bool) {
	if args == nil {
		return nil, false
	}
	out := make(map[string]any, len(args))
	redacted := false
	for key, value := range args {
		masked, hit := maskArg(tool, key, value)
		out[key] = masked
		redacted = redacted || hit
	}
	return out, redacted
}

func maskArg(tool, key string, value any) (any, bool) {
	switch tool {
	case "type":
		if key == "text" {
			return maskScalar(value)
		}
	case "fetch", "http":
		if key == "body" || key == "data" {
			return maskScalar(value)
		}
		if key == "headers" {
			return maskSensitiveMap(value)
		}
	case "form":
		if key == "fields" || key == "values" {
			return maskAllMapValues(value)
		}
	case "storage":
		if key == "value" || key == "values" {
			return maskScalar(value)
		}
	case "cookies":
		if key == "value" || key == "cookies" {
			return maskScalar(value)
		}
	case "totp":
		if key == "secret" {
			return maskScalar(value)
		}
	case "browser":
		if key == "value" {
			return maskScalar(value)
		}
	}
	if IsSensitiveKey(key) {
		return maskScalar(value)
	}
	return value, false
}

// maskScalar redacts literal strings but keeps placeholders intact. Non-string
// values in sensitive positions are redacted wholesale.
func maskScalar(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		if v == "" || IsPlaceholder(v) {
			return v, false
		}
		return Token, true
	default:
		return Token, true
	}
}

func maskSensitiveMap(value any) (any, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return value, false
	}
	out := make(map[string]any, len(m))
	redacted := false
	for k, v := range m {
		if IsSensitiveKey(k) {
			masked, hit := maskScalar(v)
			out[k] = masked
			redacted = redacted || hit
			continue
		}
		out[k] = v
	}
	return out, redacted
}

func maskAllMapValues(value any) (any, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return maskScalar(value)
	}
	out := make(map[string]any, len(m))
	redacted := false
	for k, v := range m {
		masked, hit := maskScalar(v)
		out[k] = masked
		redacted = redacted || hit
	}
	return out, redacted
}

// SanitizeSteps sanitizes a recorded step list for runbook storage. Both the
// explicit {tool,args} shape and the {toolName: args} shorthand are handled;
// nested branch/body step lists are sanitized recursively.
func SanitizeSteps(steps []map[string]any) ([]map[string]any, bool) {
	out := make([]map[string]any, 0, len(steps))
	redacted := false
	for _, step := range steps {
		sanitized, hit := sanitizeStep(step)
		out = append(out, sanitized)
		redacted = redacted || hit
	}
	return out, redacted
}

func sanitizeStep(step map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(step))
	redacted := false

	if toolName, ok := step["tool"].(string); ok {
		for key, value := range step {
			if key != "args" {
				out[key] = value
				continue
			}
			args, ok := value.(map[string]any)
			if !ok {
				out[key] = value
				continue
			}
			sanitized, hit := sanitizeToolArgs(toolName, args)
			out[key] = sanitized
			redacted = redacted || hit
		}
		return out, redacted
	}

	// Shorthand: exactly one non-meta key names the tool.
	for key, value := range step {
		if stepMetaKeys[key] {
			out[key] = value
			continue
		}
		args, ok := value.(map[string]any)
		if !ok {
			out[key] = value
			continue
		}
		sanitized, hit := sanitizeToolArgs(key, args)
		out[key] = sanitized
		redacted = redacted || hit
	}
	return out, redacted
}

func sanitizeToolArgs(tool string, args map[string]any) (map[string]any, bool) {
	masked, redacted := MaskToolArgs(tool, args)

	// Wrapper actions carry nested step lists that need their own pass.
	for _, nested := range []string{"then", "else", "steps"} {
		raw, ok := masked[nested]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		outList := make([]any, 0, len(list))
		for _, item := range list {
			stepMap, ok := item.(map[string]any)
			if !ok {
				outList = append(outList, item)
				continue
			}
			sanitized, hit := sanitizeStep(stepMap)
			outList = append(outList, sanitized)
			redacted = redacted || hit
		}
		masked[nested] = outList
	}
	return masked, redacted
}

// ContainsSensitiveLiteral reports whether a step list carries a literal
// secret in a sensitive position. Placeholder references do not count.
func ContainsSensitiveLiteral(steps []map[string]any) bool {
	_, redacted := SanitizeSteps(steps)
	return redacted
}

// KindOfPlaceholder returns "mem", "param", "var" or "" for a value.
func KindOfPlaceholder(value string) string {
	v := strings.TrimSpace(value)
	if !IsPlaceholder(v) {
		return ""
	}
	switch {
	case strings.Contains(v, "mem:"):
		return "mem"
	case strings.Contains(v, "param:"):
		return "param"
	default:
		return "var"
	}
}
