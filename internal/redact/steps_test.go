package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskToolArgsTypeText(t *testing.T) {
	masked, redacted := MaskToolArgs("type", map[string]any{
		"selector": "#pw",
		"text":     "hunter2",
	})
	assert.True(t, redacted)
	assert.Equal(t, Token, masked["text"])
	assert.Equal(t, "#pw", masked["selector"])
}

func TestMaskToolArgsKeepsPlaceholders(t *testing.T) {
	masked, redacted := MaskToolArgs("type", map[string]any{
		"text": "{{mem:github_password}}",
	})
	assert.False(t, redacted, "references to secrets are recordable")
	assert.Equal(t, "{{mem:github_password}}", masked["text"])
}

func TestMaskToolArgsHTTPHeaders(t *testing.T) {
	masked, redacted := MaskToolArgs("http", map[string]any{
		"url": "https://example.test/api",
		"headers": map[string]any{
			"Authorization": "Bearer tok-123",
			"Accept":        "application/json",
		},
		"body": `{"q":1}`,
	})
	assert.True(t, redacted)
	headers := masked["headers"].(map[string]any)
	assert.Equal(t, Token, headers["Authorization"])
	assert.Equal(t, "application/json", headers["Accept"])
	assert.Equal(t, Token, masked["body"], "request bodies may carry anything; mask wholesale")
}

func TestMaskToolArgsFormFields(t *testing.T) {
	masked, redacted := MaskToolArgs("form", map[string]any{
		"values": map[string]any{"email": "a@example.test", "password": "hunter2"},
	})
	assert.True(t, redacted)
	values := masked["values"].(map[string]any)
	assert.Equal(t, Token, values["email"], "every form value is masked, not just secret-named ones")
	assert.Equal(t, Token, values["password"])
}

func TestMaskToolArgsSensitiveKeyFallback(t *testing.T) {
	masked, redacted := MaskToolArgs("navigate", map[string]any{
		"url":       "https://example.test",
		"api_token": "tok-999",
	})
	assert.True(t, redacted)
	assert.Equal(t, Token, masked["api_token"])
	assert.Equal(t, "https://example.test", masked["url"])
}

func TestSanitizeStepsBothShapes(t *testing.T) {
	steps, redacted := SanitizeSteps([]map[string]any{
		{"tool": "type", "args": map[string]any{"selector": "#pw", "text": "hunter2"}},
		{"click": map[string]any{"selector": "#go"}, "label": "press"},
	})
	assert.True(t, redacted)
	require.Len(t, steps, 2)

	explicit := steps[0]["args"].(map[string]any)
	assert.Equal(t, Token, explicit["text"])

	shorthand := steps[1]["click"].(map[string]any)
	assert.Equal(t, "#go", shorthand["selector"])
	assert.Equal(t, "press", steps[1]["label"])
}

func TestSanitizeStepsRecursesIntoBranches(t *testing.T) {
	steps, redacted := SanitizeSteps([]map[string]any{
		{"tool": "when", "args": map[string]any{
			"if": map[string]any{"url": "login"},
			"then": []any{
				map[string]any{"tool": "type", "args": map[string]any{"text": "hunter2"}},
			},
			"else": []any{
				map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test"}},
			},
		}},
	})
	assert.True(t, redacted)

	args := steps[0]["args"].(map[string]any)
	then := args["then"].([]any)
	inner := then[0].(map[string]any)["args"].(map[string]any)
	assert.Equal(t, Token, inner["text"])

	other := args["else"].([]any)[0].(map[string]any)["args"].(map[string]any)
	assert.Equal(t, "https://example.test", other["url"])
}

func TestContainsSensitiveLiteral(t *testing.T) {
	assert.True(t, ContainsSensitiveLiteral([]map[string]any{
		{"tool": "type", "args": map[string]any{"text": "hunter2"}},
	}))
	assert.False(t, ContainsSensitiveLiteral([]map[string]any{
		{"tool": "type", "args": map[string]any{"text": "{{mem:pw}}"}},
		{"tool": "navigate", "args": map[string]any{"url": "https://example.test"}},
	}))
}
