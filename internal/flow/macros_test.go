package flow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandUnknownMacroListsKnown(t *testing.T) {
	expander := &Expander{}
	_, err := expander.Expand("make_coffee", nil, false)
	require.Error(t, err)
	stepErr := Classify(err)
	assert.Equal(t, ClassValidation, stepErr.Class)
	assert.Contains(t, stepErr.Message, "dismiss_overlays")
	assert.Contains(t, stepErr.Message, "include_memory_steps")
}

func TestExpandTraceThenScreenshot(t *testing.T) {
	expander := &Expander{}
	expansion, err := expander.Expand("trace_then_screenshot", nil, false)
	require.NoError(t, err)
	require.Len(t, expansion.Steps, 2)

	page := expansion.Steps[0]
	assert.Equal(t, "page", page["tool"])
	pageArgs := page["args"].(map[string]any)
	assert.Equal(t, "net", pageArgs["detail"])
	assert.Equal(t, true, pageArgs["store"])
	assert.Equal(t, "screenshot", expansion.Steps[1]["tool"])
}

func TestExpandDismissOverlays(t *testing.T) {
	expander := &Expander{OverlayJS: "probe()"}
	expansion, err := expander.Expand("dismiss_overlays", nil, false)
	require.NoError(t, err)
	require.Len(t, expansion.Steps, 1)
	step := expansion.Steps[0]
	assert.Equal(t, "js", step["tool"])
	assert.Equal(t, true, step["optional"])
	assert.Equal(t, "probe()", step["args"].(map[string]any)["code"])
}

func TestExpandDismissOverlaysDefaultScript(t *testing.T) {
	expander := &Expander{}
	expansion, err := expander.Expand("dismiss_overlays", nil, false)
	require.NoError(t, err)
	code := expansion.Steps[0]["args"].(map[string]any)["code"].(string)
	assert.Contains(t, code, "elementsFromPoint", "default script is the viewport-center hit test")
}

func TestExpandLoginBasic(t *testing.T) {
	expander := &Expander{}
	expansion, err := expander.Expand("login_basic", map[string]any{
		"username": "alice",
		"password": "{{mem:pw}}",
	}, false)
	require.NoError(t, err)
	require.Len(t, expansion.Steps, 1)

	step := expansion.Steps[0]
	assert.Equal(t, "form", step["tool"])
	fields := step["args"].(map[string]any)["fields"].([]any)
	require.Len(t, fields, 2)
	assert.Equal(t, true, step["args"].(map[string]any)["submit"])
}

func TestExpandLoginBasicRequiresCredentials(t *testing.T) {
	expander := &Expander{}
	_, err := expander.Expand("login_basic", map[string]any{"username": "alice"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")

	_, err = expander.Expand("login_basic", map[string]any{"password": "x"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username")
}

func TestExpandPlanNeverCarriesSecretLiterals(t *testing.T) {
	expander := &Expander{}
	expansion, err := expander.Expand("login_basic", map[string]any{
		"username": "alice",
		"password": "hunter2",
	}, true)
	require.NoError(t, err)
	assert.NotContains(t, expansion.Plan, "hunter2")
	assert.Contains(t, expansion.Plan, "login_basic")
}

func TestExpandScrollUntilVisible(t *testing.T) {
	expander := &Expander{}
	expansion, err := expander.Expand("scroll_until_visible", map[string]any{
		"selector":  "#load-more",
		"max_iters": 7,
	}, false)
	require.NoError(t, err)
	require.Len(t, expansion.Steps, 1)

	step := expansion.Steps[0]
	assert.Equal(t, "repeat", step["tool"])
	args := step["args"].(map[string]any)
	assert.Equal(t, 7, args["max_iters"])
	assert.Equal(t, "#load-more", args["until"].(map[string]any)["selector"])

	_, err = expander.Expand("scroll_until_visible", nil, false)
	require.Error(t, err)
}

func TestExpandGotoIfNeeded(t *testing.T) {
	expander := &Expander{}
	expansion, err := expander.Expand("goto_if_needed", map[string]any{
		"url_contains": "/dashboard",
		"url":          "https://example.test/dashboard",
	}, false)
	require.NoError(t, err)
	require.Len(t, expansion.Steps, 1)

	step := expansion.Steps[0]
	assert.Equal(t, "when", step["tool"])
	args := step["args"].(map[string]any)
	assert.Equal(t, "/dashboard", args["if"].(map[string]any)["url"])
	elseSteps := args["else"].([]any)
	require.Len(t, elseSteps, 1)
	assert.Equal(t, "navigate", elseSteps[0].(map[string]any)["tool"])
}

func TestExpandAssertThenCapsTotalSteps(t *testing.T) {
	expander := &Expander{}
	then := make([]any, MaxMacroSteps)
	for i := range then {
		then[i] = map[string]any{"tool": "wait", "args": map[string]any{"ms": 1}}
	}
	_, err := expander.Expand("assert_then", map[string]any{
		"assert": map[string]any{"url": "example.test"},
		"then":   then,
	}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("cap is %d", MaxMacroSteps))
}

func staticRunbooks(books map[string][]any, sensitive map[string]bool) RunbookLoader {
	return func(key string) ([]any, bool, bool, error) {
		steps, found := books[key]
		return steps, sensitive[key], found, nil
	}
}

func TestExpandIncludeMemorySteps(t *testing.T) {
	loader := staticRunbooks(map[string][]any{
		"login": {
			map[string]any{"tool": "navigate", "args": map[string]any{"url": "{{param:base}}/login"}},
			map[string]any{"tool": "type", "args": map[string]any{"selector": "#pw", "text": "{{mem:pw}}"}},
		},
	}, nil)
	expander := &Expander{LoadRunbook: loader}

	expansion, err := expander.Expand("include_memory_steps", map[string]any{
		"memory_key": "login",
		"params":     map[string]any{"base": "https://example.test"},
	}, false)
	require.NoError(t, err)
	require.Len(t, expansion.Steps, 2)

	nav := expansion.Steps[0]["args"].(map[string]any)
	assert.Equal(t, "https://example.test/login", nav["url"])
	typed := expansion.Steps[1]["args"].(map[string]any)
	assert.Equal(t, "{{mem:pw}}", typed["text"], "mem refs resolve at execution, not expansion")
}

func TestExpandIncludeMissingParamFailsClosed(t *testing.T) {
	loader := staticRunbooks(map[string][]any{
		"go": {map[string]any{"tool": "navigate", "args": map[string]any{"url": "{{param:base}}"}}},
	}, nil)
	expander := &Expander{LoadRunbook: loader}

	_, err := expander.Expand("include_memory_steps", map[string]any{"memory_key": "go"}, false)
	require.Error(t, err)
	stepErr := Classify(err)
	assert.Equal(t, ClassMissingRef, stepErr.Class)
	assert.Contains(t, stepErr.Message, "param:base")
}

func TestExpandIncludeUnknownRunbook(t *testing.T) {
	expander := &Expander{LoadRunbook: staticRunbooks(nil, nil)}
	_, err := expander.Expand("include_memory_steps", map[string]any{"memory_key": "nope"}, false)
	require.Error(t, err)
	stepErr := Classify(err)
	assert.Equal(t, ClassMissingRef, stepErr.Class)
	assert.Contains(t, stepErr.Suggestion, `runbook(action="list")`)
}

func TestExpandIncludeSensitiveRunbookNeedsOptIn(t *testing.T) {
	books := map[string][]any{
		"secret-login": {map[string]any{"tool": "wait", "args": map[string]any{}}},
	}
	sensitive := map[string]bool{"secret-login": true}

	permissive := &Expander{LoadRunbook: staticRunbooks(books, sensitive)}
	_, err := permissive.Expand("include_memory_steps", map[string]any{"memory_key": "secret-login"}, false)
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, Classify(err).Class)

	_, err = permissive.Expand("include_memory_steps", map[string]any{
		"memory_key": "secret-login", "allow_sensitive": true,
	}, false)
	assert.NoError(t, err, "permissive policy honors the explicit opt-in")

	strict := &Expander{LoadRunbook: staticRunbooks(books, sensitive), StrictPolicy: true}
	_, err = strict.Expand("include_memory_steps", map[string]any{
		"memory_key": "secret-login", "allow_sensitive": true,
	}, false)
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, Classify(err).Class, "strict policy ignores allow_sensitive")
}

func TestExpandIncludeDetectsRecursion(t *testing.T) {
	books := map[string][]any{
		"a": {map[string]any{"tool": "macro", "args": map[string]any{
			"name": "include_memory_steps", "args": map[string]any{"memory_key": "b"},
		}}},
		"b": {map[string]any{"tool": "macro", "args": map[string]any{
			"name": "include_memory_steps", "args": map[string]any{"memory_key": "a"},
		}}},
	}
	expander := &Expander{LoadRunbook: staticRunbooks(books, nil)}

	_, err := expander.Expand("include_memory_steps", map[string]any{"memory_key": "a"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursive")
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestExpandIncludeFlattensNestedIncludes(t *testing.T) {
	books := map[string][]any{
		"outer": {
			map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test"}},
			map[string]any{"macro": map[string]any{
				"name": "include_memory_steps", "args": map[string]any{"memory_key": "inner"},
			}},
		},
		"inner": {map[string]any{"tool": "screenshot", "args": map[string]any{}}},
	}
	expander := &Expander{LoadRunbook: staticRunbooks(books, nil)}

	expansion, err := expander.Expand("include_memory_steps", map[string]any{"memory_key": "outer"}, false)
	require.NoError(t, err)
	require.Len(t, expansion.Steps, 2)
	assert.Equal(t, "navigate", expansion.Steps[0]["tool"])
	assert.Equal(t, "screenshot", expansion.Steps[1]["tool"])
}

func TestResolveParamStringInlineAndExact(t *testing.T) {
	params := map[string]any{"n": float64(4), "host": "example.test"}

	exact, err := resolveParamString("{{param:n}}", params)
	require.NoError(t, err)
	assert.Equal(t, float64(4), exact, "exact param placeholder keeps type")

	inline, err := resolveParamString("https://{{param:host}}/p?n=${param:n}", params)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/p?n=4", inline)

	passthrough, err := resolveParamString("{{mem:pw}}", params)
	require.NoError(t, err)
	assert.Equal(t, "{{mem:pw}}", passthrough)
}
