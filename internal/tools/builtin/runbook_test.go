package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/flow"
	"surf/internal/logging"
	"surf/internal/memory"
	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type recordingDispatcher struct {
	calls []ports.ToolCall
}

func (d *recordingDispatcher) Dispatch(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	d.calls = append(d.calls, call)
	return shared.JSONResult(call.ID, map[string]any{"ok": true})
}

func (d *recordingDispatcher) Has(string) bool { return true }

func runbookDeps(t *testing.T) (*Deps, *recordingDispatcher) {
	t.Helper()
	store, err := memory.NewStore(64, 1<<20, logging.Nop())
	require.NoError(t, err)
	dispatcher := &recordingDispatcher{}
	return &Deps{Logger: logging.Nop(), Memory: store, Dispatcher: dispatcher}, dispatcher
}

func execRunbook(t *testing.T, deps *Deps, args map[string]any) *ports.ToolResult {
	t.Helper()
	result, err := NewRunbookTool(deps).Execute(context.Background(), ports.ToolCall{ID: "c1", Name: "runbook", Arguments: args})
	require.NoError(t, err)
	return result
}

func plainSteps() []any {
	return []any{
		map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test/login"}},
		map[string]any{"tool": "type", "args": map[string]any{"selector": "#pw", "text": "{{mem:site_password}}"}},
	}
}

func TestRunbookSaveAndGet(t *testing.T) {
	deps, _ := runbookDeps(t)

	saved := execRunbook(t, deps, map[string]any{"action": "save", "key": "login", "steps": plainSteps()})
	require.NoError(t, saved.Error)
	assert.Equal(t, 2, saved.Metadata["steps"])

	got := execRunbook(t, deps, map[string]any{"action": "get", "key": "login"})
	require.NoError(t, got.Error)
	assert.Equal(t, 2, got.Metadata["count"])
	steps, ok := got.Metadata["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 2)
}

func TestRunbookSaveRefusesRawSecrets(t *testing.T) {
	deps, _ := runbookDeps(t)

	result := execRunbook(t, deps, map[string]any{
		"action": "save",
		"key":    "login",
		"steps": []any{
			map[string]any{"tool": "type", "args": map[string]any{"selector": "#pw", "text": "hunter2"}},
		},
	})
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "raw secret literals")
	assert.Contains(t, result.Error.Error(), "{{mem:key}}")

	_, ok := deps.Memory.Get("login")
	assert.False(t, ok, "nothing is stored on refusal")
}

func TestRunbookSaveSensitiveOptIn(t *testing.T) {
	deps, _ := runbookDeps(t)

	result := execRunbook(t, deps, map[string]any{
		"action": "save",
		"key":    "login",
		"steps": []any{
			map[string]any{"tool": "type", "args": map[string]any{"text": "hunter2"}},
		},
		"allow_sensitive": true,
	})
	require.NoError(t, result.Error)

	// Reading it back lists placeholders, never the literal.
	got := execRunbook(t, deps, map[string]any{"action": "get", "key": "login"})
	require.NoError(t, got.Error)
	assert.Equal(t, true, got.Metadata["sensitive"])
	assert.NotContains(t, got.Content, "hunter2")
}

func TestRunbookSaveRejectsMalformedSteps(t *testing.T) {
	deps, _ := runbookDeps(t)

	result := execRunbook(t, deps, map[string]any{"action": "save", "key": "bad", "steps": []any{}})
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "non-empty steps list")

	result = execRunbook(t, deps, map[string]any{"action": "save", "key": "bad", "steps": []any{"just text", 7}})
	require.Error(t, result.Error)
}

func TestRunbookListOnlyStepLists(t *testing.T) {
	deps, _ := runbookDeps(t)
	_, err := deps.Memory.Set("last_order_id", "ord-1")
	require.NoError(t, err)

	saved := execRunbook(t, deps, map[string]any{"action": "save", "key": "login", "steps": plainSteps()})
	require.NoError(t, saved.Error)

	list := execRunbook(t, deps, map[string]any{"action": "list"})
	require.NoError(t, list.Error)
	assert.Equal(t, 1, list.Metadata["count"])
	assert.Equal(t, []string{"login"}, list.Metadata["runbooks"])
}

func TestRunbookDelete(t *testing.T) {
	deps, _ := runbookDeps(t)
	saved := execRunbook(t, deps, map[string]any{"action": "save", "key": "login", "steps": plainSteps()})
	require.NoError(t, saved.Error)

	deleted := execRunbook(t, deps, map[string]any{"action": "delete", "key": "login"})
	require.NoError(t, deleted.Error)

	missing := execRunbook(t, deps, map[string]any{"action": "delete", "key": "login"})
	require.Error(t, missing.Error)
	assert.Contains(t, missing.Error.Error(), `no runbook "login"`)
}

func TestRunbookRunDispatchesFlowWithInclude(t *testing.T) {
	deps, dispatcher := runbookDeps(t)
	saved := execRunbook(t, deps, map[string]any{"action": "save", "key": "login", "steps": plainSteps()})
	require.NoError(t, saved.Error)

	result := execRunbook(t, deps, map[string]any{
		"action": "run",
		"key":    "login",
		"params": map[string]any{"base_url": "https://example.test"},
		"vars":   map[string]any{"attempt": float64(1)},
	})
	require.NoError(t, result.Error)

	require.Len(t, dispatcher.calls, 1)
	call := dispatcher.calls[0]
	assert.Equal(t, "flow", call.Name, "replay runs under the internal executor")

	steps := call.Arguments["steps"].([]any)
	require.Len(t, steps, 1)
	macroArgs := steps[0].(map[string]any)["args"].(map[string]any)
	assert.Equal(t, "include_memory_steps", macroArgs["name"])
	inner := macroArgs["args"].(map[string]any)
	assert.Equal(t, "login", inner["memory_key"])
	assert.Equal(t, "https://example.test", inner["params"].(map[string]any)["base_url"])
	assert.Equal(t, float64(1), call.Arguments["vars"].(map[string]any)["attempt"])

	// The dispatched macro step must be expandable as emitted, or replay would
	// fail validation before reaching the runbook.
	expander := &flow.Expander{
		LoadRunbook: func(k string) ([]any, bool, bool, error) { return loadRunbook(deps, k) },
	}
	expansion, expandErr := expander.Expand("include_memory_steps", inner, false)
	require.NoError(t, expandErr)
	assert.Len(t, expansion.Steps, 2)
}

func TestRunbookRunUnknownKey(t *testing.T) {
	deps, dispatcher := runbookDeps(t)

	result := execRunbook(t, deps, map[string]any{"action": "run", "key": "absent"})
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), `no runbook "absent"`)
	assert.Empty(t, dispatcher.calls)
}

func TestLoadRunbookShapes(t *testing.T) {
	deps, _ := runbookDeps(t)

	_, err := deps.Memory.Set("bare", []any{map[string]any{"tool": "scroll"}})
	require.NoError(t, err)
	steps, _, found, loadErr := loadRunbook(deps, "bare")
	require.NoError(t, loadErr)
	assert.True(t, found)
	assert.Len(t, steps, 1)

	_, err = deps.Memory.Set("scalar", "not steps")
	require.NoError(t, err)
	_, _, found, loadErr = loadRunbook(deps, "scalar")
	require.Error(t, loadErr)
	assert.False(t, found)

	_, _, found, loadErr = loadRunbook(deps, "missing")
	require.NoError(t, loadErr)
	assert.False(t, found)
}
