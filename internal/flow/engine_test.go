package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/logging"
	"surf/internal/ports"
)

// dispatchOutcome scripts one Dispatch result for a tool.
type dispatchOutcome struct {
	payload map[string]any
	err     error
	delay   time.Duration
}

// fakeEnv is a scriptable Env for engine tests.
type fakeEnv struct {
	mu         sync.Mutex
	outcomes   map[string][]dispatchOutcome
	dispatched []ports.ToolCall
	missing    map[string]bool

	cursor       int64
	dialogOpen   bool
	dialogMeta   map[string]any
	directive    string
	closeOK      bool
	closeCalls   int
	recoverCalls int
	recoverErr   error
	abortCalls   int

	pageState map[string]any
	tier0     map[string]any

	mem          map[string]any
	memSensitive map[string]bool
	memSet       map[string]any

	resolved     *ResolvedAction
	labelMatches []ResolvedAction
	mapStatus    MapStatus

	tabs      []TabInfo
	switched  []string
	artifacts int
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		outcomes:     map[string][]dispatchOutcome{},
		missing:      map[string]bool{},
		pageState:    map[string]any{"url": "https://example.test/page", "title": "Example"},
		mem:          map[string]any{},
		memSensitive: map[string]bool{},
		memSet:       map[string]any{},
	}
}

func (f *fakeEnv) push(tool string, o dispatchOutcome) {
	f.outcomes[tool] = append(f.outcomes[tool], o)
}

func (f *fakeEnv) Dispatch(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, call)
	var next *dispatchOutcome
	if queue := f.outcomes[call.Name]; len(queue) > 0 {
		next = &queue[0]
		f.outcomes[call.Name] = queue[1:]
	}
	f.mu.Unlock()
	if next == nil {
		return &ports.ToolResult{Metadata: map[string]any{"ok": true}}, nil
	}
	if next.delay > 0 {
		time.Sleep(next.delay)
	}
	if next.err != nil {
		return nil, next.err
	}
	return &ports.ToolResult{Metadata: next.payload}, nil
}

func (f *fakeEnv) calls(tool string) []ports.ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ports.ToolCall
	for _, call := range f.dispatched {
		if call.Name == tool {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeEnv) HasTool(name string) bool { return !f.missing[name] }
func (f *fakeEnv) TabID() string            { return "tab-1" }
func (f *fakeEnv) Cursor(string) int64      { return f.cursor }
func (f *fakeEnv) PumpEvents()              {}

func (f *fakeEnv) DialogOpen(string) (bool, map[string]any) {
	return f.dialogOpen, f.dialogMeta
}
func (f *fakeEnv) AutoDialogMode(string) string { return f.directive }

func (f *fakeEnv) CloseDialog(_ context.Context, _ string, _ bool, _ time.Duration) (bool, error) {
	f.closeCalls++
	if f.closeOK {
		f.dialogOpen = false
		return true, nil
	}
	return false, errors.New("dialog did not close")
}

func (f *fakeEnv) Tier0Delta(string, int64) map[string]any { return f.tier0 }

func (f *fakeEnv) PageState(context.Context) (map[string]any, error) { return f.pageState, nil }

func (f *fakeEnv) AbortConn() {
	f.mu.Lock()
	f.abortCalls++
	f.mu.Unlock()
}

func (f *fakeEnv) aborts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortCalls
}

func (f *fakeEnv) Recover(context.Context, bool) error {
	f.recoverCalls++
	return f.recoverErr
}

func (f *fakeEnv) ResolveAffordance(_, ref, _ string) (*ResolvedAction, MapStatus) {
	if f.resolved != nil && f.resolved.Ref == ref {
		return f.resolved, f.mapStatus
	}
	return nil, f.mapStatus
}

func (f *fakeEnv) ResolveAffordanceByLabel(_, _, _, _ string, max int) ([]ResolvedAction, MapStatus) {
	matches := f.labelMatches
	if len(matches) > max {
		matches = matches[:max]
	}
	return matches, f.mapStatus
}

func (f *fakeEnv) ListTabs(context.Context) ([]TabInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TabInfo, len(f.tabs))
	copy(out, f.tabs)
	return out, nil
}

func (f *fakeEnv) SwitchTab(_ context.Context, tabID string) error {
	f.switched = append(f.switched, tabID)
	return nil
}

func (f *fakeEnv) DownloadBaseline(string) map[string]int64 { return nil }

func (f *fakeEnv) MemoryGet(key string) (any, bool, bool) {
	value, found := f.mem[key]
	return value, found, f.memSensitive[key]
}

func (f *fakeEnv) MemorySet(key string, value any) error {
	f.memSet[key] = value
	return nil
}

func (f *fakeEnv) LoadRunbook(string) ([]any, bool, bool, error) { return nil, false, false, nil }

func (f *fakeEnv) PutArtifact(string, string, []byte, map[string]any) (string, error) {
	f.artifacts++
	return fmt.Sprintf("art-%d", f.artifacts), nil
}

func newTestEngine(env *fakeEnv) *Engine {
	return &Engine{Env: env, Logger: logging.Nop(), Expander: &Expander{}}
}

func baseRequest(mode string, steps any) *Request {
	return &Request{
		Steps:         steps,
		Mode:          mode,
		StopOnError:   true,
		ActionTimeout: 5 * time.Second,
		ActionsOutput: "all",
	}
}

func TestRunBatchExportsAndVars(t *testing.T) {
	env := newFakeEnv()
	env.push("js", dispatchOutcome{payload: map[string]any{"result": map[string]any{"count": float64(42)}}})
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{
			"tool":   "js",
			"args":   map[string]any{"code": "count()"},
			"export": map[string]any{"n": "result.count"},
		},
		map[string]any{"tool": "type", "args": map[string]any{"selector": "#q", "text": "n={{n}}"}},
	}))

	require.True(t, report.OK, "report: %+v", report)
	assert.Equal(t, 2, report.Planned)
	assert.Equal(t, 2, report.Executed)
	assert.Equal(t, float64(42), report.Vars["n"])

	typed := env.calls("type")
	require.Len(t, typed, 1)
	assert.Equal(t, "n=42", typed[0].Arguments["text"])
	assert.Equal(t, float64(42), report.Steps[0].Export["n"])
}

func TestRunExactPlaceholderKeepsScalarType(t *testing.T) {
	env := newFakeEnv()
	env.push("js", dispatchOutcome{payload: map[string]any{"result": map[string]any{"pages": float64(7)}}})
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{
			"tool":   "js",
			"args":   map[string]any{"code": "probe()"},
			"export": map[string]any{"pages": "result.pages"},
		},
		map[string]any{"tool": "scroll", "args": map[string]any{"amount": "{{pages}}"}},
	}))

	require.True(t, report.OK)
	scrolls := env.calls("scroll")
	require.Len(t, scrolls, 1)
	assert.Equal(t, float64(7), scrolls[0].Arguments["amount"], "exact placeholder must not stringify")
}

func TestRunMemoryPlaceholderInjectsWithoutEcho(t *testing.T) {
	env := newFakeEnv()
	env.mem["github_password"] = "hunter2"
	env.memSensitive["github_password"] = true
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "type", "args": map[string]any{"selector": "#pw", "text": "{{mem:github_password}}"}},
	}))

	require.True(t, report.OK)
	typed := env.calls("type")
	require.Len(t, typed, 1)
	assert.Equal(t, "hunter2", typed[0].Arguments["text"])
	assert.Equal(t, "used <mem:github_password>", report.Steps[0].Note)
	assert.NotContains(t, report.JSON(), "hunter2")
}

func TestRunMissingMemoryKeyFailsWithHint(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "type", "args": map[string]any{"text": "{{mem:nope}}"}},
	}))

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassMissingRef, report.FirstError.Class)
	assert.Contains(t, report.FirstError.Suggestion, "memory_list")
	assert.Empty(t, env.calls("type"), "step must not dispatch with an unresolved secret")
}

func TestRunIrreversibleRefusedUpfront(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test"}},
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#buy"}, "irreversible": true},
	}))

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassPolicy, report.FirstError.Class)
	assert.Equal(t, 1, report.FirstErrorStep)
	assert.Equal(t, 0, report.Executed, "nothing may run before the refusal")
	assert.Empty(t, env.dispatched)
	assert.Contains(t, report.FirstError.Suggestion, "confirm_irreversible=true")
}

func TestRunIrreversibleConfirmedExecutes(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)
	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#buy"}, "irreversible": true},
	})
	req.ConfirmIrreversible = true

	report := engine.Run(context.Background(), req)

	assert.True(t, report.OK)
	assert.Len(t, env.calls("click"), 1)
}

func TestRunDialogBlocksStep(t *testing.T) {
	env := newFakeEnv()
	env.dialogOpen = true
	env.dialogMeta = map[string]any{"type": "confirm", "message": "sure?"}
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#go"}},
	})
	req.AutoDialog = "off"
	report := engine.Run(context.Background(), req)

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassDialogBlock, report.FirstError.Class)
	assert.Contains(t, report.FirstError.Suggestion, "dialog(accept=")
	assert.Empty(t, env.calls("click"))
}

func TestRunDialogAutoDismissed(t *testing.T) {
	env := newFakeEnv()
	env.dialogOpen = true
	env.closeOK = true
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#go"}},
	})
	req.AutoDialog = "dismiss"
	report := engine.Run(context.Background(), req)

	assert.True(t, report.OK)
	assert.Equal(t, 1, env.closeCalls)
	assert.Len(t, env.calls("click"), 1)
}

func TestRunPerTabDialogDirectiveWins(t *testing.T) {
	env := newFakeEnv()
	env.dialogOpen = true
	env.closeOK = true
	env.directive = "accept"
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#go"}},
	})
	req.AutoDialog = "off"
	report := engine.Run(context.Background(), req)

	assert.True(t, report.OK, "tab-level auto directive overrides the batch default")
	assert.Equal(t, 1, env.closeCalls)
}

func TestRunBrickRecoveryResumesInRunMode(t *testing.T) {
	env := newFakeEnv()
	env.push("click", dispatchOutcome{err: errors.New("websocket closed unexpectedly")})
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#a"}},
		map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test/next"}},
	})
	req.AutoRecover = true
	req.MaxRecoveries = 2
	report := engine.Run(context.Background(), req)

	assert.Equal(t, 1, env.recoverCalls)
	assert.Equal(t, 1, report.Recoveries)
	assert.Equal(t, 2, report.Executed, "run mode resumes after recovery")
	assert.True(t, report.OK)
	require.Len(t, report.Steps, 2)
	assert.False(t, report.Steps[0].OK)
	assert.Equal(t, ClassCDPBrick, report.Steps[0].Error.Class)
	assert.True(t, report.Steps[1].OK)
}

func TestRunBrickStopsFlowMode(t *testing.T) {
	env := newFakeEnv()
	env.push("click", dispatchOutcome{err: errors.New("websocket closed unexpectedly")})
	engine := newTestEngine(env)

	req := baseRequest("flow", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#a"}},
		map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test/next"}},
	})
	req.AutoRecover = true
	req.MaxRecoveries = 2
	report := engine.Run(context.Background(), req)

	assert.Equal(t, 0, env.recoverCalls, "flow mode never auto-recovers")
	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassCDPBrick, report.FirstError.Class)
	assert.Equal(t, 1, report.Executed)
}

func TestRunStartAtResumes(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test/one"}},
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#two"}},
	})
	req.StartAt = 1
	report := engine.Run(context.Background(), req)

	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Executed)
	assert.Empty(t, env.calls("navigate"))
	assert.Len(t, env.calls("click"), 1)
}

func TestRunWhenSplicesMatchedBranch(t *testing.T) {
	env := newFakeEnv()
	env.push("js", dispatchOutcome{payload: map[string]any{"result": true}})
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "when", "args": map[string]any{
			"if":   map[string]any{"js": "loggedIn()"},
			"then": []any{map[string]any{"tool": "click", "args": map[string]any{"selector": "#next"}}},
			"else": []any{map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test/login"}}},
		}},
	}))

	require.True(t, report.OK, "report: %+v", report)
	assert.Equal(t, 2, report.Executed)
	assert.Len(t, env.calls("click"), 1)
	assert.Empty(t, env.calls("navigate"))
	require.Len(t, report.Steps, 2)
	assert.True(t, report.Steps[1].Injected)
}

func TestRunWhenBranchCap(t *testing.T) {
	env := newFakeEnv()
	env.push("js", dispatchOutcome{payload: map[string]any{"result": true}})
	engine := newTestEngine(env)

	branch := make([]any, branchCap+1)
	for i := range branch {
		branch[i] = map[string]any{"tool": "wait", "args": map[string]any{"ms": 1}}
	}
	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "when", "args": map[string]any{
			"if":   map[string]any{"js": "true"},
			"then": branch,
		}},
	}))

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassValidation, report.FirstError.Class)
	assert.Contains(t, report.FirstError.Message, "cap is 50")
}

func TestRunRepeatUntilCondition(t *testing.T) {
	env := newFakeEnv()
	// Probe false on the first evaluation, true on the second.
	env.push("js", dispatchOutcome{payload: map[string]any{"result": false}})
	env.push("js", dispatchOutcome{payload: map[string]any{"result": true}})
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "repeat", "args": map[string]any{
			"max_iters": 5,
			"until":     map[string]any{"js": "atEnd()"},
			"steps":     []any{map[string]any{"tool": "scroll", "args": map[string]any{"direction": "down"}}},
		}},
	}))

	require.True(t, report.OK, "report: %+v", report)
	assert.Len(t, env.calls("scroll"), 1, "one body iteration before the condition held")
	// repeat, scroll, re-armed repeat
	assert.Equal(t, 3, report.Executed)
}

func TestRunRepeatCaps(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	bigBody := make([]any, maxRepeatBody+1)
	for i := range bigBody {
		bigBody[i] = map[string]any{"tool": "wait", "args": map[string]any{"ms": 1}}
	}
	cases := []struct {
		name string
		args map[string]any
	}{
		{"iters_zero", map[string]any{"max_iters": 0, "steps": []any{map[string]any{"tool": "wait"}}}},
		{"iters_over", map[string]any{"max_iters": maxRepeatIters + 1, "steps": []any{map[string]any{"tool": "wait"}}}},
		{"body_over", map[string]any{"max_iters": 1, "steps": bigBody}},
		{"total_over", map[string]any{"max_iters": 50, "steps": bigBody[:10]}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := engine.Run(context.Background(), baseRequest("run", []any{
				map[string]any{"tool": "repeat", "args": tc.args},
			}))
			require.NotNil(t, report.FirstError)
			assert.Equal(t, ClassValidation, report.FirstError.Class)
		})
	}
}

func TestRunActByRef(t *testing.T) {
	env := newFakeEnv()
	env.resolved = &ResolvedAction{
		Ref: "a3", Tool: "click", Kind: "button", Text: "Submit",
		Args: map[string]any{"selector": "#submit"},
	}
	env.mapStatus = MapStatus{Found: true, Items: 12, StoredURL: "https://example.test/page", CurrentURL: "https://example.test/page"}
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "act", "args": map[string]any{"ref": "a3"}},
	}))

	require.True(t, report.OK, "report: %+v", report)
	clicks := env.calls("click")
	require.Len(t, clicks, 1)
	assert.Equal(t, "#submit", clicks[0].Arguments["selector"])
	require.NotNil(t, report.Steps[0].Resolved)
	assert.Equal(t, "a3", report.Steps[0].Resolved["ref"])
}

func TestRunActAmbiguousLabel(t *testing.T) {
	env := newFakeEnv()
	env.labelMatches = []ResolvedAction{
		{Ref: "a1", Tool: "click", Kind: "button", Text: "Save draft"},
		{Ref: "a2", Tool: "click", Kind: "button", Text: "Save and publish"},
	}
	env.mapStatus = MapStatus{Found: true, Items: 2}
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "act", "args": map[string]any{"label": "save"}},
	}))

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassAmbiguous, report.FirstError.Class)
	assert.Contains(t, report.FirstError.Suggestion, "index=N")
	candidates, ok := report.FirstError.Details["candidates"].([]string)
	require.True(t, ok)
	assert.Len(t, candidates, 2)
	assert.Empty(t, env.calls("click"))
}

func TestRunActAmbiguousLabelIndexDisambiguates(t *testing.T) {
	env := newFakeEnv()
	env.labelMatches = []ResolvedAction{
		{Ref: "a1", Tool: "click", Args: map[string]any{"selector": "#draft"}},
		{Ref: "a2", Tool: "click", Args: map[string]any{"selector": "#publish"}},
	}
	env.mapStatus = MapStatus{Found: true, Items: 2}
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "act", "args": map[string]any{"label": "save", "index": 1}},
	}))

	require.True(t, report.OK)
	clicks := env.calls("click")
	require.Len(t, clicks, 1)
	assert.Equal(t, "#publish", clicks[0].Arguments["selector"])
}

func TestRunActStaleMapFails(t *testing.T) {
	env := newFakeEnv()
	env.resolved = &ResolvedAction{Ref: "a3", Tool: "click", Args: map[string]any{"selector": "#x"}}
	env.mapStatus = MapStatus{Found: true, Stale: true, StoredURL: "https://example.test/old", CurrentURL: "https://example.test/new", Items: 4}
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "act", "args": map[string]any{"ref": "a3"}},
	}))

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassMissingRef, report.FirstError.Class)
	assert.Contains(t, report.FirstError.Message, "stale")
	assert.Contains(t, report.FirstError.Suggestion, `page(detail="locators")`)
}

func TestRunExportRejectsNonScalar(t *testing.T) {
	env := newFakeEnv()
	env.push("js", dispatchOutcome{payload: map[string]any{"result": map[string]any{"nested": true}}})
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{
			"tool":   "js",
			"args":   map[string]any{"code": "probe()"},
			"export": map[string]any{"blob": "result"},
		},
	}))

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassValidation, report.FirstError.Class)
	assert.Contains(t, report.FirstError.Message, "scalar")
}

func TestRunUnknownToolFails(t *testing.T) {
	env := newFakeEnv()
	env.missing["frobnicate"] = true
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "frobnicate", "args": map[string]any{}},
	}))

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassValidation, report.FirstError.Class)
	assert.Contains(t, report.FirstError.Message, "frobnicate")
}

func TestRunOptionalStepFailureContinues(t *testing.T) {
	env := newFakeEnv()
	// A non-transient failure, so the engine does not retry the optional step.
	env.push("click", dispatchOutcome{err: errors.New("http 500 from origin")})
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#maybe"}, "optional": true},
		map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test/on"}},
	}))

	assert.True(t, report.OK)
	assert.Nil(t, report.FirstError)
	assert.Equal(t, 2, report.Executed)
	assert.False(t, report.Steps[0].OK)
}

func TestRunUITransientRetriesOnceAfterOverlayDismiss(t *testing.T) {
	env := newFakeEnv()
	env.push("click", dispatchOutcome{err: errors.New("element is not clickable at point")})
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#cta"}},
	}))

	require.True(t, report.OK, "report: %+v", report)
	assert.True(t, report.Steps[0].Retried)
	assert.Len(t, env.calls("click"), 2)
	require.Len(t, env.calls("js"), 1, "overlay dismissal runs between the attempts")
}

func TestRunIrreversibleNeverRetries(t *testing.T) {
	env := newFakeEnv()
	env.push("click", dispatchOutcome{err: errors.New("element is not clickable at point")})
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#pay"}, "irreversible": true},
	})
	req.ConfirmIrreversible = true
	report := engine.Run(context.Background(), req)

	require.NotNil(t, report.FirstError)
	assert.Len(t, env.calls("click"), 1)
	assert.False(t, report.Steps[0].Retried)
}

func TestRunWatchdogTimeout(t *testing.T) {
	env := newFakeEnv()
	env.push("click", dispatchOutcome{
		payload: map[string]any{"ok": true},
		delay:   1400 * time.Millisecond,
	})
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#slow"}},
	})
	req.ActionTimeout = time.Millisecond // clamped to the 1s floor
	report := engine.Run(context.Background(), req)

	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassTimeout, report.FirstError.Class)
	assert.GreaterOrEqual(t, env.aborts(), 1, "watchdog must abort the shared socket")
}

func TestRunAutoTabSwitchesToSingleNewTab(t *testing.T) {
	env := newFakeEnv()
	env.tabs = []TabInfo{{ID: "tab-1", Active: true}}
	env.push("click", dispatchOutcome{payload: map[string]any{"ok": true}, delay: 150 * time.Millisecond})
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "click", "args": map[string]any{"selector": "a[target=_blank]"}, "auto_tab": true},
	})
	go func() {
		// The popup appears while the click is in flight.
		time.Sleep(50 * time.Millisecond)
		env.mu.Lock()
		env.tabs = append(env.tabs, TabInfo{ID: "tab-2", URL: "https://example.test/popup"})
		env.mu.Unlock()
	}()
	report := engine.Run(context.Background(), req)

	require.True(t, report.OK, "report: %+v", report)
	require.NotNil(t, report.Steps[0].AutoTab)
	assert.Equal(t, true, report.Steps[0].AutoTab["switched"])
	assert.Equal(t, []string{"tab-2"}, env.switched)
}

func TestRunRecordSanitizedRunbook(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "type", "args": map[string]any{"selector": "#pw", "text": "hunter2"}},
	})
	req.RecordMemoryKey = "runbook.login"
	report := engine.Run(context.Background(), req)

	require.True(t, report.OK)
	require.NotNil(t, report.Recording)
	assert.Equal(t, true, report.Recording["ok"])
	assert.Equal(t, "sanitized", report.Recording["mode"])
	assert.Equal(t, true, report.Recording["redacted"])
	assert.Equal(t, true, report.Recording["sensitive"])

	entry, ok := env.memSet["runbook.login"].(map[string]any)
	require.True(t, ok)
	steps, ok := entry["steps"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, steps, 1)
	args := steps[0]["args"].(map[string]any)
	assert.Equal(t, "<redacted>", args["text"], "literal secrets never land in recordings")
}

func TestRunRecordKeepsPlaceholderReferences(t *testing.T) {
	env := newFakeEnv()
	env.mem["pw"] = "hunter2"
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "type", "args": map[string]any{"selector": "#pw", "text": "{{mem:pw}}"}},
	})
	req.RecordMemoryKey = "runbook.login"
	report := engine.Run(context.Background(), req)

	require.True(t, report.OK)
	entry := env.memSet["runbook.login"].(map[string]any)
	steps := entry["steps"].([]map[string]any)
	args := steps[0]["args"].(map[string]any)
	assert.Equal(t, "{{mem:pw}}", args["text"], "placeholder references are the recordable form")
	assert.Equal(t, false, report.Recording["redacted"])
}

func TestRunActionsOutputErrorsKeepsOnlyFailures(t *testing.T) {
	env := newFakeEnv()
	env.push("click", dispatchOutcome{err: errors.New("http 500 from origin")})
	engine := newTestEngine(env)

	req := baseRequest("run", []any{
		map[string]any{"tool": "navigate", "args": map[string]any{"url": "https://example.test"}},
		map[string]any{"tool": "click", "args": map[string]any{"selector": "#x"}, "optional": true},
		map[string]any{"tool": "screenshot", "args": map[string]any{}},
	})
	req.ActionsOutput = "errors"
	report := engine.Run(context.Background(), req)

	assert.True(t, report.OK)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "click", report.Steps[0].Tool)
}

func TestRunOffloadsLargeActionLists(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	var steps []any
	for i := 0; i < 10; i++ {
		steps = append(steps, map[string]any{"tool": "wait", "args": map[string]any{"ms": 1}})
	}
	report := engine.Run(context.Background(), baseRequest("run", steps))

	require.True(t, report.OK)
	assert.NotEmpty(t, report.ActionsArtifact)
	var hinted bool
	for _, hint := range report.Next {
		if hint == fmt.Sprintf(`artifact(action="get", id="%s", offset=0, max_chars=4000)`, report.ActionsArtifact) {
			hinted = true
		}
	}
	assert.True(t, hinted, "next hints: %v", report.Next)
}

func TestRunMacroDryRunPlansWithoutSplice(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "macro", "args": map[string]any{
			"name":    "login_basic",
			"dry_run": true,
			"args":    map[string]any{"username": "alice", "password": "hunter2"},
		}},
	}))

	require.True(t, report.OK, "report: %+v", report)
	assert.Equal(t, 1, report.Executed, "dry_run must not splice the expansion")
	assert.Empty(t, env.calls("form"))
	assert.NotContains(t, report.JSON(), "hunter2", "dry_run plans are sanitized")
	require.NotNil(t, report.Steps[0].Result)
	assert.Equal(t, true, report.Steps[0].Result["dry_run"])
	assert.Contains(t, report.Steps[0].Result["plan"], "login_basic")
}

func TestRunAssertURLAndTitle(t *testing.T) {
	env := newFakeEnv()
	engine := newTestEngine(env)

	report := engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "assert", "args": map[string]any{"url": "example.test", "title": "Example"}},
	}))
	require.True(t, report.OK, "report: %+v", report)

	report = engine.Run(context.Background(), baseRequest("run", []any{
		map[string]any{"tool": "assert", "args": map[string]any{"url": "other.host"}},
	}))
	require.NotNil(t, report.FirstError)
	assert.Equal(t, ClassToolFailure, report.FirstError.Class)
}

func TestRunBaselineUsesWallClockWhileDialogOpen(t *testing.T) {
	env := newFakeEnv()
	env.dialogOpen = true
	env.closeOK = true
	env.cursor = 5
	engine := newTestEngine(env)

	before := time.Now().UnixMilli()
	req := baseRequest("run", []any{
		map[string]any{"tool": "dialog", "args": map[string]any{"accept": true}},
	})
	report := engine.Run(context.Background(), req)

	assert.GreaterOrEqual(t, report.Baseline, before,
		"an in-page clock probe would hang behind the dialog")
}

func TestRunFinalAuditSectionFromPageHelper(t *testing.T) {
	env := newFakeEnv()
	env.push("page", dispatchOutcome{payload: map[string]any{"ok": true}})
	env.push("page", dispatchOutcome{payload: map[string]any{
		"audit": map[string]any{"page": map[string]any{"url": "https://example.test/page"}},
	}})
	engine := newTestEngine(env)

	req := baseRequest("flow", []any{
		map[string]any{"tool": "page", "args": map[string]any{"info": true}},
	})
	req.Final = "audit"
	report := engine.Run(context.Background(), req)
	require.True(t, report.OK, "report: %+v", report)

	require.Contains(t, report.Final, "audit")
	section := report.Final["audit"].(map[string]any)
	page := section["audit"].(map[string]any)["page"].(map[string]any)
	assert.Equal(t, "https://example.test/page", page["url"])

	calls := env.calls("page")
	require.Len(t, calls, 2, "one batch step plus one final helper")
	assert.Equal(t, "audit", calls[1].Arguments["detail"])
	assert.NotContains(t, calls[1].Arguments, "since")
	assert.NotNil(t, report.Observe, "observe always rides along")
}

func TestRunDeltaFinalScopesHelperToBaseline(t *testing.T) {
	env := newFakeEnv()
	env.cursor = 900
	engine := newTestEngine(env)

	req := baseRequest("flow", []any{
		map[string]any{"tool": "wait", "args": map[string]any{"ms": float64(1)}},
	})
	req.Final = "triage"
	req.DeltaFinal = true
	report := engine.Run(context.Background(), req)
	require.True(t, report.OK, "report: %+v", report)

	calls := env.calls("page")
	require.Len(t, calls, 1)
	assert.Equal(t, report.Baseline, calls[0].Arguments["since"],
		"delta sections never reach back before the run")
}
