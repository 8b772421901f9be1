package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"surf/internal/logging"
	"surf/internal/observability"
	"surf/internal/ports"
	"surf/internal/redact"
)

// MaxTotalSteps caps the expanded step queue of a single run.
const MaxTotalSteps = 2000

// branchCap bounds a when branch.
const branchCap = 50

// dialogCloseWait bounds the in-run auto-dialog close attempt.
const dialogCloseWait = 2 * time.Second

// Env is everything the engine needs from the outside world: tool dispatch,
// the shared browser session, and the process-global stores. The session
// manager satisfies it through an adapter; tests use a fake.
type Env interface {
	Dispatch(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error)
	HasTool(name string) bool

	TabID() string
	Cursor(tabID string) int64
	PumpEvents()
	DialogOpen(tabID string) (bool, map[string]any)
	AutoDialogMode(tabID string) string
	CloseDialog(ctx context.Context, tabID string, accept bool, maxWait time.Duration) (bool, error)
	Tier0Delta(tabID string, since int64) map[string]any
	PageState(ctx context.Context) (map[string]any, error)
	AbortConn()
	Recover(ctx context.Context, hard bool) error

	ResolveAffordance(tabID, ref, currentURL string) (*ResolvedAction, MapStatus)
	ResolveAffordanceByLabel(tabID, label, kind, currentURL string, max int) ([]ResolvedAction, MapStatus)

	ListTabs(ctx context.Context) ([]TabInfo, error)
	SwitchTab(ctx context.Context, tabID string) error
	DownloadBaseline(tabID string) map[string]int64

	MemoryGet(key string) (any, bool, bool)
	MemorySet(key string, value any) error
	LoadRunbook(key string) (steps []any, sensitive bool, found bool, err error)

	PutArtifact(kind, mime string, data []byte, meta map[string]any) (string, error)
}

// ResolvedAction is a concrete tool invocation an affordance resolves to.
type ResolvedAction struct {
	Ref  string
	Tool string
	Kind string
	Text string
	Args map[string]any
}

// MapStatus reports affordance-map staleness.
type MapStatus struct {
	Found      bool
	Stale      bool
	StoredURL  string
	CurrentURL string
	Items      int
}

// TabInfo is a page target as the engine sees it.
type TabInfo struct {
	ID     string
	URL    string
	Title  string
	Active bool
}

// Request is a fully-resolved batch request. The run/flow tools populate it
// from user arguments plus policy and heuristic defaults.
type Request struct {
	Steps any
	Mode  string // "run" or "flow"

	StartAt             int
	StopOnError         bool
	Final               string
	DeltaFinal          bool
	Proof               bool
	ProofScreenshot     string // "artifact" or "off"
	AutoDialog          string // "off", "dismiss", "accept"
	AutoRecover         bool
	RecoverHard         bool
	MaxRecoveries       int
	AutoDownload        bool
	AutoDownloadTimeout float64
	AutoTab             bool
	AutoAffordances     bool
	ConfirmIrreversible bool
	ActionTimeout       time.Duration
	ActionsOutput       string // "all", "errors", "none"
	RecordMemoryKey     string
	RecordOnFailure     bool
	RecordMode          string // "sanitized" or "raw"
	Vars                map[string]any
}

// Engine executes one batch of steps serially against the shared session.
type Engine struct {
	Env      Env
	Logger   logging.Logger
	Expander *Expander

	// state of the in-flight run
	req        *Request
	queue      []*Step
	vars       map[string]any
	baseline   int64
	recoveries int
	rawSteps   []any
}

// Run executes the batch and always returns a report, never an error: every
// failure mode is represented inside the report.
func (e *Engine) Run(ctx context.Context, req *Request) *Report {
	logger := logging.OrNop(e.Logger)
	report := &Report{Mode: req.Mode, Vars: map[string]any{}}

	steps, err := NormalizeSteps(req.Steps)
	if err != nil {
		report.fail(-1, Classify(err))
		return report
	}
	e.req = req
	e.queue = steps
	e.vars = map[string]any{}
	for key, value := range req.Vars {
		e.vars[key] = value
	}
	e.recoveries = 0
	e.rawSteps = rawList(steps)
	report.Planned = len(steps)

	// Irreversible steps refuse the whole batch before any action runs.
	for i, step := range steps {
		if step.Irreversible && !req.ConfirmIrreversible {
			report.fail(i, newStepError(ClassPolicy,
				"re-run with confirm_irreversible=true after reviewing the plan",
				"step %d (%s) is marked irreversible and confirm_irreversible is not set", i, step.Tool))
			return report
		}
	}

	tabID := e.Env.TabID()
	e.Env.PumpEvents()
	if open, _ := e.Env.DialogOpen(tabID); open {
		// An in-page Date.now() probe would hang behind the dialog.
		e.baseline = time.Now().UnixMilli()
	} else {
		e.baseline = e.Env.Cursor(tabID)
	}
	report.Baseline = e.baseline

	start := req.StartAt
	if start < 0 {
		start = 0
	}
	if start > len(e.queue) {
		start = len(e.queue)
	}
	for i := start; i < len(e.queue); i++ {
		if len(e.queue) > MaxTotalSteps {
			report.fail(i, newStepError(ClassValidation, "",
				"expanded step count %d exceeds cap %d", len(e.queue), MaxTotalSteps))
			break
		}
		step := e.queue[i]
		summary := e.runStep(ctx, i, step)
		report.Steps = append(report.Steps, *summary)
		report.Executed++
		if summary.OK || step.Optional {
			continue
		}
		if summary.Error != nil && summary.Error.Class == ClassCDPBrick &&
			req.Mode == "run" && req.AutoRecover && e.recoveries < req.MaxRecoveries {
			e.recoveries++
			observability.RecoveryCount.Inc()
			logger.Warn("cdp brick at step %d, recovering (%d/%d) and resuming", i, e.recoveries, req.MaxRecoveries)
			if err := e.Env.Recover(ctx, req.RecoverHard); err != nil {
				report.fail(i, newStepError(ClassCDPBrick,
					`browser(action="recover", hard=true)`, "recovery failed: %v", err))
				break
			}
			continue
		}
		report.fail(i, summary.Error)
		if req.StopOnError {
			break
		}
	}

	report.Recoveries = e.recoveries
	report.OK = report.FirstError == nil && report.Executed == len(e.queue)-start
	for key, value := range e.vars {
		report.Vars[key] = value
	}
	e.finalize(ctx, report)
	e.record(report)
	return report
}

// runStep executes one step end to end: guards, interpolation, dispatch,
// retries, exports, proof.
func (e *Engine) runStep(ctx context.Context, index int, step *Step) *StepSummary {
	started := time.Now()
	summary := &StepSummary{
		Index:    index,
		Tool:     step.Tool,
		Label:    step.Label,
		Optional: step.Optional,
		Injected: step.injected,
	}
	defer func() { summary.DurationMS = time.Since(started).Milliseconds() }()

	tabID := e.Env.TabID()
	if stepErr := e.preStepDialogGuard(ctx, tabID, step); stepErr != nil {
		summary.Error = stepErr
		return summary
	}

	istep, memRefs, err := newInterpolator(e.vars, e.Env.MemoryGet).Step(step)
	if err != nil {
		summary.Error = Classify(err)
		return summary
	}
	summary.Note = memNoteFor(memRefs)

	startCursor := e.Env.Cursor(tabID)

	var payload map[string]any
	if istep.IsInternal() {
		payload, err = e.runInternal(ctx, index, istep, summary)
	} else {
		payload, err = e.runConcrete(ctx, tabID, istep, summary)
	}
	if err != nil {
		err = e.maybeRetry(ctx, tabID, istep, summary, err, func() (map[string]any, error) {
			if istep.IsInternal() {
				return e.runInternal(ctx, index, istep, summary)
			}
			return e.runConcrete(ctx, tabID, istep, summary)
		}, &payload)
	}
	if err != nil {
		summary.Error = Classify(err)
		e.attachProof(ctx, tabID, startCursor, summary, payload)
		e.postStepDialogGuard(ctx, tabID, summary)
		return summary
	}

	summary.OK = true
	if istep.IsInternal() {
		// Internal actions have no tool result; their payload is the outcome.
		summary.Result = payload
	}
	if exportErr := e.applyExports(step, payload, summary); exportErr != nil {
		summary.OK = false
		summary.Error = Classify(exportErr)
		return summary
	}
	if e.req.Proof {
		e.attachProof(ctx, tabID, startCursor, summary, payload)
	}
	e.postStepDialogGuard(ctx, tabID, summary)
	return summary
}

// preStepDialogGuard fails or auto-handles a step blocked by an open dialog.
func (e *Engine) preStepDialogGuard(ctx context.Context, tabID string, step *Step) *StepError {
	if step.Tool == "dialog" || step.Tool == "browser" {
		return nil
	}
	e.Env.PumpEvents()
	open, meta := e.Env.DialogOpen(tabID)
	if !open {
		return nil
	}
	mode := e.autoDialogMode(tabID)
	if mode == "dismiss" || mode == "accept" {
		closed, err := e.Env.CloseDialog(ctx, tabID, mode == "accept", dialogCloseWait)
		if closed && err == nil {
			observability.DialogAutoHandled.Inc()
			return nil
		}
	}
	return &StepError{
		Class:      ClassDialogBlock,
		Message:    fmt.Sprintf("a javascript dialog is blocking %q", step.Tool),
		Suggestion: `dialog(accept=true) or dialog(accept=false), then re-run from this step`,
		Details:    map[string]any{"dialog": meta},
	}
}

// postStepDialogGuard handles dialogs that opened asynchronously during the
// step (setTimeout(alert) and friends).
func (e *Engine) postStepDialogGuard(ctx context.Context, tabID string, summary *StepSummary) {
	e.Env.PumpEvents()
	open, meta := e.Env.DialogOpen(tabID)
	if !open {
		return
	}
	mode := e.autoDialogMode(tabID)
	if mode == "dismiss" || mode == "accept" {
		if closed, err := e.Env.CloseDialog(ctx, tabID, mode == "accept", dialogCloseWait); closed && err == nil {
			observability.DialogAutoHandled.Inc()
			return
		}
	}
	if summary.OK {
		summary.OK = false
		summary.Error = &StepError{
			Class:      ClassDialogBlock,
			Message:    "a javascript dialog opened during this step",
			Suggestion: `dialog(accept=true) or dialog(accept=false)`,
			Details:    map[string]any{"dialog": meta},
		}
	}
}

func (e *Engine) autoDialogMode(tabID string) string {
	if directive := e.Env.AutoDialogMode(tabID); directive != "" && directive != "off" {
		return directive
	}
	return e.req.AutoDialog
}

// runConcrete dispatches one registered tool under a watchdog, with
// auto-download and auto-tab wrapped around click-like steps.
func (e *Engine) runConcrete(ctx context.Context, tabID string, step *Step, summary *StepSummary) (map[string]any, error) {
	if !e.Env.HasTool(step.Tool) {
		return nil, newStepError(ClassValidation, "", "unknown tool %q", step.Tool)
	}

	wantDownload := e.req.AutoDownload && (step.Download != nil || clickLike(step.Tool))
	var downloadBaseline map[string]int64
	if wantDownload {
		downloadBaseline = e.Env.DownloadBaseline(tabID)
	}
	wantTab := (e.req.AutoTab && clickLike(step.Tool)) || step.AutoTab
	var tabsBefore []TabInfo
	if wantTab {
		tabsBefore, _ = e.Env.ListTabs(ctx)
	}

	payload, err := e.dispatch(ctx, step.Tool, step.Args)
	if err != nil {
		return payload, err
	}

	if wantDownload {
		e.captureDownload(ctx, step, summary, downloadBaseline)
		if summary.Error != nil {
			return payload, summary.Error
		}
	}
	if wantTab {
		e.captureNewTab(ctx, summary, tabsBefore)
	}
	return payload, nil
}

// dispatch runs one tool call bounded by the action watchdog. On watchdog
// fire the shared CDP socket is aborted so the call returns deterministically.
func (e *Engine) dispatch(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	timeout := e.req.ActionTimeout
	if declared, ok := args["timeout_s"]; ok {
		if seconds := asFloat(declared); seconds > 0 {
			stepBudget := time.Duration(seconds*float64(time.Second)) + 5*time.Second
			if stepBudget > timeout {
				timeout = stepBudget
			}
		}
	}
	dog := startWatchdog(timeout, func() {
		observability.WatchdogFires.Inc()
		e.Env.AbortConn()
	})
	result, err := e.Env.Dispatch(ctx, ports.ToolCall{Name: tool, Arguments: args})
	fired := dog.stop()

	if fired {
		return nil, newStepError(ClassTimeout,
			`browser(action="recover") if the page is wedged`,
			"action timed out after %s", timeout.Round(time.Millisecond))
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, newStepError(ClassToolFailure, "", "%s returned no result", tool)
	}
	payload := resultPayload(result)
	if result.Error != nil {
		return payload, Classify(result.Error)
	}
	return payload, nil
}

// maybeRetry applies the bounded retry policy: dialog-blocked read-ish steps
// retry once after a successful close; UI-transient interaction steps retry
// once after a best-effort overlay dismissal. Irreversible steps never retry.
func (e *Engine) maybeRetry(ctx context.Context, tabID string, step *Step, summary *StepSummary,
	err error, again func() (map[string]any, error), payload *map[string]any) error {
	if step.Irreversible {
		return err
	}
	classified := Classify(err)
	switch classified.Class {
	case ClassDialogBlock:
		if !readish(step.Tool) {
			return err
		}
		mode := e.autoDialogMode(tabID)
		if mode != "dismiss" && mode != "accept" {
			return err
		}
		closed, closeErr := e.Env.CloseDialog(ctx, tabID, mode == "accept", dialogCloseWait)
		if !closed || closeErr != nil {
			return err
		}
		observability.DialogAutoHandled.Inc()
	case ClassUITransient:
		if !clickLike(step.Tool) && step.Tool != "type" {
			return err
		}
		if e.Expander != nil {
			_, _ = e.dispatch(ctx, "js", map[string]any{"code": e.Expander.overlayScript()})
		}
	default:
		return err
	}
	summary.Retried = true
	retried, retryErr := again()
	if retryErr == nil {
		*payload = retried
		return nil
	}
	return retryErr
}

// readish tools can be safely repeated after a dialog close.
func readish(tool string) bool {
	switch tool {
	case "js", "page", "wait", "screenshot":
		return true
	}
	return false
}

func (e *Engine) captureDownload(ctx context.Context, step *Step, summary *StepSummary, baseline map[string]int64) {
	required := false
	args := map[string]any{"timeout_s": e.req.AutoDownloadTimeout}
	if step.Download != nil {
		required = argBool(step.Download, "required", false)
		for key, value := range step.Download {
			if key != "required" {
				args[key] = value
			}
		}
	}
	args["baseline"] = baselineToAny(baseline)
	payload, err := e.dispatch(ctx, "download", args)
	if err != nil {
		if required {
			summary.Error = newStepError(ClassToolFailure,
				`download(timeout_s=30) to wait longer`,
				"required download did not complete: %v", err)
		}
		return
	}
	summary.Download = payload
}

func (e *Engine) captureNewTab(ctx context.Context, summary *StepSummary, before []TabInfo) {
	after, err := e.Env.ListTabs(ctx)
	if err != nil {
		return
	}
	known := make(map[string]bool, len(before))
	for _, tab := range before {
		known[tab.ID] = true
	}
	var fresh []TabInfo
	for _, tab := range after {
		if !known[tab.ID] {
			fresh = append(fresh, tab)
		}
	}
	switch len(fresh) {
	case 0:
	case 1:
		if err := e.Env.SwitchTab(ctx, fresh[0].ID); err == nil {
			summary.AutoTab = map[string]any{"switched": true, "tabId": fresh[0].ID, "url": fresh[0].URL}
		} else {
			summary.AutoTab = map[string]any{"switched": false, "error": err.Error()}
		}
	default:
		ids := make([]string, len(fresh))
		for i, tab := range fresh {
			ids[i] = tab.ID
		}
		summary.AutoTab = map[string]any{"switched": false, "ambiguous": true, "newTabs": ids}
	}
}

// applyExports copies scalars at dotted paths from the payload into flow vars.
func (e *Engine) applyExports(step *Step, payload map[string]any, summary *StepSummary) error {
	if len(step.Export) == 0 {
		return nil
	}
	summary.Export = map[string]any{}
	for outKey, path := range step.Export {
		value, found := lookupPath(payload, path)
		if !found {
			return newStepError(ClassMissingRef, "",
				"export path %q not found in %s result", path, step.Tool)
		}
		if !isScalar(value) {
			return newStepError(ClassValidation, "",
				"export path %q is not a scalar (only null/bool/number/string propagate)", path)
		}
		e.vars[outKey] = value
		summary.Export[outKey] = value
	}
	return nil
}

// attachProof computes the per-step proof subobject: cheap after-state, a
// Tier-0 delta since the step started, and the top insight.
func (e *Engine) attachProof(ctx context.Context, tabID string, since int64, summary *StepSummary, payload map[string]any) {
	if !e.req.Proof && summary.Error == nil {
		return
	}
	e.Env.PumpEvents()
	proof := map[string]any{"since": since}
	if after, err := e.Env.PageState(ctx); err == nil {
		proof["after"] = after
	}
	delta := e.Env.Tier0Delta(tabID, since)
	if len(delta) > 0 {
		proof["delta"] = delta
	}
	open, dialogMeta := e.Env.DialogOpen(tabID)
	ambiguous := payloadAmbiguity(payload)
	switch {
	case open:
		proof["top"] = map[string]any{"kind": "dialog", "dialog": dialogMeta}
	case delta["lastError"] != nil:
		proof["top"] = map[string]any{"kind": "js_error", "error": delta["lastError"]}
	case asFloat(delta["requestsFailed"]) > 0:
		proof["top"] = map[string]any{"kind": "failed_request"}
	}
	if ambiguous {
		proof["ambiguity"] = true
	}
	if (ambiguous || summary.Error != nil) && e.req.ProofScreenshot == "artifact" {
		if shot, err := e.dispatch(ctx, "screenshot", map[string]any{"inline": false}); err == nil {
			if id, ok := shot["artifact"].(string); ok && id != "" {
				proof["screenshotArtifact"] = id
			}
		}
	}
	summary.Proof = proof
}

func payloadAmbiguity(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	if flag, ok := payload["ambiguous"].(bool); ok && flag {
		return true
	}
	return asFloat(payload["matches"]) > 1
}

// splice inserts steps into the queue immediately after index, marking them
// as injected.
func (e *Engine) splice(index int, steps []*Step) {
	for _, step := range steps {
		step.injected = true
	}
	rest := make([]*Step, len(e.queue[index+1:]))
	copy(rest, e.queue[index+1:])
	e.queue = append(append(e.queue[:index+1], steps...), rest...)
}

// record writes the original (not interpolated) step list into agent memory.
func (e *Engine) record(report *Report) {
	key := e.req.RecordMemoryKey
	if key == "" {
		return
	}
	if !report.OK && !e.req.RecordOnFailure {
		return
	}
	mode := e.req.RecordMode
	if mode == "" {
		mode = "sanitized"
	}
	original := stepMaps(e.rawSteps)
	steps := original
	redacted := false
	if mode == "sanitized" {
		steps, redacted = redact.SanitizeSteps(original)
	}
	sensitive := redact.ContainsSensitiveLiteral(original)
	entry := map[string]any{
		"steps":      steps,
		"mode":       mode,
		"ok":         report.OK,
		"recordedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Env.MemorySet(key, entry); err != nil {
		report.Recording = map[string]any{"ok": false, "key": key, "error": err.Error()}
		return
	}
	report.Recording = map[string]any{
		"ok": true, "key": key, "mode": mode,
		"steps": len(steps), "redacted": redacted, "sensitive": sensitive,
	}
}

func rawList(steps []*Step) []any {
	out := make([]any, len(steps))
	for i, step := range steps {
		out[i] = step.Raw()
	}
	return out
}

func stepMaps(raw []any) []map[string]any {
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if stepMap, ok := item.(map[string]any); ok {
			out = append(out, stepMap)
		}
	}
	return out
}

func resultPayload(result *ports.ToolResult) map[string]any {
	if result == nil {
		return nil
	}
	if len(result.Metadata) > 0 {
		return result.Metadata
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content), &payload); err == nil {
		return payload
	}
	return map[string]any{"content": result.Content}
}

func asFloat(value any) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func baselineToAny(baseline map[string]int64) map[string]any {
	out := make(map[string]any, len(baseline))
	for name, size := range baseline {
		out[name] = size
	}
	return out
}
