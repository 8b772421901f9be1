package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"surf/internal/config"
	"surf/internal/flow"
	"surf/internal/ports"
	"surf/internal/session"
	"surf/internal/tools/shared"
)

type runTool struct {
	shared.BaseTool
	deps *Deps
	mode string
}

// NewRunTool is the batch executor with the full option surface, including
// confirm_irreversible.
func NewRunTool(deps *Deps) ports.ToolExecutor {
	return newRunTool(deps, "run")
}

// NewFlowTool is the internal variant: same engine, no irreversible override,
// brick recovery stops instead of resuming.
func NewFlowTool(deps *Deps) ports.ToolExecutor {
	return newRunTool(deps, "flow")
}

func newRunTool(deps *Deps, mode string) ports.ToolExecutor {
	props := map[string]ports.Property{
		"steps":                 shared.Prop("array", "Ordered list of steps; {tool,args,...} or {toolName:args,...meta} shorthand"),
		"actions":               shared.Prop("array", "Alias for steps"),
		"start_at":              shared.Prop("integer", "Resume offset"),
		"stop_on_error":         shared.Prop("boolean", "Stop at the first failed non-optional step (default true)"),
		"final":                 shared.EnumProp("Final report section", "none", "observe", "triage", "diagnostics", "audit", "map", "graph"),
		"delta_final":           shared.Prop("boolean", "Limit the final section to events since the run baseline"),
		"actions_output":        shared.EnumProp("Step list verbosity", "compact", "errors", "none"),
		"auto_dialog":           shared.EnumProp("Dialog handling during the run", "auto", "off", "dismiss", "accept"),
		"auto_recover":          shared.Prop("boolean", "Recover from CDP bricks automatically"),
		"max_recoveries":        shared.Prop("integer", "Resume budget after recoveries (default 1)"),
		"recover_hard":          shared.Prop("boolean", "Restart the browser process on recovery"),
		"action_timeout":        shared.Prop("number", "Per-step watchdog seconds (default from timeout profile)"),
		"auto_download":         shared.Prop("boolean", "Capture downloads triggered by click-like steps"),
		"auto_download_timeout": shared.Prop("number", "Download capture budget in seconds (default 8)"),
		"auto_tab":              shared.Prop("boolean", "Follow a single new tab opened by a click"),
		"auto_affordances":      shared.Prop("boolean", "Refresh the affordance map when an act ref goes stale"),
		"proof":                 shared.Prop("boolean", "Attach per-step proof (after-state + telemetry delta)"),
		"proof_screenshot":      shared.EnumProp("Screenshot on proof anomalies", "none", "artifact"),
		"screenshot_on_ambiguity": shared.Prop("boolean", "Shorthand for proof_screenshot=artifact"),
		"record_memory_key":     shared.Prop("string", "Record the original steps to this memory key"),
		"record_mode":           shared.EnumProp("Recording redaction", "sanitized", "raw"),
		"record_on_failure":     shared.Prop("boolean", "Record even when the run fails"),
		"vars":                  shared.Prop("object", "Initial flow variables"),
		"strict_params":         shared.Prop("boolean", "Reject invalid option values instead of resetting them"),
	}
	description := "Execute a batch of steps under one shared browser session: interpolation, exports, internal actions (assert/when/repeat/macro/act), per-step watchdog, dialog handling, recovery, and one compact report."
	if mode == "run" {
		props["confirm_irreversible"] = shared.Prop("boolean", "Required when any step is marked irreversible")
	} else {
		description = "Internal batch executor; like run but without the irreversible override, and brick recovery stops instead of resuming."
	}
	return &runTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        mode,
				Description: description,
				Parameters:  shared.Schema(nil, props),
			},
			ports.ToolMetadata{
				Name: mode, Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "batch"}, RequiresBrowser: true,
			},
		),
		deps: deps,
		mode: mode,
	}
}

func (t *runTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	steps := args["steps"]
	if steps == nil {
		steps = args["actions"]
	}
	if steps == nil {
		return shared.ToolError(call.ID, "%s requires steps", t.mode)
	}

	req, warnings, err := buildRunRequest(t.deps, t.mode, steps, args)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	sess, tab, release, err := t.deps.Manager.Acquire(ctx)
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			return shared.ToolError(call.ID, "a run is already in progress; nested run/flow steps are not allowed")
		}
		return shared.ToolError(call.ID, "browser not ready: %v", err)
	}
	defer release()

	overlayJS := flow.DefaultOverlayScript()
	if rules, rulesErr := flow.LoadOverlayRules(t.deps.Cfg.OverlayRulesPath); rulesErr == nil {
		overlayJS = rules.Script()
	} else {
		t.deps.Logger.Warn("overlay rules %s: %v (using defaults)", t.deps.Cfg.OverlayRulesPath, rulesErr)
	}

	env := newRunEnv(t.deps, sess, tab)
	engine := &flow.Engine{
		Env:    env,
		Logger: t.deps.Logger,
		Expander: &flow.Expander{
			LoadRunbook:  func(key string) ([]any, bool, bool, error) { return loadRunbook(t.deps, key) },
			StrictPolicy: t.deps.Manager.Policy() == session.PolicyStrict,
			OverlayJS:    overlayJS,
		},
	}

	report := engine.Run(ctx, req)
	payload := map[string]any{"report": report}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	result, resErr := shared.JSONResult(call.ID, payload)
	if resErr == nil && result != nil {
		result.Content = report.JSON()
	}
	return result, resErr
}

// buildRunRequest folds user arguments over the heuristic-level defaults.
// Invalid enum values reset with a warning unless strict_params is set.
func buildRunRequest(deps *Deps, mode string, steps any, args map[string]any) (*flow.Request, []string, error) {
	strict := shared.BoolArgWithDefault(args, "strict_params", false)
	var warnings []string
	pickEnum := func(key, fallback string, allowed ...string) (string, error) {
		raw := shared.StringArgDefault(args, key, fallback)
		for _, candidate := range allowed {
			if raw == candidate {
				return raw, nil
			}
		}
		if strict {
			return "", fmt.Errorf("invalid %s=%q (one of %v)", key, raw, allowed)
		}
		warnings = append(warnings, fmt.Sprintf("invalid %s=%q, using %q", key, raw, fallback))
		return fallback, nil
	}

	level := deps.Manager.HeuristicLevel()
	req := &flow.Request{
		Steps:               steps,
		Mode:                mode,
		StartAt:             shared.IntArgDefault(args, "start_at", 0),
		StopOnError:         shared.BoolArgWithDefault(args, "stop_on_error", true),
		MaxRecoveries:       shared.IntArgDefault(args, "max_recoveries", 1),
		AutoDownloadTimeout: shared.FloatArgDefault(args, "auto_download_timeout", 8),
		Vars:                shared.MapArg(args, "vars"),
	}

	// Heuristic-level defaults; explicit arguments below override them.
	autoDialog := "off"
	if level >= 1 {
		autoDialog = "auto"
	}
	if level >= 2 {
		req.AutoRecover = true
		req.AutoTab = true
		req.AutoAffordances = true
		req.Proof = true
		req.ProofScreenshot = "artifact"
	}
	finalDefault := deps.Cfg.DefaultReport()
	actionsDefault := "compact"
	if level >= 3 {
		finalDefault = "diagnostics"
		actionsDefault = "errors"
	}

	final, err := pickEnum("final", finalDefault, "none", "observe", "triage", "diagnostics", "audit", "map", "graph")
	if err != nil {
		return nil, nil, err
	}
	req.Final = final
	req.DeltaFinal = shared.BoolArgWithDefault(args, "delta_final", false)

	actionsOutput, err := pickEnum("actions_output", actionsDefault, "compact", "errors", "none")
	if err != nil {
		return nil, nil, err
	}
	// The engine calls the full step list "all".
	if actionsOutput == "compact" {
		actionsOutput = "all"
	}
	req.ActionsOutput = actionsOutput

	dialogMode, err := pickEnum("auto_dialog", autoDialog, "auto", "off", "dismiss", "accept")
	if err != nil {
		return nil, nil, err
	}
	if dialogMode == "auto" {
		if deps.Manager.Policy() == session.PolicyStrict {
			dialogMode = "off"
		} else {
			dialogMode = "dismiss"
		}
	}
	req.AutoDialog = dialogMode

	if raw, present := args["auto_recover"]; present {
		req.AutoRecover, _ = raw.(bool)
	}
	if raw, present := args["auto_tab"]; present {
		req.AutoTab, _ = raw.(bool)
	}
	if raw, present := args["auto_affordances"]; present {
		req.AutoAffordances, _ = raw.(bool)
	}
	if raw, present := args["proof"]; present {
		req.Proof, _ = raw.(bool)
	}
	req.RecoverHard = shared.BoolArgWithDefault(args, "recover_hard", false)
	req.AutoDownload = shared.BoolArgWithDefault(args, "auto_download", level >= 2)

	proofShot, err := pickEnum("proof_screenshot", req.ProofScreenshot, "", "none", "artifact")
	if err != nil {
		return nil, nil, err
	}
	if shared.BoolArgWithDefault(args, "screenshot_on_ambiguity", false) {
		proofShot = "artifact"
	}
	if proofShot == "none" {
		proofShot = ""
	}
	req.ProofScreenshot = proofShot

	req.ActionTimeout = actionTimeoutFor(deps.Cfg, shared.FloatArgDefault(args, "action_timeout", 0))

	if mode == "run" {
		req.ConfirmIrreversible = shared.BoolArgWithDefault(args, "confirm_irreversible", false)
	}

	req.RecordMemoryKey = shared.StringArg(args, "record_memory_key")
	if req.RecordMemoryKey != "" {
		recordMode, err := pickEnum("record_mode", "sanitized", "sanitized", "raw")
		if err != nil {
			return nil, nil, err
		}
		req.RecordMode = recordMode
		req.RecordOnFailure = shared.BoolArgWithDefault(args, "record_on_failure", false)
	}
	return req, warnings, nil
}

func actionTimeoutFor(cfg config.Config, explicit float64) time.Duration {
	if explicit > 0 {
		return time.Duration(explicit * float64(time.Second))
	}
	return cfg.ActionTimeout()
}
