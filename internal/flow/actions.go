package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"surf/internal/redact"
)

// Caps for repeat (engine-enforced, independent of the macro cap).
const (
	maxRepeatIters = 50
	maxRepeatBody  = 25
	maxRepeatTotal = 400
	maxRepeatTime  = 300.0 // seconds
)

// runInternal executes assert/when/repeat/macro/act. when/repeat/macro may
// splice steps into the queue immediately after index.
func (e *Engine) runInternal(ctx context.Context, index int, step *Step, summary *StepSummary) (map[string]any, error) {
	switch step.Tool {
	case "assert":
		return e.runAssert(ctx, step.Args)
	case "when":
		return e.runWhen(ctx, index, step.Args)
	case "repeat":
		return e.runRepeat(ctx, index, step.Args)
	case "macro":
		return e.runMacro(ctx, index, step.Args)
	case "act":
		return e.runAct(ctx, step.Args, summary)
	}
	return nil, newStepError(ClassValidation, "", "unknown internal action %q", step.Tool)
}

// ---- assert ----------------------------------------------------------------

func (e *Engine) runAssert(ctx context.Context, args map[string]any) (map[string]any, error) {
	timeoutS := clampFloat(asFloat(args["timeout_s"]), 0, 60)
	checked := map[string]any{}

	urlSub, hasURL := args["url"].(string)
	titleSub, hasTitle := args["title"].(string)
	if hasURL || hasTitle {
		state, err := e.Env.PageState(ctx)
		if err != nil {
			return nil, err
		}
		if hasURL {
			current, _ := state["url"].(string)
			if !strings.Contains(current, urlSub) {
				return nil, newStepError(ClassToolFailure, "",
					"assert failed: url %q does not contain %q", current, urlSub)
			}
			checked["url"] = current
		}
		if hasTitle {
			current, _ := state["title"].(string)
			if !strings.Contains(current, titleSub) {
				return nil, newStepError(ClassToolFailure, "",
					"assert failed: title %q does not contain %q", current, titleSub)
			}
			checked["title"] = current
		}
	}

	selector, hasSelector := args["selector"].(string)
	text, hasText := args["text"].(string)
	if hasSelector || hasText {
		waitArgs := map[string]any{"timeout_s": timeoutS}
		if hasSelector {
			waitArgs["selector"] = selector
		}
		if hasText {
			waitArgs["text"] = text
		}
		if _, err := e.dispatch(ctx, "wait", waitArgs); err != nil {
			classified := Classify(err)
			if classified.Class == ClassTimeout {
				return nil, newStepError(ClassTimeout, "",
					"assert failed: condition not met within %.0fs", timeoutS)
			}
			return nil, err
		}
		checked["wait"] = true
	}

	if code, ok := args["js"].(string); ok && code != "" {
		payload, err := e.dispatch(ctx, "js", map[string]any{"code": code})
		if err != nil {
			return nil, err
		}
		if !truthy(payload["result"]) {
			return nil, newStepError(ClassToolFailure, "", "assert failed: js condition returned false")
		}
		checked["js"] = true
	}

	if len(checked) == 0 {
		return nil, newStepError(ClassValidation, "",
			"assert requires at least one of url/title/selector/text/js")
	}
	checked["ok"] = true
	return checked, nil
}

// ---- conditions ------------------------------------------------------------

// evalCondition probes a {url/title/selector/text/js} condition once. All
// provided fields must hold. Probe timeouts read as false; bricks propagate.
func (e *Engine) evalCondition(ctx context.Context, cond map[string]any, timeoutS float64) (bool, error) {
	if len(cond) == 0 {
		return false, newStepError(ClassValidation, "", "empty condition")
	}
	if urlSub, ok := cond["url"].(string); ok {
		state, err := e.Env.PageState(ctx)
		if err != nil {
			return false, err
		}
		current, _ := state["url"].(string)
		if !strings.Contains(current, urlSub) {
			return false, nil
		}
	}
	if titleSub, ok := cond["title"].(string); ok {
		state, err := e.Env.PageState(ctx)
		if err != nil {
			return false, err
		}
		current, _ := state["title"].(string)
		if !strings.Contains(current, titleSub) {
			return false, nil
		}
	}
	selector, hasSelector := cond["selector"].(string)
	text, hasText := cond["text"].(string)
	if hasSelector || hasText {
		waitArgs := map[string]any{"timeout_s": clampFloat(timeoutS, 0, 60)}
		if hasSelector {
			waitArgs["selector"] = selector
		}
		if hasText {
			waitArgs["text"] = text
		}
		if _, err := e.dispatch(ctx, "wait", waitArgs); err != nil {
			if IsBrick(err) {
				return false, err
			}
			return false, nil
		}
	}
	if code, ok := cond["js"].(string); ok && code != "" {
		payload, err := e.dispatch(ctx, "js", map[string]any{"code": code})
		if err != nil {
			if IsBrick(err) {
				return false, err
			}
			return false, nil
		}
		if !truthy(payload["result"]) {
			return false, nil
		}
	}
	return true, nil
}

// ---- when ------------------------------------------------------------------

func (e *Engine) runWhen(ctx context.Context, index int, args map[string]any) (map[string]any, error) {
	cond, ok := args["if"].(map[string]any)
	if !ok {
		return nil, newStepError(ClassValidation, "", "when requires an if condition object")
	}
	timeoutS := asFloat(args["timeout_s"])
	matched, err := e.evalCondition(ctx, cond, timeoutS)
	if err != nil {
		if IsBrick(err) {
			return nil, err
		}
		matched = false
	}
	branchKey := "then"
	if !matched {
		branchKey = "else"
	}
	branch, err := normalizeBranch(args[branchKey], branchKey, branchCap)
	if err != nil {
		return nil, err
	}
	e.splice(index, branch)
	return map[string]any{"matched": matched, "branch": branchKey, "spliced": len(branch)}, nil
}

// normalizeBranch normalizes a possibly-empty nested step list.
func normalizeBranch(raw any, name string, limit int) ([]*Step, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, newStepError(ClassValidation, "", "%s must be a step list", name)
	}
	if len(list) == 0 {
		return nil, nil
	}
	if len(list) > limit {
		return nil, newStepError(ClassValidation, "",
			"%s has %d steps, cap is %d", name, len(list), limit)
	}
	return NormalizeSteps(list)
}

// ---- repeat ----------------------------------------------------------------

// runRepeat is a self-injecting continuation: each evaluation splices one body
// copy plus a re-armed repeat step carrying __iter and __t0.
func (e *Engine) runRepeat(ctx context.Context, index int, args map[string]any) (map[string]any, error) {
	maxIters := argInt(args, "max_iters", 0)
	if maxIters <= 0 || maxIters > maxRepeatIters {
		return nil, newStepError(ClassValidation, "",
			"repeat max_iters must be in [1, %d]", maxRepeatIters)
	}
	rawBody, ok := args["steps"].([]any)
	if !ok || len(rawBody) == 0 {
		return nil, newStepError(ClassValidation, "", "repeat requires a non-empty steps list")
	}
	if len(rawBody) > maxRepeatBody {
		return nil, newStepError(ClassValidation, "",
			"repeat body has %d steps, cap is %d", len(rawBody), maxRepeatBody)
	}
	if maxIters*len(rawBody) > maxRepeatTotal {
		return nil, newStepError(ClassValidation, "",
			"repeat would inject %d steps, cap is %d (max_iters * body)", maxIters*len(rawBody), maxRepeatTotal)
	}
	until, _ := args["until"].(map[string]any)
	iter := argInt(args, "__iter", 0)
	t0 := int64(asFloat(args["__t0"]))
	if t0 == 0 {
		t0 = time.Now().UnixMilli()
	}

	if until != nil {
		matched, err := e.evalCondition(ctx, until, asFloat(args["timeout_s"]))
		if err != nil && IsBrick(err) {
			return nil, err
		}
		if matched {
			return map[string]any{"done": true, "iterations": iter, "matched": true}, nil
		}
	}
	if iter >= maxIters {
		if until != nil {
			return nil, newStepError(ClassTimeout,
				"raise max_iters or loosen the until condition",
				"repeat: until condition not met after %d iterations", iter)
		}
		return map[string]any{"done": true, "iterations": iter}, nil
	}
	maxTimeS := clampFloat(asFloat(args["max_time_s"]), 0, maxRepeatTime)
	if maxTimeS > 0 && float64(time.Now().UnixMilli()-t0)/1000.0 > maxTimeS {
		if until != nil {
			return nil, newStepError(ClassTimeout, "",
				"repeat: max_time_s %.0fs exceeded after %d iterations", maxTimeS, iter)
		}
		return map[string]any{"done": true, "iterations": iter, "timeBounded": true}, nil
	}

	if iter > 0 {
		e.backoffSleep(ctx, args, iter)
	}

	body, err := NormalizeSteps(rawBody)
	if err != nil {
		return nil, err
	}
	next := *orEmptyCopy(args)
	next["__iter"] = iter + 1
	next["__t0"] = t0
	continuation := &Step{Tool: "repeat", Args: next, raw: map[string]any{"tool": "repeat", "args": next}}
	e.splice(index, append(body, continuation))
	return map[string]any{"done": false, "iteration": iter + 1, "spliced": len(body)}, nil
}

// backoffSleep waits between iterations with deterministic xorshift jitter.
func (e *Engine) backoffSleep(ctx context.Context, args map[string]any, iter int) {
	base := asFloat(args["backoff_s"])
	if base <= 0 {
		return
	}
	factor := asFloat(args["backoff_factor"])
	if factor < 1 {
		factor = 1
	}
	delay := base
	for i := 1; i < iter; i++ {
		delay *= factor
	}
	if maxS := asFloat(args["backoff_max_s"]); maxS > 0 && delay > maxS {
		delay = maxS
	}
	if jitter := asFloat(args["backoff_jitter"]); jitter > 0 {
		seed := uint64(asFloat(args["jitter_seed"])) + uint64(iter)
		if seed == 0 {
			seed = 0x9e3779b97f4a7c15
		}
		// xorshift64 -> uniform [0,1)
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		uniform := float64(seed%1_000_000) / 1_000_000.0
		delay += delay * jitter * (uniform - 0.5)
	}
	if delay <= 0 {
		return
	}
	// Never sleep past the watchdog budget.
	if budget := e.req.ActionTimeout.Seconds() - 1; budget > 0 && delay > budget {
		delay = budget
	}
	timer := time.NewTimer(time.Duration(delay * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ---- macro -----------------------------------------------------------------

func (e *Engine) runMacro(ctx context.Context, index int, args map[string]any) (map[string]any, error) {
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return nil, newStepError(ClassValidation, "", "macro requires a name")
	}
	if e.Expander == nil {
		return nil, newStepError(ClassValidation, "", "macro expansion is not available")
	}
	macroArgs, _ := args["args"].(map[string]any)
	dryRun := argBool(args, "dry_run", false)
	expansion, err := e.Expander.Expand(name, macroArgs, dryRun)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"macro":       expansion.Name,
		"plan":        expansion.Plan,
		"steps_total": len(expansion.Steps),
	}
	if dryRun {
		sanitized, _ := redact.SanitizeSteps(expansion.Steps)
		payload["steps"] = sanitized
		payload["dry_run"] = true
		return payload, nil
	}
	list := make([]any, len(expansion.Steps))
	for i := range expansion.Steps {
		list[i] = expansion.Steps[i]
	}
	steps, err := NormalizeSteps(list)
	if err != nil {
		return nil, err
	}
	e.splice(index, steps)
	payload["spliced"] = len(steps)
	return payload, nil
}

// ---- act -------------------------------------------------------------------

func (e *Engine) runAct(ctx context.Context, args map[string]any, summary *StepSummary) (map[string]any, error) {
	tabID := e.Env.TabID()
	ref, hasRef := args["ref"].(string)
	label, hasLabel := args["label"].(string)
	if !hasRef && !hasLabel {
		return nil, newStepError(ClassValidation, "", "act requires ref or label")
	}

	currentURL := e.currentURL(ctx)
	var resolved *ResolvedAction
	var status MapStatus

	if hasRef {
		resolved, status = e.Env.ResolveAffordance(tabID, ref, currentURL)
		if resolved == nil || status.Stale {
			if refreshed, err := e.refreshAffordances(ctx, tabID); err == nil && refreshed {
				currentURL = e.currentURL(ctx)
				resolved, status = e.Env.ResolveAffordance(tabID, ref, currentURL)
			}
		}
		if resolved == nil {
			return nil, newStepError(ClassMissingRef,
				`page(detail="locators") to rebuild the action map`,
				"affordance %q not found (map has %d items, stored url %q)",
				ref, status.Items, status.StoredURL)
		}
		if status.Stale {
			return nil, newStepError(ClassMissingRef,
				`page(detail="locators") to rebuild the action map`,
				"affordance map is stale: stored for %q but tab is at %q", status.StoredURL, status.CurrentURL)
		}
	} else {
		kind, _ := args["kind"].(string)
		if kind == "" {
			kind = "all"
		}
		matches, labelStatus := e.Env.ResolveAffordanceByLabel(tabID, label, kind, currentURL, 5)
		status = labelStatus
		if len(matches) == 0 && (status.Stale || status.Items == 0) {
			if refreshed, err := e.refreshAffordances(ctx, tabID); err == nil && refreshed {
				currentURL = e.currentURL(ctx)
				matches, status = e.Env.ResolveAffordanceByLabel(tabID, label, kind, currentURL, 5)
			}
		}
		switch {
		case len(matches) == 0:
			return nil, newStepError(ClassMissingRef,
				`page(detail="map") to list labeled actions`,
				"no %s affordance labeled %q", kind, label)
		case len(matches) == 1:
			resolved = &matches[0]
		default:
			indexArg, hasIndex := args["index"]
			if !hasIndex {
				previews := make([]string, 0, len(matches))
				for _, match := range matches {
					previews = append(previews, fmt.Sprintf("%s %s (%s)", match.Ref, match.Text, match.Kind))
				}
				return nil, &StepError{
					Class:      ClassAmbiguous,
					Message:    fmt.Sprintf("ambiguous label %q: %d matches", label, len(matches)),
					Suggestion: "pass index=N or use the ref directly",
					Details:    map[string]any{"candidates": previews},
				}
			}
			i := int(asFloat(indexArg))
			if i < 0 || i >= len(matches) {
				return nil, newStepError(ClassValidation, "",
					"act index %d out of range (have %d matches)", i, len(matches))
			}
			resolved = &matches[i]
		}
	}

	callArgs := map[string]any{}
	for key, value := range resolved.Args {
		callArgs[key] = value
	}
	if extra, ok := args["args"].(map[string]any); ok {
		for key, value := range extra {
			callArgs[key] = value
		}
	}
	summary.Resolved = map[string]any{"ref": resolved.Ref, "tool": resolved.Tool, "text": resolved.Text}
	return e.dispatch(ctx, resolved.Tool, callArgs)
}

// refreshAffordances rebuilds the action map once via page(detail=locators).
// Never runs while a dialog is open.
func (e *Engine) refreshAffordances(ctx context.Context, tabID string) (bool, error) {
	if !e.req.AutoAffordances {
		return false, nil
	}
	if open, _ := e.Env.DialogOpen(tabID); open {
		return false, nil
	}
	if _, err := e.dispatch(ctx, "page", map[string]any{"detail": "locators"}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) currentURL(ctx context.Context) string {
	state, err := e.Env.PageState(ctx)
	if err != nil {
		return ""
	}
	url, _ := state["url"].(string)
	return url
}

// ---- misc ------------------------------------------------------------------

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "0"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return true
}

func clampFloat(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func orEmptyCopy(args map[string]any) *map[string]any {
	out := make(map[string]any, len(args)+2)
	for key, value := range args {
		out[key] = value
	}
	return &out
}
