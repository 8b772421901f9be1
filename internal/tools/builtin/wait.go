package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type waitTool struct {
	shared.BaseTool
	deps *Deps
}

// NewWaitTool polls a condition until it holds or the timeout passes.
func NewWaitTool(deps *Deps) ports.ToolExecutor {
	return &waitTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "wait",
				Description: "Wait for a condition: a selector to appear, page text to contain a string, a JS expression to become truthy, navigation/load to finish, or a plain sleep.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"selector":  shared.Prop("string", "Wait for an element matching this selector"),
					"text":      shared.Prop("string", "Wait for this text to appear in the page"),
					"js":        shared.Prop("string", "Wait for this expression to be truthy"),
					"for":       shared.EnumProp("Lifecycle condition", "navigation", "load", "networkidle"),
					"sleep_s":   shared.Prop("number", "Just sleep this many seconds"),
					"timeout_s": shared.Prop("number", "Polling budget (default 10, cap 60)"),
				}),
			},
			ports.ToolMetadata{
				Name: "wait", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *waitTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments

	if sleep := shared.FloatArgDefault(args, "sleep_s", 0); sleep > 0 {
		if sleep > 60 {
			sleep = 60
		}
		select {
		case <-ctx.Done():
			return shared.ToolError(call.ID, "wait interrupted: %v", ctx.Err())
		case <-time.After(time.Duration(sleep * float64(time.Second))):
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "slept_s": sleep})
	}

	probe, desc, err := waitProbeJS(args)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	timeoutS := shared.FloatArgDefault(args, "timeout_s", 10)
	if timeoutS < 0 {
		timeoutS = 0
	}
	if timeoutS > 60 {
		timeoutS = 60
	}
	deadline := time.Now().Add(time.Duration(timeoutS * float64(time.Second)))
	waited := time.Now()
	for {
		value, evalErr := sess.Eval(ctx, probe)
		if evalErr == nil {
			if ok, _ := value.(bool); ok {
				return shared.JSONResult(call.ID, map[string]any{
					"ok": true, "condition": desc,
					"waited_ms": time.Since(waited).Milliseconds(),
				})
			}
		} else if evalErr != nil && ctx.Err() != nil {
			return shared.ToolError(call.ID, "wait interrupted: %v", ctx.Err())
		}
		if !time.Now().Before(deadline) {
			return shared.ToolError(call.ID, "wait timed out after %.0fs (%s)", timeoutS, desc)
		}
		select {
		case <-ctx.Done():
			return shared.ToolError(call.ID, "wait interrupted: %v", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func waitProbeJS(args map[string]any) (probe, desc string, err error) {
	if selector := shared.StringArg(args, "selector"); selector != "" {
		sel, _ := json.Marshal(selector)
		return fmt.Sprintf(`(function(){try{var el=document.querySelector(%s);if(!el)return false;var r=el.getBoundingClientRect();return r.width>0&&r.height>0;}catch(e){return false;}})()`, sel),
			"selector " + selector, nil
	}
	if text := shared.StringArg(args, "text"); text != "" {
		needle, _ := json.Marshal(text)
		return fmt.Sprintf(`((document.body&&document.body.innerText)||'').indexOf(%s)>=0`, needle),
			"text " + text, nil
	}
	if code := shared.StringArg(args, "js"); code != "" {
		return fmt.Sprintf(`!!(%s)`, code), "js condition", nil
	}
	switch shared.StringArg(args, "for") {
	case "navigation":
		return `document.readyState==='interactive'||document.readyState==='complete'`, "navigation", nil
	case "load", "networkidle":
		return `document.readyState==='complete'`, "load", nil
	case "":
	default:
		return "", "", fmt.Errorf("unknown wait condition %q", shared.StringArg(args, "for"))
	}
	return "", "", fmt.Errorf("wait requires selector, text, js, for or sleep_s")
}
