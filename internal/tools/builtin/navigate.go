package builtin

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type navigateTool struct {
	shared.BaseTool
	deps *Deps
}

// NewNavigateTool navigates the shared tab to a URL or through history.
func NewNavigateTool(deps *Deps) ports.ToolExecutor {
	return &navigateTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "navigate",
				Description: "Navigate the current tab to a URL, or go back/forward/reload. wait controls how long to block after the navigation starts.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"url":    shared.Prop("string", "Absolute URL to open"),
					"action": shared.EnumProp("History action instead of a URL", "back", "forward", "reload"),
					"wait":   shared.EnumProp("Wait condition after navigating", "navigation", "load", "domcontentloaded", "networkidle", "none"),
				}),
			},
			ports.ToolMetadata{
				Name: "navigate", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "navigation"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *navigateTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	action := shared.StringArg(args, "action")
	target := shared.StringArg(args, "url")
	switch {
	case action != "" && target != "":
		return shared.ToolError(call.ID, "pass either url or action, not both")
	case action == "" && target == "":
		return shared.ToolError(call.ID, "navigate requires url or action")
	}

	if action != "" {
		switch action {
		case "reload":
			err = sess.Reload(ctx)
		case "back":
			err = sess.NavigateHistory(ctx, -1)
		case "forward":
			err = sess.NavigateHistory(ctx, 1)
		default:
			return shared.ToolError(call.ID, "unknown action %q (back/forward/reload)", action)
		}
		if err != nil {
			return shared.ToolError(call.ID, "navigate %s: %v", action, err)
		}
	} else {
		if err := t.checkHost(target); err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		if err := sess.Navigate(ctx, target); err != nil {
			return shared.ToolError(call.ID, "navigate: %v", err)
		}
	}

	wait := shared.StringArgDefault(args, "wait", "load")
	if err := t.waitFor(ctx, sess, wait); err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	t.deps.pump(sess)
	state, stateErr := sess.State(ctx)
	payload := map[string]any{"ok": true, "wait": wait}
	if stateErr == nil {
		payload["url"] = state.URL
		payload["title"] = state.Title
		payload["readyState"] = state.ReadyState
	}
	return shared.JSONResult(call.ID, payload)
}

func (t *navigateTool) checkHost(raw string) error {
	allow := t.deps.Cfg.AllowHosts
	if len(allow) == 0 {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	host := parsed.Hostname()
	for _, allowed := range allow {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not in MCP_ALLOW_HOSTS", host)
}

// waitFor blocks until the condition holds or the deadline passes. The
// conditions are best-effort probes; the per-step watchdog stays the hard cap.
func (t *navigateTool) waitFor(ctx context.Context, sess sessionEval, wait string) error {
	var probe string
	switch wait {
	case "none":
		return nil
	case "navigation", "domcontentloaded":
		probe = `document.readyState==='interactive'||document.readyState==='complete'`
	case "load":
		probe = `document.readyState==='complete'`
	case "networkidle":
		// readyState complete plus a short settle window.
		probe = `document.readyState==='complete'`
	default:
		return fmt.Errorf("unknown wait condition %q", wait)
	}
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		value, err := sess.Eval(ctx, probe)
		if err == nil {
			if ok, _ := value.(bool); ok {
				if wait == "networkidle" {
					time.Sleep(500 * time.Millisecond)
				}
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
	return fmt.Errorf("wait %q timed out", wait)
}

// sessionEval is the slice of the session the wait loop needs.
type sessionEval interface {
	Eval(ctx context.Context, expression string) (any, error)
}
