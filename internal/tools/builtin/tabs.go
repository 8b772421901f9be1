package builtin

import (
	"context"
	"strings"
	"time"

	"surf/internal/cdp"
	"surf/internal/ports"
	"surf/internal/redact"
	"surf/internal/tools/shared"
)

type tabsTool struct {
	shared.BaseTool
	deps *Deps
}

// NewTabsTool lists and switches browser tabs. The server drives one tab at a
// time; activate moves the shared session to another target.
func NewTabsTool(deps *Deps) ports.ToolExecutor {
	return &tabsTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "tabs",
				Description: "List open tabs, open a new tab, activate one (moves the driven session there), close one, or rescue the session onto any live tab.",
				Parameters: shared.Schema([]string{"action"}, map[string]ports.Property{
					"action": shared.EnumProp("Operation", "list", "new", "activate", "close", "rescue"),
					"id":     shared.Prop("string", "Target id (activate/close); prefixes are accepted when unambiguous"),
					"url":    shared.Prop("string", "URL for the new tab"),
				}),
			},
			ports.ToolMetadata{
				Name: "tabs", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "tabs"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *tabsTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	action, err := shared.RequireStringArg(args, "action")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	launcher := t.deps.Manager.Launcher()

	switch action {
	case "list":
		targets, err := launcher.Targets(ctx)
		if err != nil {
			return shared.ToolError(call.ID, "tabs: %v", err)
		}
		current := t.deps.Manager.SharedTab().ID
		items := make([]map[string]any, 0, len(targets))
		for _, target := range targets {
			items = append(items, map[string]any{
				"id":     target.ID,
				"url":    redact.SanitizeURL(target.URL),
				"title":  target.Title,
				"active": target.ID == current,
			})
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "count": len(items), "tabs": items})

	case "new":
		target, err := launcher.NewTarget(ctx, shared.StringArgDefault(args, "url", "about:blank"))
		if err != nil {
			return shared.ToolError(call.ID, "tabs: %v", err)
		}
		if _, err := t.deps.Manager.SwitchTab(ctx, target); err != nil {
			return shared.ToolError(call.ID, "tabs: opened %s but attach failed: %v", target.ID, err)
		}
		return shared.JSONResult(call.ID, map[string]any{
			"ok": true, "id": target.ID, "url": redact.SanitizeURL(target.URL),
		})

	case "activate":
		target, err := t.resolveTarget(ctx, shared.StringArg(args, "id"))
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		if err := launcher.ActivateTarget(ctx, target.ID); err != nil {
			return shared.ToolError(call.ID, "tabs: %v", err)
		}
		if _, err := t.deps.Manager.SwitchTab(ctx, target); err != nil {
			return shared.ToolError(call.ID, "tabs: attach to %s failed: %v", target.ID, err)
		}
		return shared.JSONResult(call.ID, map[string]any{
			"ok": true, "id": target.ID, "url": redact.SanitizeURL(target.URL), "title": target.Title,
		})

	case "close":
		target, err := t.resolveTarget(ctx, shared.StringArg(args, "id"))
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		wasCurrent := target.ID == t.deps.Manager.SharedTab().ID
		if err := launcher.CloseTarget(ctx, target.ID); err != nil {
			return shared.ToolError(call.ID, "tabs: %v", err)
		}
		payload := map[string]any{"ok": true, "closed": target.ID}
		if wasCurrent {
			if rescued, err := t.rescue(ctx); err == nil {
				payload["rescued"] = rescued.ID
			} else {
				payload["hint"] = "closed the driven tab and no other tab was live; call browser(action=\"recover\")"
			}
		}
		return shared.JSONResult(call.ID, payload)

	case "rescue":
		target, err := t.rescue(ctx)
		if err != nil {
			return shared.ToolError(call.ID, "tabs: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{
			"ok": true, "id": target.ID, "url": redact.SanitizeURL(target.URL),
		})

	default:
		return shared.ToolError(call.ID, "unknown tabs action %q", action)
	}
}

// rescue reattaches the shared session to any live page target, opening a
// fresh one when none survive.
func (t *tabsTool) rescue(ctx context.Context) (cdp.TargetInfo, error) {
	launcher := t.deps.Manager.Launcher()
	targets, err := launcher.Targets(ctx)
	if err == nil && len(targets) > 0 {
		target := targets[0]
		if _, err := t.deps.Manager.SwitchTab(ctx, target); err == nil {
			return target, nil
		}
	}
	target, err := launcher.NewTarget(ctx, "about:blank")
	if err != nil {
		return cdp.TargetInfo{}, err
	}
	if _, err := t.deps.Manager.SwitchTab(ctx, target); err != nil {
		return cdp.TargetInfo{}, err
	}
	return target, nil
}

func (t *tabsTool) resolveTarget(ctx context.Context, id string) (cdp.TargetInfo, error) {
	if id == "" {
		return cdp.TargetInfo{}, errMissingTabID
	}
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	targets, err := t.deps.Manager.Launcher().Targets(listCtx)
	if err != nil {
		return cdp.TargetInfo{}, err
	}
	var match cdp.TargetInfo
	matches := 0
	for _, target := range targets {
		if target.ID == id {
			return target, nil
		}
		if strings.HasPrefix(target.ID, id) {
			match = target
			matches++
		}
	}
	switch matches {
	case 1:
		return match, nil
	case 0:
		return cdp.TargetInfo{}, &tabLookupError{id: id, ambiguous: false}
	default:
		return cdp.TargetInfo{}, &tabLookupError{id: id, ambiguous: true}
	}
}

var errMissingTabID = &tabLookupError{id: "", ambiguous: false}

type tabLookupError struct {
	id        string
	ambiguous bool
}

func (e *tabLookupError) Error() string {
	switch {
	case e.id == "":
		return "tabs requires id; call tabs(action=\"list\") first"
	case e.ambiguous:
		return "tab id prefix " + e.id + " matches several tabs; use the full id from tabs(action=\"list\")"
	default:
		return "no tab matches " + e.id + "; call tabs(action=\"list\") for live ids"
	}
}
