package builtin

import (
	"context"
	"encoding/json"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type cookiesTool struct {
	shared.BaseTool
	deps *Deps
}

// NewCookiesTool manages browser cookies through the Network domain.
func NewCookiesTool(deps *Deps) ports.ToolExecutor {
	return &cookiesTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "cookies",
				Description: "List, set or delete browser cookies. Listing defaults to the current page's cookies; values are redacted in recordings, not here.",
				Parameters: shared.Schema([]string{"action"}, map[string]ports.Property{
					"action":   shared.EnumProp("Operation", "list", "set", "delete", "clear"),
					"name":     shared.Prop("string", "Cookie name (set/delete)"),
					"value":    shared.Prop("string", "Cookie value (set)"),
					"domain":   shared.Prop("string", "Cookie domain"),
					"path":     shared.Prop("string", "Cookie path (default /)"),
					"url":      shared.Prop("string", "Scope the operation to this URL"),
					"secure":   shared.Prop("boolean", "Secure flag (set)"),
					"httpOnly": shared.Prop("boolean", "HttpOnly flag (set)"),
				}),
			},
			ports.ToolMetadata{
				Name: "cookies", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "state"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *cookiesTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	action, err := shared.RequireStringArg(args, "action")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	switch action {
	case "list":
		params := map[string]any{}
		if url := shared.StringArg(args, "url"); url != "" {
			params["urls"] = []string{url}
		}
		raw, err := sess.Call(ctx, "Network.getCookies", params)
		if err != nil {
			return shared.ToolError(call.ID, "cookies: %v", err)
		}
		var parsed struct {
			Cookies []map[string]any `json:"cookies"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return shared.ToolError(call.ID, "cookies: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{
			"ok": true, "count": len(parsed.Cookies), "cookies": parsed.Cookies,
		})

	case "set":
		name, err := shared.RequireStringArg(args, "name")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		params := map[string]any{
			"name":  name,
			"value": shared.StringArg(args, "value"),
			"path":  shared.StringArgDefault(args, "path", "/"),
		}
		if domain := shared.StringArg(args, "domain"); domain != "" {
			params["domain"] = domain
		}
		if url := shared.StringArg(args, "url"); url != "" {
			params["url"] = url
		}
		if params["domain"] == nil && params["url"] == nil {
			state, stateErr := sess.State(ctx)
			if stateErr != nil || state.URL == "" {
				return shared.ToolError(call.ID, "cookies set requires domain or url")
			}
			params["url"] = state.URL
		}
		if secure, ok := args["secure"].(bool); ok {
			params["secure"] = secure
		}
		if httpOnly, ok := args["httpOnly"].(bool); ok {
			params["httpOnly"] = httpOnly
		}
		raw, err := sess.Call(ctx, "Network.setCookie", params)
		if err != nil {
			return shared.ToolError(call.ID, "cookies: %v", err)
		}
		var resp struct {
			Success bool `json:"success"`
		}
		_ = json.Unmarshal(raw, &resp)
		if !resp.Success {
			return shared.ToolError(call.ID, "browser rejected cookie %q", name)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "name": name})

	case "delete":
		name, err := shared.RequireStringArg(args, "name")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		params := map[string]any{"name": name}
		if domain := shared.StringArg(args, "domain"); domain != "" {
			params["domain"] = domain
		}
		if url := shared.StringArg(args, "url"); url != "" {
			params["url"] = url
		}
		if _, err := sess.Call(ctx, "Network.deleteCookies", params); err != nil {
			return shared.ToolError(call.ID, "cookies: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "deleted": name})

	case "clear":
		if _, err := sess.Call(ctx, "Network.clearBrowserCookies", nil); err != nil {
			return shared.ToolError(call.ID, "cookies: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "cleared": true})

	default:
		return shared.ToolError(call.ID, "unknown cookies action %q", action)
	}
}
