package builtin

import (
	"context"
	"time"

	"surf/internal/ports"
	"surf/internal/redact"
	"surf/internal/session"
	"surf/internal/tools/shared"
)

type browserTool struct {
	shared.BaseTool
	deps *Deps
}

// NewBrowserTool is the lifecycle and settings surface: browser status,
// launch/stop/recover, policy and heuristic level, and agent memory.
func NewBrowserTool(deps *Deps) ports.ToolExecutor {
	return &browserTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name: "browser",
				Description: "Manage the browser and server settings: status, launch, stop, recover (soft/hard), version, " +
					"policy (strict/permissive), heuristics (0-3), and agent memory " +
					"(memory_get/set/list/delete/save/load/clear). Memory values are referenced in steps as {{mem:key}}.",
				Parameters: shared.Schema([]string{"action"}, map[string]ports.Property{
					"action": shared.EnumProp("Operation",
						"status", "launch", "stop", "recover", "version", "policy", "heuristics",
						"memory_get", "memory_set", "memory_list", "memory_delete",
						"memory_save", "memory_load", "memory_clear"),
					"hard":            shared.Prop("boolean", "Recover: also restart the browser process"),
					"policy":          shared.EnumProp("Policy to set (omit to read)", "strict", "permissive"),
					"level":           shared.Prop("integer", "Heuristic level to set, 0-3 (omit to read)"),
					"key":             shared.Prop("string", "Memory key"),
					"value":           shared.Prop("string", "Memory value (memory_set; objects accepted)"),
					"reveal":          shared.Prop("boolean", "memory_get: return the stored value; sensitive values only under permissive policy"),
					"dir":             shared.Prop("string", "Directory for memory_save/memory_load (default state dir)"),
					"allow_sensitive": shared.Prop("boolean", "Persist/load sensitive entries too (default false)"),
				}),
			},
			ports.ToolMetadata{
				Name: "browser", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "lifecycle"}, RequiresBrowser: false,
			},
		),
		deps: deps,
	}
}

func (t *browserTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	action, err := shared.RequireStringArg(args, "action")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	manager := t.deps.Manager
	launcher := manager.Launcher()

	switch action {
	case "status":
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		reachable := launcher.Reachable(probeCtx, 2*time.Second)
		cancel()
		payload := map[string]any{
			"ok":         true,
			"reachable":  reachable,
			"port":       launcher.Port(),
			"policy":     string(manager.Policy()),
			"heuristics": manager.HeuristicLevel(),
			"memoryKeys": t.deps.Memory.Len(),
		}
		if tab := manager.SharedTab(); tab.ID != "" {
			payload["tab"] = map[string]any{"id": tab.ID, "url": redact.SanitizeURL(tab.URL), "title": tab.Title}
		}
		return shared.JSONResult(call.ID, payload)

	case "launch":
		if err := manager.EnsureBrowser(ctx); err != nil {
			return shared.ToolError(call.ID, "launch: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "port": launcher.Port()})

	case "stop":
		manager.Shutdown()
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "stopped": true})

	case "recover":
		hard := shared.BoolArgWithDefault(args, "hard", false)
		if err := manager.Recover(ctx, hard, 20*time.Second); err != nil {
			return shared.ToolError(call.ID, "recover: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "hard": hard})

	case "version":
		version, err := launcher.Version(ctx)
		if err != nil {
			return shared.ToolError(call.ID, "version: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "browser": version})

	case "policy":
		if requested := shared.StringArg(args, "policy"); requested != "" {
			manager.SetPolicy(session.Policy(requested))
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "policy": string(manager.Policy())})

	case "heuristics":
		if raw, present := args["level"]; present {
			manager.SetHeuristicLevel(int(numOf(raw)))
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "heuristics": manager.HeuristicLevel()})

	default:
		return t.memoryAction(call, action, args)
	}
}

// memoryAction covers the memory_* subactions. Sensitive values never come
// back raw; reads return the placeholder the interpolator resolves at
// dispatch time.
func (t *browserTool) memoryAction(call ports.ToolCall, action string, args map[string]any) (*ports.ToolResult, error) {
	store := t.deps.Memory

	switch action {
	case "memory_get":
		key, err := shared.RequireStringArg(args, "key")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		entry, ok := store.Get(key)
		if !ok {
			return shared.ToolError(call.ID, "no memory entry %q", key)
		}
		reveal := shared.BoolArgWithDefault(args, "reveal", false)
		payload := map[string]any{
			"ok": true, "key": key, "sensitive": entry.Sensitive,
			"bytes": entry.Bytes, "updatedAt": entry.UpdatedAt,
		}
		switch {
		case reveal && (!entry.Sensitive || t.deps.Manager.Policy() == session.PolicyPermissive):
			payload["value"] = entry.Value
		case entry.Sensitive:
			payload["value"] = redact.MemNote(key)
			payload["hint"] = "sensitive values are only injected via {{mem:" + key + "}} in run steps"
		default:
			payload["value"] = redact.MemNote(key)
			payload["hint"] = "pass reveal=true to read the stored value"
		}
		return shared.JSONResult(call.ID, payload)

	case "memory_set":
		key, err := shared.RequireStringArg(args, "key")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		value, present := args["value"]
		if !present {
			return shared.ToolError(call.ID, "memory_set requires value")
		}
		if redact.IsSensitiveKey(key) && t.deps.Manager.Policy() == session.PolicyStrict {
			return shared.ToolError(call.ID, "strict policy blocks storing secrets in agent memory")
		}
		entry, err := store.Set(key, value)
		if err != nil {
			return shared.ToolError(call.ID, "memory: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{
			"ok": true, "key": key, "bytes": entry.Bytes, "sensitive": entry.Sensitive,
		})

	case "memory_list":
		keys := store.Keys()
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "count": len(keys), "keys": keys})

	case "memory_delete":
		key, err := shared.RequireStringArg(args, "key")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		if !store.Delete(key) {
			return shared.ToolError(call.ID, "no memory entry %q", key)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "deleted": key})

	case "memory_clear":
		store.Clear()
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "cleared": true})

	case "memory_save":
		if t.deps.Manager.Policy() == session.PolicyStrict {
			return shared.ToolError(call.ID, "strict policy blocks memory persistence")
		}
		allowSensitive := shared.BoolArgWithDefault(args, "allow_sensitive", false)
		dir := shared.StringArgDefault(args, "dir", t.deps.Cfg.AgentMemoryDir)
		saved, skipped, err := store.Save(dir, allowSensitive)
		if err != nil {
			return shared.ToolError(call.ID, "memory save: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "saved": saved, "skippedSensitive": skipped})

	case "memory_load":
		if t.deps.Manager.Policy() == session.PolicyStrict {
			return shared.ToolError(call.ID, "strict policy blocks memory persistence")
		}
		dir := shared.StringArgDefault(args, "dir", t.deps.Cfg.AgentMemoryDir)
		loaded, skipped, err := store.Load(dir, shared.BoolArgWithDefault(args, "allow_sensitive", false))
		if err != nil {
			return shared.ToolError(call.ID, "memory load: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "loaded": loaded, "skipped": skipped})

	default:
		return shared.ToolError(call.ID, "unknown browser action %q", action)
	}
}
