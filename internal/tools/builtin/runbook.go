package builtin

import (
	"context"
	"fmt"

	"surf/internal/flow"
	"surf/internal/memory"
	"surf/internal/ports"
	"surf/internal/redact"
	"surf/internal/tools/shared"
)

type runbookTool struct {
	shared.BaseTool
	deps *Deps
}

// NewRunbookTool saves and replays named step lists in agent memory. Saved
// runbooks are also reachable from run steps via the include_memory_steps
// macro.
func NewRunbookTool(deps *Deps) ports.ToolExecutor {
	return &runbookTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name: "runbook",
				Description: "Manage saved step lists: save (refuses raw secret literals; use {{mem:key}} placeholders), " +
					"get, list, delete, run. Saved runbooks can also be spliced into a batch with the include_memory_steps macro.",
				Parameters: shared.Schema([]string{"action"}, map[string]ports.Property{
					"action":          shared.EnumProp("Operation", "save", "get", "list", "delete", "run"),
					"key":             shared.Prop("string", "Memory key of the runbook"),
					"steps":           shared.Prop("array", "Steps to save"),
					"allow_sensitive": shared.Prop("boolean", "Save even if steps contain raw secret literals"),
					"params":          shared.Prop("object", "{{param:...}} values for run"),
					"vars":            shared.Prop("object", "Initial flow variables for run"),
				}),
			},
			ports.ToolMetadata{
				Name: "runbook", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "memory"}, RequiresBrowser: false,
			},
		),
		deps: deps,
	}
}

func (t *runbookTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	action, err := shared.RequireStringArg(args, "action")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	if action == "list" {
		keys := make([]string, 0)
		for _, key := range t.deps.Memory.Keys() {
			if steps, _, found, _ := loadRunbook(t.deps, key); found && steps != nil {
				keys = append(keys, key)
			}
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "count": len(keys), "runbooks": keys})
	}

	key, err := shared.RequireStringArg(args, "key")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	switch action {
	case "save":
		rawSteps, ok := args["steps"].([]any)
		if !ok || len(rawSteps) == 0 {
			return shared.ToolError(call.ID, "runbook save requires a non-empty steps list")
		}
		normalized, err := flow.NormalizeSteps(rawSteps)
		if err != nil {
			return shared.ToolError(call.ID, "runbook steps: %v", err)
		}
		stepMaps := make([]map[string]any, 0, len(rawSteps))
		for _, raw := range rawSteps {
			if m, ok := raw.(map[string]any); ok {
				stepMaps = append(stepMaps, m)
			}
		}
		hasSecrets := redact.ContainsSensitiveLiteral(stepMaps)
		if hasSecrets && !shared.BoolArgWithDefault(args, "allow_sensitive", false) {
			return shared.ToolError(call.ID,
				"steps contain raw secret literals; store the secret with browser(action=\"memory_set\") and reference it as {{mem:key}}, or pass allow_sensitive=true")
		}
		value := map[string]any{"steps": rawSteps, "kind": "runbook"}
		var entry *memory.Entry
		if hasSecrets {
			entry, err = t.deps.Memory.SetSensitive(key, value)
		} else {
			entry, err = t.deps.Memory.Set(key, value)
		}
		if err != nil {
			return shared.ToolError(call.ID, "runbook save: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{
			"ok": true, "key": key, "steps": len(normalized), "bytes": entry.Bytes,
		})

	case "get":
		steps, sensitive, found, err := loadRunbook(t.deps, key)
		if err != nil {
			return shared.ToolError(call.ID, "runbook: %v", err)
		}
		if !found {
			return shared.ToolError(call.ID, "no runbook %q", key)
		}
		payload := map[string]any{"ok": true, "key": key, "count": len(steps)}
		if sensitive {
			// Sensitive runbooks list placeholders only.
			sanitized, _ := redact.SanitizeSteps(stepMapsOf(steps))
			payload["steps"] = sanitized
			payload["sensitive"] = true
		} else {
			payload["steps"] = steps
		}
		return shared.JSONResult(call.ID, payload)

	case "delete":
		if _, _, found, _ := loadRunbook(t.deps, key); !found {
			return shared.ToolError(call.ID, "no runbook %q", key)
		}
		t.deps.Memory.Delete(key)
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "deleted": key})

	case "run":
		if _, _, found, err := loadRunbook(t.deps, key); err != nil || !found {
			return shared.ToolError(call.ID, "no runbook %q", key)
		}
		includeArgs := map[string]any{"memory_key": key}
		if params := shared.MapArg(args, "params"); len(params) > 0 {
			includeArgs["params"] = params
		}
		steps := []any{map[string]any{
			"tool": "macro",
			"args": map[string]any{"name": "include_memory_steps", "args": includeArgs},
		}}
		runArgs := map[string]any{"steps": steps}
		if vars := shared.MapArg(args, "vars"); len(vars) > 0 {
			runArgs["vars"] = vars
		}
		return t.deps.Dispatcher.Dispatch(ctx, ports.ToolCall{
			ID: call.ID, Name: "flow", Arguments: runArgs,
		})

	default:
		return shared.ToolError(call.ID, "unknown runbook action %q", action)
	}
}

// loadRunbook reads a step list out of agent memory. Both the runbook wrapper
// shape ({steps:[...]}) and a bare list are accepted.
func loadRunbook(d *Deps, key string) (steps []any, sensitive bool, found bool, err error) {
	entry, ok := d.Memory.Get(key)
	if !ok {
		return nil, false, false, nil
	}
	switch value := entry.Value.(type) {
	case []any:
		return value, entry.Sensitive, true, nil
	case map[string]any:
		if list, ok := value["steps"].([]any); ok {
			return list, entry.Sensitive, true, nil
		}
	}
	return nil, entry.Sensitive, false, fmt.Errorf("memory entry %q is not a step list", key)
}

func stepMapsOf(steps []any) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, raw := range steps {
		if m, ok := raw.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
