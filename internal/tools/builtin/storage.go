package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type storageTool struct {
	shared.BaseTool
	deps *Deps
}

// NewStorageTool reads and writes localStorage / sessionStorage.
func NewStorageTool(deps *Deps) ports.ToolExecutor {
	return &storageTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "storage",
				Description: "Get, set, remove or list localStorage / sessionStorage entries for the current origin.",
				Parameters: shared.Schema([]string{"action"}, map[string]ports.Property{
					"action": shared.EnumProp("Operation", "get", "set", "remove", "list", "clear"),
					"scope":  shared.EnumProp("Which store (default local)", "local", "session"),
					"key":    shared.Prop("string", "Storage key"),
					"value":  shared.Prop("string", "Value for set"),
				}),
			},
			ports.ToolMetadata{
				Name: "storage", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "state"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *storageTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	action, err := shared.RequireStringArg(args, "action")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	store := "localStorage"
	if shared.StringArgDefault(args, "scope", "local") == "session" {
		store = "sessionStorage"
	}

	key := shared.StringArg(args, "key")
	if (action == "get" || action == "set" || action == "remove") && key == "" {
		return shared.ToolError(call.ID, "storage %s requires key", action)
	}
	keyJS, _ := json.Marshal(key)

	var code string
	switch action {
	case "get":
		code = fmt.Sprintf(`%s.getItem(%s)`, store, keyJS)
	case "set":
		valueJS, _ := json.Marshal(shared.StringArg(args, "value"))
		code = fmt.Sprintf(`(%s.setItem(%s,%s),true)`, store, keyJS, valueJS)
	case "remove":
		code = fmt.Sprintf(`(%s.removeItem(%s),true)`, store, keyJS)
	case "clear":
		code = fmt.Sprintf(`(%s.clear(),true)`, store)
	case "list":
		code = fmt.Sprintf(`(function(){var out={};for(var i=0;i<%s.length;i++){var k=%s.key(i);out[k]=%s.getItem(k);}return out;})()`, store, store, store)
	default:
		return shared.ToolError(call.ID, "unknown storage action %q", action)
	}

	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	value, err := sess.Eval(ctx, code)
	if err != nil {
		return shared.ToolError(call.ID, "storage: %v", err)
	}

	payload := map[string]any{"ok": true, "action": action, "scope": shared.StringArgDefault(args, "scope", "local")}
	switch action {
	case "get":
		payload["key"] = key
		payload["value"] = value
	case "list":
		payload["entries"] = value
	}
	return shared.JSONResult(call.ID, payload)
}
