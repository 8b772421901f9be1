package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type jsTool struct {
	shared.BaseTool
	deps *Deps
}

// NewJSTool evaluates an expression in the page and returns the JSON value.
func NewJSTool(deps *Deps) ports.ToolExecutor {
	return &jsTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "js",
				Description: "Evaluate a JavaScript expression in the page and return its JSON value. Large results are stored as artifacts.",
				Parameters: shared.Schema([]string{"code"}, map[string]ports.Property{
					"code":      shared.Prop("string", "Expression to evaluate (awaited if it returns a promise)"),
					"max_chars": shared.Prop("integer", "Inline result budget (default 4000)"),
				}),
			},
			ports.ToolMetadata{
				Name: "js", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *jsTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	code, err := shared.RequireStringArg(call.Arguments, "code")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	value, err := sess.Eval(ctx, code)
	if err != nil {
		return shared.ToolError(call.ID, "js: %v", err)
	}

	payload := map[string]any{"ok": true, "result": value}
	if encoded, encErr := json.Marshal(value); encErr == nil {
		maxChars := shared.IntArgDefault(call.Arguments, "max_chars", inlineBodyBudget)
		if len(encoded) > maxChars {
			art := t.deps.Artifacts.PutBytes("js", "application/json", encoded, nil)
			payload["result"] = string(encoded[:maxChars])
			payload["artifact"] = art.ID
			payload["truncated"] = true
			payload["hint"] = fmt.Sprintf(artifactSliceHint, art.ID)
		}
	}
	return shared.JSONResult(call.ID, payload)
}
