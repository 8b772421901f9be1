package builtin

import (
	"context"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type resizeTool struct {
	shared.BaseTool
	deps *Deps
}

// NewResizeTool overrides the viewport size.
func NewResizeTool(deps *Deps) ports.ToolExecutor {
	return &resizeTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "resize",
				Description: "Resize the viewport. Pass width and height in CSS pixels; reset=true removes the override.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"width":  shared.Prop("integer", "Viewport width"),
					"height": shared.Prop("integer", "Viewport height"),
					"scale":  shared.Prop("number", "Device scale factor (default 1)"),
					"mobile": shared.Prop("boolean", "Emulate a mobile viewport"),
					"reset":  shared.Prop("boolean", "Clear the override"),
				}),
			},
			ports.ToolMetadata{
				Name: "resize", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *resizeTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	if shared.BoolArgWithDefault(args, "reset", false) {
		if _, err := sess.Call(ctx, "Emulation.clearDeviceMetricsOverride", nil); err != nil {
			return shared.ToolError(call.ID, "reset viewport: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "reset": true})
	}

	width := shared.IntArgDefault(args, "width", 0)
	height := shared.IntArgDefault(args, "height", 0)
	if width <= 0 || height <= 0 {
		return shared.ToolError(call.ID, "resize requires positive width and height")
	}
	scale := shared.FloatArgDefault(args, "scale", 1)
	params := map[string]any{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": scale,
		"mobile":            shared.BoolArgWithDefault(args, "mobile", false),
	}
	if _, err := sess.Call(ctx, "Emulation.setDeviceMetricsOverride", params); err != nil {
		return shared.ToolError(call.ID, "resize: %v", err)
	}
	return shared.JSONResult(call.ID, map[string]any{"ok": true, "width": width, "height": height})
}
