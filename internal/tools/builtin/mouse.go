package builtin

import (
	"context"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type mouseTool struct {
	shared.BaseTool
	deps *Deps
}

// NewMouseTool sends raw mouse events at viewport coordinates.
func NewMouseTool(deps *Deps) ports.ToolExecutor {
	return &mouseTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "mouse",
				Description: "Send a raw mouse event at viewport coordinates: move, click, down, up, or wheel.",
				Parameters: shared.Schema([]string{"x", "y"}, map[string]ports.Property{
					"action": shared.EnumProp("Mouse action", "move", "click", "down", "up", "wheel"),
					"x":      shared.Prop("number", "Viewport x"),
					"y":      shared.Prop("number", "Viewport y"),
					"button": shared.EnumProp("Mouse button", "left", "middle", "right"),
					"dx":     shared.Prop("number", "Wheel delta x"),
					"dy":     shared.Prop("number", "Wheel delta y"),
				}),
			},
			ports.ToolMetadata{
				Name: "mouse", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "interaction"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *mouseTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	x, okX := numArg(args, "x")
	y, okY := numArg(args, "y")
	if !okX || !okY {
		return shared.ToolError(call.ID, "mouse requires x and y")
	}
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	action := shared.StringArgDefault(args, "action", "click")
	button := shared.StringArgDefault(args, "button", "left")

	switch action {
	case "click":
		if err := dispatchClick(ctx, sess, x, y, button, 1); err != nil {
			return shared.ToolError(call.ID, "mouse click: %v", err)
		}
	case "move":
		params := map[string]any{"type": "mouseMoved", "x": x, "y": y}
		if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", params); err != nil {
			return shared.ToolError(call.ID, "mouse move: %v", err)
		}
	case "down":
		params := map[string]any{"type": "mousePressed", "x": x, "y": y, "button": button, "clickCount": 1}
		if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", params); err != nil {
			return shared.ToolError(call.ID, "mouse down: %v", err)
		}
	case "up":
		params := map[string]any{"type": "mouseReleased", "x": x, "y": y, "button": button, "clickCount": 1}
		if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", params); err != nil {
			return shared.ToolError(call.ID, "mouse up: %v", err)
		}
	case "wheel":
		dx, _ := numArg(args, "dx")
		dy, _ := numArg(args, "dy")
		params := map[string]any{"type": "mouseWheel", "x": x, "y": y, "deltaX": dx, "deltaY": dy}
		if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", params); err != nil {
			return shared.ToolError(call.ID, "mouse wheel: %v", err)
		}
	default:
		return shared.ToolError(call.ID, "unknown mouse action %q", action)
	}

	t.deps.pump(sess)
	return shared.JSONResult(call.ID, map[string]any{"ok": true, "action": action, "x": x, "y": y})
}
