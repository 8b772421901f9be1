package builtin

import (
	"context"
	"time"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type clickTool struct {
	shared.BaseTool
	deps *Deps
}

// NewClickTool clicks an element addressed by text, selector, coordinates,
// a backend DOM node id, or an affordance ref.
func NewClickTool(deps *Deps) ports.ToolExecutor {
	return &clickTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "click",
				Description: "Click an element by visible text, CSS selector, viewport coordinates, backendDOMNodeId, or an aff:<hash> ref from page(detail=\"locators\").",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"text":             shared.Prop("string", "Visible text of the element"),
					"selector":         shared.Prop("string", "CSS selector"),
					"x":                shared.Prop("number", "Viewport x"),
					"y":                shared.Prop("number", "Viewport y"),
					"backendDOMNodeId": shared.Prop("integer", "CDP backend node id"),
					"ref":              shared.Prop("string", "Affordance ref"),
					"role":             shared.Prop("string", "Restrict text matches to a role"),
					"index":            shared.Prop("integer", "Pick the Nth match when text is ambiguous"),
					"double":           shared.Prop("boolean", "Double-click"),
					"button":           shared.EnumProp("Mouse button", "left", "middle", "right"),
					"wait_after":       shared.Prop("number", "Seconds to settle after the click"),
				}),
			},
			ports.ToolMetadata{
				Name: "click", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "interaction"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *clickTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	if ref := shared.StringArg(args, "ref"); ref != "" {
		resolved, state := t.deps.Manager.ResolveAffordance(sess.TargetID(), ref, currentURL(ctx, sess))
		if resolved == nil {
			return shared.ToolError(call.ID, "affordance %q not found (map has %d items)", ref, state.Items)
		}
		if state.Stale {
			return shared.ToolError(call.ID, "affordance map is stale (stored for %s); run page(detail=\"locators\") again", state.StoredURL)
		}
		merged := map[string]any{}
		for key, value := range resolved.Args {
			merged[key] = value
		}
		for key, value := range args {
			if key != "ref" {
				merged[key] = value
			}
		}
		args = merged
	}

	loc := locatorFromArgs(args)
	if loc.empty() {
		return shared.ToolError(call.ID, "click requires text, selector, x+y, backendDOMNodeId or ref")
	}
	target, err := resolveLocator(ctx, sess, loc)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	clicks := 1
	if shared.BoolArgWithDefault(args, "double", false) {
		clicks = 2
	}
	if err := dispatchClick(ctx, sess, target.X, target.Y, shared.StringArg(args, "button"), clicks); err != nil {
		return shared.ToolError(call.ID, "click failed: %v", err)
	}

	if settle := shared.FloatArgDefault(args, "wait_after", 0); settle > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(settle * float64(time.Second))):
		}
	}
	t.deps.pump(sess)

	payload := map[string]any{
		"ok":      true,
		"matches": target.Matches,
		"x":       target.X,
		"y":       target.Y,
	}
	if target.Text != "" {
		payload["text"] = target.Text
	}
	if target.Matches > 1 && !loc.HasIndex {
		payload["ambiguous"] = true
	}
	return shared.JSONResult(call.ID, payload)
}

func currentURL(ctx context.Context, sess interface {
	Eval(ctx context.Context, expression string) (any, error)
}) string {
	value, err := sess.Eval(ctx, "location.href")
	if err != nil {
		return ""
	}
	url, _ := value.(string)
	return url
}
