package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type scrollTool struct {
	shared.BaseTool
	deps *Deps
}

// NewScrollTool scrolls the page or brings an element into view.
func NewScrollTool(deps *Deps) ports.ToolExecutor {
	return &scrollTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "scroll",
				Description: "Scroll the page by direction/amount, to top/bottom, or scroll an element into view.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"direction": shared.EnumProp("Scroll direction", "up", "down", "left", "right"),
					"amount":    shared.Prop("string", "\"page\", \"top\", \"bottom\" or a pixel count"),
					"selector":  shared.Prop("string", "Scroll this element into view instead"),
				}),
			},
			ports.ToolMetadata{
				Name: "scroll", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "interaction"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *scrollTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	if selector := shared.StringArg(args, "selector"); selector != "" {
		sel, _ := json.Marshal(selector)
		js := fmt.Sprintf(`(function(){var el=document.querySelector(%s);if(!el)return false;el.scrollIntoView({block:'center'});return true;})()`, sel)
		value, err := sess.Eval(ctx, js)
		if err != nil {
			return shared.ToolError(call.ID, "scroll: %v", err)
		}
		if ok, _ := value.(bool); !ok {
			return shared.ToolError(call.ID, "element not found: %s", selector)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "target": selector})
	}

	direction := shared.StringArgDefault(args, "direction", "down")
	amount := shared.StringArgDefault(args, "amount", "page")

	var js string
	switch amount {
	case "top":
		js = `window.scrollTo(0,0)`
	case "bottom":
		js = `window.scrollTo(0,document.body.scrollHeight)`
	default:
		expr := "window.innerHeight*0.85"
		if amount != "page" {
			if pixels, ok := shared.FloatArg(map[string]any{"amount": args["amount"]}, "amount"); ok {
				expr = fmt.Sprintf("%g", pixels)
			} else {
				var parsed float64
				if _, err := fmt.Sscanf(amount, "%g", &parsed); err == nil {
					expr = fmt.Sprintf("%g", parsed)
				}
			}
		}
		switch direction {
		case "up":
			js = fmt.Sprintf(`window.scrollBy(0,-(%s))`, expr)
		case "left":
			js = fmt.Sprintf(`window.scrollBy(-(%s),0)`, expr)
		case "right":
			js = fmt.Sprintf(`window.scrollBy(%s,0)`, expr)
		default:
			js = fmt.Sprintf(`window.scrollBy(0,%s)`, expr)
		}
	}
	if _, err := sess.Eval(ctx, js); err != nil {
		return shared.ToolError(call.ID, "scroll: %v", err)
	}

	pos, _ := sess.Eval(ctx, `({x:window.scrollX,y:window.scrollY,max:document.body.scrollHeight-window.innerHeight})`)
	payload := map[string]any{"ok": true, "direction": direction, "amount": amount}
	if posMap, ok := pos.(map[string]any); ok {
		payload["position"] = posMap
	}
	return shared.JSONResult(call.ID, payload)
}
