package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type typeTool struct {
	shared.BaseTool
	deps *Deps
}

// NewTypeTool types text into an element (or the focused one) and optionally
// presses a key afterwards.
func NewTypeTool(deps *Deps) ports.ToolExecutor {
	return &typeTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "type",
				Description: "Type text into an input addressed by selector/ref/backendDOMNodeId, or into the focused element. Optionally clear first, press a key (e.g. Enter), or submit.",
				Parameters: shared.Schema([]string{"text"}, map[string]ports.Property{
					"text":             shared.Prop("string", "Text to type"),
					"selector":         shared.Prop("string", "CSS selector of the input"),
					"ref":              shared.Prop("string", "Affordance ref"),
					"backendDOMNodeId": shared.Prop("integer", "CDP backend node id"),
					"clear":            shared.Prop("boolean", "Clear the field before typing"),
					"key":              shared.Prop("string", "Key to press after typing (Enter, Tab, Escape, ...)"),
					"ctrl":             shared.Prop("boolean", "Hold Ctrl for the key press"),
					"alt":              shared.Prop("boolean", "Hold Alt for the key press"),
					"shift":            shared.Prop("boolean", "Hold Shift for the key press"),
					"meta":             shared.Prop("boolean", "Hold Meta for the key press"),
					"submit":           shared.Prop("boolean", "Press Enter after typing"),
				}),
			},
			ports.ToolMetadata{
				Name: "type", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "interaction"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *typeTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	text, ok := args["text"].(string)
	if !ok {
		return shared.ToolError(call.ID, "missing required argument: text")
	}
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	if ref := shared.StringArg(args, "ref"); ref != "" {
		resolved, _ := t.deps.Manager.ResolveAffordance(sess.TargetID(), ref, currentURL(ctx, sess))
		if resolved == nil {
			return shared.ToolError(call.ID, "affordance %q not found", ref)
		}
		if selector, ok := resolved.Args["selector"].(string); ok && args["selector"] == nil {
			args["selector"] = selector
		}
	}

	loc := locatorFromArgs(args)
	if !loc.empty() {
		target, err := resolveLocator(ctx, sess, loc)
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		if err := dispatchClick(ctx, sess, target.X, target.Y, "left", 1); err != nil {
			return shared.ToolError(call.ID, "focus click failed: %v", err)
		}
	}

	if shared.BoolArgWithDefault(args, "clear", false) {
		clearJS := `(function(){var el=document.activeElement;if(el&&('value'in el)){el.value='';el.dispatchEvent(new Event('input',{bubbles:true}));el.dispatchEvent(new Event('change',{bubbles:true}));}})()`
		if _, err := sess.Eval(ctx, clearJS); err != nil {
			return shared.ToolError(call.ID, "clear failed: %v", err)
		}
	}

	if text != "" {
		if _, err := sess.Call(ctx, "Input.insertText", map[string]any{"text": text}); err != nil {
			return shared.ToolError(call.ID, "typing failed: %v", err)
		}
	}

	key := shared.StringArg(args, "key")
	if key == "" && shared.BoolArgWithDefault(args, "submit", false) {
		key = "Enter"
	}
	if key != "" {
		if err := pressKey(ctx, sess, key, keyModifiers(args)); err != nil {
			return shared.ToolError(call.ID, "key press %q failed: %v", key, err)
		}
	}
	t.deps.pump(sess)
	return shared.JSONResult(call.ID, map[string]any{"ok": true, "typed": len(text), "key": key})
}

// keyModifiers packs the CDP modifier bitmask: Alt=1, Ctrl=2, Meta=4, Shift=8.
func keyModifiers(args map[string]any) int {
	modifiers := 0
	if shared.BoolArgWithDefault(args, "alt", false) {
		modifiers |= 1
	}
	if shared.BoolArgWithDefault(args, "ctrl", false) {
		modifiers |= 2
	}
	if shared.BoolArgWithDefault(args, "meta", false) {
		modifiers |= 4
	}
	if shared.BoolArgWithDefault(args, "shift", false) {
		modifiers |= 8
	}
	return modifiers
}

var keyCodes = map[string]struct {
	code        string
	keyCode     int
	text        string
}{
	"Enter":      {"Enter", 13, "\r"},
	"Tab":        {"Tab", 9, ""},
	"Escape":     {"Escape", 27, ""},
	"Backspace":  {"Backspace", 8, ""},
	"Delete":     {"Delete", 46, ""},
	"ArrowUp":    {"ArrowUp", 38, ""},
	"ArrowDown":  {"ArrowDown", 40, ""},
	"ArrowLeft":  {"ArrowLeft", 37, ""},
	"ArrowRight": {"ArrowRight", 39, ""},
	"Home":       {"Home", 36, ""},
	"End":        {"End", 35, ""},
	"PageUp":     {"PageUp", 33, ""},
	"PageDown":   {"PageDown", 34, ""},
}

func pressKey(ctx context.Context, sess cdpCaller, key string, modifiers int) error {
	spec, ok := keyCodes[key]
	if !ok {
		known, _ := json.Marshal(knownKeys())
		return fmt.Errorf("unsupported key %q; known keys: %s", key, known)
	}
	down := map[string]any{
		"type": "rawKeyDown", "key": spec.code, "code": spec.code,
		"windowsVirtualKeyCode": spec.keyCode, "nativeVirtualKeyCode": spec.keyCode,
		"modifiers": modifiers,
	}
	if _, err := sess.Call(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return err
	}
	if spec.text != "" {
		char := map[string]any{"type": "char", "text": spec.text, "modifiers": modifiers}
		if _, err := sess.Call(ctx, "Input.dispatchKeyEvent", char); err != nil {
			return err
		}
	}
	up := map[string]any{
		"type": "keyUp", "key": spec.code, "code": spec.code,
		"windowsVirtualKeyCode": spec.keyCode, "nativeVirtualKeyCode": spec.keyCode,
		"modifiers": modifiers,
	}
	_, err := sess.Call(ctx, "Input.dispatchKeyEvent", up)
	return err
}

func knownKeys() []string {
	keys := make([]string, 0, len(keyCodes))
	for key := range keyCodes {
		keys = append(keys, key)
	}
	return keys
}

// cdpCaller is the slice of the session key dispatch needs.
type cdpCaller interface {
	Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}
