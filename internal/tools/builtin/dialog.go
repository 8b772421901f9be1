package builtin

import (
	"context"
	"time"

	"surf/internal/ports"
	"surf/internal/session"
	"surf/internal/tools/shared"
)

type dialogTool struct {
	shared.BaseTool
	deps *Deps
}

// NewDialogTool closes the open JavaScript dialog or sets the per-tab
// auto-dialog policy.
func NewDialogTool(deps *Deps) ports.ToolExecutor {
	return &dialogTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "dialog",
				Description: "Handle the currently open JavaScript dialog (accept/dismiss, optional prompt text), or set auto handling for future dialogs on this tab.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"accept":      shared.Prop("boolean", "Accept (true) or dismiss (false) the dialog"),
					"prompt_text": shared.Prop("string", "Text to enter when accepting a prompt"),
					"auto":        shared.EnumProp("Set per-tab auto handling instead", "off", "dismiss", "accept"),
					"ttl_s":       shared.Prop("number", "Auto-handling lifetime in seconds (default 300)"),
					"max_wait_s":  shared.Prop("number", "How long to wait for the dialog to close (cap 10)"),
				}),
			},
			ports.ToolMetadata{
				Name: "dialog", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "dialogs"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *dialogTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	tabID := sess.TargetID()

	if auto := shared.StringArg(args, "auto"); auto != "" {
		if t.deps.Manager.Policy() == session.PolicyStrict && auto != "off" {
			return shared.ToolError(call.ID, "strict policy blocks implicit dialog handling")
		}
		ttl := time.Duration(shared.FloatArgDefault(args, "ttl_s", 300) * float64(time.Second))
		t.deps.Manager.SetAutoDialog(tabID, session.AutoDialogMode(auto), ttl)
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "auto": auto, "ttl_s": ttl.Seconds()})
	}

	t.deps.pump(sess)
	open, info := t.deps.Manager.Telemetry(tabID).DialogState()
	if !open {
		return shared.ToolError(call.ID, "no dialog is open")
	}

	accept := shared.BoolArgWithDefault(args, "accept", false)
	promptText := shared.StringArg(args, "prompt_text")
	maxWait := time.Duration(shared.FloatArgDefault(args, "max_wait_s", 2) * float64(time.Second))

	if promptText != "" && accept {
		// Prompt text only travels on the direct path.
		if err := sess.HandleDialog(ctx, true, promptText); err == nil {
			t.deps.Manager.Telemetry(tabID).MarkDialogClosed()
			return shared.JSONResult(call.ID, map[string]any{"ok": true, "accepted": true, "type": info.Type})
		}
	}
	if err := t.deps.Manager.CloseDialog(ctx, sess, accept, maxWait); err != nil {
		return shared.ToolError(call.ID, "dialog close: %v", err)
	}
	return shared.JSONResult(call.ID, map[string]any{
		"ok": true, "accepted": accept, "type": info.Type, "message": info.Message,
	})
}
