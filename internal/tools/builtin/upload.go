package builtin

import (
	"context"
	"encoding/json"
	"os"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type uploadTool struct {
	shared.BaseTool
	deps *Deps
}

// NewUploadTool attaches local files to a file input.
func NewUploadTool(deps *Deps) ports.ToolExecutor {
	return &uploadTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "upload",
				Description: "Attach local files to an <input type=file>. selector defaults to the first file input on the page.",
				Parameters: shared.Schema([]string{"files"}, map[string]ports.Property{
					"files": ports.Property{
						Type:        "array",
						Description: "Absolute paths of files to attach",
						Items:       &ports.Property{Type: "string"},
					},
					"selector": shared.Prop("string", "CSS selector of the file input"),
				}),
			},
			ports.ToolMetadata{
				Name: "upload", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "interaction"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *uploadTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	files := shared.StringSliceArg(args, "files")
	if len(files) == 0 {
		return shared.ToolError(call.ID, "missing required argument: files")
	}
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			return shared.ToolError(call.ID, "file not found: %s", path)
		}
	}
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	selector := shared.StringArgDefault(args, "selector", `input[type="file"]`)

	doc, err := sess.Call(ctx, "DOM.getDocument", map[string]any{"depth": 1})
	if err != nil {
		return shared.ToolError(call.ID, "upload: %v", err)
	}
	var docResult struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(doc, &docResult); err != nil {
		return shared.ToolError(call.ID, "upload: parse document: %v", err)
	}
	node, err := sess.Call(ctx, "DOM.querySelector", map[string]any{
		"nodeId": docResult.Root.NodeID, "selector": selector,
	})
	if err != nil {
		return shared.ToolError(call.ID, "upload: %v", err)
	}
	var nodeResult struct {
		NodeID int `json:"nodeId"`
	}
	if err := json.Unmarshal(node, &nodeResult); err != nil || nodeResult.NodeID == 0 {
		return shared.ToolError(call.ID, "file input not found: %s", selector)
	}
	if _, err := sess.Call(ctx, "DOM.setFileInputFiles", map[string]any{
		"nodeId": nodeResult.NodeID, "files": files,
	}); err != nil {
		return shared.ToolError(call.ID, "upload: %v", err)
	}
	return shared.JSONResult(call.ID, map[string]any{"ok": true, "files": len(files), "selector": selector})
}
