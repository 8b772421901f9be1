package builtin

import (
	"context"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type artifactTool struct {
	shared.BaseTool
	deps *Deps
}

// NewArtifactTool pages through stored artifacts instead of dumping them.
func NewArtifactTool(deps *Deps) ports.ToolExecutor {
	return &artifactTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name: "artifact",
				Description: "Work with stored artifacts: get a slice of one, list them, delete one, or export one " +
					"to a file on disk. Slices keep large blobs out of the conversation.",
				Parameters: shared.Schema([]string{"action"}, map[string]ports.Property{
					"action":    shared.EnumProp("Operation", "get", "list", "delete", "export"),
					"id":        shared.Prop("string", "Artifact id"),
					"offset":    shared.Prop("integer", "Slice start (get)"),
					"max_chars": shared.Prop("integer", "Slice length (get, default 4000)"),
					"dir":       shared.Prop("string", "Destination directory (export)"),
					"name":      shared.Prop("string", "Destination file name (export, optional)"),
					"overwrite": shared.Prop("boolean", "Replace an existing file (export)"),
				}),
			},
			ports.ToolMetadata{
				Name: "artifact", Version: "1.0.0", Category: "utility",
				Tags: []string{"artifacts"}, RequiresBrowser: false,
			},
		),
		deps: deps,
	}
}

func (t *artifactTool) Execute(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	action, err := shared.RequireStringArg(args, "action")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	store := t.deps.Artifacts

	switch action {
	case "get":
		id, err := shared.RequireStringArg(args, "id")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		offset := shared.IntArgDefault(args, "offset", 0)
		maxChars := shared.IntArgDefault(args, "max_chars", inlineBodyBudget)
		slice, total, err := store.Slice(id, offset, maxChars)
		if err != nil {
			return shared.ToolError(call.ID, "artifact: %v", err)
		}
		payload := map[string]any{
			"ok": true, "id": id, "offset": offset,
			"chars": len(slice), "total": total, "content": slice,
		}
		if offset+len(slice) < total {
			payload["nextOffset"] = offset + len(slice)
		}
		return shared.JSONResult(call.ID, payload)

	case "list":
		items := store.List()
		rows := make([]map[string]any, 0, len(items))
		for _, item := range items {
			rows = append(rows, map[string]any{
				"id":    item.ID,
				"kind":  item.Kind,
				"mime":  item.Mime,
				"bytes": item.Bytes,
				"at":    item.CreatedAt.Format("15:04:05"),
			})
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "count": len(rows), "artifacts": rows})

	case "delete":
		id, err := shared.RequireStringArg(args, "id")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		if !store.Delete(id) {
			return shared.ToolError(call.ID, "no artifact %q", id)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "deleted": id})

	case "export":
		id, err := shared.RequireStringArg(args, "id")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		dir, err := shared.RequireStringArg(args, "dir")
		if err != nil {
			return shared.ToolError(call.ID, "%v", err)
		}
		path, err := store.Export(id, dir, shared.StringArg(args, "name"), shared.BoolArgWithDefault(args, "overwrite", false))
		if err != nil {
			return shared.ToolError(call.ID, "artifact export: %v", err)
		}
		return shared.JSONResult(call.ID, map[string]any{"ok": true, "id": id, "path": path})

	default:
		return shared.ToolError(call.ID, "unknown artifact action %q", action)
	}
}
