package builtin

import (
	"context"
	"os"
	"time"

	"surf/internal/artifacts"
	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type downloadTool struct {
	shared.BaseTool
	deps *Deps
}

// NewDownloadTool waits for a new file in the per-tab download directory.
func NewDownloadTool(deps *Deps) ports.ToolExecutor {
	return &downloadTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "download",
				Description: "Wait for a download to land in the session's download directory. A file counts as complete once its size is stable; the result records name, size, mime and sha256.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"timeout_s": shared.Prop("number", "How long to wait (default 20)"),
					"stable_ms": shared.Prop("integer", "Size-stability window (default 750)"),
					"store":     shared.Prop("boolean", "Also store the file as an artifact (default true)"),
					"baseline":  shared.Prop("object", "Directory snapshot to diff against (internal)"),
				}),
			},
			ports.ToolMetadata{
				Name: "download", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "files"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *downloadTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	dir := t.deps.Manager.DownloadDir(sess.TargetID())
	watcher := artifacts.DownloadWatcher{Dir: dir}

	baseline := watcher.Baseline()
	if raw, ok := args["baseline"].(map[string]any); ok {
		baseline = make(map[string]int64, len(raw))
		for name, size := range raw {
			baseline[name] = int64(numOf(size))
		}
	}

	timeout := time.Duration(shared.FloatArgDefault(args, "timeout_s", 20) * float64(time.Second))
	stableMS := shared.IntArgDefault(args, "stable_ms", artifacts.DefaultStableMS)

	result, err := watcher.WaitForNew(ctx, baseline, timeout, stableMS)
	if err != nil {
		return shared.ToolError(call.ID, "download: %v", err)
	}

	payload := map[string]any{
		"ok":       true,
		"fileName": result.FileName,
		"path":     result.Path,
		"bytes":    result.Bytes,
		"mimeType": result.MimeType,
	}
	if result.SHA256 != "" {
		payload["sha256"] = result.SHA256
	}
	if shared.BoolArgWithDefault(args, "store", true) {
		if data, readErr := os.ReadFile(result.Path); readErr == nil {
			art := t.deps.Artifacts.PutBytes("download", result.MimeType, data, map[string]any{
				"fileName": result.FileName, "sha256": result.SHA256,
			})
			payload["artifact"] = art.ID
		}
	}
	return shared.JSONResult(call.ID, payload)
}
