package builtin

import (
	"context"
	"encoding/base64"
	"fmt"

	"surf/internal/ports"
	"surf/internal/tools/shared"
)

type screenshotTool struct {
	shared.BaseTool
	deps *Deps
}

// NewScreenshotTool captures the viewport as a PNG artifact.
func NewScreenshotTool(deps *Deps) ports.ToolExecutor {
	return &screenshotTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "screenshot",
				Description: "Capture the current viewport as PNG. The image is stored as an artifact; inline=true also attaches it to the response.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"inline": shared.Prop("boolean", "Attach the image to the response (default true)"),
				}),
			},
			ports.ToolMetadata{
				Name: "screenshot", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "capture"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *screenshotTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	png, err := sess.Screenshot(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "screenshot: %v", err)
	}

	state, _ := sess.State(ctx)
	art := t.deps.Artifacts.PutBytes("screenshot", "image/png", png, map[string]any{
		"url": state.URL, "title": state.Title,
	})

	payload := map[string]any{
		"ok":       true,
		"artifact": art.ID,
		"bytes":    len(png),
		"mime":     "image/png",
		"hint":     fmt.Sprintf(artifactSliceHint, art.ID),
	}
	result, err := shared.JSONResult(call.ID, payload)
	if err != nil {
		return result, err
	}
	if shared.BoolArgWithDefault(call.Arguments, "inline", true) {
		result.Images = []ports.ImageAttachment{{
			Name:      art.ID,
			MediaType: "image/png",
			Data:      base64.StdEncoding.EncodeToString(png),
		}}
	}
	return result, nil
}
