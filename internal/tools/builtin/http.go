package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"surf/internal/ports"
	"surf/internal/redact"
	"surf/internal/tools/shared"
)

const inlineBodyBudget = 4000

type httpTool struct {
	shared.BaseTool
	deps   *Deps
	client *http.Client
	// fetchMode restricts to GET and plain-text ergonomics.
	fetchMode bool
}

// NewFetchTool is the simple GET surface.
func NewFetchTool(deps *Deps) ports.ToolExecutor {
	return &httpTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "fetch",
				Description: "GET a URL with the server-side HTTP client. Large bodies are stored as artifacts with a slice hint.",
				Parameters: shared.Schema([]string{"url"}, map[string]ports.Property{
					"url":       shared.Prop("string", "URL to fetch"),
					"headers":   shared.Prop("object", "Extra request headers"),
					"max_chars": shared.Prop("integer", "Inline body budget (default 4000)"),
				}),
			},
			ports.ToolMetadata{
				Name: "fetch", Version: "1.0.0", Category: "network",
				Tags: []string{"http"}, RequiresBrowser: false,
			},
		),
		deps:      deps,
		client:    &http.Client{Timeout: deps.Cfg.HTTPTimeout},
		fetchMode: true,
	}
}

// NewHTTPTool is the full request surface.
func NewHTTPTool(deps *Deps) ports.ToolExecutor {
	return &httpTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name:        "http",
				Description: "Issue an HTTP request (any method, headers, body) with the server-side client. Responses over the inline budget become artifacts.",
				Parameters: shared.Schema([]string{"url"}, map[string]ports.Property{
					"url":       shared.Prop("string", "Request URL"),
					"method":    shared.Prop("string", "HTTP method (default GET)"),
					"headers":   shared.Prop("object", "Request headers"),
					"body":      shared.Prop("string", "Request body"),
					"max_chars": shared.Prop("integer", "Inline body budget (default 4000)"),
				}),
			},
			ports.ToolMetadata{
				Name: "http", Version: "1.0.0", Category: "network",
				Tags: []string{"http"}, RequiresBrowser: false,
			},
		),
		deps:   deps,
		client: &http.Client{Timeout: deps.Cfg.HTTPTimeout},
	}
}

func (t *httpTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	rawURL, err := shared.RequireStringArg(args, "url")
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	if err := t.checkHost(rawURL); err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	method := http.MethodGet
	var body io.Reader
	if !t.fetchMode {
		method = strings.ToUpper(shared.StringArgDefault(args, "method", http.MethodGet))
		if raw := shared.StringArg(args, "body"); raw != "" {
			body = strings.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return shared.ToolError(call.ID, "bad request: %v", err)
	}
	for key, value := range shared.StringMapArg(args, "headers") {
		req.Header.Set(key, value)
	}

	started := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return shared.ToolError(call.ID, "request failed: %v", err)
	}
	defer resp.Body.Close()

	limit := t.deps.Cfg.HTTPMaxBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return shared.ToolError(call.ID, "read body: %v", err)
	}
	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
	}

	payload := map[string]any{
		"ok":          resp.StatusCode < 400,
		"status":      resp.StatusCode,
		"url":         redact.SanitizeURL(rawURL),
		"contentType": resp.Header.Get("Content-Type"),
		"bytes":       len(data),
		"elapsed_ms":  time.Since(started).Milliseconds(),
		"truncated":   truncated,
	}

	maxChars := shared.IntArgDefault(args, "max_chars", inlineBodyBudget)
	if len(data) > maxChars {
		art := t.deps.Artifacts.PutBytes("http", resp.Header.Get("Content-Type"), data, map[string]any{
			"url": redact.SanitizeURL(rawURL), "status": resp.StatusCode,
		})
		payload["artifact"] = art.ID
		payload["body"] = string(data[:maxChars])
		payload["hint"] = fmt.Sprintf(artifactSliceHint, art.ID)
	} else {
		payload["body"] = string(data)
	}
	return shared.JSONResult(call.ID, payload)
}

func (t *httpTool) checkHost(raw string) error {
	allow := t.deps.Cfg.AllowHosts
	if len(allow) == 0 {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	host := parsed.Hostname()
	for _, allowed := range allow {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not in MCP_ALLOW_HOSTS", host)
}
