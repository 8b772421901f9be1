// Package server bridges the tool registry onto the MCP stdio transport.
// Nothing in here knows about browsers; it converts between the registry's
// ToolResult shape and MCP content.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"surf/internal/logging"
	"surf/internal/ports"
	"surf/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Server owns the MCP runtime on top of the registry.
type Server struct {
	registry  *tools.Registry
	logger    logging.Logger
	mcpServer *mcpserver.MCPServer
}

// New registers every tool in the registry with the MCP server.
func New(registry *tools.Registry, logger logging.Logger) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		"surf",
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions),
	)
	s := &Server{
		registry:  registry,
		logger:    logging.OrNop(logger),
		mcpServer: mcpSrv,
	}
	for _, def := range registry.List() {
		schema, err := json.Marshal(def.Parameters)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		mcpTool := mcp.NewToolWithRawSchema(def.Name, def.Description, schema)
		mcpSrv.AddTool(mcpTool, s.handler(def.Name))
	}
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
// Stdout is the MCP wire; logs must go elsewhere.
func (s *Server) Serve(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) handler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		call := ports.ToolCall{ID: name, Name: name, Arguments: args}

		result, err := s.registry.Dispatch(ctx, call)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", name, err))},
				IsError: true,
			}, nil
		}
		return toMCPResult(name, result), nil
	}
}

// toMCPResult maps a registry result to MCP content. Tool-level failures
// become IsError text; image attachments ride alongside the text payload.
func toMCPResult(name string, result *ports.ToolResult) *mcp.CallToolResult {
	if result == nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s returned no result", name))},
			IsError: true,
		}
	}
	if result.Error != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(result.Error.Error())},
			IsError: true,
		}
	}

	content := make([]mcp.Content, 0, 1+len(result.Images))
	text := result.Content
	if text == "" {
		if raw, err := json.Marshal(result.Metadata); err == nil {
			text = string(raw)
		}
	}
	content = append(content, mcp.NewTextContent(text))
	for _, image := range result.Images {
		content = append(content, mcp.NewImageContent(image.Data, image.MediaType))
	}
	return &mcp.CallToolResult{Content: content}
}

const serverInstructions = `You are driving a real browser through surf.

Workflow:
- Prefer one run(steps=[...]) batch over many single calls; exports and
  {{var}} interpolation carry values between steps, {{mem:key}} injects
  stored secrets without revealing them.
- Perceive with page(detail="locators") and act on the returned refs via
  act/click; refs go stale when the URL changes.
- Large outputs come back as artifacts; slice them with artifact(action="get").
- Never echo secret values; store them with browser(action="memory_set") and
  reference them as {{mem:key}}.
- If a step is marked irreversible, re-run with confirm_irreversible=true only
  after the user approved the plan.`
