package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"surf/internal/config"
	"surf/internal/logging"
	"surf/internal/observability"
	"surf/internal/ports"
	"surf/internal/tools/builtin"
)

// v1Tools is the reduced catalog: the core driving surface without the
// secondary utilities.
var v1Tools = map[string]bool{
	"navigate": true, "click": true, "type": true, "scroll": true,
	"screenshot": true, "page": true, "extract_content": true, "wait": true,
	"js": true, "dialog": true, "tabs": true, "run": true, "flow": true,
	"browser": true, "artifact": true,
}

// Registry is the static name→executor table. All tools are registered at
// construction; Register exists for tests and extensions.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]ports.ToolExecutor
	deps   *builtin.Deps
	logger logging.Logger
}

// NewRegistry wires every builtin against the shared deps and installs itself
// as the deps dispatcher so run/flow/runbook can re-enter.
func NewRegistry(deps *builtin.Deps, logger logging.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]ports.ToolExecutor),
		deps:   deps,
		logger: logging.OrNop(logger),
	}

	all := []ports.ToolExecutor{
		builtin.NewNavigateTool(deps),
		builtin.NewClickTool(deps),
		builtin.NewTypeTool(deps),
		builtin.NewScrollTool(deps),
		builtin.NewMouseTool(deps),
		builtin.NewResizeTool(deps),
		builtin.NewScreenshotTool(deps),
		builtin.NewFormTool(deps),
		builtin.NewUploadTool(deps),
		builtin.NewDownloadTool(deps),
		builtin.NewDialogTool(deps),
		builtin.NewWaitTool(deps),
		builtin.NewJSTool(deps),
		builtin.NewFetchTool(deps),
		builtin.NewHTTPTool(deps),
		builtin.NewStorageTool(deps),
		builtin.NewCookiesTool(deps),
		builtin.NewCaptchaTool(deps),
		builtin.NewTabsTool(deps),
		builtin.NewPageTool(deps),
		builtin.NewExtractTool(deps),
		builtin.NewArtifactTool(deps),
		builtin.NewBrowserTool(deps),
		builtin.NewRunbookTool(deps),
		builtin.NewRunTool(deps),
		builtin.NewFlowTool(deps),
		builtin.NewTOTPTool(),
	}
	for _, tool := range all {
		name := tool.Metadata().Name
		if deps.Cfg.Toolset == config.ToolsetV1 && !v1Tools[name] {
			continue
		}
		r.tools[name] = tool
	}

	deps.Dispatcher = r
	return r
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(tool ports.ToolExecutor) error {
	name := tool.Metadata().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (ports.ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return tool, nil
}

// Has reports whether a tool exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all definitions sorted by name for a stable catalog.
func (r *Registry) List() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Metadata returns all tool metadata sorted by name.
func (r *Registry) Metadata() []ports.ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch executes one call: browser readiness gate, execution, metrics.
// Tool-level failures come back inside the result with a nil Go error.
func (r *Registry) Dispatch(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	tool, err := r.Get(call.Name)
	if err != nil {
		return &ports.ToolResult{
			CallID: call.ID,
			Error:  fmt.Errorf("unknown tool %q; list tools for the catalog", call.Name),
		}, nil
	}

	if tool.Metadata().RequiresBrowser {
		if err := r.ensureBrowser(ctx); err != nil {
			return &ports.ToolResult{
				CallID: call.ID,
				Error: fmt.Errorf("%s needs a browser and none is reachable: %v; "+
					`try browser(action="launch") or browser(action="recover", hard=true)`, call.Name, err),
			}, nil
		}
	}

	started := time.Now()
	result, err := tool.Execute(ctx, call)
	elapsed := time.Since(started)
	switch {
	case err != nil:
		observability.ObserveToolCall(call.Name, err, elapsed)
		r.logger.Error("tool %s failed: %v (%.1fs)", call.Name, err, elapsed.Seconds())
	case result != nil && result.Error != nil:
		observability.ObserveToolCall(call.Name, result.Error, elapsed)
		r.logger.Warn("tool %s: %v (%.1fs)", call.Name, result.Error, elapsed.Seconds())
	default:
		observability.ObserveToolCall(call.Name, nil, elapsed)
		r.logger.Debug("tool %s ok (%.1fs)", call.Name, elapsed.Seconds())
	}
	return result, err
}

// ensureBrowser checks reachability with a small probe, launching on demand in
// launch mode.
func (r *Registry) ensureBrowser(ctx context.Context) error {
	launcher := r.deps.Manager.Launcher()
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if launcher.Reachable(probeCtx, 2*time.Second) {
		return nil
	}
	if r.deps.Cfg.Mode == config.ModeLaunch {
		return r.deps.Manager.EnsureBrowser(ctx)
	}
	return fmt.Errorf("no debuggable browser at port %d (%s mode)", launcher.Port(), r.deps.Cfg.Mode)
}

// check the dispatcher wiring at compile time
var _ builtin.Dispatcher = (*Registry)(nil)
var _ ports.ToolRegistry = (*Registry)(nil)
