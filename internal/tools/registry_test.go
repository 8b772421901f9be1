package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/artifacts"
	"surf/internal/config"
	"surf/internal/logging"
	"surf/internal/memory"
	"surf/internal/ports"
	"surf/internal/session"
	"surf/internal/tools/builtin"
)

func newTestRegistry(t *testing.T, cfg config.Config) *Registry {
	t.Helper()
	store, err := memory.NewStore(0, 0, logging.Nop())
	require.NoError(t, err)
	deps := &builtin.Deps{
		Cfg:       cfg,
		Logger:    logging.Nop(),
		Manager:   session.NewManager(cfg, nil, logging.Nop()),
		Memory:    store,
		Artifacts: artifacts.NewStore(logging.Nop()),
	}
	return NewRegistry(deps, logging.Nop())
}

func TestRegistryWiresDispatcher(t *testing.T) {
	store, err := memory.NewStore(0, 0, logging.Nop())
	require.NoError(t, err)
	deps := &builtin.Deps{
		Cfg:       config.Config{},
		Logger:    logging.Nop(),
		Manager:   session.NewManager(config.Config{}, nil, logging.Nop()),
		Memory:    store,
		Artifacts: artifacts.NewStore(logging.Nop()),
	}
	registry := NewRegistry(deps, logging.Nop())
	assert.Same(t, registry, deps.Dispatcher, "run/flow/runbook re-enter through the registry")
}

func TestRegistryFullToolset(t *testing.T) {
	registry := newTestRegistry(t, config.Config{})

	for _, name := range []string{
		"navigate", "click", "type", "run", "flow", "runbook",
		"http", "fetch", "totp", "artifact", "browser", "page",
	} {
		assert.True(t, registry.Has(name), name)
	}
	assert.False(t, registry.Has("teleport"))
}

func TestRegistryV1ToolsetSubset(t *testing.T) {
	registry := newTestRegistry(t, config.Config{Toolset: config.ToolsetV1})

	assert.True(t, registry.Has("run"))
	assert.True(t, registry.Has("extract_content"))
	assert.False(t, registry.Has("totp"))
	assert.False(t, registry.Has("runbook"))
	assert.False(t, registry.Has("http"))

	for _, def := range registry.List() {
		assert.True(t, v1Tools[def.Name], "v1 catalog leaked %s", def.Name)
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	registry := newTestRegistry(t, config.Config{})
	tool, err := registry.Get("totp")
	require.NoError(t, err)

	err = registry.Register(tool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryListSorted(t *testing.T) {
	registry := newTestRegistry(t, config.Config{})
	defs := registry.List()
	require.NotEmpty(t, defs)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Name, defs[i].Name)
	}
	assert.Len(t, registry.Metadata(), len(defs))
}

func TestRegistryDispatchUnknownTool(t *testing.T) {
	registry := newTestRegistry(t, config.Config{})
	result, err := registry.Dispatch(context.Background(), ports.ToolCall{ID: "c1", Name: "teleport"})
	require.NoError(t, err, "unknown tools fail in-band")
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), `unknown tool "teleport"`)
}

func TestRegistryDispatchBrowserlessTool(t *testing.T) {
	registry := newTestRegistry(t, config.Config{})
	result, err := registry.Dispatch(context.Background(), ports.ToolCall{
		ID: "c1", Name: "totp",
		Arguments: map[string]any{"secret": "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"},
	})
	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.NotEmpty(t, result.Metadata["code"], "utility tools never touch the launcher")
}
