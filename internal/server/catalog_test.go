package server

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/artifacts"
	"surf/internal/config"
	"surf/internal/logging"
	"surf/internal/memory"
	"surf/internal/session"
	"surf/internal/tools"
	"surf/internal/tools/builtin"
)

func testRegistry(t *testing.T, cfg config.Config) *tools.Registry {
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
	return tools.NewRegistry(deps, logging.Nop())
}

func TestCatalogCoversEveryRegisteredTool(t *testing.T) {
	registry := testRegistry(t, config.Config{})
	catalog := BuildCatalog(registry)

	defs := registry.List()
	require.Len(t, catalog.Tools, len(defs))

	rendered, err := catalog.JSON()
	require.NoError(t, err)
	markdown := catalog.Markdown()

	// Both renderings derive from the same snapshot; neither may drop a tool.
	for _, def := range defs {
		assert.Contains(t, rendered, `"name": "`+def.Name+`"`)
		assert.Contains(t, markdown, "## "+def.Name+"\n")
	}
}

func TestCatalogSortedAndStable(t *testing.T) {
	catalog := BuildCatalog(testRegistry(t, config.Config{}))
	names := make([]string, len(catalog.Tools))
	for i, tool := range catalog.Tools {
		names[i] = tool.Name
	}
	assert.True(t, sort.StringsAreSorted(names), "catalog order must be deterministic: %v", names)
}

func TestCatalogJSONRoundtrips(t *testing.T) {
	catalog := BuildCatalog(testRegistry(t, config.Config{}))
	rendered, err := catalog.JSON()
	require.NoError(t, err)

	var decoded Catalog
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	assert.Equal(t, "surf", decoded.Server)
	assert.Equal(t, len(catalog.Tools), len(decoded.Tools))
}

func TestCatalogMarkdownMarksRequiredAndEnums(t *testing.T) {
	markdown := BuildCatalog(testRegistry(t, config.Config{})).Markdown()

	assert.Contains(t, markdown, "secret (required)", "totp's required parameter is flagged")
	assert.Contains(t, markdown, "[none, observe, triage, diagnostics, audit, map, graph]",
		"enum values render inline with the description")
	assert.Contains(t, markdown, "Requires a running browser.")
}

func TestCatalogV1ToolsetShrinks(t *testing.T) {
	full := BuildCatalog(testRegistry(t, config.Config{}))
	v1 := BuildCatalog(testRegistry(t, config.Config{Toolset: config.ToolsetV1}))

	assert.Less(t, len(v1.Tools), len(full.Tools))
	names := make(map[string]bool)
	for _, tool := range v1.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["page"])
	assert.False(t, names["totp"], "utility tools stay out of the reduced catalog")
	assert.False(t, names["http"])
}
