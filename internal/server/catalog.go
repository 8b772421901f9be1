package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"surf/internal/ports"
)

// CatalogEntry is one tool in the agent-facing contract snapshot.
type CatalogEntry struct {
	Name            string               `json:"name"`
	Description     string               `json:"description"`
	Category        string               `json:"category"`
	RequiresBrowser bool                 `json:"requiresBrowser"`
	Parameters      ports.ParameterSchema `json:"parameters"`
}

// Catalog is the versioned tool contract. JSON and Markdown renderings are
// derived from the same data so they cannot drift from each other.
type Catalog struct {
	Server  string         `json:"server"`
	Version string         `json:"version"`
	Tools   []CatalogEntry `json:"tools"`
}

type catalogSource interface {
	List() []ports.ToolDefinition
	Metadata() []ports.ToolMetadata
}

// BuildCatalog snapshots the registry contract.
func BuildCatalog(registry catalogSource) Catalog {
	meta := make(map[string]ports.ToolMetadata)
	for _, m := range registry.Metadata() {
		meta[m.Name] = m
	}
	catalog := Catalog{Server: "surf", Version: Version}
	for _, def := range registry.List() {
		m := meta[def.Name]
		catalog.Tools = append(catalog.Tools, CatalogEntry{
			Name:            def.Name,
			Description:     def.Description,
			Category:        m.Category,
			RequiresBrowser: m.RequiresBrowser,
			Parameters:      def.Parameters,
		})
	}
	sort.Slice(catalog.Tools, func(i, j int) bool { return catalog.Tools[i].Name < catalog.Tools[j].Name })
	return catalog
}

// JSON renders the catalog deterministically.
func (c Catalog) JSON() (string, error) {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw) + "\n", nil
}

// Markdown renders the same contract for humans.
func (c Catalog) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s tool catalog (%s)\n\n", c.Server, c.Version)
	for _, tool := range c.Tools {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", tool.Name, tool.Description)
		if tool.RequiresBrowser {
			b.WriteString("Requires a running browser.\n\n")
		}
		if len(tool.Parameters.Properties) == 0 {
			b.WriteString("No parameters.\n\n")
			continue
		}
		required := make(map[string]bool)
		for _, name := range tool.Parameters.Required {
			required[name] = true
		}
		names := make([]string, 0, len(tool.Parameters.Properties))
		for name := range tool.Parameters.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("| Parameter | Type | Description |\n|---|---|---|\n")
		for _, name := range names {
			prop := tool.Parameters.Properties[name]
			label := name
			if required[name] {
				label += " (required)"
			}
			desc := prop.Description
			if len(prop.Enum) > 0 {
				values := make([]string, 0, len(prop.Enum))
				for _, v := range prop.Enum {
					values = append(values, fmt.Sprint(v))
				}
				desc += " [" + strings.Join(values, ", ") + "]"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", label, prop.Type, strings.ReplaceAll(desc, "|", "\\|"))
		}
		b.WriteString("\n")
	}
	return b.String()
}
