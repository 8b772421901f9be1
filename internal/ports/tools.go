package ports

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ToolExecutor executes a single tool call
type ToolExecutor interface {
	// Execute runs the tool with given arguments
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Definition returns the tool's schema for the agent
	Definition() ToolDefinition

	// Metadata returns tool metadata
	Metadata() ToolMetadata
}

// ToolRegistry manages available tools
type ToolRegistry interface {
	// Register adds a tool to the registry
	Register(tool ToolExecutor) error

	// Get retrieves a tool by name
	Get(name string) (ToolExecutor, error)

	// List returns all available tools
	List() []ToolDefinition
}

// ToolCall represents a request to execute a tool
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ImageAttachment carries binary image output (screenshots) alongside text.
type ImageAttachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// ToolResult is the execution result. Tool-level failures travel in Error with
// a nil Go error from Execute; only infrastructure faults surface as errors.
type ToolResult struct {
	CallID   string            `json:"call_id"`
	Content  string            `json:"content"`
	Error    error             `json:"error,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	Images   []ImageAttachment `json:"images,omitempty"`
}

// MarshalJSON customizes ToolResult JSON encoding to support the error interface.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	type Alias struct {
		CallID   string            `json:"call_id"`
		Content  string            `json:"content"`
		Error    any               `json:"error,omitempty"`
		Metadata map[string]any    `json:"metadata,omitempty"`
		Images   []ImageAttachment `json:"images,omitempty"`
	}

	alias := Alias{
		CallID:   r.CallID,
		Content:  r.Content,
		Metadata: r.Metadata,
		Images:   r.Images,
	}
	if r.Error != nil {
		alias.Error = r.Error.Error()
	}
	return json.Marshal(alias)
}

// UnmarshalJSON accepts both string and object error representations.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	type Alias struct {
		CallID   string            `json:"call_id"`
		Content  string            `json:"content"`
		Error    json.RawMessage   `json:"error"`
		Metadata map[string]any    `json:"metadata,omitempty"`
		Images   []ImageAttachment `json:"images,omitempty"`
	}

	var aux Alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.CallID = aux.CallID
	r.Content = aux.Content
	r.Metadata = aux.Metadata
	r.Images = aux.Images
	r.Error = nil

	raw := strings.TrimSpace(string(aux.Error))
	if raw == "" || raw == "null" {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Error, &errStr); err == nil {
		if errStr != "" {
			r.Error = errors.New(errStr)
		}
		return nil
	}

	var errObj map[string]any
	if err := json.Unmarshal(aux.Error, &errObj); err == nil {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			r.Error = errors.New(msg)
			return nil
		}
	}

	r.Error = errors.New(raw)
	return nil
}

// ToolDefinition describes a tool for the agent-facing catalog
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ToolMetadata contains tool information
type ToolMetadata struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Category        string   `json:"category"`
	Tags            []string `json:"tags"`
	RequiresBrowser bool     `json:"requires_browser"`
	Internal        bool     `json:"internal,omitempty"`
}

// ParameterSchema defines tool parameters (JSON Schema format)
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Enum        []any     `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Default     any       `json:"default,omitempty"`
}
