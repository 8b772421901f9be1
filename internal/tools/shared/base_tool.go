package shared

import "surf/internal/ports"

// BaseTool provides default Definition() and Metadata() implementations.
// Tool structs embed BaseTool to avoid repeating these two getter methods.
//
//	type myTool struct {
//		shared.BaseTool
//	}
//
//	func NewMyTool() ports.ToolExecutor {
//		return &myTool{
//			BaseTool: shared.NewBaseTool(
//				ports.ToolDefinition{Name: "my_tool", ...},
//				ports.ToolMetadata{Name: "my_tool", ...},
//			),
//		}
//	}
type BaseTool struct {
	def  ports.ToolDefinition
	meta ports.ToolMetadata
}

// NewBaseTool constructs a BaseTool with the given definition and metadata.
func NewBaseTool(def ports.ToolDefinition, meta ports.ToolMetadata) BaseTool {
	return BaseTool{def: def, meta: meta}
}

// Definition returns the tool's schema for the catalog.
func (b *BaseTool) Definition() ports.ToolDefinition { return b.def }

// Metadata returns the tool's runtime metadata.
func (b *BaseTool) Metadata() ports.ToolMetadata { return b.meta }

// Schema is a convenience constructor for an object parameter schema.
func Schema(required []string, props map[string]ports.Property) ports.ParameterSchema {
	return ports.ParameterSchema{Type: "object", Properties: props, Required: required}
}

// Prop builds a simple property.
func Prop(typ, description string) ports.Property {
	return ports.Property{Type: typ, Description: description}
}

// EnumProp builds a string property constrained to an enum.
func EnumProp(description string, values ...any) ports.Property {
	return ports.Property{Type: "string", Description: description, Enum: values}
}
