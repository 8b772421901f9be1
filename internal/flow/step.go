package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// internalActions are handled by the engine itself, never dispatched.
var internalActions = map[string]bool{
	"assert": true,
	"when":   true,
	"repeat": true,
	"macro":  true,
	"act":    true,
}

// stepMetaKeys are the recognized meta keys of the shorthand shape.
var stepMetaKeys = map[string]bool{
	"label":        true,
	"optional":     true,
	"export":       true,
	"download":     true,
	"irreversible": true,
	"auto_tab":     true,
}

// Step is one normalized executable unit inside a batch.
type Step struct {
	Tool         string
	Args         map[string]any
	Label        string
	Optional     bool
	Export       map[string]string
	Download     map[string]any
	Irreversible bool
	AutoTab      bool

	// raw preserves the caller-supplied shape for recording.
	raw map[string]any
	// injected marks steps spliced in by macro/when/repeat expansion.
	injected bool
}

// IsInternal reports whether the step is an engine-internal action.
func (s *Step) IsInternal() bool { return internalActions[s.Tool] }

// Raw returns the original caller-supplied step object.
func (s *Step) Raw() map[string]any { return s.raw }

// NormalizeSteps converts a raw step list (objects, or a sloppy JSON string an
// agent produced) into normalized steps. Both the explicit {tool,args,...}
// shape and the {toolName: args, ...meta} shorthand are accepted.
func NormalizeSteps(raw any) ([]*Step, error) {
	list, err := coerceStepList(raw)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, newStepError(ClassValidation, "", "steps must be a non-empty list")
	}
	steps := make([]*Step, 0, len(list))
	for i, item := range list {
		stepMap, ok := item.(map[string]any)
		if !ok {
			return nil, newStepError(ClassValidation, "", "step %d is not an object", i)
		}
		step, err := normalizeStep(stepMap)
		if err != nil {
			if stepErr, ok := err.(*StepError); ok {
				stepErr.Message = fmt.Sprintf("step %d: %s", i, stepErr.Message)
				return nil, stepErr
			}
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func coerceStepList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	case string:
		// Agents sometimes hand over the step list as a JSON string, often
		// slightly malformed; repair before parsing.
		text := strings.TrimSpace(v)
		if text == "" {
			return nil, newStepError(ClassValidation, "", "steps string is empty")
		}
		var list []any
		if err := json.Unmarshal([]byte(text), &list); err == nil {
			return list, nil
		}
		repaired, err := jsonrepair.JSONRepair(text)
		if err != nil {
			return nil, newStepError(ClassValidation, "", "steps is not valid JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(repaired), &list); err != nil {
			return nil, newStepError(ClassValidation, "", "steps is not a JSON array")
		}
		return list, nil
	case nil:
		return nil, newStepError(ClassValidation, "", "steps is required")
	default:
		return nil, newStepError(ClassValidation, "", "steps must be a list")
	}
}

func normalizeStep(raw map[string]any) (*Step, error) {
	step := &Step{raw: raw}

	if toolName, ok := raw["tool"].(string); ok {
		step.Tool = strings.TrimSpace(toolName)
		if step.Tool == "" {
			return nil, newStepError(ClassValidation, "", "tool name is empty")
		}
		if args, ok := raw["args"].(map[string]any); ok {
			step.Args = args
		} else if raw["args"] != nil {
			return nil, newStepError(ClassValidation, "", "args must be an object")
		} else {
			step.Args = map[string]any{}
		}
		applyMeta(step, raw)
		return step, nil
	}

	// Shorthand: exactly one non-meta key names the tool, its value the args.
	var toolKeys []string
	for key := range raw {
		if !stepMetaKeys[key] {
			toolKeys = append(toolKeys, key)
		}
	}
	switch len(toolKeys) {
	case 0:
		return nil, newStepError(ClassValidation, "", "step has no tool")
	case 1:
	default:
		return nil, newStepError(ClassValidation, "",
			"ambiguous step shape: multiple tool keys %v (use {tool, args} form)", toolKeys)
	}

	step.Tool = toolKeys[0]
	switch args := raw[step.Tool].(type) {
	case map[string]any:
		step.Args = args
	case nil:
		step.Args = map[string]any{}
	default:
		return nil, newStepError(ClassValidation, "", "args for %q must be an object", step.Tool)
	}
	applyMeta(step, raw)
	return step, nil
}

func applyMeta(step *Step, raw map[string]any) {
	if label, ok := raw["label"].(string); ok {
		step.Label = label
	}
	if optional, ok := raw["optional"].(bool); ok {
		step.Optional = optional
	}
	if irreversible, ok := raw["irreversible"].(bool); ok {
		step.Irreversible = irreversible
	}
	if autoTab, ok := raw["auto_tab"].(bool); ok {
		step.AutoTab = autoTab
	}
	if export, ok := raw["export"].(map[string]any); ok {
		step.Export = make(map[string]string, len(export))
		for key, path := range export {
			if pathStr, ok := path.(string); ok {
				step.Export[key] = pathStr
			}
		}
	}
	switch download := raw["download"].(type) {
	case map[string]any:
		step.Download = download
	case bool:
		if download {
			step.Download = map[string]any{}
		}
	}
}

// clickLike reports whether a tool plausibly opens tabs or starts downloads.
func clickLike(tool string) bool {
	switch tool {
	case "click", "mouse", "form":
		return true
	}
	return false
}

// lookupPath reads a scalar at a dotted path from a JSON-shaped value. Dots
// index both object keys and list positions.
func lookupPath(value any, path string) (any, bool) {
	current := value
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index := -1
			if _, err := fmt.Sscanf(part, "%d", &index); err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// isScalar reports whether a value may propagate through export/interpolation.
func isScalar(value any) bool {
	switch value.(type) {
	case nil, bool, int, int64, float64, string, json.Number:
		return true
	}
	return false
}
