package flow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MemLookup resolves an agent-memory key: value, found, sensitive.
type MemLookup func(key string) (any, bool, bool)

// placeholderRe matches one {{name}} / ${name} occurrence, where name may be
// a flow var, mem:key or param:key reference.
var placeholderRe = regexp.MustCompile(`\{\{\s*([\w.:\-]+)\s*\}\}|\$\{([\w.:\-]+)\}`)

// exactPlaceholderRe matches a string that is exactly one placeholder.
var exactPlaceholderRe = regexp.MustCompile(`^(?:\{\{\s*([\w.:\-]+)\s*\}\}|\$\{([\w.:\-]+)\})$`)

// wrapperListKeys are args entries holding nested step lists. They stay inert
// at wrapper interpolation time; each contained step is interpolated when it
// actually executes.
var wrapperListKeys = map[string]bool{"then": true, "else": true, "steps": true}

// interpolator substitutes flow vars and memory refs into step arguments.
type interpolator struct {
	vars map[string]any
	mem  MemLookup

	// memRefs collects memory keys used by the current step so notes and
	// proofs can reference <mem:key> without the value.
	memRefs []string
}

func newInterpolator(vars map[string]any, mem MemLookup) *interpolator {
	if vars == nil {
		vars = map[string]any{}
	}
	if mem == nil {
		mem = func(string) (any, bool, bool) { return nil, false, false }
	}
	return &interpolator{vars: vars, mem: mem}
}

// Step returns a copy of the step with interpolated args plus the memory keys
// that were referenced. Wrapper step lists are not descended into.
func (ip *interpolator) Step(step *Step) (*Step, []string, error) {
	ip.memRefs = nil
	isWrapper := step.IsInternal()
	args, err := ip.mapValue(step.Args, isWrapper)
	if err != nil {
		return nil, nil, err
	}
	out := *step
	out.Args = args
	refs := make([]string, len(ip.memRefs))
	copy(refs, ip.memRefs)
	return &out, refs, nil
}

func (ip *interpolator) mapValue(in map[string]any, wrapper bool) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		if wrapper && wrapperListKeys[key] {
			out[key] = value
			continue
		}
		interpolated, err := ip.value(value)
		if err != nil {
			return nil, err
		}
		out[key] = interpolated
	}
	return out, nil
}

func (ip *interpolator) value(in any) (any, error) {
	switch v := in.(type) {
	case string:
		return ip.stringValue(v)
	case map[string]any:
		return ip.mapValue(v, false)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			interpolated, err := ip.value(item)
			if err != nil {
				return nil, err
			}
			out[i] = interpolated
		}
		return out, nil
	default:
		return in, nil
	}
}

func (ip *interpolator) stringValue(in string) (any, error) {
	if match := exactPlaceholderRe.FindStringSubmatch(strings.TrimSpace(in)); match != nil {
		name := match[1]
		if name == "" {
			name = match[2]
		}
		// Exact placeholders preserve the underlying scalar type.
		return ip.resolve(name, in, true)
	}
	if !placeholderRe.MatchString(in) {
		return in, nil
	}
	var resolveErr error
	out := placeholderRe.ReplaceAllStringFunc(in, func(token string) string {
		match := placeholderRe.FindStringSubmatch(token)
		name := match[1]
		if name == "" {
			name = match[2]
		}
		value, err := ip.resolve(name, token, false)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}
			return token
		}
		if keep, ok := value.(string); ok && keep == token {
			return token
		}
		return fmt.Sprint(value)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

func (ip *interpolator) resolve(name, token string, exact bool) (any, error) {
	switch {
	case strings.HasPrefix(name, "mem:"):
		key := strings.TrimPrefix(name, "mem:")
		value, found, _ := ip.mem(key)
		if !found {
			return nil, newStepError(ClassMissingRef,
				`browser(action="memory_list") to see stored keys`,
				"memory key %q not found", key)
		}
		ip.memRefs = append(ip.memRefs, key)
		if exact {
			return value, nil
		}
		return fmt.Sprint(value), nil
	case strings.HasPrefix(name, "param:"):
		// Params are resolved at macro-expansion time only; pass the original
		// token through so the {{...}}/${...} dialect survives recording.
		return token, nil
	default:
		value, found := ip.vars[name]
		if !found {
			return nil, newStepError(ClassMissingRef, "",
				"flow var %q not set; known vars: %s", name, knownKeysHint(ip.vars))
		}
		if exact {
			return value, nil
		}
		return fmt.Sprint(value), nil
	}
}

func knownKeysHint(vars map[string]any) string {
	if len(vars) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > 10 {
		keys = keys[:10]
	}
	return strings.Join(keys, ", ")
}

// memNoteFor renders the note-safe summary of memory refs a step used.
func memNoteFor(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(refs))
	parts := make([]string, 0, len(refs))
	for _, key := range refs {
		if seen[key] {
			continue
		}
		seen[key] = true
		parts = append(parts, "<mem:"+key+">")
	}
	return "used " + strings.Join(parts, ", ")
}
