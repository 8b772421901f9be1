package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"surf/internal/redact"
)

// MaxMacroSteps bounds a single macro expansion.
const MaxMacroSteps = 80

// maxIncludeDepth bounds include_memory_steps recursion.
const maxIncludeDepth = 10

// RunbookLoader resolves a stored runbook by memory key.
// Returns the raw step list, whether the runbook is marked sensitive, and
// whether the key exists.
type RunbookLoader func(key string) (steps []any, sensitive bool, found bool, err error)

// Expansion is the result of one macro expansion. Steps are raw step objects
// ready for NormalizeSteps.
type Expansion struct {
	Name   string
	Plan   string
	Steps  []map[string]any
	DryRun bool
}

// Expander rewrites named macros into bounded step sequences. It is pure
// except for runbook loading.
type Expander struct {
	LoadRunbook  RunbookLoader
	StrictPolicy bool
	OverlayJS    string
}

var defaultExpandPhrases = []any{"show more", "load more", "see more", "view more", "expand", "more"}

func (e *Expander) Expand(name string, args map[string]any, dryRun bool) (*Expansion, error) {
	return e.expand(name, args, dryRun, nil)
}

func (e *Expander) expand(name string, args map[string]any, dryRun bool, includeStack []string) (*Expansion, error) {
	if args == nil {
		args = map[string]any{}
	}
	var steps []map[string]any
	var err error
	switch name {
	case "trace_then_screenshot":
		steps = []map[string]any{
			{"tool": "page", "args": map[string]any{"detail": "net", "store": true}},
			{"tool": "screenshot", "args": map[string]any{}},
		}
	case "dismiss_overlays":
		steps = []map[string]any{e.dismissOverlaysStep()}
	case "login_basic":
		steps, err = e.loginBasic(args)
	case "scroll_until_visible":
		steps, err = e.scrollUntilVisible(args)
	case "scroll_to_end":
		steps, err = e.scrollToEnd(args)
	case "retry_click":
		steps, err = e.retryClick(args)
	case "paginate_next":
		steps, err = e.paginateNext(args)
	case "auto_expand":
		steps, err = e.autoExpand(args)
	case "auto_expand_scroll_extract":
		steps, err = e.autoExpandScrollExtract(args)
	case "goto_if_needed":
		steps, err = e.gotoIfNeeded(args)
	case "assert_then":
		steps, err = e.assertThen(args)
	case "include_memory_steps":
		steps, err = e.includeMemorySteps(args, includeStack)
	default:
		return nil, newStepError(ClassValidation, "",
			"unknown macro %q; known macros: %s", name, strings.Join(knownMacros(), ", "))
	}
	if err != nil {
		return nil, err
	}
	if len(steps) > MaxMacroSteps {
		return nil, newStepError(ClassValidation, "",
			"macro %q expands to %d steps, cap is %d", name, len(steps), MaxMacroSteps)
	}
	return &Expansion{
		Name:   name,
		Plan:   planNote(name, args, steps),
		Steps:  steps,
		DryRun: dryRun,
	}, nil
}

func knownMacros() []string {
	names := []string{
		"trace_then_screenshot", "dismiss_overlays", "login_basic",
		"scroll_until_visible", "scroll_to_end", "retry_click", "paginate_next",
		"auto_expand", "auto_expand_scroll_extract", "goto_if_needed",
		"assert_then", "include_memory_steps",
	}
	sort.Strings(names)
	return names
}

// planNote renders a redacted one-line plan so dry_run output and recordings
// never leak secrets.
func planNote(name string, args map[string]any, steps []map[string]any) string {
	tools := make([]string, 0, len(steps))
	for _, step := range steps {
		if tool, ok := step["tool"].(string); ok {
			tools = append(tools, tool)
		}
	}
	masked, _ := redact.MaskToolArgs(name, args)
	argsNote := ""
	if len(masked) > 0 {
		if raw, err := json.Marshal(masked); err == nil {
			argsNote = " " + string(raw)
		}
	}
	return fmt.Sprintf("%s%s -> %d steps: [%s]", name, argsNote, len(steps), strings.Join(tools, ", "))
}

func (e *Expander) dismissOverlaysStep() map[string]any {
	return map[string]any{
		"tool":     "js",
		"args":     map[string]any{"code": e.overlayScript()},
		"label":    "dismiss_overlays",
		"optional": true,
	}
}

func (e *Expander) overlayScript() string {
	if e.OverlayJS != "" {
		return e.OverlayJS
	}
	return DefaultOverlayScript()
}

func (e *Expander) loginBasic(args map[string]any) ([]map[string]any, error) {
	username, ok := args["username"].(string)
	if !ok || username == "" {
		return nil, newStepError(ClassValidation, "", "login_basic requires username")
	}
	password, ok := args["password"].(string)
	if !ok || password == "" {
		return nil, newStepError(ClassValidation, "", "login_basic requires password")
	}
	userKeys := argStringList(args, "username_key_candidates",
		[]string{"username", "email", "login", "user", "account"})
	passKeys := argStringList(args, "password_key_candidates",
		[]string{"password", "pass", "passwd", "pwd"})
	return []map[string]any{{
		"tool": "form",
		"args": map[string]any{
			"fields": []any{
				map[string]any{"candidates": toAnyList(userKeys), "value": username},
				map[string]any{"candidates": toAnyList(passKeys), "value": password},
			},
			"submit": true,
		},
		"label": "login_basic",
	}}, nil
}

func (e *Expander) scrollUntilVisible(args map[string]any) ([]map[string]any, error) {
	selector, _ := args["selector"].(string)
	text, _ := args["text"].(string)
	if selector == "" && text == "" {
		return nil, newStepError(ClassValidation, "", "scroll_until_visible requires selector or text")
	}
	until := map[string]any{}
	if selector != "" {
		until["selector"] = selector
	}
	if text != "" {
		until["text"] = text
	}
	repeatArgs := map[string]any{
		"max_iters": argInt(args, "max_iters", 15),
		"until":     until,
		"steps":     []any{scrollStep(args)},
	}
	copyBackoff(args, repeatArgs)
	return []map[string]any{{"tool": "repeat", "args": repeatArgs, "label": "scroll_until_visible"}}, nil
}

func (e *Expander) scrollToEnd(args map[string]any) ([]map[string]any, error) {
	untilJS, _ := args["until_js"].(string)
	if untilJS == "" {
		untilJS = scrollEndProbeJS
	}
	settleMS := argInt(args, "settle_ms", 500)
	repeatArgs := map[string]any{
		"max_iters": argInt(args, "max_iters", 20),
		"until":     map[string]any{"js": untilJS},
		"steps":     []any{scrollStep(args)},
		"backoff_s": float64(settleMS) / 1000.0,
	}
	copyBackoff(args, repeatArgs)
	return []map[string]any{{"tool": "repeat", "args": repeatArgs, "label": "scroll_to_end"}}, nil
}

func (e *Expander) retryClick(args map[string]any) ([]map[string]any, error) {
	clickArgs, ok := args["click"].(map[string]any)
	if !ok {
		return nil, newStepError(ClassValidation, "", "retry_click requires click args object")
	}
	until, ok := args["until"].(map[string]any)
	if !ok {
		return nil, newStepError(ClassValidation, "", "retry_click requires an until condition")
	}
	var body []any
	if argBool(args, "dismiss_overlays", false) {
		body = append(body, e.dismissOverlaysStep())
	}
	body = append(body, map[string]any{"tool": "click", "args": clickArgs, "optional": true})
	repeatArgs := map[string]any{
		"max_iters": argInt(args, "max_iters", 5),
		"until":     until,
		"steps":     body,
	}
	copyBackoff(args, repeatArgs)
	return []map[string]any{{"tool": "repeat", "args": repeatArgs, "label": "retry_click"}}, nil
}

func (e *Expander) paginateNext(args map[string]any) ([]map[string]any, error) {
	nextSelector, ok := args["next_selector"].(string)
	if !ok || nextSelector == "" {
		return nil, newStepError(ClassValidation, "", "paginate_next requires next_selector")
	}
	var body []any
	if argBool(args, "dismiss_overlays", false) {
		body = append(body, e.dismissOverlaysStep())
	}
	clickArgs, ok := args["click"].(map[string]any)
	if !ok {
		clickArgs = map[string]any{"selector": nextSelector}
	}
	body = append(body, map[string]any{"tool": "click", "args": clickArgs, "optional": true})
	if waitArgs, ok := args["wait"].(map[string]any); ok {
		body = append(body, map[string]any{"tool": "wait", "args": waitArgs})
	}
	until, ok := args["until"].(map[string]any)
	if !ok {
		until = map[string]any{"js": nextDisabledProbeJS(nextSelector)}
	}
	settleMS := argInt(args, "settle_ms", 400)
	repeatArgs := map[string]any{
		"max_iters": argInt(args, "max_iters", 10),
		"until":     until,
		"steps":     body,
		"backoff_s": float64(settleMS) / 1000.0,
	}
	copyBackoff(args, repeatArgs)
	return []map[string]any{{"tool": "repeat", "args": repeatArgs, "label": "paginate_next"}}, nil
}

func (e *Expander) autoExpand(args map[string]any) ([]map[string]any, error) {
	phrases := argList(args, "phrases", defaultExpandPhrases)
	selectors := argList(args, "selectors", nil)
	includeLinks := argBool(args, "include_links", false)
	clickLimit := argInt(args, "click_limit", 10)
	probe := expanderProbeJS(phrases, selectors, includeLinks)
	body := []any{map[string]any{
		"tool":     "js",
		"args":     map[string]any{"code": expanderClickJS(phrases, selectors, includeLinks, clickLimit)},
		"optional": true,
	}}
	if waitArgs, ok := args["wait"].(map[string]any); ok {
		body = append(body, map[string]any{"tool": "wait", "args": waitArgs})
	}
	settleMS := argInt(args, "settle_ms", 300)
	repeatArgs := map[string]any{
		"max_iters": argInt(args, "max_iters", 8),
		"until":     map[string]any{"js": probe},
		"steps":     body,
		"backoff_s": float64(settleMS) / 1000.0,
	}
	copyBackoff(args, repeatArgs)
	return []map[string]any{{"tool": "repeat", "args": repeatArgs, "label": "auto_expand"}}, nil
}

func (e *Expander) autoExpandScrollExtract(args map[string]any) ([]map[string]any, error) {
	extractArgs, ok := args["extract"].(map[string]any)
	if !ok {
		return nil, newStepError(ClassValidation, "", "auto_expand_scroll_extract requires extract args")
	}
	var steps []map[string]any
	if navArgs, ok := args["navigate"].(map[string]any); ok {
		steps = append(steps, map[string]any{"tool": "navigate", "args": navArgs})
	} else if url, ok := args["url"].(string); ok && url != "" {
		steps = append(steps, map[string]any{"tool": "navigate", "args": map[string]any{"url": url}})
	}
	expandArgs, _ := args["expand"].(map[string]any)
	expanded, err := e.autoExpand(orEmpty(expandArgs))
	if err != nil {
		return nil, err
	}
	steps = append(steps, expanded...)
	scrollArgs, _ := args["scroll"].(map[string]any)
	scrolled, err := e.scrollToEnd(orEmpty(scrollArgs))
	if err != nil {
		return nil, err
	}
	steps = append(steps, scrolled...)
	if argBool(args, "retry_on_error", false) {
		errorTexts := argList(args, "error_texts", []any{"something went wrong", "try again", "error loading"})
		retrySteps := argList(args, "retry_steps", []any{
			map[string]any{"tool": "navigate", "args": map[string]any{"action": "reload"}},
		})
		steps = append(steps, map[string]any{
			"tool": "repeat",
			"args": map[string]any{
				"max_iters": argInt(args, "max_error_retries", 2),
				"until":     map[string]any{"js": errorBannerGoneJS(errorTexts)},
				"steps":     retrySteps,
				"backoff_s": 1.0,
			},
			"label":    "error_retry",
			"optional": true,
		})
	}
	steps = append(steps, map[string]any{"tool": "extract_content", "args": extractArgs})
	return steps, nil
}

func (e *Expander) gotoIfNeeded(args map[string]any) ([]map[string]any, error) {
	urlContains, ok := args["url_contains"].(string)
	if !ok || urlContains == "" {
		return nil, newStepError(ClassValidation, "", "goto_if_needed requires url_contains")
	}
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return nil, newStepError(ClassValidation, "", "goto_if_needed requires url")
	}
	navArgs := map[string]any{"url": url}
	if wait, ok := args["wait"].(string); ok && wait != "" {
		navArgs["wait"] = wait
	}
	return []map[string]any{{
		"tool": "when",
		"args": map[string]any{
			"if":   map[string]any{"url": urlContains},
			"then": []any{},
			"else": []any{map[string]any{"tool": "navigate", "args": navArgs}},
		},
		"label": "goto_if_needed",
	}}, nil
}

func (e *Expander) assertThen(args map[string]any) ([]map[string]any, error) {
	assertArgs, ok := args["assert"].(map[string]any)
	if !ok {
		return nil, newStepError(ClassValidation, "", "assert_then requires assert args")
	}
	thenList := argList(args, "then", nil)
	if len(thenList) == 0 {
		return nil, newStepError(ClassValidation, "", "assert_then requires a non-empty then list")
	}
	steps := []map[string]any{{"tool": "assert", "args": assertArgs}}
	for i, item := range thenList {
		stepMap, ok := item.(map[string]any)
		if !ok {
			return nil, newStepError(ClassValidation, "", "assert_then then[%d] is not an object", i)
		}
		steps = append(steps, stepMap)
	}
	return steps, nil
}

func (e *Expander) includeMemorySteps(args map[string]any, includeStack []string) ([]map[string]any, error) {
	key, ok := args["memory_key"].(string)
	if !ok || key == "" {
		return nil, newStepError(ClassValidation, "", "include_memory_steps requires memory_key")
	}
	if len(includeStack) >= maxIncludeDepth {
		return nil, newStepError(ClassValidation, "",
			"include depth %d exceeds cap %d", len(includeStack), maxIncludeDepth)
	}
	for _, seen := range includeStack {
		if seen == key {
			return nil, newStepError(ClassValidation, "",
				"recursive runbook include: %s", strings.Join(append(includeStack, key), " -> "))
		}
	}
	if e.LoadRunbook == nil {
		return nil, newStepError(ClassValidation, "", "runbook loading is not available")
	}
	rawSteps, sensitive, found, err := e.LoadRunbook(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newStepError(ClassMissingRef,
			`runbook(action="list") to see stored runbooks`,
			"runbook %q not found", key)
	}
	allowSensitive := argBool(args, "allow_sensitive", false)
	if sensitive && (!allowSensitive || e.StrictPolicy) {
		return nil, newStepError(ClassPolicy, "",
			"runbook %q is sensitive; pass allow_sensitive=true under permissive policy", key)
	}
	params, _ := args["params"].(map[string]any)
	stack := append(append([]string(nil), includeStack...), key)
	var steps []map[string]any
	for i, raw := range rawSteps {
		stepMap, ok := raw.(map[string]any)
		if !ok {
			return nil, newStepError(ClassValidation, "", "runbook %q step %d is not an object", key, i)
		}
		resolved, err := resolveParams(stepMap, params)
		if err != nil {
			return nil, err
		}
		// Nested includes expand eagerly so recursion is caught here, not at
		// splice time.
		if nested, ok := nestedIncludeArgs(resolved); ok {
			sub, err := e.includeMemorySteps(nested, stack)
			if err != nil {
				return nil, err
			}
			steps = append(steps, sub...)
			continue
		}
		steps = append(steps, resolved)
	}
	return steps, nil
}

// nestedIncludeArgs detects a macro include_memory_steps step in either shape.
func nestedIncludeArgs(step map[string]any) (map[string]any, bool) {
	if tool, _ := step["tool"].(string); tool == "macro" {
		if args, ok := step["args"].(map[string]any); ok {
			if name, _ := args["name"].(string); name == "include_memory_steps" {
				inner, _ := args["args"].(map[string]any)
				return orEmpty(inner), true
			}
		}
		return nil, false
	}
	if args, ok := step["macro"].(map[string]any); ok {
		if name, _ := args["name"].(string); name == "include_memory_steps" {
			inner, _ := args["args"].(map[string]any)
			return orEmpty(inner), true
		}
	}
	return nil, false
}

var paramRe = regexp.MustCompile(`\{\{\s*param:([\w.\-]+)\s*\}\}|\$\{param:([\w.\-]+)\}`)

// resolveParams substitutes {{param:key}} / ${param:key} using the supplied
// params, failing closed on a missing key. Flow-var and mem placeholders pass
// through untouched.
func resolveParams(value map[string]any, params map[string]any) (map[string]any, error) {
	out, err := resolveParamValue(value, params)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveParamValue(value any, params map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveParamString(v, params)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := resolveParamValue(item, params)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveParamValue(item, params)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveParamString(in string, params map[string]any) (any, error) {
	trimmed := strings.TrimSpace(in)
	if match := exactPlaceholderRe.FindStringSubmatch(trimmed); match != nil {
		name := match[1]
		if name == "" {
			name = match[2]
		}
		if strings.HasPrefix(name, "param:") {
			value, found := lookupParam(params, strings.TrimPrefix(name, "param:"))
			if !found {
				return nil, missingParamErr(name, params)
			}
			return value, nil
		}
		return in, nil
	}
	if !paramRe.MatchString(in) {
		return in, nil
	}
	var resolveErr error
	out := paramRe.ReplaceAllStringFunc(in, func(token string) string {
		match := paramRe.FindStringSubmatch(token)
		name := match[1]
		if name == "" {
			name = match[2]
		}
		value, found := lookupParam(params, name)
		if !found {
			if resolveErr == nil {
				resolveErr = missingParamErr("param:"+name, params)
			}
			return token
		}
		return fmt.Sprint(value)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

func lookupParam(params map[string]any, key string) (any, bool) {
	if params == nil {
		return nil, false
	}
	value, found := params[key]
	return value, found
}

func missingParamErr(name string, params map[string]any) error {
	return newStepError(ClassMissingRef, "",
		"%s is not set; known params: %s", name, knownKeysHint(params))
}

// ---- arg helpers -----------------------------------------------------------

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func argBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func argList(args map[string]any, key string, fallback []any) []any {
	if v, ok := args[key].([]any); ok {
		return v
	}
	return fallback
}

func argStringList(args map[string]any, key string, fallback []string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return fallback
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func copyBackoff(src, dst map[string]any) {
	for _, key := range []string{
		"timeout_s", "max_time_s",
		"backoff_factor", "backoff_max_s", "backoff_jitter", "jitter_seed",
	} {
		if value, ok := src[key]; ok {
			dst[key] = value
		}
	}
	if value, ok := src["backoff_s"]; ok {
		dst["backoff_s"] = value
	}
}

func scrollStep(args map[string]any) map[string]any {
	if scrollArgs, ok := args["scroll"].(map[string]any); ok {
		return map[string]any{"tool": "scroll", "args": scrollArgs}
	}
	return map[string]any{"tool": "scroll", "args": map[string]any{"direction": "down", "amount": "page"}}
}

// ---- generated JS probes ---------------------------------------------------

const scrollEndProbeJS = `(function(){var el=document.scrollingElement||document.documentElement;return Math.ceil(el.scrollTop+el.clientHeight)>=el.scrollHeight;})()`

func nextDisabledProbeJS(selector string) string {
	sel, _ := json.Marshal(selector)
	return fmt.Sprintf(`(function(){var el=document.querySelector(%s);return !el||el.disabled===true||el.getAttribute('aria-disabled')==='true'||el.offsetParent===null;})()`, sel)
}

func errorBannerGoneJS(texts []any) string {
	raw, _ := json.Marshal(texts)
	return fmt.Sprintf(`(function(){var texts=%s.map(function(t){return String(t).toLowerCase();});var body=(document.body&&document.body.innerText||'').toLowerCase();return !texts.some(function(t){return body.indexOf(t)>=0;});})()`, raw)
}

func expanderSelectorJS(phrases, selectors []any, includeLinks bool) string {
	rawPhrases, _ := json.Marshal(phrases)
	rawSelectors, _ := json.Marshal(selectors)
	tags := `'button,[role="button"],summary'`
	if includeLinks {
		tags = `'button,[role="button"],summary,a'`
	}
	return fmt.Sprintf(`var phrases=%s.map(function(p){return String(p).toLowerCase();});
var sels=%s||[];
var found=[];
sels.forEach(function(s){try{document.querySelectorAll(s).forEach(function(el){found.push(el);});}catch(e){}});
document.querySelectorAll(%s).forEach(function(el){
  var t=(el.innerText||el.value||'').trim().toLowerCase();
  if(t&&phrases.some(function(p){return t.indexOf(p)>=0;}))found.push(el);
});
found=found.filter(function(el){return el.offsetParent!==null;});`, rawPhrases, rawSelectors, tags)
}

func expanderClickJS(phrases, selectors []any, includeLinks bool, clickLimit int) string {
	return fmt.Sprintf(`(function(){%s
var clicked=0;
for(var i=0;i<found.length&&clicked<%d;i++){try{found[i].click();clicked++;}catch(e){}}
return clicked;})()`, expanderSelectorJS(phrases, selectors, includeLinks), clickLimit)
}

func expanderProbeJS(phrases, selectors []any, includeLinks bool) string {
	return fmt.Sprintf(`(function(){%s
return found.length===0;})()`, expanderSelectorJS(phrases, selectors, includeLinks))
}
