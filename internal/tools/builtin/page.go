package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"surf/internal/ports"
	"surf/internal/redact"
	"surf/internal/session"
	"surf/internal/tools/shared"
)

type pageTool struct {
	shared.BaseTool
	deps *Deps
}

// NewPageTool is the perception surface: one tool, several detail levels, so
// the model can pick how much page it wants to pay for.
func NewPageTool(deps *Deps) ports.ToolExecutor {
	return &pageTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name: "page",
				Description: "Inspect the current page. detail=info (url/title/state), summary (plus text excerpt), " +
					"locators|map (scan interactive elements into stable refs), triage (what went wrong since a cursor), " +
					"diagnostics (console log), audit (failed requests and JS errors), graph (outgoing links), net (HAR-lite rows).",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"detail":    shared.EnumProp("Level of detail (default info)", "info", "summary", "locators", "map", "triage", "diagnostics", "audit", "graph", "net"),
					"since":     shared.Prop("integer", "Telemetry cursor to read from (triage/diagnostics/audit/net)"),
					"selector":  shared.Prop("string", "Scope locator scans to this subtree"),
					"max_items": shared.Prop("integer", "Cap on returned items (default 60)"),
					"store":     shared.Prop("boolean", "Also store the full result as an artifact"),
				}),
			},
			ports.ToolMetadata{
				Name: "page", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "perception"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

func (t *pageTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}
	t.deps.pump(sess)

	tabID := sess.TargetID()
	detail := shared.StringArgDefault(args, "detail", "info")
	since := int64(shared.IntArgDefault(args, "since", 0))
	maxItems := shared.IntArgDefault(args, "max_items", 60)

	state, stateErr := sess.State(ctx)
	snap := t.deps.Manager.Tier0Snapshot(tabID, since, 0, maxItems)

	payload := map[string]any{
		"ok":     true,
		"detail": detail,
		"cursor": snap.Cursor,
		"summary": map[string]any{
			"consoleErrors": snap.Summary.ConsoleErrors,
			"consoleWarns":  snap.Summary.ConsoleWarns,
			"jsErrors":      snap.Summary.JSErrors,
			"requests":      snap.Summary.Requests,
			"failed":        snap.Summary.Failed,
			"dialogs":       snap.Summary.Dialogs,
		},
	}
	if stateErr == nil {
		payload["url"] = redact.SanitizeURL(state.URL)
		payload["title"] = state.Title
		payload["readyState"] = state.ReadyState
	}
	if snap.DialogOpen {
		payload["dialogOpen"] = true
		if snap.Dialog != nil {
			payload["dialog"] = snap.Dialog
		}
	}

	switch detail {
	case "info":
		// Base payload is the whole answer.

	case "summary":
		excerpt, excerptErr := sess.Eval(ctx, pageExcerptJS)
		if excerptErr == nil {
			payload["excerpt"] = excerpt
		}
		counts, countsErr := sess.Eval(ctx, pageCountsJS)
		if countsErr == nil {
			payload["elements"] = counts
		}

	case "locators", "map":
		items, scanErr := t.scanLocators(ctx, sess, shared.StringArg(args, "selector"), maxItems)
		if scanErr != nil {
			return shared.ToolError(call.ID, "locator scan: %v", scanErr)
		}
		url := ""
		if stateErr == nil {
			url = state.URL
		}
		t.deps.Manager.SetAffordances(tabID, url, snap.Cursor, items)
		refs := make([]map[string]any, 0, len(items))
		stored, _ := t.deps.Manager.Affordances(tabID)
		if stored != nil {
			for _, item := range stored.Items {
				refs = append(refs, map[string]any{
					"ref":  item.Ref,
					"tool": item.Tool,
					"kind": item.Kind(),
					"text": item.Text(),
					"args": item.Args,
				})
			}
		}
		payload["count"] = len(refs)
		payload["refs"] = refs
		payload["hint"] = `act on these with act(ref="...") or click(ref="..."); refs go stale when the URL changes`

	case "triage":
		payload["lastError"] = snap.Summary.LastError
		payload["console"] = lastErrors(snap.Console, 10)
		payload["failedRequests"] = failedRequests(snap.HarLite, 10)

	case "diagnostics":
		payload["console"] = snap.Console

	case "audit":
		payload["failedRequests"] = failedRequests(snap.HarLite, maxItems)
		payload["console"] = lastErrors(snap.Console, maxItems)

	case "graph":
		links, linksErr := sess.Eval(ctx, fmt.Sprintf(pageGraphJS, maxItems))
		if linksErr != nil {
			return shared.ToolError(call.ID, "link scan: %v", linksErr)
		}
		payload["links"] = links

	case "net":
		rows := make([]map[string]any, 0, len(snap.HarLite))
		for _, entry := range snap.HarLite {
			row := map[string]any{
				"cursor": entry.Cursor,
				"url":    redact.SanitizeURL(entry.URL),
				"status": entry.Status,
			}
			if entry.Method != "" {
				row["method"] = entry.Method
			}
			if entry.ErrorText != "" {
				row["error"] = entry.ErrorText
			}
			rows = append(rows, row)
		}
		payload["requests"] = rows

	default:
		return shared.ToolError(call.ID, "unknown detail %q", detail)
	}

	if shared.BoolArgWithDefault(args, "store", false) {
		if art, putErr := t.deps.Artifacts.PutJSON("page-"+detail, payload, map[string]any{"detail": detail}); putErr == nil {
			payload["artifact"] = art.ID
		}
	}
	return shared.JSONResult(call.ID, payload)
}

// scanLocators runs the in-page interactive-element scan and maps the rows to
// affordances (click for buttons/links, type for fields).
func (t *pageTool) scanLocators(ctx context.Context, sess evalSession, scope string, maxItems int) ([]session.Affordance, error) {
	scopeJSON, _ := json.Marshal(scope)
	value, err := sess.Eval(ctx, fmt.Sprintf(locatorScanJS, scopeJSON, maxItems))
	if err != nil {
		return nil, err
	}
	rows, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected scan result %T", value)
	}
	items := make([]session.Affordance, 0, len(rows))
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := row["kind"].(string)
		selector, _ := row["selector"].(string)
		text, _ := row["text"].(string)
		if selector == "" {
			continue
		}
		tool := "click"
		if kind == "input" || kind == "textarea" || kind == "select" {
			tool = "type"
		}
		items = append(items, session.Affordance{
			Tool: tool,
			Args: map[string]any{"selector": selector},
			Meta: map[string]any{"kind": kind, "text": strings.TrimSpace(text)},
		})
	}
	return items, nil
}

type evalSession interface {
	Eval(ctx context.Context, expression string) (any, error)
}

func lastErrors(entries []session.ConsoleEntry, limit int) []session.ConsoleEntry {
	out := make([]session.ConsoleEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if entries[i].Level == "error" || entries[i].Level == "exception" {
			out = append(out, entries[i])
		}
	}
	// Restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func failedRequests(entries []session.NetworkEntry, limit int) []map[string]any {
	out := make([]map[string]any, 0, limit)
	for _, entry := range entries {
		if !entry.Failed && entry.ErrorText == "" && entry.Status < 400 {
			continue
		}
		row := map[string]any{"url": redact.SanitizeURL(entry.URL), "status": entry.Status}
		if entry.ErrorText != "" {
			row["error"] = entry.ErrorText
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out
}

const pageExcerptJS = `(function(){
  var text=(document.body&&document.body.innerText)||'';
  text=text.replace(/\n{3,}/g,'\n\n').trim();
  return text.length>1500?text.slice(0,1500)+'…':text;
})()`

const pageCountsJS = `(function(){
  function count(sel){try{return document.querySelectorAll(sel).length;}catch(e){return 0;}}
  return {links:count('a[href]'),buttons:count('button,[role="button"],input[type="submit"]'),
          inputs:count('input,textarea,select'),forms:count('form'),iframes:count('iframe'),
          images:count('img')};
})()`

const pageGraphJS = `(function(){
  var seen={},out=[];
  var anchors=document.querySelectorAll('a[href]');
  for (var i=0;i<anchors.length&&out.length<%d;i++){
    var a=anchors[i];
    var href=a.href||'';
    if (!href||href.indexOf('javascript:')===0||seen[href]) continue;
    seen[href]=true;
    out.push({url:href,text:(a.innerText||'').trim().slice(0,80)});
  }
  return out;
})()`

// locatorScanJS enumerates visible interactive elements and synthesizes a
// selector for each: id when present, otherwise a child-indexed path from the
// nearest id ancestor (or body).
const locatorScanJS = `(function(scope,max){
  var root=document;
  if (scope){try{root=document.querySelector(scope)||document;}catch(e){}}
  function visible(el){
    var r=el.getBoundingClientRect();
    if (r.width<=0||r.height<=0) return false;
    var s=window.getComputedStyle(el);
    return s.visibility!=='hidden'&&s.display!=='none';
  }
  function cssEscape(v){return (window.CSS&&CSS.escape)?CSS.escape(v):v.replace(/([^a-zA-Z0-9_-])/g,'\\$1');}
  function selectorFor(el){
    if (el.id) return '#'+cssEscape(el.id);
    var parts=[];
    var node=el;
    while (node&&node!==document.body&&parts.length<8){
      if (node.id){parts.unshift('#'+cssEscape(node.id));break;}
      var parent=node.parentElement;
      if (!parent){parts.unshift(node.tagName.toLowerCase());break;}
      var idx=1,sib=node;
      while ((sib=sib.previousElementSibling)) if (sib.tagName===node.tagName) idx++;
      parts.unshift(node.tagName.toLowerCase()+':nth-of-type('+idx+')');
      node=parent;
    }
    return parts.join(' > ');
  }
  function kindOf(el){
    var tag=el.tagName.toLowerCase();
    if (tag==='a') return 'link';
    if (tag==='button'||el.getAttribute('role')==='button') return 'button';
    if (tag==='input'){
      var type=(el.type||'').toLowerCase();
      if (type==='submit'||type==='button') return 'button';
      if (type==='checkbox') return 'checkbox';
      if (type==='radio') return 'radio';
      return 'input';
    }
    return tag;
  }
  function labelFor(el){
    var text=(el.innerText||el.value||'').trim();
    if (!text) text=el.getAttribute('aria-label')||el.getAttribute('placeholder')||el.getAttribute('name')||'';
    return text.slice(0,120);
  }
  var sel='a[href],button,[role="button"],input,textarea,select,[onclick]';
  var nodes=root.querySelectorAll(sel);
  var out=[];
  for (var i=0;i<nodes.length&&out.length<max;i++){
    var el=nodes[i];
    if (!visible(el)) continue;
    out.push({kind:kindOf(el),selector:selectorFor(el),text:labelFor(el)});
  }
  return out;
})(%s,%d)`
