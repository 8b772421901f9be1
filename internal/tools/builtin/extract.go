package builtin

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"surf/internal/ports"
	"surf/internal/redact"
	"surf/internal/tools/shared"
)

type extractTool struct {
	shared.BaseTool
	deps *Deps
}

// NewExtractTool pulls readable content out of the rendered DOM.
func NewExtractTool(deps *Deps) ports.ToolExecutor {
	return &extractTool{
		BaseTool: shared.NewBaseTool(
			ports.ToolDefinition{
				Name: "extract_content",
				Description: "Extract readable content from the current page: text (default), links, or raw html, " +
					"optionally scoped to a selector. Results over the inline budget are stored as artifacts.",
				Parameters: shared.Schema(nil, map[string]ports.Property{
					"format":    shared.EnumProp("Output shape (default text)", "text", "links", "html"),
					"selector":  shared.Prop("string", "Scope extraction to this subtree"),
					"max_chars": shared.Prop("integer", "Inline budget (default 4000)"),
				}),
			},
			ports.ToolMetadata{
				Name: "extract_content", Version: "1.0.0", Category: "browser",
				Tags: []string{"browser", "perception"}, RequiresBrowser: true,
			},
		),
		deps: deps,
	}
}

var blankLines = regexp.MustCompile(`\n{3,}`)

func (t *extractTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	args := call.Arguments
	sess, err := t.deps.session(ctx)
	if err != nil {
		return shared.ToolError(call.ID, "%v", err)
	}

	raw, err := sess.Eval(ctx, `document.documentElement.outerHTML`)
	if err != nil {
		return shared.ToolError(call.ID, "extract: %v", err)
	}
	html, _ := raw.(string)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return shared.ToolError(call.ID, "extract: parse: %v", err)
	}

	root := doc.Selection
	if selector := shared.StringArg(args, "selector"); selector != "" {
		scoped := doc.Find(selector)
		if scoped.Length() == 0 {
			return shared.ToolError(call.ID, "extract: no element matches %q", selector)
		}
		root = scoped.First()
	}

	format := shared.StringArgDefault(args, "format", "text")
	payload := map[string]any{"ok": true, "format": format}

	var body string
	switch format {
	case "text":
		clone := root.Clone()
		clone.Find("script,style,noscript,template").Remove()
		body = blankLines.ReplaceAllString(strings.TrimSpace(clone.Text()), "\n\n")
		body = collapseIndent(body)

	case "links":
		links := make([]map[string]any, 0, 64)
		root.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			if href == "" || strings.HasPrefix(href, "javascript:") {
				return
			}
			links = append(links, map[string]any{
				"url":  redact.SanitizeURL(href),
				"text": strings.TrimSpace(sel.Text()),
			})
		})
		payload["count"] = len(links)
		payload["links"] = links
		return shared.JSONResult(call.ID, payload)

	case "html":
		body, err = goquery.OuterHtml(root)
		if err != nil {
			return shared.ToolError(call.ID, "extract: %v", err)
		}

	default:
		return shared.ToolError(call.ID, "unknown format %q", format)
	}

	payload["chars"] = len(body)
	maxChars := shared.IntArgDefault(args, "max_chars", inlineBodyBudget)
	if len(body) > maxChars {
		mime := "text/plain"
		if format == "html" {
			mime = "text/html"
		}
		art := t.deps.Artifacts.PutBytes("extract", mime, []byte(body), map[string]any{"format": format})
		payload["content"] = body[:maxChars]
		payload["truncated"] = true
		payload["artifact"] = art.ID
		payload["hint"] = fmt.Sprintf(artifactSliceHint, art.ID)
	} else {
		payload["content"] = body
	}
	return shared.JSONResult(call.ID, payload)
}

// collapseIndent strips per-line leading whitespace left over from innerText
// style extraction.
func collapseIndent(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(strings.TrimLeft(line, " \t"), " \t")
	}
	return strings.Join(lines, "\n")
}
