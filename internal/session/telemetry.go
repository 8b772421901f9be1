package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"surf/internal/cdp"
	"surf/internal/redact"
)

const (
	consoleBufferCap = 100
	networkBufferCap = 200
	harLiteCap       = 50
)

// DialogInfo describes the currently (or last) open JavaScript dialog.
type DialogInfo struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
	Cursor  int64  `json:"cursor,omitempty"`
}

// ConsoleEntry is one buffered console/log event.
type ConsoleEntry struct {
	Cursor int64  `json:"cursor"`
	Level  string `json:"level"`
	Text   string `json:"text"`
}

// NetworkEntry is one HAR-lite row.
type NetworkEntry struct {
	Cursor    int64  `json:"cursor"`
	Method    string `json:"method,omitempty"`
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	ErrorText string `json:"error,omitempty"`
}

// Tier0 aggregates lightweight CDP events for one tab. The cursor is a
// monotonic epoch-ms stamp; it never goes backwards even if wall clock does.
type Tier0 struct {
	mu sync.Mutex

	cursor int64

	consoleErrors int
	consoleWarns  int
	jsErrors      int
	requests      int
	responses     int
	failed        int
	dialogs       int
	lastError     string

	console []ConsoleEntry
	network []NetworkEntry

	dialogOpen bool
	dialog     DialogInfo
}

func (t *Tier0) nextCursor() int64 {
	now := time.Now().UnixMilli()
	if now <= t.cursor {
		now = t.cursor + 1
	}
	t.cursor = now
	return now
}

// Cursor returns the current high-water cursor, advancing it so callers can
// use the value as an exclusive baseline.
func (t *Tier0) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextCursor()
}

// Ingest folds a batch of raw CDP events into the aggregate.
func (t *Tier0) Ingest(events []cdp.Event) {
	if len(events) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range events {
		t.ingestOne(ev)
	}
}

func (t *Tier0) ingestOne(ev cdp.Event) {
	cursor := t.nextCursor()
	switch ev.Method {
	case "Page.javascriptDialogOpening":
		t.dialogs++
		t.dialogOpen = true
		t.dialog = DialogInfo{
			Type:    stringParam(ev.Params, "type"),
			Message: stringParam(ev.Params, "message"),
			URL:     redact.SanitizeURL(stringParam(ev.Params, "url")),
			Cursor:  cursor,
		}
	case "Page.javascriptDialogClosed":
		t.dialogOpen = false
	case "Runtime.consoleAPICalled":
		level := stringParam(ev.Params, "type")
		text := consoleText(ev.Params)
		switch level {
		case "error", "assert":
			t.consoleErrors++
			t.lastError = text
		case "warning":
			t.consoleWarns++
		}
		t.pushConsole(ConsoleEntry{Cursor: cursor, Level: level, Text: text})
	case "Runtime.exceptionThrown":
		t.jsErrors++
		text := exceptionText(ev.Params)
		t.lastError = text
		t.pushConsole(ConsoleEntry{Cursor: cursor, Level: "exception", Text: text})
	case "Log.entryAdded":
		entry, _ := ev.Params["entry"].(map[string]any)
		level := stringParam(entry, "level")
		text := stringParam(entry, "text")
		if level == "error" {
			t.consoleErrors++
			t.lastError = text
		}
		t.pushConsole(ConsoleEntry{Cursor: cursor, Level: level, Text: text})
	case "Network.requestWillBeSent":
		t.requests++
		request, _ := ev.Params["request"].(map[string]any)
		t.pushNetwork(NetworkEntry{
			Cursor: cursor,
			Method: stringParam(request, "method"),
			URL:    redact.SanitizeURL(stringParam(request, "url")),
		})
	case "Network.responseReceived":
		t.responses++
		response, _ := ev.Params["response"].(map[string]any)
		status := intParam(response, "status")
		url := redact.SanitizeURL(stringParam(response, "url"))
		t.pushNetwork(NetworkEntry{Cursor: cursor, URL: url, Status: status})
		if status >= 400 {
			t.failed++
			t.lastError = fmt.Sprintf("http %d %s", status, url)
		}
	case "Network.loadingFailed":
		t.failed++
		errorText := stringParam(ev.Params, "errorText")
		t.lastError = errorText
		t.pushNetwork(NetworkEntry{Cursor: cursor, Failed: true, ErrorText: errorText})
	}
}

func (t *Tier0) pushConsole(entry ConsoleEntry) {
	t.console = append(t.console, entry)
	if len(t.console) > consoleBufferCap {
		t.console = t.console[len(t.console)-consoleBufferCap:]
	}
}

func (t *Tier0) pushNetwork(entry NetworkEntry) {
	t.network = append(t.network, entry)
	if len(t.network) > networkBufferCap {
		t.network = t.network[len(t.network)-networkBufferCap:]
	}
}

// Summary is the counter block of a Tier-0 snapshot.
type Summary struct {
	ConsoleErrors int    `json:"consoleErrors"`
	ConsoleWarns  int    `json:"consoleWarns"`
	JSErrors      int    `json:"jsErrors"`
	Requests      int    `json:"requests"`
	Responses     int    `json:"responses"`
	Failed        int    `json:"failed"`
	Dialogs       int    `json:"dialogs"`
	LastError     string `json:"lastError,omitempty"`
}

// Snapshot is a bounded, since-filtered view of a tab's telemetry.
type Snapshot struct {
	Cursor     int64          `json:"cursor"`
	Summary    Summary        `json:"summary"`
	Console    []ConsoleEntry `json:"console,omitempty"`
	HarLite    []NetworkEntry `json:"harLite,omitempty"`
	DialogOpen bool           `json:"dialogOpen"`
	Dialog     *DialogInfo    `json:"dialog,omitempty"`
}

// Snapshot returns events with cursor >= since, bounded by offset/limit.
func (t *Tier0) Snapshot(since int64, offset, limit int) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > harLiteCap {
		limit = harLiteCap
	}

	snap := Snapshot{
		Cursor: t.cursor,
		Summary: Summary{
			ConsoleErrors: t.consoleErrors,
			ConsoleWarns:  t.consoleWarns,
			JSErrors:      t.jsErrors,
			Requests:      t.requests,
			Responses:     t.responses,
			Failed:        t.failed,
			Dialogs:       t.dialogs,
			LastError:     t.lastError,
		},
		DialogOpen: t.dialogOpen,
	}
	if t.dialogOpen || t.dialog.Type != "" {
		dialog := t.dialog
		snap.Dialog = &dialog
	}

	console := filterConsole(t.console, since)
	network := filterNetwork(t.network, since)
	snap.Console = window(console, offset, limit)
	snap.HarLite = window(network, offset, limit)
	return snap
}

// DialogState reports whether a dialog is open right now.
func (t *Tier0) DialogState() (bool, DialogInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialogOpen, t.dialog
}

// MarkDialogClosed force-clears the open flag (used after an out-of-band
// close confirmed by the browser).
func (t *Tier0) MarkDialogClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialogOpen = false
}

func filterConsole(entries []ConsoleEntry, since int64) []ConsoleEntry {
	if since <= 0 {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Cursor >= since {
			out = append(out, e)
		}
	}
	return out
}

func filterNetwork(entries []NetworkEntry, since int64) []NetworkEntry {
	if since <= 0 {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Cursor >= since {
			out = append(out, e)
		}
	}
	return out
}

func window[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, _ := params[key].(string)
	return value
}

func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func consoleText(params map[string]any) string {
	args, _ := params["args"].([]any)
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		m, ok := arg.(map[string]any)
		if !ok {
			continue
		}
		if value, ok := m["value"]; ok {
			parts = append(parts, fmt.Sprint(value))
			continue
		}
		if desc := stringParam(m, "description"); desc != "" {
			parts = append(parts, desc)
		}
	}
	return strings.Join(parts, " ")
}

func exceptionText(params map[string]any) string {
	details, _ := params["exceptionDetails"].(map[string]any)
	if details == nil {
		return "uncaught exception"
	}
	if exception, ok := details["exception"].(map[string]any); ok {
		if desc := stringParam(exception, "description"); desc != "" {
			return desc
		}
	}
	if text := stringParam(details, "text"); text != "" {
		return text
	}
	return "uncaught exception"
}
