package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"surf/internal/logging"
)

// Session is a page-level view over one Conn. It owns the connection to a
// single tab and exposes the primitives the tools are built from.
type Session struct {
	conn     *Conn
	targetID string
	logger   logging.Logger
}

// Connect dials the target's debugger websocket.
func Connect(ctx context.Context, target TargetInfo, logger logging.Logger) (*Session, error) {
	if strings.TrimSpace(target.WebSocketURL) == "" {
		return nil, fmt.Errorf("target %s has no websocket url", target.ID)
	}
	conn, err := Dial(ctx, target.WebSocketURL, logger)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, targetID: target.ID, logger: logging.OrNop(logger)}, nil
}

// Conn exposes the raw connection for event draining and watchdog aborts.
func (s *Session) Conn() *Conn { return s.conn }

// TargetID returns the tab id this session is attached to.
func (s *Session) TargetID() string { return s.targetID }

// Retarget rebinds the session after a tab switch.
func (s *Session) Retarget(conn *Conn, targetID string) {
	s.conn = conn
	s.targetID = targetID
}

// EnableTelemetry turns on the Tier-0 CDP domains for this tab.
func (s *Session) EnableTelemetry(ctx context.Context) error {
	for _, method := range []string{"Page.enable", "Runtime.enable", "Network.enable", "Log.enable"} {
		if _, err := s.conn.Call(ctx, method, nil); err != nil {
			return fmt.Errorf("enable %s: %w", method, err)
		}
	}
	return nil
}

// Call forwards a raw CDP command.
func (s *Session) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return s.conn.Call(ctx, method, params)
}

// Navigate loads a URL and returns once the navigation is committed.
func (s *Session) Navigate(ctx context.Context, url string) error {
	raw, err := s.conn.Call(ctx, "Page.navigate", map[string]any{"url": url})
	if err != nil {
		return err
	}
	var result struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && result.ErrorText != "" {
		return fmt.Errorf("navigate failed: %s", result.ErrorText)
	}
	return nil
}

// Reload reloads the current page.
func (s *Session) Reload(ctx context.Context) error {
	_, err := s.conn.Call(ctx, "Page.reload", nil)
	return err
}

// NavigateHistory moves -1 (back) or +1 (forward) in tab history.
func (s *Session) NavigateHistory(ctx context.Context, delta int) error {
	raw, err := s.conn.Call(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return err
	}
	var history struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID int `json:"id"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	index := history.CurrentIndex + delta
	if index < 0 || index >= len(history.Entries) {
		return fmt.Errorf("no history entry at offset %+d", delta)
	}
	_, err = s.conn.Call(ctx, "Page.navigateToHistoryEntry", map[string]any{"entryId": history.Entries[index].ID})
	return err
}

// Eval evaluates a JS expression in the page and returns its JSON value.
func (s *Session) Eval(ctx context.Context, expression string) (any, error) {
	raw, err := s.conn.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Result struct {
			Type  string `json:"type"`
			Value any    `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	if result.ExceptionDetails != nil {
		detail := result.ExceptionDetails.Text
		if result.ExceptionDetails.Exception != nil && result.ExceptionDetails.Exception.Description != "" {
			detail = result.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("js exception: %s", detail)
	}
	return result.Result.Value, nil
}

// Screenshot captures the viewport as PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	raw, err := s.conn.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"})
	if err != nil {
		return nil, err
	}
	var result struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return base64.StdEncoding.DecodeString(result.Data)
}

// HandleDialog answers the currently open JavaScript dialog.
func (s *Session) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	params := map[string]any{"accept": accept}
	if promptText != "" {
		params["promptText"] = promptText
	}
	_, err := s.conn.Call(ctx, "Page.handleJavaScriptDialog", params)
	return err
}

// PageState is the cheap after-step observation used in proofs.
type PageState struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	ReadyState string `json:"readyState"`
}

// State reads url/title/readyState in one evaluation.
func (s *Session) State(ctx context.Context) (PageState, error) {
	value, err := s.Eval(ctx, `({url: location.href, title: document.title, readyState: document.readyState})`)
	if err != nil {
		return PageState{}, err
	}
	state := PageState{}
	if m, ok := value.(map[string]any); ok {
		state.URL, _ = m["url"].(string)
		state.Title, _ = m["title"].(string)
		state.ReadyState, _ = m["readyState"].(string)
	}
	return state, nil
}

// Close tears the session connection down.
func (s *Session) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
