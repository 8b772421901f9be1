package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"surf/internal/config"
	"surf/internal/logging"
)

// TargetInfo is one CDP target (tab) row from /json/list.
type TargetInfo struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
	Active       bool   `json:"-"`
}

// Launcher starts, stops and recovers a Chromium process and answers CDP
// reachability questions. In attach mode it never owns a process.
type Launcher struct {
	cfg    config.Config
	logger logging.Logger
	client *http.Client

	mu   sync.Mutex
	cmd  *exec.Cmd
	port int
}

func NewLauncher(cfg config.Config, logger logging.Logger) *Launcher {
	return &Launcher{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		client: &http.Client{Timeout: 5 * time.Second},
		port:   cfg.BrowserPort,
	}
}

// Port returns the port the debugger is expected on.
func (l *Launcher) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

func (l *Launcher) endpoint(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", l.Port(), path)
}

// Reachable probes /json/version within the given timeout.
func (l *Launcher) Reachable(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint("/json/version"), nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Version returns the browser version string from /json/version.
func (l *Launcher) Version(ctx context.Context) (string, error) {
	var payload struct {
		Browser string `json:"Browser"`
	}
	if err := l.getJSON(ctx, "/json/version", &payload); err != nil {
		return "", err
	}
	return payload.Browser, nil
}

// Ensure makes sure a debuggable browser is running. In launch mode a child
// process is started on demand; in attach mode only reachability is checked.
func (l *Launcher) Ensure(ctx context.Context) error {
	if l.Reachable(ctx, 2*time.Second) {
		return nil
	}
	if l.cfg.Mode != config.ModeLaunch {
		return fmt.Errorf("cdp endpoint not reachable on port %d (mode=%s)", l.Port(), l.cfg.Mode)
	}
	return l.launch(ctx)
}

func (l *Launcher) launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	binary := l.cfg.BrowserBinary
	if binary == "" {
		binary = discoverBinary()
	}
	if binary == "" {
		return errors.New("no chromium binary found; set MCP_BROWSER_BINARY")
	}

	port := l.port
	if l.cfg.AutoPortFallback && !portFree(port) {
		for candidate := port + 1; candidate < port+10; candidate++ {
			if portFree(candidate) {
				l.logger.Warn("port %d busy, falling back to %d", port, candidate)
				port = candidate
				break
			}
		}
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--no-first-run",
		"--no-default-browser-check",
		fmt.Sprintf("--window-size=%s", strings.ReplaceAll(l.cfg.WindowSize, "x", ",")),
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	if profile := strings.TrimSpace(l.cfg.BrowserProfile); profile != "" {
		if err := os.MkdirAll(profile, 0o755); err == nil {
			args = append(args, "--user-data-dir="+profile)
		}
	}
	args = append(args, l.cfg.BrowserFlags...)

	cmd := exec.Command(binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", binary, err)
	}
	l.cmd = cmd
	l.port = port
	go func() { _ = cmd.Wait() }()

	// Wait for the debugger endpoint to come up.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if l.reachableLocked(ctx, port) {
			l.logger.Info("chromium up on port %d (pid %d)", port, cmd.Process.Pid)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("chromium did not expose cdp on port %d in time", port)
}

func (l *Launcher) reachableLocked(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/json/version", port), nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates the owned browser process, if any.
func (l *Launcher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd != nil && l.cmd.Process != nil {
		_ = l.cmd.Process.Kill()
		l.cmd = nil
	}
}

// Recover restarts the owned process (hard) or simply re-ensures reachability
// (soft). Bounded by timeout.
func (l *Launcher) Recover(ctx context.Context, hard bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if hard {
		l.Stop()
		// Give the OS a moment to release the port.
		time.Sleep(500 * time.Millisecond)
	}
	return l.Ensure(ctx)
}

// Targets lists page targets.
func (l *Launcher) Targets(ctx context.Context) ([]TargetInfo, error) {
	var all []TargetInfo
	if err := l.getJSON(ctx, "/json/list", &all); err != nil {
		return nil, err
	}
	pages := make([]TargetInfo, 0, len(all))
	for _, t := range all {
		if t.Type == "" || t.Type == "page" {
			pages = append(pages, t)
		}
	}
	if len(pages) > 0 {
		pages[0].Active = true
	}
	return pages, nil
}

// NewTarget opens a new tab, optionally at url.
func (l *Launcher) NewTarget(ctx context.Context, url string) (TargetInfo, error) {
	path := "/json/new"
	if url != "" {
		path += "?" + url
	}
	var target TargetInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, l.endpoint(path), nil)
	if err != nil {
		return target, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return target, fmt.Errorf("cdp endpoint not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return target, fmt.Errorf("decode new target: %w", err)
	}
	return target, nil
}

// ActivateTarget brings a tab to the foreground.
func (l *Launcher) ActivateTarget(ctx context.Context, id string) error {
	return l.simpleGet(ctx, "/json/activate/"+id)
}

// CloseTarget closes a tab.
func (l *Launcher) CloseTarget(ctx context.Context, id string) error {
	return l.simpleGet(ctx, "/json/close/"+id)
}

func (l *Launcher) simpleGet(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint(path), nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("cdp endpoint not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cdp http %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (l *Launcher) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint(path), nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("cdp endpoint not reachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cdp http %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func discoverBinary() string {
	candidates := []string{
		"google-chrome",
		"google-chrome-stable",
		"chromium",
		"chromium-browser",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}
	for _, candidate := range candidates {
		if filepath.IsAbs(candidate) {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
			continue
		}
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return ""
}
