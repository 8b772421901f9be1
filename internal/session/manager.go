package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"surf/internal/cdp"
	"surf/internal/config"
	"surf/internal/logging"
)

// Policy is the process-wide safety mode.
type Policy string

const (
	PolicyPermissive Policy = "permissive"
	PolicyStrict     Policy = "strict"
)

// AutoDialogMode is the per-tab dialog handling directive.
type AutoDialogMode string

const (
	AutoDialogOff     AutoDialogMode = "off"
	AutoDialogDismiss AutoDialogMode = "dismiss"
	AutoDialogAccept  AutoDialogMode = "accept"
)

// ErrSessionBusy is returned when the shared session is already borrowed.
var ErrSessionBusy = errors.New("shared session already in use; nested run/flow is not allowed")

type autoDialogDirective struct {
	mode    AutoDialogMode
	expires time.Time
}

// Manager owns the shared CDP session, Tier-0 telemetry, the affordance
// registry, dialog handling and recovery. It is a process-wide singleton with
// an explicit Init/RecoverReset/Shutdown lifecycle.
type Manager struct {
	cfg      config.Config
	logger   logging.Logger
	launcher *cdp.Launcher

	mu         sync.Mutex
	policy     Policy
	heuristics int
	borrowed   bool
	shared     *cdp.Session
	sharedTab  cdp.TargetInfo

	telemetry  map[string]*Tier0
	autoDialog map[string]autoDialogDirective

	affordances *affordanceRegistry
}

func NewManager(cfg config.Config, launcher *cdp.Launcher, logger logging.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		logger:      logging.OrNop(logger),
		launcher:    launcher,
		policy:      PolicyPermissive,
		heuristics:  1,
		telemetry:   make(map[string]*Tier0),
		autoDialog:  make(map[string]autoDialogDirective),
		affordances: newAffordanceRegistry(),
	}
}

// Launcher exposes the underlying browser launcher.
func (m *Manager) Launcher() *cdp.Launcher { return m.launcher }

// Config returns the process configuration.
func (m *Manager) Config() config.Config { return m.cfg }

// Policy returns the current safety mode.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy switches the safety mode.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == PolicyStrict {
		m.policy = PolicyStrict
	} else {
		m.policy = PolicyPermissive
	}
}

// HeuristicLevel returns the reliability level (0..3).
func (m *Manager) HeuristicLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heuristics
}

// SetHeuristicLevel clamps and stores the reliability level.
func (m *Manager) SetHeuristicLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 3 {
		level = 3
	}
	m.mu.Lock()
	m.heuristics = level
	m.mu.Unlock()
}

// EnsureBrowser makes sure a debuggable browser is reachable.
func (m *Manager) EnsureBrowser(ctx context.Context) error {
	return m.launcher.Ensure(ctx)
}

// Acquire borrows the shared session for the active tab. Only one borrow may
// be live at a time; the run engine holds it for a whole batch. The release
// func is unconditional and idempotent.
func (m *Manager) Acquire(ctx context.Context) (*cdp.Session, cdp.TargetInfo, func(), error) {
	m.mu.Lock()
	if m.borrowed {
		m.mu.Unlock()
		return nil, cdp.TargetInfo{}, nil, ErrSessionBusy
	}
	m.borrowed = true
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.borrowed = false
		m.mu.Unlock()
	}

	sess, target, err := m.ensureShared(ctx)
	if err != nil {
		release()
		return nil, cdp.TargetInfo{}, nil, err
	}
	return sess, target, release, nil
}

// Session returns the shared session without taking the borrow. Tools called
// from inside a run use this; the borrow only guards against nested batches.
func (m *Manager) Session(ctx context.Context) (*cdp.Session, cdp.TargetInfo, error) {
	return m.ensureShared(ctx)
}

func (m *Manager) ensureShared(ctx context.Context) (*cdp.Session, cdp.TargetInfo, error) {
	m.mu.Lock()
	shared, tab := m.shared, m.sharedTab
	m.mu.Unlock()

	if shared != nil && shared.Conn().Alive() {
		return shared, tab, nil
	}

	if err := m.launcher.Ensure(ctx); err != nil {
		return nil, cdp.TargetInfo{}, err
	}
	targets, err := m.launcher.Targets(ctx)
	if err != nil {
		return nil, cdp.TargetInfo{}, err
	}
	var target cdp.TargetInfo
	if len(targets) == 0 {
		target, err = m.launcher.NewTarget(ctx, "")
		if err != nil {
			return nil, cdp.TargetInfo{}, err
		}
	} else {
		target = targets[0]
		for _, t := range targets {
			if t.Active {
				target = t
				break
			}
		}
	}

	sess, err := cdp.Connect(ctx, target, m.logger)
	if err != nil {
		return nil, cdp.TargetInfo{}, err
	}
	if err := sess.EnableTelemetry(ctx); err != nil {
		sess.Close()
		return nil, cdp.TargetInfo{}, err
	}

	m.mu.Lock()
	if m.shared != nil && m.shared != sess {
		m.shared.Close()
	}
	m.shared = sess
	m.sharedTab = target
	m.mu.Unlock()
	return sess, target, nil
}

// SwitchTab rebinds the shared session to another target (auto-tab, rescue).
func (m *Manager) SwitchTab(ctx context.Context, target cdp.TargetInfo) (*cdp.Session, error) {
	sess, err := cdp.Connect(ctx, target, m.logger)
	if err != nil {
		return nil, err
	}
	if err := sess.EnableTelemetry(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	_ = m.launcher.ActivateTarget(ctx, target.ID)

	m.mu.Lock()
	if m.shared != nil {
		m.shared.Close()
	}
	m.shared = sess
	m.sharedTab = target
	m.mu.Unlock()
	return sess, nil
}

// SharedTab returns the tab the shared session currently points at.
func (m *Manager) SharedTab() cdp.TargetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharedTab
}

// Telemetry returns (creating on demand) the Tier-0 aggregate for a tab.
func (m *Manager) Telemetry(tabID string) *Tier0 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.telemetry[tabID]
	if !ok {
		t = &Tier0{}
		m.telemetry[tabID] = t
	}
	return t
}

// PumpEvents drains the shared connection's event queue into the tab's
// telemetry. Called at safe points only (pre/post step, pre/post final).
func (m *Manager) PumpEvents(sess *cdp.Session) {
	if sess == nil {
		return
	}
	events := sess.Conn().DrainEvents(0)
	if len(events) > 0 {
		m.Telemetry(sess.TargetID()).Ingest(events)
	}
}

// Tier0Snapshot returns a bounded snapshot of a tab's telemetry.
func (m *Manager) Tier0Snapshot(tabID string, since int64, offset, limit int) Snapshot {
	return m.Telemetry(tabID).Snapshot(since, offset, limit)
}

// SetAutoDialog sets the per-tab dialog directive with a TTL.
func (m *Manager) SetAutoDialog(tabID string, mode AutoDialogMode, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == AutoDialogOff {
		delete(m.autoDialog, tabID)
		return
	}
	m.autoDialog[tabID] = autoDialogDirective{mode: mode, expires: time.Now().Add(ttl)}
}

// AutoDialog returns the live directive for a tab, or off when expired/unset.
func (m *Manager) AutoDialog(tabID string) AutoDialogMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	directive, ok := m.autoDialog[tabID]
	if !ok || time.Now().After(directive.expires) {
		delete(m.autoDialog, tabID)
		return AutoDialogOff
	}
	return directive.mode
}

// HandleDialogOOB closes a dialog over a fresh CDP connection so it cannot
// wedge an in-flight request on the shared socket.
func (m *Manager) HandleDialogOOB(ctx context.Context, tabID string, accept bool) error {
	targets, err := m.launcher.Targets(ctx)
	if err != nil {
		return err
	}
	var target *cdp.TargetInfo
	for i := range targets {
		if targets[i].ID == tabID {
			target = &targets[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("tab not found: %s", tabID)
	}
	conn, err := cdp.Dial(ctx, target.WebSocketURL, m.logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Call(ctx, "Page.enable", nil); err != nil {
		return err
	}
	_, err = conn.Call(ctx, "Page.handleJavaScriptDialog", map[string]any{"accept": accept})
	return err
}

// CloseDialog combines the out-of-band close with a direct attempt on the
// shared connection, then polls telemetry until the dialog reads closed.
// Some browsers report "no dialog is showing" even while one is present, so
// that error only counts as closed once a follow-up poll agrees.
func (m *Manager) CloseDialog(ctx context.Context, sess *cdp.Session, accept bool, maxWait time.Duration) error {
	if maxWait <= 0 || maxWait > 10*time.Second {
		maxWait = 2 * time.Second
	}
	tabID := sess.TargetID()
	deadline := time.Now().Add(maxWait)

	oobDone := make(chan error, 1)
	go func() {
		oobCtx, cancel := context.WithTimeout(context.Background(), maxWait)
		defer cancel()
		oobDone <- m.HandleDialogOOB(oobCtx, tabID, accept)
	}()

	directCtx, cancel := context.WithTimeout(ctx, maxWait/2)
	directErr := sess.HandleDialog(directCtx, accept, "")
	cancel()

	for time.Now().Before(deadline) {
		m.PumpEvents(sess)
		open, _ := m.Telemetry(tabID).DialogState()
		if !open {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	m.PumpEvents(sess)
	if open, _ := m.Telemetry(tabID).DialogState(); !open {
		return nil
	}
	select {
	case err := <-oobDone:
		if err == nil && directErr != nil {
			m.Telemetry(tabID).MarkDialogClosed()
			return nil
		}
	default:
	}
	return fmt.Errorf("dialog still open after %s", maxWait)
}

// SetAffordances stores a labeled affordance map for a tab.
func (m *Manager) SetAffordances(tabID, url string, cursor int64, items []Affordance) {
	m.affordances.Set(tabID, url, cursor, items)
}

// Affordances returns the stored map for a tab.
func (m *Manager) Affordances(tabID string) (*AffordanceMap, bool) {
	return m.affordances.Get(tabID)
}

// ResolveAffordance resolves a ref against the tab's stored map.
func (m *Manager) ResolveAffordance(tabID, ref, currentURL string) (*Affordance, MapState) {
	return m.affordances.Resolve(tabID, ref, currentURL)
}

// ResolveAffordanceByLabel resolves by visible text and kind.
func (m *Manager) ResolveAffordanceByLabel(tabID, label, kind, currentURL string, maxMatches int) ([]Affordance, MapState) {
	return m.affordances.ResolveByLabel(tabID, label, kind, currentURL, maxMatches)
}

// Recover resets CDP state: soft closes the shared session and re-ensures the
// endpoint; hard also restarts an owned browser process.
func (m *Manager) Recover(ctx context.Context, hard bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m.mu.Lock()
	if m.shared != nil {
		m.shared.Conn().Abort()
		m.shared = nil
	}
	m.sharedTab = cdp.TargetInfo{}
	m.mu.Unlock()

	if err := m.launcher.Recover(ctx, hard, timeout); err != nil {
		return err
	}
	m.logger.Info("recovery complete (hard=%v)", hard)
	return nil
}

// RecoverReset wipes per-tab state. Test hook.
func (m *Manager) RecoverReset() {
	m.mu.Lock()
	if m.shared != nil {
		m.shared.Conn().Abort()
		m.shared = nil
	}
	m.sharedTab = cdp.TargetInfo{}
	m.borrowed = false
	m.telemetry = make(map[string]*Tier0)
	m.autoDialog = make(map[string]autoDialogDirective)
	m.mu.Unlock()
	m.affordances.Reset()
}

// Shutdown closes sockets and the owned browser.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shared != nil {
		m.shared.Close()
		m.shared = nil
	}
	m.mu.Unlock()
	m.launcher.Stop()
}

// DownloadDir returns (creating) the per-tab download directory.
func (m *Manager) DownloadDir(tabID string) string {
	base := m.cfg.DownloadDir
	if base == "" {
		base = filepath.Join(os.TempDir(), "surf-downloads")
	}
	dir := filepath.Join(base, sanitizeTabID(tabID))
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func sanitizeTabID(tabID string) string {
	if tabID == "" {
		return "default"
	}
	out := make([]rune, 0, len(tabID))
	for _, r := range tabID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
