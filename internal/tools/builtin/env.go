package builtin

import (
	"context"
	"fmt"
	"time"

	"surf/internal/cdp"
	"surf/internal/flow"
	"surf/internal/ports"
	"surf/internal/session"
)

// Dispatcher is the slice of the registry the run engine needs. The concrete
// registry lives a package up; the indirection keeps the import graph acyclic.
type Dispatcher interface {
	Dispatch(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error)
	Has(name string) bool
}

// runEnv adapts the session manager, stores and registry to flow.Env for the
// duration of one borrowed run.
type runEnv struct {
	deps *Deps
	sess *cdp.Session
	tab  cdp.TargetInfo
}

func newRunEnv(deps *Deps, sess *cdp.Session, tab cdp.TargetInfo) *runEnv {
	return &runEnv{deps: deps, sess: sess, tab: tab}
}

func (e *runEnv) Dispatch(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	return e.deps.Dispatcher.Dispatch(ctx, call)
}

func (e *runEnv) HasTool(name string) bool { return e.deps.Dispatcher.Has(name) }

func (e *runEnv) TabID() string { return e.sess.TargetID() }

func (e *runEnv) Cursor(tabID string) int64 {
	return e.deps.Manager.Telemetry(tabID).Cursor()
}

func (e *runEnv) PumpEvents() { e.deps.Manager.PumpEvents(e.sess) }

func (e *runEnv) DialogOpen(tabID string) (bool, map[string]any) {
	open, info := e.deps.Manager.Telemetry(tabID).DialogState()
	if !open {
		return false, nil
	}
	return true, map[string]any{"type": info.Type, "message": info.Message, "cursor": info.Cursor}
}

func (e *runEnv) AutoDialogMode(tabID string) string {
	return string(e.deps.Manager.AutoDialog(tabID))
}

func (e *runEnv) CloseDialog(ctx context.Context, tabID string, accept bool, maxWait time.Duration) (bool, error) {
	if err := e.deps.Manager.CloseDialog(ctx, e.sess, accept, maxWait); err != nil {
		return false, err
	}
	open, _ := e.deps.Manager.Telemetry(tabID).DialogState()
	return !open, nil
}

func (e *runEnv) Tier0Delta(tabID string, since int64) map[string]any {
	snap := e.deps.Manager.Tier0Snapshot(tabID, since, 0, 50)
	delta := map[string]any{"cursor": snap.Cursor}
	if snap.Summary.ConsoleErrors > 0 {
		delta["consoleErrors"] = snap.Summary.ConsoleErrors
	}
	if snap.Summary.JSErrors > 0 {
		delta["jsErrors"] = snap.Summary.JSErrors
	}
	if snap.Summary.Failed > 0 {
		delta["failedRequests"] = snap.Summary.Failed
	}
	if snap.Summary.Dialogs > 0 {
		delta["dialogs"] = snap.Summary.Dialogs
	}
	if snap.Summary.LastError != "" {
		delta["lastError"] = snap.Summary.LastError
	}
	if snap.DialogOpen {
		delta["dialogOpen"] = true
		if snap.Dialog != nil {
			delta["dialog"] = map[string]any{"type": snap.Dialog.Type, "message": snap.Dialog.Message}
		}
	}
	return delta
}

func (e *runEnv) PageState(ctx context.Context) (map[string]any, error) {
	state, err := e.sess.State(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": state.URL, "title": state.Title, "readyState": state.ReadyState}, nil
}

func (e *runEnv) AbortConn() { e.sess.Conn().Abort() }

func (e *runEnv) Recover(ctx context.Context, hard bool) error {
	if err := e.deps.Manager.Recover(ctx, hard, 20*time.Second); err != nil {
		return err
	}
	// The manager reattached the shared session in place; follow its target.
	sess, tab, err := e.deps.Manager.Session(ctx)
	if err != nil {
		return err
	}
	e.sess = sess
	e.tab = tab
	return nil
}

func (e *runEnv) ResolveAffordance(tabID, ref, currentURL string) (*flow.ResolvedAction, flow.MapStatus) {
	aff, state := e.deps.Manager.ResolveAffordance(tabID, ref, currentURL)
	return resolvedFrom(aff), mapStatusFrom(state)
}

func (e *runEnv) ResolveAffordanceByLabel(tabID, label, kind, currentURL string, max int) ([]flow.ResolvedAction, flow.MapStatus) {
	items, state := e.deps.Manager.ResolveAffordanceByLabel(tabID, label, kind, currentURL, max)
	out := make([]flow.ResolvedAction, 0, len(items))
	for i := range items {
		if resolved := resolvedFrom(&items[i]); resolved != nil {
			out = append(out, *resolved)
		}
	}
	return out, mapStatusFrom(state)
}

func (e *runEnv) ListTabs(ctx context.Context) ([]flow.TabInfo, error) {
	targets, err := e.deps.Manager.Launcher().Targets(ctx)
	if err != nil {
		return nil, err
	}
	current := e.sess.TargetID()
	out := make([]flow.TabInfo, 0, len(targets))
	for _, target := range targets {
		out = append(out, flow.TabInfo{
			ID: target.ID, URL: target.URL, Title: target.Title, Active: target.ID == current,
		})
	}
	return out, nil
}

func (e *runEnv) SwitchTab(ctx context.Context, tabID string) error {
	targets, err := e.deps.Manager.Launcher().Targets(ctx)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if target.ID == tabID {
			sess, err := e.deps.Manager.SwitchTab(ctx, target)
			if err != nil {
				return err
			}
			e.sess = sess
			e.tab = target
			return nil
		}
	}
	return fmt.Errorf("no tab %s", tabID)
}

func (e *runEnv) DownloadBaseline(tabID string) map[string]int64 {
	return downloadBaseline(e.deps, tabID)
}

// MemoryGet implements flow.MemLookup: value, found, sensitive.
func (e *runEnv) MemoryGet(key string) (any, bool, bool) {
	entry, ok := e.deps.Memory.Get(key)
	if !ok {
		return nil, false, false
	}
	return entry.Value, true, entry.Sensitive
}

func (e *runEnv) MemorySet(key string, value any) error {
	_, err := e.deps.Memory.Set(key, value)
	return err
}

func (e *runEnv) LoadRunbook(key string) ([]any, bool, bool, error) {
	return loadRunbook(e.deps, key)
}

func (e *runEnv) PutArtifact(kind, mime string, data []byte, meta map[string]any) (string, error) {
	art := e.deps.Artifacts.PutBytes(kind, mime, data, meta)
	return art.ID, nil
}

func resolvedFrom(aff *session.Affordance) *flow.ResolvedAction {
	if aff == nil {
		return nil
	}
	return &flow.ResolvedAction{
		Ref: aff.Ref, Tool: aff.Tool, Kind: aff.Kind(), Text: aff.Text(), Args: aff.Args,
	}
}

func mapStatusFrom(state session.MapState) flow.MapStatus {
	return flow.MapStatus{
		Found: state.Found, Stale: state.Stale,
		StoredURL: state.StoredURL, CurrentURL: state.CurrentURL, Items: state.Items,
	}
}
