package builtin

import (
	"context"
	"fmt"

	"surf/internal/artifacts"
	"surf/internal/cdp"
	"surf/internal/config"
	"surf/internal/logging"
	"surf/internal/memory"
	"surf/internal/session"
)

// Deps is the shared wiring every builtin tool receives. Dispatcher is set by
// the registry after construction; only run/flow/runbook use it.
type Deps struct {
	Cfg       config.Config
	Logger    logging.Logger
	Manager   *session.Manager
	Memory    *memory.Store
	Artifacts *artifacts.Store

	Dispatcher Dispatcher
}

// downloadBaseline snapshots the tab's download directory.
func downloadBaseline(d *Deps, tabID string) map[string]int64 {
	watcher := artifacts.DownloadWatcher{Dir: d.Manager.DownloadDir(tabID)}
	return watcher.Baseline()
}

// session returns the shared CDP session, ensuring the browser is reachable.
func (d *Deps) session(ctx context.Context) (*cdp.Session, error) {
	sess, _, err := d.Manager.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("browser not ready: %w", err)
	}
	return sess, nil
}

// pump drains pending CDP events into telemetry at a safe point.
func (d *Deps) pump(sess *cdp.Session) {
	d.Manager.PumpEvents(sess)
}

const artifactSliceHint = `artifact(action="get", id=%q, offset=0, max_chars=4000)`
