package flow

import (
	"sync/atomic"
	"time"
)

// watchdog limits and watchdog caps. A plain CDP close can hang on a bricked
// peer, so the expiry callback must go through conn.Abort.
const (
	minWatchdog = 1 * time.Second
	maxWatchdog = 300 * time.Second
)

type watchdog struct {
	timer *time.Timer
	fired atomic.Bool
}

// startWatchdog arms a timer that runs abort on expiry. The timeout is
// clamped to [1s, 300s].
func startWatchdog(timeout time.Duration, abort func()) *watchdog {
	if timeout < minWatchdog {
		timeout = minWatchdog
	}
	if timeout > maxWatchdog {
		timeout = maxWatchdog
	}
	dog := &watchdog{}
	dog.timer = time.AfterFunc(timeout, func() {
		dog.fired.Store(true)
		abort()
	})
	return dog
}

// stop disarms the watchdog and reports whether it already fired.
func (w *watchdog) stop() bool {
	w.timer.Stop()
	return w.fired.Load()
}
