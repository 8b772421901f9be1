package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"surf/internal/logging"
)

var (
	// ToolCalls counts dispatched tool calls by tool name and outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "surf",
		Name:      "tool_calls_total",
		Help:      "Tool calls by name and outcome.",
	}, []string{"tool", "outcome"})

	// ToolDuration observes tool call latency by tool name.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "surf",
		Name:      "tool_call_seconds",
		Help:      "Tool call duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2.5, 10),
	}, []string{"tool"})

	// DialogAutoHandled counts javascript dialogs closed automatically.
	DialogAutoHandled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "surf",
		Name:      "dialogs_auto_handled_total",
		Help:      "JavaScript dialogs closed by the auto-dialog policy.",
	})

	// RecoveryCount counts CDP brick recoveries.
	RecoveryCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "surf",
		Name:      "recoveries_total",
		Help:      "Browser/CDP recoveries triggered by brick classification.",
	})

	// WatchdogFires counts action watchdog expirations.
	WatchdogFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "surf",
		Name:      "watchdog_fires_total",
		Help:      "Per-step watchdog expirations that aborted the CDP socket.",
	})
)

// ObserveToolCall records one dispatched call.
func ObserveToolCall(tool string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ToolCalls.WithLabelValues(tool, outcome).Inc()
	ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Serve exposes /metrics on addr until ctx is done. No-op when addr is empty;
// the stdio server carries no HTTP surface by default.
func Serve(ctx context.Context, addr string, logger logging.Logger) {
	if addr == "" {
		return
	}
	logger = logging.OrNop(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics listener on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped: %v", err)
		}
	}()
}
