package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inspector",
		Name:      "tool_calls_total",
		Help:      "Tool calls by tool name and outcome code.",
	}, []string{"tool", "outcome"})
	metricToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "inspector",
		Name:      "tool_call_duration_seconds",
		Help:      "Wall time of a tool call including browser launch and teardown.",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 20, 30, 60},
	}, []string{"tool"})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "inspector",
		Name:      "browser_sessions_active",
		Help:      "Browser sessions currently initialized.",
	})
	metricLoginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inspector",
		Name:      "login_attempts_total",
		Help:      "Login attempts by heuristic outcome.",
	}, []string{"outcome"})
)

// ObserveToolCall records one finished tool call.
func ObserveToolCall(tool, outcome string, dur time.Duration) {
	metricToolCalls.WithLabelValues(tool, outcome).Inc()
	metricToolDuration.WithLabelValues(tool).Observe(dur.Seconds())
}

// SessionOpened and SessionClosed track live browser sessions.
func SessionOpened() { metricActiveSessions.Inc() }

func SessionClosed() { metricActiveSessions.Dec() }

// ObserveLogin records a login outcome ("verified" or "unverified").
func ObserveLogin(outcome string) {
	metricLoginOutcomes.WithLabelValues(outcome).Inc()
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
