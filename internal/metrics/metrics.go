package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	refreshRuns         *prometheus.CounterVec
	refreshRunDuration  prometheus.Histogram
	viewCommits         *prometheus.CounterVec
	modeTransitions     *prometheus.CounterVec
	authExchanges       *prometheus.CounterVec
	streamClients       prometheus.Gauge
}

// New creates a fresh Metrics registry with HTTP, refresh and session metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the dashboard",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hive",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the dashboard",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	refreshRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "refresh_runs_total",
		Help:      "Reconciliation runs by session mode and outcome",
	}, []string{"mode", "outcome"})

	refreshRunDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hive",
		Name:      "refresh_run_duration_seconds",
		Help:      "Duration of reconciliation runs from fetch to commit",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	viewCommits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "view_commits_total",
		Help:      "Completed runs offered to the view, by whether they were committed or discarded as stale",
	}, []string{"result"})

	modeTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "mode_transitions_total",
		Help:      "Session mode transitions",
	}, []string{"from", "to", "reason"})

	authExchanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hive",
		Name:      "auth_exchanges_total",
		Help:      "Authorization code exchanges by outcome",
	}, []string{"outcome"})

	streamClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hive",
		Name:      "stream_clients",
		Help:      "Connected view stream clients",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		refreshRuns,
		refreshRunDuration,
		viewCommits,
		modeTransitions,
		authExchanges,
		streamClients,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		refreshRuns:         refreshRuns,
		refreshRunDuration:  refreshRunDuration,
		viewCommits:         viewCommits,
		modeTransitions:     modeTransitions,
		authExchanges:       authExchanges,
		streamClients:       streamClients,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveRefreshRun records one reconciliation run.
func (m *Metrics) ObserveRefreshRun(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshRuns.With(prometheus.Labels{"mode": mode, "outcome": outcome}).Inc()
	m.refreshRunDuration.Observe(duration.Seconds())
}

// IncViewCommit counts a run offered to the view; committed=false means it was stale.
func (m *Metrics) IncViewCommit(committed bool) {
	if m == nil {
		return
	}
	result := "stale"
	if committed {
		result = "committed"
	}
	m.viewCommits.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) IncModeTransition(from, to, reason string) {
	if m == nil {
		return
	}
	m.modeTransitions.With(prometheus.Labels{"from": from, "to": to, "reason": reason}).Inc()
}

func (m *Metrics) IncAuthExchange(outcome string) {
	if m == nil {
		return
	}
	m.authExchanges.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// SetStreamClients reports the number of connected stream clients.
func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.streamClients.Set(float64(n))
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
