// Package metrics exposes operational counters for the sync server via
// Prometheus. Collection is always on (it is nearly free); exposition over
// HTTP is opt-in through the [metrics] config section.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's collectors around one registry.
type Metrics struct {
	reg *prometheus.Registry

	SessionsLive  prometheus.Gauge
	SessionsAuth  prometheus.Gauge
	Pushes        prometheus.Counter
	BroadcastSent prometheus.Counter
	AuthFailures  prometheus.Counter
	RowsEvicted   prometheus.Counter
	StaleEvicted  prometheus.Counter
}

// New returns a Metrics bundle with its own registry.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.SessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "krypton", Name: "sessions_live",
		Help: "Currently open client sessions.",
	})
	m.SessionsAuth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "krypton", Name: "sessions_authenticated",
		Help: "Currently authenticated client sessions.",
	})
	m.Pushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "krypton", Name: "clipboard_pushes_total",
		Help: "Clipboard entries accepted and persisted.",
	})
	m.BroadcastSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "krypton", Name: "broadcasts_delivered_total",
		Help: "Clipboard broadcasts delivered to sibling sessions.",
	})
	m.AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "krypton", Name: "auth_failures_total",
		Help: "Rejected authentication attempts.",
	})
	m.RowsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "krypton", Name: "retention_rows_evicted_total",
		Help: "Clipboard entries removed by retention sweeps.",
	})
	m.StaleEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "krypton", Name: "stale_sessions_evicted_total",
		Help: "Sessions closed by the stale-session sweeper.",
	})

	m.reg.MustRegister(
		m.SessionsLive, m.SessionsAuth, m.Pushes, m.BroadcastSent,
		m.AuthFailures, m.RowsEvicted, m.StaleEvicted,
	)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until the server fails. Run in its own
// goroutine; errors are logged, never fatal to the sync server.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("metrics: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics: server failed", "err", err)
	}
}
