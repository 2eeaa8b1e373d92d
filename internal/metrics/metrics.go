package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the execution counters. A nil *Metrics is valid and
// records nothing, so tests can wire components without a registry.
type Metrics struct {
	registry *prometheus.Registry

	placements      *prometheus.CounterVec
	blocks          *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	rateLimitWaits  prometheus.Counter
	brokerErrors    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		placements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saxobot_placements_total",
			Help: "Placement attempts by terminal status.",
		}, []string{"status"}),
		blocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saxobot_blocks_total",
			Help: "Intents blocked before placement, by reason.",
		}, []string{"reason"}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saxobot_reconciliations_total",
			Help: "Reconciliation queries by resolution.",
		}, []string{"status"}),
		rateLimitWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "saxobot_rate_limit_waits_total",
			Help: "Times a mutation waited on the rate limiter or a server reset.",
		}),
		brokerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saxobot_broker_errors_total",
			Help: "Broker call failures by failure class.",
		}, []string{"class"}),
	}
}

func (m *Metrics) RecordPlacement(status string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordBlock(reason string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconciliation(status string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRateLimitWait() {
	if m == nil {
		return
	}
	m.rateLimitWaits.Inc()
}

func (m *Metrics) RecordBrokerError(class string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(class).Inc()
}

// Serve exposes /metrics on addr. Runs until the listener fails; callers
// start it in a goroutine and treat failure as non-fatal.
func (m *Metrics) Serve(addr string, log *slog.Logger) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server stopped", "error", err)
	}
}
