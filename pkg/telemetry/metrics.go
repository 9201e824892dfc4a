package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus instrumentation for reconcile operations. A
// disabled config yields a no-op instance so call sites never nil-check.
type Metrics struct {
	config MetricsConfig

	reconcilesStarted   *prometheus.CounterVec
	reconcilesCompleted *prometheus.CounterVec
	reconcileDuration   *prometheus.HistogramVec

	provisionAttempts *prometheus.CounterVec
	deploys           *prometheus.CounterVec
	deployDuration    *prometheus.HistogramVec
	rollbacks         *prometheus.CounterVec
	retries           *prometheus.CounterVec
	scriptRuns        *prometheus.CounterVec
	driftDetections   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconcilesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_started_total",
				Help:      "Total number of reconcile operations started",
			},
			[]string{"project"},
		),
		reconcilesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_completed_total",
				Help:      "Total number of reconcile operations completed",
			},
			[]string{"project", "status"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconcile operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		provisionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_attempts_total",
				Help:      "Total number of server provisioning attempts",
			},
			[]string{"provider", "status"},
		),
		deploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_total",
				Help:      "Total number of service deploys",
			},
			[]string{"target", "status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of service deploys including health gate",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback attempts after health-gate failures",
			},
			[]string{"status"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried attempts by operation",
			},
			[]string{"operation"},
		),
		scriptRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_runs_total",
				Help:      "Total number of script executions by outcome",
			},
			[]string{"script", "status"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of drift checks by outcome",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.reconcilesStarted,
		m.reconcilesCompleted,
		m.reconcileDuration,
		m.provisionAttempts,
		m.deploys,
		m.deployDuration,
		m.rollbacks,
		m.retries,
		m.scriptRuns,
		m.driftDetections,
	)

	return m
}

// Handler returns the exposition endpoint, or nil when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the exposition listener. It blocks; callers run it in a
// goroutine.
func (m *Metrics) Serve() error {
	handler := m.Handler()
	if handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return http.ListenAndServe(m.config.Listen, mux)
}

func (m *Metrics) RecordReconcileStarted(project string) {
	if m.reconcilesStarted == nil {
		return
	}
	m.reconcilesStarted.WithLabelValues(project).Inc()
}

func (m *Metrics) RecordReconcileCompleted(project, status string, duration time.Duration) {
	if m.reconcilesCompleted == nil {
		return
	}
	m.reconcilesCompleted.WithLabelValues(project, status).Inc()
	m.reconcileDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordProvisionAttempt(provider, status string) {
	if m.provisionAttempts == nil {
		return
	}
	m.provisionAttempts.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordDeploy(target, status string, duration time.Duration) {
	if m.deploys == nil {
		return
	}
	m.deploys.WithLabelValues(target, status).Inc()
	m.deployDuration.WithLabelValues(target).Observe(duration.Seconds())
}

func (m *Metrics) RecordRollback(status string) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRetry(operation string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordScriptRun(script, status string) {
	if m.scriptRuns == nil {
		return
	}
	m.scriptRuns.WithLabelValues(script, status).Inc()
}

func (m *Metrics) RecordDriftDetection(status string) {
	if m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(status).Inc()
}
