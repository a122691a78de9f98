package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Metrics provides Prometheus metrics for converge passes.
type Metrics struct {
	config MetricsConfig

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	lastRunTime   prometheus.Gauge
	lastRunFailed prometheus.Gauge

	resourcesTotal   *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec

	notificationsTotal *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of converge passes",
			},
			[]string{"status", "noop"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of converge passes in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last converge pass finished",
		}),
		lastRunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed",
			Help:      "1 if the last converge pass failed",
		}),
		resourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Resources processed by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Time spent converging one resource",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notified actions dispatched",
			},
			[]string{"action", "timing", "outcome"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.lastRunTime,
		m.lastRunFailed,
		m.resourcesTotal,
		m.resourceDuration,
		m.notificationsTotal,
		m.errorsByCode,
	)

	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordRun records a finished pass.
func (m *Metrics) RecordRun(noop bool, duration time.Duration, err error) {
	if !m.Enabled() {
		return
	}
	status := "success"
	failed := 0.0
	if err != nil {
		status = "failed"
		failed = 1
		m.RecordError(err)
	}
	m.runsTotal.WithLabelValues(status, boolLabel(noop)).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.lastRunTime.SetToCurrentTime()
	m.lastRunFailed.Set(failed)
}

// RecordResource records one resource outcome.
func (m *Metrics) RecordResource(result engine.ApplyResult) {
	if !m.Enabled() {
		return
	}
	m.resourcesTotal.WithLabelValues(string(result.Kind), string(result.Status)).Inc()
	m.resourceDuration.WithLabelValues(string(result.Kind)).Observe(result.Duration.Seconds())
}

// RecordNotification records a dispatched notification.
func (m *Metrics) RecordNotification(n engine.Notification, err error) {
	if !m.Enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.notificationsTotal.WithLabelValues(string(n.Action), string(n.Timing), outcome).Inc()
}

// RecordError counts an error under its engine class and code.
func (m *Metrics) RecordError(err error) {
	if !m.Enabled() || err == nil {
		return
	}
	class, code := "unclassified", "UNKNOWN"
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class = string(ee.Class)
		if ee.Code != "" {
			code = ee.Code
		}
	}
	m.errorsByCode.WithLabelValues(class, code).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WriteTextfile writes the current metrics in text exposition format, for
// the node_exporter textfile collector. A no-op when no path is configured.
func (m *Metrics) WriteTextfile() error {
	if !m.Enabled() || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}

// Serve exposes metrics over HTTP until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
