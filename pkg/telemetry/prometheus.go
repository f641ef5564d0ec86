package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineSnapshot is the per-pipeline part of a manager snapshot.
type PipelineSnapshot struct {
	ID              string
	RouteName       string
	Provider        string
	Executions      int64
	Errors          int64
	AverageResponse time.Duration
	Healthy         bool
	Active          bool
	Maintenance     bool
}

// Snapshot is a point-in-time view of the pipeline manager.
type Snapshot struct {
	Uptime                time.Duration
	TotalExecutions       int64
	TotalErrors           int64
	Pipelines             []PipelineSnapshot
	MaintenanceByProvider map[string]int
}

// SnapshotFunc produces a manager snapshot at scrape time.
type SnapshotFunc func() Snapshot

// ManagerCollector exports manager statistics at scrape time instead of
// mirroring every update into gauges.
type ManagerCollector struct {
	snapshot SnapshotFunc

	uptime          *prometheus.Desc
	executions      *prometheus.Desc
	errors          *prometheus.Desc
	pipelines       *prometheus.Desc
	pipelineExec    *prometheus.Desc
	pipelineErrors  *prometheus.Desc
	pipelineLatency *prometheus.Desc
	pipelineHealthy *prometheus.Desc
	maintenance     *prometheus.Desc
}

// NewManagerCollector creates a collector reading from snapshot.
func NewManagerCollector(snapshot SnapshotFunc) *ManagerCollector {
	pipelineLabels := []string{"pipeline_id", "route", "provider"}
	return &ManagerCollector{
		snapshot: snapshot,
		uptime: prometheus.NewDesc("gateway_manager_uptime_seconds",
			"Seconds since the pipeline manager was created or reset", nil, nil),
		executions: prometheus.NewDesc("gateway_executions_total",
			"Total pipeline executions", nil, nil),
		errors: prometheus.NewDesc("gateway_execution_errors_total",
			"Total failed pipeline executions", nil, nil),
		pipelines: prometheus.NewDesc("gateway_pipelines",
			"Managed pipelines by state", []string{"state"}, nil),
		pipelineExec: prometheus.NewDesc("gateway_pipeline_executions_total",
			"Executions per pipeline", pipelineLabels, nil),
		pipelineErrors: prometheus.NewDesc("gateway_pipeline_errors_total",
			"Failed executions per pipeline", pipelineLabels, nil),
		pipelineLatency: prometheus.NewDesc("gateway_pipeline_average_response_seconds",
			"Running mean response time of successful executions", pipelineLabels, nil),
		pipelineHealthy: prometheus.NewDesc("gateway_pipeline_healthy",
			"Cached pipeline health (1=healthy, 0=not healthy)", pipelineLabels, nil),
		maintenance: prometheus.NewDesc("gateway_maintenance_pipelines",
			"Pipelines under maintenance by provider", []string{"provider"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *ManagerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.executions
	ch <- c.errors
	ch <- c.pipelines
	ch <- c.pipelineExec
	ch <- c.pipelineErrors
	ch <- c.pipelineLatency
	ch <- c.pipelineHealthy
	ch <- c.maintenance
}

// Collect implements prometheus.Collector.
func (c *ManagerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, snap.Uptime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.executions, prometheus.CounterValue, float64(snap.TotalExecutions))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(snap.TotalErrors))

	var active, healthy, paused int
	for _, p := range snap.Pipelines {
		labels := []string{p.ID, p.RouteName, p.Provider}
		ch <- prometheus.MustNewConstMetric(c.pipelineExec, prometheus.CounterValue, float64(p.Executions), labels...)
		ch <- prometheus.MustNewConstMetric(c.pipelineErrors, prometheus.CounterValue, float64(p.Errors), labels...)
		ch <- prometheus.MustNewConstMetric(c.pipelineLatency, prometheus.GaugeValue, p.AverageResponse.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.pipelineHealthy, prometheus.GaugeValue, boolFloat(p.Healthy), labels...)
		if p.Active {
			active++
		}
		if p.Healthy {
			healthy++
		}
		if p.Maintenance {
			paused++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.pipelines, prometheus.GaugeValue, float64(len(snap.Pipelines)), "total")
	ch <- prometheus.MustNewConstMetric(c.pipelines, prometheus.GaugeValue, float64(active), "active")
	ch <- prometheus.MustNewConstMetric(c.pipelines, prometheus.GaugeValue, float64(healthy), "healthy")
	ch <- prometheus.MustNewConstMetric(c.pipelines, prometheus.GaugeValue, float64(paused), "maintenance")

	for provider, count := range snap.MaintenanceByProvider {
		ch <- prometheus.MustNewConstMetric(c.maintenance, prometheus.GaugeValue, float64(count), provider)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Metrics holds the Prometheus registry of the admin server.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	reloadsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a registry with HTTP metrics, reload counters and, when
// snapshot is non-nil, the manager collector.
func NewMetrics(snapshot SnapshotFunc) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admin_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_admin_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_reloads_total",
				Help: "Route configuration reload attempts by status",
			},
			[]string{"status"},
		),
		registry: registry,
	}

	registry.MustRegister(m.httpRequestsTotal, m.httpRequestDuration, m.reloadsTotal)
	if snapshot != nil {
		registry.MustRegister(NewManagerCollector(snapshot))
	}
	return m
}

// RecordHTTPRequest records one admin API request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordReload records a route configuration reload attempt.
func (m *Metrics) RecordReload(status string) {
	m.reloadsTotal.WithLabelValues(status).Inc()
}

// HTTPRequests returns the admin request counter.
func (m *Metrics) HTTPRequests() *prometheus.CounterVec {
	return m.httpRequestsTotal
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
