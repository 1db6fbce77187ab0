// Package telemetry exposes Prometheus metrics for the HTTP surface and for
// dispensation outcomes, and serves them at /metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing, so components can be built without telemetry in tests.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	Commits           *prometheus.CounterVec
	LineFailures      *prometheus.CounterVec
	UnitsDispensed    prometheus.Counter
	OpenSessions      prometheus.Gauge
	AdvisoryItems     *prometheus.GaugeVec
	StockRowsImported prometheus.Counter
	APIWrites         *prometheus.CounterVec
}

// NewMetrics registers all collectors on a private registry along with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "path"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_request_in_flight",
			Help: "Current in-flight requests",
		}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_dispensation_commits_total",
			Help: "Dispensation commits by outcome (committed, partial, noop, record_failed)",
		}, []string{"outcome"}),
		LineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_dispensation_line_failures_total",
			Help: "Prescription lines that failed to commit, by reason",
		}, []string{"reason"}),
		UnitsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmacy_units_dispensed_total",
			Help: "Stock units removed by committed dispensations",
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pharmacy_open_sessions",
			Help: "Dispensation sessions neither committed nor abandoned",
		}),
		AdvisoryItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pharmacy_stock_advisory_items",
			Help: "Items flagged by the last stock advisory run, by kind",
		}, []string{"kind"}),
		StockRowsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmacy_stock_rows_imported_total",
			Help: "Stock reference rows read by bulk imports",
		}),
		APIWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_api_writes_total",
			Help: "Audited API writes by resource, action and status",
		}, []string{"resource", "action", "status"}),
	}

	m.registry = reg
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPRequestDuration, m.HTTPInFlight,
		m.Commits, m.LineFailures, m.UnitsDispensed, m.OpenSessions,
		m.AdvisoryItems, m.StockRowsImported, m.APIWrites,
	)
	return m
}

// Middleware records request count, latency and concurrency per route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if m == nil {
			return next
		}
		return func(c echo.Context) error {
			m.HTTPInFlight.Inc()
			defer m.HTTPInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// CommitOutcome counts one Commit call.
func (m *Metrics) CommitOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(outcome).Inc()
}

// LineFailure counts a line that could not be dispensed.
func (m *Metrics) LineFailure(reason string) {
	if m == nil {
		return
	}
	m.LineFailures.WithLabelValues(reason).Inc()
}

// Dispensed adds units removed from stock.
func (m *Metrics) Dispensed(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.UnitsDispensed.Add(float64(units))
}

// SessionOpened and SessionClosed track live sessions.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.OpenSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.OpenSessions.Dec()
}

// Advisory publishes the size of each advisory list.
func (m *Metrics) Advisory(lowStock, expired, expiringSoon int) {
	if m == nil {
		return
	}
	m.AdvisoryItems.WithLabelValues("low_stock").Set(float64(lowStock))
	m.AdvisoryItems.WithLabelValues("expired").Set(float64(expired))
	m.AdvisoryItems.WithLabelValues("expiring_soon").Set(float64(expiringSoon))
}

// RowsImported counts rows read by a bulk stock import.
func (m *Metrics) RowsImported(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StockRowsImported.Add(float64(n))
}

// APIWrite counts one audited write request.
func (m *Metrics) APIWrite(resource, action string, status int) {
	if m == nil {
		return
	}
	m.APIWrites.WithLabelValues(resource, action, strconv.Itoa(status)).Inc()
}
