// Package metrics exposes Prometheus counters for the access and sharing
// workflow and an HTTP instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medshare/medshare/internal/platform/apperr"
)

// Metrics owns a registry so tests and multiple servers in one process do
// not collide on the global one. All record methods are safe on a nil
// *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	accessSubmitted  *prometheus.CounterVec
	accessDecisions  *prometheus.CounterVec
	grantsRevoked    prometheus.Counter
	emergencyDenied  prometheus.Counter
	recordsShared    *prometheus.CounterVec
	recordRequests   *prometheus.CounterVec
	notificationsOut *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medshare_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medshare_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		accessSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medshare_access_requests_total",
			Help: "Access request submissions by requester kind and evaluation outcome.",
		}, []string{"requester_kind", "outcome", "emergency"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medshare_access_decisions_total",
			Help: "Patient decisions on pending access requests.",
		}, []string{"decision"}),
		grantsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medshare_access_grants_revoked_total",
			Help: "Access grants revoked by patients.",
		}),
		emergencyDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medshare_emergency_requests_throttled_total",
			Help: "Emergency submissions refused by the per-requester hourly limit.",
		}),
		recordsShared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medshare_shared_records_total",
			Help: "Push record transfers by sender and receiver kind.",
		}, []string{"sender_kind", "receiver_kind"}),
		recordRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medshare_record_requests_total",
			Help: "Record requests addressed to another provider, by provider kind.",
		}, []string{"provider_kind"}),
		notificationsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medshare_notifications_enqueued_total",
			Help: "Notifications written to the outbox by template.",
		}, []string{"template"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.accessSubmitted,
		m.accessDecisions,
		m.grantsRevoked,
		m.emergencyDenied,
		m.recordsShared,
		m.recordRequests,
		m.notificationsOut,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGaugeFunc adds a gauge whose value is read at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) AccessSubmitted(requesterKind, outcome string, emergency bool) {
	if m == nil {
		return
	}
	m.accessSubmitted.WithLabelValues(requesterKind, outcome, strconv.FormatBool(emergency)).Inc()
}

func (m *Metrics) AccessDecided(decision string) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) GrantRevoked() {
	if m == nil {
		return
	}
	m.grantsRevoked.Inc()
}

func (m *Metrics) EmergencyThrottled() {
	if m == nil {
		return
	}
	m.emergencyDenied.Inc()
}

func (m *Metrics) RecordShared(senderKind, receiverKind string) {
	if m == nil {
		return
	}
	m.recordsShared.WithLabelValues(senderKind, receiverKind).Inc()
}

func (m *Metrics) RecordRequested(providerKind string) {
	if m == nil {
		return
	}
	m.recordRequests.WithLabelValues(providerKind).Inc()
}

func (m *Metrics) NotificationEnqueued(template string) {
	if m == nil {
		return
	}
	m.notificationsOut.WithLabelValues(template).Inc()
}

// Middleware records request count and latency labelled by route pattern,
// never by raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = apperr.HTTPStatus(err)
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
