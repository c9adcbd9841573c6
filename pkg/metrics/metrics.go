package metrics

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by the reservation components. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SagaOutcomes       *prometheus.CounterVec
	InventoryCalls     *prometheus.CounterVec
	InventoryLatency   *prometheus.HistogramVec
	OverdueTransitions prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	Reconciliations    *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		SagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "saga_outcomes_total",
			Help:      "Saga workflows by operation and terminal state.",
		}, []string{"operation", "state"}),
		InventoryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "inventory_calls_total",
			Help:      "Inventory gateway calls by operation and result.",
		}, []string{"operation", "result"}),
		InventoryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reservation",
			Name:      "inventory_call_seconds",
			Help:      "Inventory gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		OverdueTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "overdue_transitions_total",
			Help:      "Reservations moved to overdue by the sweeper.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "events_total",
			Help:      "Domain events by type and delivery result.",
		}, []string{"event_type", "result"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "reconciliation_entries_total",
			Help:      "Reconciliation entries by kind and resulting status.",
		}, []string{"kind", "status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.SagaOutcomes,
		m.InventoryCalls,
		m.InventoryLatency,
		m.OverdueTransitions,
		m.EventsPublished,
		m.Reconciliations,
		m.HTTPRequests,
	)
	return m
}

func (m *Metrics) Saga(operation, state string) {
	if m == nil {
		return
	}
	m.SagaOutcomes.WithLabelValues(operation, state).Inc()
}

func (m *Metrics) Inventory(operation, result string, seconds float64) {
	if m == nil {
		return
	}
	m.InventoryCalls.WithLabelValues(operation, result).Inc()
	m.InventoryLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) Overdue(n int) {
	if m == nil {
		return
	}
	m.OverdueTransitions.Add(float64(n))
}

func (m *Metrics) Event(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Reconciliation(kind, status string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(kind, status).Inc()
}

// Middleware counts requests per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (m *Metrics) Handler() gin.HandlerFunc {
	if m == nil {
		return gin.WrapH(promhttp.Handler())
	}
	return gin.WrapH(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
