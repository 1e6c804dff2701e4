package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry with HTTP and engine metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	salesCommitted     prometheus.Counter
	salesRejected      *prometheus.CounterVec
	returnsCommitted   prometheus.Counter
	returnsRejected    *prometheus.CounterVec
	refundCents        *prometheus.CounterVec
	purchasesDeleted   prometheus.Counter
	purchasesCommitted prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		salesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posledger_sales_committed_total",
			Help: "Sales committed.",
		}),
		salesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_sales_rejected_total",
			Help: "Sales rejected by reason.",
		}, []string{"reason"}),
		returnsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posledger_returns_committed_total",
			Help: "Returns committed.",
		}),
		returnsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_returns_rejected_total",
			Help: "Returns rejected by reason.",
		}, []string{"reason"}),
		refundCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_refund_cents_total",
			Help: "Refunded amount in cents by tender.",
		}, []string{"tender"}),
		purchasesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posledger_purchases_committed_total",
			Help: "Purchases recorded.",
		}),
		purchasesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posledger_purchases_deleted_total",
			Help: "Purchases reversed and deleted.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.salesCommitted, m.salesRejected,
		m.returnsCommitted, m.returnsRejected, m.refundCents,
		m.purchasesCommitted, m.purchasesDeleted,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) SaleCommitted() {
	if m != nil {
		m.salesCommitted.Inc()
	}
}

func (m *Metrics) SaleRejected(reason string) {
	if m != nil {
		m.salesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ReturnCommitted(cashCents int64, cardCents int64) {
	if m == nil {
		return
	}
	m.returnsCommitted.Inc()
	m.refundCents.WithLabelValues("cash").Add(float64(cashCents))
	m.refundCents.WithLabelValues("card").Add(float64(cardCents))
}

func (m *Metrics) ReturnRejected(reason string) {
	if m != nil {
		m.returnsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PurchaseCommitted() {
	if m != nil {
		m.purchasesCommitted.Inc()
	}
}

func (m *Metrics) PurchaseDeleted() {
	if m != nil {
		m.purchasesDeleted.Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
