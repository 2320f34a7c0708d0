package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/freshfold/payrecon/payment"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrecon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payrecon_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"route"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrecon_notifications_total",
			Help: "Provider notifications by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	sweepTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrecon_sweep_transactions_total",
			Help: "Transactions handled by the reconciliation sweep",
		},
		[]string{"result"},
	)
)

// MetricsMiddleware records request counts and latency by route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// outcomeLabel names what happened to one notification.
func outcomeLabel(out payment.Outcome) string {
	switch {
	case out.Duplicate:
		return "duplicate"
	case out.Deferred:
		return "deferred"
	case out.RequestFailed:
		return "request_failed"
	case out.Classification == payment.ClassUnclassified:
		return "unclassified"
	default:
		return string(out.Classification)
	}
}

func observeSweep(r payment.SweepReport) {
	sweepTransactionsTotal.WithLabelValues("reconciled").Add(float64(r.Reconciled))
	sweepTransactionsTotal.WithLabelValues("rematched").Add(float64(r.Rematched))
	sweepTransactionsTotal.WithLabelValues("failed").Add(float64(r.Failed))
}
