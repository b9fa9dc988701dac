package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	SweepRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebill_sweep_rows_total",
			Help: "Rows processed by reconciliation sweeps, by outcome.",
		},
		[]string{"sweep", "outcome"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carebill_sweep_duration_seconds",
			Help:    "Duration of one sweep pass.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebill_gateway_calls_total",
			Help: "Payment gateway calls, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	CRMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebill_crm_calls_total",
			Help: "CRM calls, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebill_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		},
		[]string{"method", "path", "code"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carebill_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)
)

// Outcome turns an error into a low-cardinality label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSweep records a finished pass.
func ObserveSweep(sweep string, started time.Time, succeeded, failed, skipped int) {
	SweepDuration.WithLabelValues(sweep).Observe(time.Since(started).Seconds())
	SweepRows.WithLabelValues(sweep, "succeeded").Add(float64(succeeded))
	SweepRows.WithLabelValues(sweep, "failed").Add(float64(failed))
	SweepRows.WithLabelValues(sweep, "skipped").Add(float64(skipped))
}

// Middleware records request counts and latency keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		httpRequests.WithLabelValues(r.Method, path, code).Inc()
		httpDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// Push sends the default registry to a Pushgateway. One-shot jobs exit before a scrape.
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx)
}
