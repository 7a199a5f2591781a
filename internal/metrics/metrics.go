package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector the service exports
type Registry struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	SessionsIssued      prometheus.Counter
	SubmissionsTotal    *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec
	StoreErrorsTotal    *prometheus.CounterVec
	UpsertDuration      prometheus.Histogram
	AcceptedScore       prometheus.Histogram
}

// NewRegistry registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in the server and a fresh registry in tests.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scoreguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scoreguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		SessionsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "scoreguard_sessions_issued_total",
			Help: "Play sessions issued",
		}),
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scoreguard_submissions_total",
				Help: "Run submissions by outcome and rejection reason",
			},
			[]string{"outcome", "reason"},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scoreguard_rate_limited_total",
				Help: "Requests refused by the rate limiter",
			},
			[]string{"bucket"},
		),
		StoreErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scoreguard_store_errors_total",
				Help: "Storage faults by operation",
			},
			[]string{"operation"},
		),
		UpsertDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scoreguard_leaderboard_upsert_duration_seconds",
			Help:    "Leaderboard upsert latency",
			Buckets: prometheus.DefBuckets,
		}),
		AcceptedScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scoreguard_accepted_score",
			Help:    "Scores of accepted runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

// Submission outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Middleware records request counts and latency per chi route pattern
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		r.HTTPRequestsTotal.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
		r.HTTPRequestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}
