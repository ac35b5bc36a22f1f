// Package metrics exports Prometheus metrics for the discovery pipeline.
//
// A Recorder satisfies the observer hooks of the cache consistency layer, the
// recognition orchestrator and the recommendation engine, and can be handed
// to circuit breakers as their state-change callback.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gobreaker "github.com/sony/gobreaker/v2"
)

const namespace = "shelfscanner"

// Recorder holds every metric on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	CacheLookups      *prometheus.CounterVec
	CacheFailures     *prometheus.CounterVec
	RecognitionTotal  *prometheus.CounterVec
	RecognitionTime   *prometheus.HistogramVec
	RecommendAttempts *prometheus.CounterVec
	RecommendTime     *prometheus.HistogramVec
	Recommendations   *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	SessionsExpired   prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New registers the pipeline metrics plus the Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by key namespace and outcome",
		}, []string{"namespace", "result"}),
		CacheFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_failures_total",
			Help:      "Cache operations that failed and were bypassed",
		}, []string{"namespace", "op"}),

		RecognitionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_attempts_total",
			Help:      "Recognition provider attempts by provider, role and outcome",
		}, []string{"provider", "role", "outcome"}),
		RecognitionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_duration_seconds",
			Help:      "Recognition provider latency",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"provider", "role"}),

		RecommendAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendation_attempts_total",
			Help:      "Recommendation strategy attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		RecommendTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recommendation_duration_seconds",
			Help:      "Recommendation strategy latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		Recommendations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_generated_total",
			Help:      "Recommendations returned by recommendation type",
		}, []string{"type"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions deactivated by the expiry sweeper",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) CacheLookup(ns string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.CacheLookups.WithLabelValues(ns, result).Inc()
}

func (r *Recorder) CacheFailure(ns, op string) {
	r.CacheFailures.WithLabelValues(ns, op).Inc()
}

func (r *Recorder) RecognitionAttempt(provider string, role models.ProviderRole, err error, elapsed time.Duration) {
	r.RecognitionTotal.WithLabelValues(provider, string(role), outcome(err)).Inc()
	r.RecognitionTime.WithLabelValues(provider, string(role)).Observe(elapsed.Seconds())
}

func (r *Recorder) RecommendationAttempt(strategy string, err error, elapsed time.Duration) {
	r.RecommendAttempts.WithLabelValues(strategy, outcome(err)).Inc()
	r.RecommendTime.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

func (r *Recorder) RecommendationsGenerated(recType string, count int) {
	r.Recommendations.WithLabelValues(recType).Add(float64(count))
}

// BreakerStateChange is shaped for providers.BreakerSettings.OnStateChange.
func (r *Recorder) BreakerStateChange(name string, _, to gobreaker.State) {
	r.BreakerState.WithLabelValues(name).Set(float64(to))
}

func (r *Recorder) SessionsSwept(n int) {
	r.SessionsExpired.Add(float64(n))
}

// Middleware records request counts and latency by chi route pattern, so
// path parameters do not explode label cardinality.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.HTTPRequests.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()
		r.HTTPDuration.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case apperr.KindOf(err) != apperr.KindUnknown:
		return strings.ToLower(string(apperr.KindOf(err)))
	default:
		return "error"
	}
}
