// Package metrics provides Prometheus instrumentation for AegisFlow.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aegisflow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PredictionsTotal counts completed predictions by verdict.
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Total predictions by verdict.",
		},
		[]string{"verdict"},
	)

	// PredictionDuration observes time spent inside the predictor.
	PredictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Prediction latency in seconds.",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)

	// AnomaliesTotal counts predictions flagged by the anomaly detector.
	AnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Total predictions flagged as anomalous.",
		},
	)

	// DegradedPredictionsTotal counts predictions made without the scaler.
	DegradedPredictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_predictions_total",
			Help:      "Total predictions served without feature scaling.",
		},
	)

	// ModelReady is 1 while a complete artifact bundle is published.
	ModelReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_ready",
			Help:      "Whether a complete model bundle is loaded (1) or not (0).",
		},
	)

	// ModelReloadsTotal counts bundle load attempts by result.
	ModelReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_reloads_total",
			Help:      "Total model bundle loads by result.",
		},
		[]string{"result"},
	)

	// WorkerMessagesTotal counts async worker messages by result.
	WorkerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Total messages handled by the scoring worker by result.",
		},
		[]string{"result"},
	)

	// BusMessagesTotal counts event bus traffic by topic and outcome:
	// published, dropped, delivered, handler_error or malformed.
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Total event bus messages by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)

	// RateLimitedTotal counts requests rejected by the tenant rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter by tenant.",
		},
		[]string{"tenant"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PredictionsTotal,
		PredictionDuration,
		AnomaliesTotal,
		DegradedPredictionsTotal,
		ModelReady,
		ModelReloadsTotal,
		WorkerMessagesTotal,
		BusMessagesTotal,
		RateLimitedTotal,
	)
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Route pattern, not raw path, to bound label cardinality
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetModelReady updates the readiness gauge.
func SetModelReady(ready bool) {
	if ready {
		ModelReady.Set(1)
		return
	}
	ModelReady.Set(0)
}

// ObservePrediction records the outcome of one prediction.
func ObservePrediction(verdict string, anomaly, degraded bool, elapsed time.Duration) {
	PredictionsTotal.WithLabelValues(verdict).Inc()
	PredictionDuration.Observe(elapsed.Seconds())
	if anomaly {
		AnomaliesTotal.Inc()
	}
	if degraded {
		DegradedPredictionsTotal.Inc()
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
