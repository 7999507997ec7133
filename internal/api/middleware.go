package api

import (
	"container/list"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/aegisflow/internal/logging"
	"github.com/opensource-finance/aegisflow/internal/metrics"
)

// Context keys for tenant and trace propagation.
type contextKey string

const (
	// TenantIDKey is the context key for tenant ID.
	TenantIDKey contextKey = "tenantID"

	// TraceIDKey is the context key for trace ID.
	TraceIDKey contextKey = "traceID"

	// TenantIDHeader is the HTTP header for tenant ID.
	TenantIDHeader = "X-Tenant-ID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"

	// IdempotencyKeyHeader makes POST /analyze replay a memoized response.
	IdempotencyKeyHeader = "Idempotency-Key"

	// IdempotentReplayHeader is set on replayed responses.
	IdempotentReplayHeader = "Idempotent-Replayed"
)

var tracer = otel.Tracer("aegisflow-api")

// TenantMiddleware extracts tenant ID from the X-Tenant-ID header
// and adds it to the request context.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		}

		recordTenant(r.Context(), tenantID)
		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TracingMiddleware creates OpenTelemetry spans and propagates trace context.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		if !span.SpanContext().TraceID().IsValid() {
			traceID = requestID
		}

		ctx = logging.WithRequestID(ctx, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with structured logging.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		// Downstream middleware adds the tenant, so read it back through a holder.
		holder := &tenantHolder{}
		r = r.WithContext(context.WithValue(r.Context(), tenantHolderKey{}, holder))

		next.ServeHTTP(rw, r)

		logging.L(r.Context()).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", holder.tenantID,
			"trace_id", GetTraceID(r.Context()),
		)
	})
}

type tenantHolderKey struct{}

type tenantHolder struct {
	tenantID string
}

// recordTenant stores the tenant for LoggingMiddleware, when present.
func recordTenant(ctx context.Context, tenantID string) {
	if h, ok := ctx.Value(tenantHolderKey{}).(*tenantHolder); ok {
		h.tenantID = tenantID
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing for browser clients.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID, X-Request-ID, X-Trace-ID, Idempotency-Key")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, Idempotent-Replayed")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware recovers from panics and returns 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxRateLimitedTenants bounds the number of token buckets kept in memory.
const maxRateLimitedTenants = 10000

// TenantRateLimiter hands out one token bucket per tenant. Buckets are
// kept in LRU order; past maxTenants the least recently seen tenant's
// bucket is dropped and starts full on its next request.
type TenantRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	order      *list.List
	maxTenants int
	limit      rate.Limit
	burst      int
}

type tenantLimiter struct {
	tenantID string
	limiter  *rate.Limiter
}

// NewTenantRateLimiter allows rps requests per second per tenant with the
// given burst.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &TenantRateLimiter{
		limiters:   make(map[string]*list.Element),
		order:      list.New(),
		maxTenants: maxRateLimitedTenants,
		limit:      rate.Limit(rps),
		burst:      burst,
	}
}

// Allow reports whether tenantID may make a request now.
func (l *TenantRateLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	var lim *rate.Limiter
	if elem, ok := l.limiters[tenantID]; ok {
		l.order.MoveToFront(elem)
		lim = elem.Value.(*tenantLimiter).limiter
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = l.order.PushFront(&tenantLimiter{tenantID: tenantID, limiter: lim})
		for l.order.Len() > l.maxTenants {
			oldest := l.order.Back()
			l.order.Remove(oldest)
			delete(l.limiters, oldest.Value.(*tenantLimiter).tenantID)
		}
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *TenantRateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware rejects requests over the tenant's budget with 429. It must
// run after TenantMiddleware.
func (l *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := GetTenantID(r.Context())
		if !l.Allow(tenantID) {
			metrics.RateLimitedTotal.WithLabelValues(tenantID).Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetTenantID extracts tenant ID from context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}
