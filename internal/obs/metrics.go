package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})

	verificationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_requests_total",
			Help: "Coordinator operations by outcome.",
		},
		[]string{"op", "result"},
	)

	verificationCompareDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verification_compare_duration_seconds",
			Help:    "Biometric comparator call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	notificationsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_queued_total",
			Help: "Outbound notifications enqueued/delivered/dropped.",
		},
		[]string{"state"},
	)
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		serviceReady,
		verificationRequestsTotal,
		verificationCompareDuration,
		notificationsQueued,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// CountOperation records a coordinator operation outcome
// (op: create|verify|status|cancel|cleanup; result: ok|error kind).
func CountOperation(op, result string) {
	verificationRequestsTotal.WithLabelValues(op, result).Inc()
}

// ObserveCompare records one comparator round-trip.
func ObserveCompare(d time.Duration) {
	verificationCompareDuration.Observe(d.Seconds())
}

// CountNotification tracks the outbound queue (state: queued|delivered|retried|dropped).
func CountNotification(state string) {
	notificationsQueued.WithLabelValues(state).Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) >= 3 && parts[1] == "v1" && parts[2] == "verifications":
		if len(parts) == 4 && parts[3] != "" {
			return "/v1/verifications/:id"
		}
		if len(parts) == 5 && parts[4] == "verify" {
			return "/v1/verifications/:id/verify"
		}
	case len(parts) >= 3 && parts[1] == "v1" && parts[2] == "sessions":
		if len(parts) == 5 && parts[4] == "verifications" {
			return "/v1/sessions/:id/verifications"
		}
	}
	return path
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
