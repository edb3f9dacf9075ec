package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var httpRequestsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Number of HTTP requests partitioned by status code, method and HTTP path.",
	}, []string{"code", "method", "path"})

var httpLatencyMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Time spent on the request partitioned by status code, method and HTTP path.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method", "path"})

func init() {
	prometheus.MustRegister(httpRequestsMetric, httpLatencyMetric)
}

// Middleware records request counts and latency by route pattern.
func Middleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if rp := rctx.RoutePattern(); rp != "" {
				path = rp
			}
		}
		code := strconv.Itoa(ww.Status())
		httpRequestsMetric.WithLabelValues(code, r.Method, path).Inc()
		httpLatencyMetric.WithLabelValues(code, r.Method, path).Observe(time.Since(start).Seconds())
	}
	return http.HandlerFunc(fn)
}
