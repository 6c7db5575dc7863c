package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatched labels requests no route pattern matched.
const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbin_http_requests_total",
		Help: "HTTP requests served, by route pattern and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vbin_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	assetCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vbin_site_asset_cache_hits_total",
		Help: "Hosted asset requests served from the LRU cache.",
	})

	assetCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vbin_site_asset_cache_misses_total",
		Help: "Hosted asset requests read from the repository.",
	})

	assetBytesServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vbin_site_asset_bytes_total",
		Help: "Bytes of hosted assets written to clients, by site.",
	}, []string{"site"})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		assetCacheHits,
		assetCacheMisses,
		assetBytesServed,
	)
}

// metricsMiddleware counts and times every request under its chi route
// pattern, so asset paths do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := unmatched
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
