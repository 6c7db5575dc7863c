package artifact

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vbin_artifact_cache_hits_total",
			Help: "Module lookups served from the loaded-module cache.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vbin_artifact_cache_misses_total",
			Help: "Module lookups that had to fetch from the repository.",
		},
	)

	fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vbin_artifact_fetch_seconds",
			Help:    "Duration of artifact fetch and load on a cache miss, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	notFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vbin_artifact_not_found_total",
			Help: "Module lookups for which no candidate artifact existed.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(fetchDuration)
	prometheus.MustRegister(notFound)
}
