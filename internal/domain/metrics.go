package domain

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for request status.
const (
	statusOK    = "ok"
	statusError = "error"
)

var (
	domainCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vbin_domain_create_seconds",
			Help:    "Duration from domain process start to completed init handshake, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeDomains = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vbin_domains_active",
			Help: "Number of currently running isolation domains.",
		},
	)

	domainRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vbin_domain_requests_total",
			Help: "Total number of requests sent to isolation domains.",
		},
		[]string{"op", "status"},
	)
)

func init() {
	prometheus.MustRegister(domainCreateDuration)
	prometheus.MustRegister(activeDomains)
	prometheus.MustRegister(domainRequests)

	for _, op := range []string{OpInit, OpInvoke, OpCall, OpFetch, OpRules, OpClose} {
		domainRequests.WithLabelValues(op, statusOK)
		domainRequests.WithLabelValues(op, statusError)
	}
}
