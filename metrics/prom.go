package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_links_created_total",
		Help: "no. of burner links created",
	})
	LinkLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_link_lookups_total",
			Help: "no. of link lookups by outcome",
		},
		[]string{"outcome"},
	)
	LinksDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_links_deactivated_total",
		Help: "no. of links deactivated by their owner",
	})
	UploadsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_uploads_accepted_total",
		Help: "no. of stealth uploads accepted",
	})
	UploadsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_uploads_rejected_total",
			Help: "no. of stealth uploads rejected by reason",
		},
		[]string{"reason"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_cache_hits_total",
		Help: "no. of link cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_cache_misses_total",
		Help: "no. of link cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veil_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_prune_cycles_total",
		Help: "no. of expired-link sweep cycles",
	})
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_seal_operations_total",
			Help: "no. of vault seal/open operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veil_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
