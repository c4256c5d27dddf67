package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "satengine_discovery_score_duration_seconds",
	Help:    "Time to score one content item",
	Buckets: prometheus.DefBuckets,
})
