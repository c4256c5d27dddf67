package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_risk_day_cache_hits_total",
	Help: "Day cache lookups served from the current generation",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_risk_day_cache_misses_total",
	Help: "Day cache lookups that required a computation",
})

var circleAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_risk_circle_admissions_total",
	Help: "In-circle likes by admission outcome",
}, []string{"outcome"})

var cabalsDetected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_risk_cabals_detected_total",
	Help: "Groups flagged by the cabal detector",
})

var seizedSats = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_risk_seized_sats_total",
	Help: "Sats seized from cabal members",
})
