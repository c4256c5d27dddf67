package trust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var adjustments = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_trust_adjustments_total",
	Help: "Reputation adjustments applied, by dimension and direction",
}, []string{"dimension", "direction"})

var tierTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_trust_tier_transitions_total",
	Help: "Accounts moving between trust tiers",
}, []string{"from", "to"})
