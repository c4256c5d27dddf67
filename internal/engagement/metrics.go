package engagement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_engagement_actions_total",
	Help: "Priced user actions completed, by kind",
}, []string{"kind"})
