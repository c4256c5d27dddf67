package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var oracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_challenge_oracle_calls_total",
	Help: "Oracle calls by oracle and outcome",
}, []string{"oracle", "outcome"})

var verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_challenge_verdicts_total",
	Help: "Resolved challenges by verdict",
}, []string{"verdict"})

var finesCollected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_challenge_fines_sats_total",
	Help: "Sats collected as fines",
})

var unsettled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_challenge_unsettled_total",
	Help: "Decided challenges whose settlement failed and awaits Resolve",
})
