package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_settlement_runs_total",
	Help: "Settlement runs by outcome",
}, []string{"outcome"})

var itemsSettled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_settlement_items_total",
	Help: "Content items settled",
})

var itemFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_settlement_item_failures_total",
	Help: "Content items skipped after an error",
})

var distributed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_settlement_distributed_sats_total",
	Help: "Sats paid out as rewards",
})

var lastPool = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "satengine_settlement_last_pool_sats",
	Help: "Pool size of the most recent batch",
})

var scoreFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_settlement_score_failures_total",
	Help: "Content items dropped from a run because scoring failed",
})

var batchesRecovered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_settlement_batches_recovered_total",
	Help: "Batches left open by an interrupted run and closed later",
})

var subsidiesPaid = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_settlement_subsidies_total",
	Help: "Quality subsidies paid",
})
