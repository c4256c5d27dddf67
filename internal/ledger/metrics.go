package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_ledger_entries_total",
	Help: "Ledger entries committed, by kind",
}, []string{"kind"})

var volume = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_ledger_volume_sats_total",
	Help: "Sats moved through the ledger, by direction",
}, []string{"direction"})

var insufficient = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_ledger_insufficient_balance_total",
	Help: "Spends rejected for insufficient balance, by kind",
}, []string{"kind"})

var duplicates = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_ledger_duplicate_operations_total",
	Help: "Retried operations that were already applied",
})

var poolRevenue = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_ledger_pool_revenue_sats_total",
	Help: "Sats routed to the platform pool, by source",
}, []string{"source"})

var driftDetected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "satengine_ledger_drift_detected_total",
	Help: "Accounts whose balance differs from the sum of their entries",
})
