package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "satengine_admin_requests_total",
	Help: "Admin HTTP requests by route and status",
}, []string{"route", "status"})
