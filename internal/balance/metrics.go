package balance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var availableGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "balance",
		Name:      "available",
		Help:      "Spendable capital per pool",
	},
	[]string{"pool"},
)

var reservedGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "balance",
		Name:      "reserved",
		Help:      "Capital held by uncommitted reservations per pool",
	},
	[]string{"pool"},
)

var reserveFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arb",
		Subsystem: "balance",
		Name:      "reserve_failures_total",
		Help:      "Reservations refused for insufficient capital",
	},
)

var reservationsSwept = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arb",
		Subsystem: "balance",
		Name:      "reservations_swept_total",
		Help:      "Uncommitted reservations returned by the TTL sweeper",
	},
)
