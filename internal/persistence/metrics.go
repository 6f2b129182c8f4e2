package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "writer",
		Name:      "queue_depth",
		Help:      "Requests waiting in the write queue, including critical overflow",
	})

	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arb",
		Subsystem: "writer",
		Name:      "writes_total",
		Help:      "Processed write requests by kind and result",
	}, []string{"kind", "result"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arb",
		Subsystem: "writer",
		Name:      "dropped_total",
		Help:      "Best-effort write requests dropped on a full queue",
	}, []string{"kind"})

	writeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arb",
		Subsystem: "writer",
		Name:      "write_duration_seconds",
		Help:      "Time to apply one write request including retries",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"kind"})
)
