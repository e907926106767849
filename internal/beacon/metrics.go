package beacon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	beaconsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizsync_beacons_received_total",
			Help: "Beacon batches received, by outcome of the submit step",
		},
		[]string{"outcome"},
	)

	beaconsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizsync_beacons_processed_total",
			Help: "Beacon batches applied by workers, by result",
		},
		[]string{"result"},
	)
)
