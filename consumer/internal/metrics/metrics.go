// Package metrics exposes the consumer's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts settled messages by outcome
	// (inserted, duplicate, dead_lettered, requeued).
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_consumer_messages_total",
			Help: "Total number of broker messages processed",
		},
		[]string{"outcome"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_consumer_dead_letters_total",
			Help: "Total number of dead letters written",
		},
		[]string{"reason"},
	)

	BronzeRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_consumer_bronze_rows_total",
			Help: "Total number of bronze rows inserted",
		},
		[]string{"table"},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_consumer_processing_duration_seconds",
			Help:    "Time from delivery to settlement",
			Buckets: prometheus.DefBuckets,
		},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_consumer_in_flight",
			Help: "Messages currently being processed",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_consumer_reconnects_total",
			Help: "Total number of broker reconnect attempts after a failure",
		},
	)
)
