// Package metrics exposes the collector's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts POST /events requests by status code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_collector_requests_total",
		Help: "Total number of ingest requests by HTTP status",
	}, []string{"status"})

	// EventsTotal counts batch items by outcome (accepted or dead_lettered).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_collector_events_total",
		Help: "Total number of ingested items by outcome",
	}, []string{"outcome", "event_type"})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_collector_dead_letters_total",
		Help: "Total number of dead letters written by reason",
	}, []string{"reason"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analytics_collector_batch_size",
		Help:    "Number of items per ingest request",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analytics_collector_ingest_duration_seconds",
		Help:    "Time spent writing one batch",
		Buckets: prometheus.DefBuckets,
	})
)
