// Package metrics exposes the tracking API's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_tracking_published_total",
		Help: "Total number of UI events published by routing key",
	}, []string{"routing_key"})

	PublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_tracking_publish_failures_total",
		Help: "Total number of failed publishes by routing key",
	}, []string{"routing_key"})

	RejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_tracking_rejected_total",
		Help: "Total number of request bodies rejected by validation",
	}, []string{"endpoint"})

	PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analytics_tracking_publish_duration_seconds",
		Help:    "Broker publish latency",
		Buckets: prometheus.DefBuckets,
	})
)
