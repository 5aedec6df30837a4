// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts accepted submissions.
var OrdersSubmitted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "solrouter_orders_submitted_total",
		Help: "Total number of orders accepted for processing",
	},
)

// OrdersCompleted counts orders by terminal status (confirmed/failed).
var OrdersCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solrouter_orders_completed_total",
		Help: "Total number of orders that reached a terminal status",
	},
	[]string{"status"},
)

// RoutingDecisions counts route selections by venue.
var RoutingDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solrouter_routing_decisions_total",
		Help: "Total number of routing decisions by selected venue",
	},
	[]string{"venue"},
)

// QuoteFailures counts failed venue quote calls.
var QuoteFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solrouter_quote_failures_total",
		Help: "Total number of failed venue quote requests",
	},
	[]string{"venue"},
)

// OrderLatency records end-to-end processing latency per order attempt.
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "solrouter_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// Queue depth gauges, one per stats bucket.
var (
	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solrouter_queue_waiting_jobs",
		Help: "Number of jobs waiting for a worker slot",
	})
	QueueActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solrouter_queue_active_jobs",
		Help: "Number of jobs currently held by workers",
	})
	QueueDelayed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solrouter_queue_delayed_jobs",
		Help: "Number of jobs waiting out a retry backoff",
	})
)

// Subscribers tracks live status subscriptions.
var Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "solrouter_status_subscribers",
	Help: "Number of live status subscriptions",
})

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersCompleted, RoutingDecisions, QuoteFailures, OrderLatency)
	prometheus.MustRegister(QueueWaiting, QueueActive, QueueDelayed, Subscribers)
}
