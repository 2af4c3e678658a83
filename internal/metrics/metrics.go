// Package metrics provides Prometheus instrumentation for the Parley
// realtime delivery subsystem. It exposes gauges for live subscriber
// counts, counters for event throughput and evictions, and a histogram
// for publish fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Subscribers tracks the current number of live subscriptions,
	// labeled by keyspace: "conversation" or "user".
	Subscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_subscribers",
		Help: "Current number of live broker subscriptions",
	}, []string{"keyspace"})

	// EventsPublished counts publishes accepted by the hub per keyspace.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_published_total",
		Help: "Total number of events published to the broker",
	}, []string{"keyspace"})

	// EventsDelivered counts frames actually handed to a subscriber
	// channel per keyspace.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_delivered_total",
		Help: "Total number of event frames delivered to subscribers",
	}, []string{"keyspace"})

	// SubscriberEvictions counts dead-subscriber cleanups per keyspace.
	SubscriberEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_subscriber_evictions_total",
		Help: "Total number of subscribers evicted for backpressure or write failure",
	}, []string{"keyspace"})

	// HeartbeatsSent counts ping frames pushed onto subscriber streams.
	HeartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_heartbeats_sent_total",
		Help: "Total number of heartbeat ping frames sent",
	})

	// RelayConnections tracks active relay WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_relay_connections",
		Help: "Current number of active relay WebSocket connections",
	})

	// PublishLatency records time spent fanning out one publish.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_publish_latency_seconds",
		Help:    "Broker publish fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})
)

func init() {
	prometheus.MustRegister(
		Subscribers,
		EventsPublished,
		EventsDelivered,
		SubscriberEvictions,
		HeartbeatsSent,
		RelayConnections,
		PublishLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
