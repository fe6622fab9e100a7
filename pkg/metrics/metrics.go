// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_connections",
		Help: "Open WebSocket connections on this gateway.",
	})

	Rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_rooms",
		Help: "Conversations with at least one joined connection.",
	})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_events_delivered_total",
		Help: "Frames queued to sockets, by event type.",
	}, []string{"type"})

	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_gateway_slow_consumer_disconnects_total",
		Help: "Connections closed because their send buffer was full.",
	})

	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_gateway_protocol_errors_total",
		Help: "Connections closed for sending a malformed frame.",
	})

	NotifierDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_notifier_dropped_total",
		Help: "Events dropped because the fanout queue was full.",
	})

	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_notifier_publish_failures_total",
		Help: "Events the bus refused.",
	})

	AdmissionRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_admission_rejected_total",
		Help: "Mutations rejected by admission control, by policy.",
	}, []string{"policy"})

	StoreTxDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_tx_duration_seconds",
		Help:    "Transaction latency including the automatic retry.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	StoreRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_store_retries_total",
		Help: "Transactions retried after a transient failure.",
	}, []string{"op"})

	ArchivedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_archive_events_total",
		Help: "Events written to the moderation archive, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Rooms,
		EventsDelivered,
		SlowConsumers,
		ProtocolErrors,
		NotifierDropped,
		PublishFailures,
		AdmissionRejected,
		StoreTxDuration,
		StoreRetries,
		ArchivedEvents,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
