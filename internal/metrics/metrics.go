// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_messages_received_total",
			Help: "Inbound telemetry messages by kind",
		},
		[]string{"kind"},
	)
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_messages_dropped_total",
			Help: "Inbound telemetry messages dropped before reaching a handler",
		},
		[]string{"reason"},
	)
	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_handler_errors_total",
			Help: "Telemetry handler failures by kind",
		},
		[]string{"kind"},
	)
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laundry_handler_duration_seconds",
			Help:    "Time spent applying one telemetry message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	SideEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_side_effects_total",
			Help: "Email and push deliveries by kind and result",
		},
		[]string{"kind", "result"},
	)
	CommandsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_commands_published_total",
			Help: "Outbound machine commands by name and result",
		},
		[]string{"command", "result"},
	)
	BroadcastsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "laundry_broadcasts_dropped_total",
			Help: "Realtime events not delivered to a slow subscriber",
		},
	)
	RealtimeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laundry_realtime_clients",
			Help: "Connected realtime subscribers",
		},
	)
	MQTTUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laundry_mqtt_up",
			Help: "Connection with MQTT broker",
		},
	)
	StaleCompletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "laundry_stale_completions_total",
			Help: "Cycles completed by the reconciler after the DONE event went missing",
		},
	)
)
