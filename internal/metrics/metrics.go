package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Detections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calmline_detections_total",
			Help: "Risk assessments by resulting level",
		},
		[]string{"risk_level"},
	)

	LogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calmline_emergency_log_entries_total",
			Help: "Emergency log entries recorded by kind",
		},
		[]string{"kind"},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calmline_store_failures_total",
			Help: "Bounded store writes that failed",
		},
		[]string{"store"},
	)

	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calmline_sink_deliveries_total",
			Help: "Sink deliveries by sink and result",
		},
		[]string{"sink", "result"},
	)

	RemoteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calmline_remote_retries_total",
			Help: "Retries scheduled for critical remote deliveries",
		},
	)

	QueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calmline_emergency_queue_drops_total",
			Help: "Emergency log entries dropped because the delivery queue was full or closed",
		},
	)

	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calmline_chat_requests_total",
			Help: "Chat requests by outcome",
		},
		[]string{"outcome"},
	)
)
