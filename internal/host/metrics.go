package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "velox",
		Subsystem: "transport",
		Name:      "connections_accepted_total",
		Help:      "Connections accepted by the event loop.",
	})
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "velox",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Connections currently open.",
	})
	closeReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "velox",
		Subsystem: "transport",
		Name:      "connections_closed_total",
		Help:      "Connections closed, by recorded close reason.",
	}, []string{"reason"})
	recvBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "velox",
		Subsystem: "transport",
		Name:      "received_bytes_total",
		Help:      "Bytes received from peers.",
	})
	sentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "velox",
		Subsystem: "transport",
		Name:      "sent_bytes_total",
		Help:      "Bytes handed to the outbound socket buffer.",
	})
)
