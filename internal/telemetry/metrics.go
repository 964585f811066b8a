// Package telemetry exposes the simulator's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OCPPMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emobility_ocpp_messages_total",
		Help: "OCPP messages exchanged with the CSMS",
	}, []string{"version", "action", "direction"})

	OCPPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emobility_ocpp_request_duration_seconds",
		Help:    "Round-trip latency of OCPP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	ActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emobility_active_transactions",
		Help: "Charging transactions currently running across the fleet",
	})

	EnergyDeliveredWh = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emobility_energy_delivered_wh_total",
		Help: "Synthesized energy delivered across all transactions in Wh",
	})

	StationsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emobility_stations_running",
		Help: "Station instances currently started",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emobility_ws_reconnects_total",
		Help: "WebSocket reconnect attempts across the fleet",
	})
)
