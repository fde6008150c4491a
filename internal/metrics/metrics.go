package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the signal and position pipeline. Registered on the default
// registry and served by the /metrics endpoint.
var (
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_signals_received_total",
		Help: "Signals accepted for processing, by command.",
	}, []string{"command"})

	SignalsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_signals_failed_total",
		Help: "Signals that failed validation or dispatch, by command.",
	}, []string{"command"})

	SignalsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "algobot_signals_ignored_total",
		Help: "Valid signals skipped by the direction allow-list.",
	})

	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_positions_opened_total",
		Help: "Positions opened, by direction.",
	}, []string{"direction"})

	PositionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "algobot_positions_closed_total",
		Help: "Positions fully closed.",
	})

	VirtualCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "algobot_virtual_closes_total",
		Help: "Positions closed locally after an exchange failure.",
	})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "algobot_orders_placed_total",
		Help: "Market orders submitted to the exchange, by direction.",
	}, []string{"direction"})

	TakeProfitsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "algobot_take_profits_executed_total",
		Help: "Take-profit levels executed, including gap-filled ones.",
	})
)
