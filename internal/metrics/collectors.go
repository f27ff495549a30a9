// Package metrics defines the Prometheus collectors for the replay runtime
// and a small recorder facade the other packages use to update them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Replay metrics.
var (
	RowsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_rows_emitted_total",
		Help: "Data points emitted per replay controller.",
	}, []string{"controller"})

	CallbackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_callback_errors_total",
		Help: "Recovered callback panics per replay controller.",
	}, []string{"controller"})

	ReplayProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replay_progress_ratio",
		Help: "Fraction of the source consumed per replay controller.",
	}, []string{"controller"})
)

// Event engine metrics.
var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_processed_total",
		Help: "Events dispatched to handlers, by event type.",
	}, []string{"type"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_rejected_total",
		Help: "Events refused at the queue, by reason.",
	}, []string{"reason"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_queue_depth",
		Help: "Events currently waiting in the engine queue.",
	})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_dispatch_latency_seconds",
		Help:    "Time from dequeue to last handler return.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 5, 10),
	})

	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_handler_errors_total",
		Help: "Recovered handler panics, by event type.",
	}, []string{"type"})
)

// Backtest metrics.
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_orders_total",
		Help: "Orders generated during the run.",
	}, []string{"symbol", "side"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_fills_total",
		Help: "Fills executed during the run.",
	}, []string{"symbol", "side"})

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_signals_total",
		Help: "Strategy signals observed during the run.",
	}, []string{"symbol", "side"})

	EquityCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_equity_current",
		Help: "Mark-to-market equity of the running backtest.",
	})

	DrawdownCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_drawdown_current",
		Help: "Current drawdown from the equity high-water mark.",
	})
)
