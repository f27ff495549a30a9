package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordRowEmitted records one data point leaving a replay controller.
func (r *Recorder) RecordRowEmitted(controller string) {
	RowsEmitted.WithLabelValues(controller).Inc()
}

// RecordCallbackError records a recovered replay callback panic.
func (r *Recorder) RecordCallbackError(controller string) {
	CallbackErrors.WithLabelValues(controller).Inc()
}

// RecordProgress records the consumed fraction of a controller's source.
func (r *Recorder) RecordProgress(controller string, ratio float64) {
	ReplayProgress.WithLabelValues(controller).Set(ratio)
}

// RecordEventProcessed records an event dispatched to its handlers.
func (r *Recorder) RecordEventProcessed(eventType string) {
	EventsProcessed.WithLabelValues(eventType).Inc()
}

// RecordEventRejected records an event refused at the queue.
func (r *Recorder) RecordEventRejected(reason string) {
	EventsRejected.WithLabelValues(reason).Inc()
}

// RecordQueueDepth records the current engine queue occupancy.
func (r *Recorder) RecordQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// RecordDispatchLatency records the dequeue-to-handled duration of an event.
func (r *Recorder) RecordDispatchLatency(d time.Duration) {
	DispatchLatency.Observe(d.Seconds())
}

// RecordHandlerError records a recovered handler panic.
func (r *Recorder) RecordHandlerError(eventType string) {
	HandlerErrors.WithLabelValues(eventType).Inc()
}

// RecordOrder records an order generated by the backtester.
func (r *Recorder) RecordOrder(symbol, side string) {
	OrdersTotal.WithLabelValues(symbol, side).Inc()
}

// RecordFill records an executed fill.
func (r *Recorder) RecordFill(symbol, side string) {
	FillsTotal.WithLabelValues(symbol, side).Inc()
}

// RecordSignal records a strategy signal.
func (r *Recorder) RecordSignal(symbol, side string) {
	SignalsTotal.WithLabelValues(symbol, side).Inc()
}

// RecordEquity records the mark-to-market equity and drawdown.
func (r *Recorder) RecordEquity(equity, drawdown decimal.Decimal) {
	EquityCurrent.Set(equity.InexactFloat64())
	DrawdownCurrent.Set(drawdown.InexactFloat64())
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveDispatch observes the elapsed time as dispatch latency.
func (t *Timer) ObserveDispatch() {
	DispatchLatency.Observe(t.Elapsed().Seconds())
}
