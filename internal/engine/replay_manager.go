package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/replay"
	"github.com/tathienbao/replay-engine/internal/types"
)

// ReplayController is the slice of a replay controller the engine layer
// drives. Both the single-source and multi-source controllers satisfy it.
type ReplayController interface {
	Start() bool
	Pause() bool
	Resume() bool
	Stop() bool
	Status() types.Status
	RegisterCallback(fn replay.Callback) int
	UnregisterCallback(id int) bool
}

// ConvertFunc turns a replayed data point into an event. Returning false
// skips the point.
type ConvertFunc func(symbol string, dp replay.DataPoint) (types.Event, bool)

type binding struct {
	controller ReplayController
	symbol     string
	convert    ConvertFunc
	callbackID int
}

// ReplayManager couples replay controllers to the event engine. Each bound
// controller streams data points that are converted to market events and
// queued on the engine.
type ReplayManager struct {
	*Manager

	bindings map[string]binding
}

// NewReplayManager creates a replay-driven event engine.
func NewReplayManager(cfg Config, logger *slog.Logger) *ReplayManager {
	return &ReplayManager{
		Manager:  NewManager(cfg, logger),
		bindings: make(map[string]binding),
	}
}

// AddController binds a named controller. Points it emits become events
// tagged with the binding name as source. A nil converter falls back to
// MarketConvert. Names must be unique.
func (r *ReplayManager) AddController(name string, rc ReplayController, symbol string, convert ConvertFunc) error {
	if name == "" {
		return fmt.Errorf("replay manager: %w: binding name is empty", types.ErrInvalidConfig)
	}
	if rc == nil {
		return fmt.Errorf("replay manager: %w: controller %q is nil", types.ErrInvalidConfig, name)
	}
	if convert == nil {
		convert = MarketConvert
	}

	r.mu.Lock()
	if _, exists := r.bindings[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("replay manager: %w: %q", types.ErrDuplicateSource, name)
	}
	r.mu.Unlock()

	// The binding name is captured by value here. Capturing a shared loop
	// variable instead would tag every controller's events with the last
	// bound name.
	boundName := name
	id := rc.RegisterCallback(func(dp replay.DataPoint) {
		r.onReplayData(boundName, dp)
	})

	r.mu.Lock()
	r.bindings[name] = binding{controller: rc, symbol: symbol, convert: convert, callbackID: id}
	r.mu.Unlock()

	r.logger.Info("replay controller bound", "name", name, "symbol", symbol)
	return nil
}

// ControllerNames returns the bound controller names.
func (r *ReplayManager) ControllerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	return names
}

// onReplayData converts one replayed point and queues it on the engine.
func (r *ReplayManager) onReplayData(name string, dp replay.DataPoint) {
	r.mu.Lock()
	b, ok := r.bindings[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	symbol := b.symbol
	if symbol == "" {
		if s, _ := dp["symbol"].(string); s != "" {
			symbol = s
		} else {
			// Rows with no symbol of their own inherit the binding name.
			symbol = name
		}
	}

	ev, ok := b.convert(symbol, dp)
	if !ok {
		return
	}
	ev = ev.WithSource(name)
	if ev.Timestamp.IsZero() {
		if ts, ok := dp.Timestamp(); ok {
			ev.Timestamp = ts
		} else {
			ev.Timestamp = time.Now()
		}
	}

	if !r.SendEvent(ev) {
		r.logger.Warn("replayed event dropped", "source", name, "type", string(ev.Type))
	}
}

// StartAll starts the engine, then every bound controller. The engine goes
// first so the earliest emitted points find a live queue.
func (r *ReplayManager) StartAll() bool {
	if !r.Start() {
		return false
	}
	ok := true
	for name, b := range r.snapshot() {
		if !b.controller.Start() {
			r.logger.Warn("replay controller failed to start", "name", name)
			ok = false
		}
	}
	return ok
}

// PauseAll pauses the controllers first so no point lands on a paused engine
// mid transition, then pauses dispatch.
func (r *ReplayManager) PauseAll() bool {
	ok := true
	for name, b := range r.snapshot() {
		if !b.controller.Pause() {
			r.logger.Warn("replay controller failed to pause", "name", name)
			ok = false
		}
	}
	if !r.Pause() {
		ok = false
	}
	return ok
}

// ResumeAll resumes dispatch before the controllers, mirroring PauseAll.
func (r *ReplayManager) ResumeAll() bool {
	ok := r.Resume()
	for name, b := range r.snapshot() {
		if !b.controller.Resume() {
			r.logger.Warn("replay controller failed to resume", "name", name)
			ok = false
		}
	}
	return ok
}

// StopAll stops the controllers, detaches their callbacks, then stops the
// engine. Bindings survive so a reset replay can be re-run.
func (r *ReplayManager) StopAll() bool {
	ok := true
	for name, b := range r.snapshot() {
		if !b.controller.Stop() {
			r.logger.Warn("replay controller failed to stop", "name", name)
			ok = false
		}
		b.controller.UnregisterCallback(b.callbackID)
	}
	if !r.Stop() {
		ok = false
	}
	return ok
}

func (r *ReplayManager) snapshot() map[string]binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]binding, len(r.bindings))
	for k, v := range r.bindings {
		out[k] = v
	}
	return out
}

// MarketConvert is the default point converter: rows with a close price
// become OHLCV bars, anything else becomes a schema-less market data event
// carrying the raw row. The default path never drops a point; only a
// registered converter can.
func MarketConvert(symbol string, dp replay.DataPoint) (types.Event, bool) {
	ts, _ := dp.Timestamp()

	closePx, ok := toDecimal(dp["close"])
	if !ok {
		return types.NewMarketDataEvent(ts, symbol, dp), true
	}

	open, _ := toDecimal(dp["open"])
	high, _ := toDecimal(dp["high"])
	low, _ := toDecimal(dp["low"])
	volume := toInt64(dp["volume"])

	ev := types.NewMarketEvent(ts, symbol, open, high, low, closePx, volume)
	return ev, true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case decimal.Decimal:
		return x.IntPart()
	}
	return 0
}
