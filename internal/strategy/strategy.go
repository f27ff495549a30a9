// Package strategy implements signal generators driven by market events.
package strategy

import (
	"github.com/tathienbao/replay-engine/internal/engine"
	"github.com/tathienbao/replay-engine/internal/types"
)

// Strategy turns market events into signal events. Implementations hold
// their own indicator state and must not size positions; that belongs to the
// portfolio layer.
type Strategy interface {
	// OnMarket processes one market event and returns any signal events.
	OnMarket(ev types.Event) []types.Event

	// Name returns the strategy identifier.
	Name() string

	// Reset clears all strategy state.
	Reset()
}

// Attach wires a strategy into an event engine: market events feed the
// strategy and the signals it produces are queued back on the same engine.
func Attach(eng *engine.Manager, strat Strategy) error {
	return eng.RegisterHandler(types.EventMarket, func(ev types.Event) {
		for _, sig := range strat.OnMarket(ev) {
			eng.SendEvent(sig)
		}
	})
}
