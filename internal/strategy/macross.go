package strategy

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/types"
	"github.com/tathienbao/replay-engine/pkg/indicator"
)

// MACrossConfig holds moving average crossover settings.
type MACrossConfig struct {
	FastPeriod int
	SlowPeriod int
	Strength   decimal.Decimal // strength attached to emitted signals
	Logger     *slog.Logger
}

// DefaultMACrossConfig returns default crossover settings.
func DefaultMACrossConfig() MACrossConfig {
	return MACrossConfig{
		FastPeriod: 10,
		SlowPeriod: 30,
		Strength:   decimal.NewFromInt(1),
	}
}

// MACross signals on fast/slow SMA crossovers: a buy when the fast average
// crosses above the slow one, a sell when it crosses below. State is kept
// per symbol.
type MACross struct {
	cfg    MACrossConfig
	logger *slog.Logger
	states map[string]*maState
}

type maState struct {
	fast  *indicator.SMA
	slow  *indicator.SMA
	above bool
	armed bool // both averages ready and relation observed once
}

// NewMACross creates a crossover strategy.
func NewMACross(cfg MACrossConfig) *MACross {
	def := DefaultMACrossConfig()
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = def.FastPeriod
	}
	if cfg.SlowPeriod <= cfg.FastPeriod {
		cfg.SlowPeriod = cfg.FastPeriod * 3
	}
	if cfg.Strength.IsZero() {
		cfg.Strength = def.Strength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MACross{
		cfg:    cfg,
		logger: cfg.Logger,
		states: make(map[string]*maState),
	}
}

// OnMarket updates the averages and emits a signal on a crossover.
func (s *MACross) OnMarket(ev types.Event) []types.Event {
	if ev.Market == nil {
		return nil
	}
	bar := ev.Market

	state, ok := s.states[bar.Symbol]
	if !ok {
		state = &maState{
			fast: indicator.NewSMA(s.cfg.FastPeriod),
			slow: indicator.NewSMA(s.cfg.SlowPeriod),
		}
		s.states[bar.Symbol] = state
	}

	fast := state.fast.Update(bar.Close)
	slow := state.slow.Update(bar.Close)
	if !state.fast.Ready() || !state.slow.Ready() {
		return nil
	}

	above := fast.GreaterThan(slow)
	if !state.armed {
		state.armed = true
		state.above = above
		return nil
	}
	if above == state.above {
		return nil
	}
	state.above = above

	direction := types.DirectionSell
	if above {
		direction = types.DirectionBuy
	}

	sig, err := types.NewSignalEvent(ev.Timestamp, bar.Symbol, direction, s.cfg.Strength)
	if err != nil {
		s.logger.Error("signal rejected", "err", err)
		return nil
	}
	sig = sig.WithSource(s.Name())

	s.logger.Debug("crossover signal",
		"symbol", bar.Symbol,
		"side", direction.String(),
		"fast", fast.StringFixed(4),
		"slow", slow.StringFixed(4),
	)
	return []types.Event{sig}
}

// Name returns the strategy identifier.
func (s *MACross) Name() string { return "ma_cross" }

// Reset clears all per-symbol state.
func (s *MACross) Reset() {
	s.states = make(map[string]*maState)
}
