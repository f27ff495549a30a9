package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/engine"
	"github.com/tathienbao/replay-engine/internal/metrics"
	"github.com/tathienbao/replay-engine/internal/replay"
	"github.com/tathienbao/replay-engine/internal/types"
)

// Config holds backtest configuration.
type Config struct {
	InitialCapital decimal.Decimal
	CommissionRate decimal.Decimal // per-notional rate, e.g. 0.001
	Slippage       decimal.Decimal // per-notional rate applied against the trade
	AllowShort     bool
	RiskFreeRate   decimal.Decimal // annual, for Sharpe/Sortino
	StartTime      time.Time       // bars before this are skipped
	EndTime        time.Time       // bars after this end the run
	Logger         *slog.Logger
}

// DefaultConfig returns default backtest configuration.
func DefaultConfig() Config {
	return Config{
		InitialCapital: decimal.NewFromInt(100000),
		CommissionRate: decimal.NewFromFloat(0.001),
		Slippage:       decimal.Zero,
	}
}

// BarSource yields data points one at a time on the caller's goroutine. Both
// replay controller flavors satisfy it.
type BarSource interface {
	StepSync() (replay.DataPoint, bool)
	Len() int
}

// Backtester simulates a portfolio over replayed market data. All state
// transitions happen through events on its private engine: market bars update
// prices, signals become orders, orders become fills, fills move cash. The
// engine queue is drained synchronously after each bar, so every bar is fully
// settled before the next one is read.
type Backtester struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	eng      *engine.Manager

	cash       decimal.Decimal
	positions  map[string]int64
	lastPrice  map[string]decimal.Decimal
	openOrders map[string]*openOrder
	matcher    *fifoMatcher

	equityCurve  []EquityPoint
	transactions []Transaction
	highWater    decimal.Decimal
	barCount     int

	progressCb ProgressCallback
	totalBars  int
}

// New creates a backtester. Strategies attach through Engine by registering
// market handlers and sending signal events.
func New(cfg Config, logger *slog.Logger) (*Backtester, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("backtest: %w: initial capital must be positive", types.ErrInvalidConfig)
	}
	if cfg.CommissionRate.IsNegative() {
		return nil, fmt.Errorf("backtest: %w: commission rate must be non-negative", types.ErrInvalidCommission)
	}

	b := &Backtester{
		cfg:        cfg,
		logger:     logger,
		recorder:   metrics.NewRecorder(),
		eng:        engine.NewManager(engine.DefaultConfig(), logger),
		cash:       cfg.InitialCapital,
		positions:  make(map[string]int64),
		lastPrice:  make(map[string]decimal.Decimal),
		openOrders: make(map[string]*openOrder),
		matcher:    newFIFOMatcher(),
		highWater:  cfg.InitialCapital,
	}

	if err := b.eng.RegisterHandler(types.EventMarket, b.onMarket); err != nil {
		return nil, err
	}
	if err := b.eng.RegisterHandler(types.EventSignal, b.onSignal); err != nil {
		return nil, err
	}
	if err := b.eng.RegisterHandler(types.EventOrder, b.onOrder); err != nil {
		return nil, err
	}
	if err := b.eng.RegisterHandler(types.EventFill, b.onFill); err != nil {
		return nil, err
	}
	return b, nil
}

// Engine exposes the backtester's event engine for strategy wiring.
func (b *Backtester) Engine() *engine.Manager { return b.eng }

// SetProgressCallback sets a per-bar progress callback.
func (b *Backtester) SetProgressCallback(cb ProgressCallback) {
	b.progressCb = cb
}

// Cash returns the current cash balance.
func (b *Backtester) Cash() decimal.Decimal { return b.cash }

// Position returns the signed open quantity for a symbol.
func (b *Backtester) Position(symbol string) int64 { return b.positions[symbol] }

// Equity returns cash plus open positions marked at the last seen prices.
func (b *Backtester) Equity() decimal.Decimal {
	equity := b.cash
	for symbol, qty := range b.positions {
		if qty == 0 {
			continue
		}
		price, ok := b.lastPrice[symbol]
		if !ok {
			continue
		}
		equity = equity.Add(price.Mul(decimal.NewFromInt(qty)))
	}
	return equity
}

// Run replays bars from src through the engine until exhaustion and returns
// the computed results. The engine queue is held (no dispatcher) and drained
// on this goroutine after each bar.
func (b *Backtester) Run(ctx context.Context, src BarSource, symbol string) (*Result, error) {
	if src == nil {
		return nil, fmt.Errorf("backtest: %w: bar source is nil", types.ErrInvalidConfig)
	}
	b.totalBars = src.Len()

	// Start then pause: the queue accepts every event type while the
	// dispatcher stays gated, leaving dispatch to Drain.
	if !b.eng.Start() {
		return nil, fmt.Errorf("backtest: %w: engine start refused", types.ErrInvalidState)
	}
	b.eng.Pause()
	defer b.eng.Stop()

	b.logger.Info("backtest started",
		"initial_capital", b.cfg.InitialCapital.StringFixed(2),
		"bars", b.totalBars,
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dp, ok := src.StepSync()
		if !ok {
			break
		}

		ev, ok := engine.MarketConvert(symbol, dp)
		if !ok {
			continue
		}
		if srcName, _ := dp[replay.KeySource].(string); srcName != "" {
			ev = ev.WithSource(srcName)
		}
		if !b.cfg.StartTime.IsZero() && ev.Timestamp.Before(b.cfg.StartTime) {
			continue
		}
		if !b.cfg.EndTime.IsZero() && ev.Timestamp.After(b.cfg.EndTime) {
			break
		}

		if !b.eng.SendEvent(ev) {
			return nil, fmt.Errorf("backtest: %w: market event refused", types.ErrQueueFull)
		}

		// Settle the bar: the market event plus every signal, order and
		// fill it cascades into.
		b.eng.Drain()
		b.barCount++
		b.recordEquity(ev.Timestamp)

		if b.progressCb != nil {
			b.progressCb(ProgressUpdate{
				Bar:       b.barCount,
				TotalBars: b.totalBars,
				Timestamp: ev.Timestamp,
				Equity:    b.Equity(),
				Cash:      b.cash,
				Trades:    len(b.matcher.Trades()),
			})
		}
		if b.totalBars > 0 {
			b.recorder.RecordProgress(symbol, float64(b.barCount)/float64(b.totalBars))
		}
	}

	result := b.buildResult()
	b.logger.Info("backtest finished",
		"bars", b.barCount,
		"final_equity", result.FinalEquity.StringFixed(2),
		"total_return", result.TotalReturn.StringFixed(4),
		"trades", result.TotalTrades,
	)
	return result, nil
}

// onMarket updates the last seen price for the bar's symbol and sweeps the
// order book for resting orders the new price makes marketable. Data-only
// events without a close price leave prices untouched.
func (b *Backtester) onMarket(ev types.Event) {
	if ev.Market == nil || !ev.Market.Close.IsPositive() {
		return
	}
	symbol := ev.Market.Symbol
	price := ev.Market.Close
	b.lastPrice[symbol] = price

	for _, oo := range b.openOrders {
		if oo.pending || oo.order.Symbol != symbol {
			continue
		}
		if marketable(oo.order, price) {
			oo.pending = true
			b.fillOrder(oo.id, oo.order, price, ev.Timestamp, ev.Source)
		}
	}
}

// onSignal sizes a signal into an order. A buy covers an open short in full
// before new exposure is sized from available cash and signal strength; a
// sell closes an open long and only opens a short when shorting is enabled.
func (b *Backtester) onSignal(ev types.Event) {
	if ev.Signal == nil {
		return
	}
	sig := ev.Signal
	price, ok := b.lastPrice[sig.Symbol]
	if !ok || !price.IsPositive() {
		b.logger.Warn("signal skipped, no market price", "symbol", sig.Symbol)
		return
	}

	position := b.positions[sig.Symbol]
	var qty int64

	switch sig.Direction {
	case types.DirectionBuy:
		if position < 0 {
			qty = -position
		} else {
			qty = b.sizeFromCash(price, sig.Strength)
		}
	case types.DirectionSell:
		if position > 0 {
			qty = position
		} else if b.cfg.AllowShort {
			qty = b.sizeFromCash(price, sig.Strength)
		} else {
			b.logger.Debug("sell signal skipped, shorting disabled", "symbol", sig.Symbol)
			return
		}
	default:
		return
	}
	if qty <= 0 {
		return
	}

	order, err := types.NewOrderEvent(ev.Timestamp, sig.Symbol, types.OrderTypeMarket, qty, sig.Direction)
	if err != nil {
		b.logger.Error("order rejected", "err", err)
		return
	}
	order = order.WithID(uuid.NewString()).WithSource(ev.Source)
	order.Order.OrderID = order.ID

	b.recorder.RecordSignal(sig.Symbol, sig.Direction.String())
	b.recorder.RecordOrder(sig.Symbol, sig.Direction.String())
	b.eng.SendEvent(order)
}

// sizeFromCash returns floor(cash * strength / price).
func (b *Backtester) sizeFromCash(price, strength decimal.Decimal) int64 {
	if strength.IsZero() {
		return 0
	}
	return b.cash.Mul(strength).Div(price).IntPart()
}

// openOrder is one entry in the simulated order book. pending marks orders
// whose fill event is queued but not yet settled, so a later bar in the same
// drain cannot execute them twice.
type openOrder struct {
	id      string
	order   *types.OrderPayload
	pending bool
}

// OpenOrders returns the number of orders currently in the book, fills in
// flight included.
func (b *Backtester) OpenOrders() int { return len(b.openOrders) }

// onOrder records the order in the book and simulates execution: market
// orders fill immediately at the last price adjusted for slippage, limit and
// stop orders fill when marketable and otherwise rest until a later bar
// triggers them. Settled fills remove their book entry.
func (b *Backtester) onOrder(ev types.Event) {
	if ev.Order == nil {
		return
	}
	ord := ev.Order
	price, ok := b.lastPrice[ord.Symbol]
	if !ok || !price.IsPositive() {
		b.logger.Warn("order dropped, no market price", "order_id", ord.OrderID)
		return
	}

	id := ord.OrderID
	if id == "" {
		id = ev.ID
	}
	oo := &openOrder{id: id, order: ord}
	b.openOrders[id] = oo

	if !marketable(ord, price) {
		b.logger.Debug("order resting",
			"order_id", id,
			"type", string(ord.OrderType),
			"side", ord.Direction.String(),
		)
		return
	}
	oo.pending = true
	b.fillOrder(id, ord, price, ev.Timestamp, ev.Source)
}

// marketable reports whether an order can execute at the current price.
// Market orders always can; limit and stop orders need the price at or
// through their trigger.
func marketable(ord *types.OrderPayload, price decimal.Decimal) bool {
	switch ord.OrderType {
	case types.OrderTypeLimit:
		if ord.Direction == types.DirectionBuy {
			return price.LessThanOrEqual(ord.LimitPrice)
		}
		return price.GreaterThanOrEqual(ord.LimitPrice)
	case types.OrderTypeStop:
		if ord.Direction == types.DirectionBuy {
			return price.GreaterThanOrEqual(ord.StopPrice)
		}
		return price.LessThanOrEqual(ord.StopPrice)
	case types.OrderTypeStopLimit:
		if ord.Direction == types.DirectionBuy {
			return price.GreaterThanOrEqual(ord.StopPrice) && price.LessThanOrEqual(ord.LimitPrice)
		}
		return price.LessThanOrEqual(ord.StopPrice) && price.GreaterThanOrEqual(ord.LimitPrice)
	default:
		return true
	}
}

// fillOrder emits the fill event for an executing order.
func (b *Backtester) fillOrder(id string, ord *types.OrderPayload, price decimal.Decimal, ts time.Time, source string) {
	// Slippage always works against the trade.
	dir := decimal.NewFromInt(int64(ord.Direction))
	execPrice := price.Mul(decimal.NewFromInt(1).Add(b.cfg.Slippage.Mul(dir)))
	commission := decimal.NewFromInt(ord.Quantity).Mul(execPrice).Mul(b.cfg.CommissionRate)

	fill, err := types.NewFillEvent(ts, ord.Symbol, id, ord.Quantity, ord.Direction, execPrice, commission)
	if err != nil {
		b.logger.Error("fill rejected", "err", err)
		delete(b.openOrders, id)
		return
	}
	fill = fill.WithID(uuid.NewString()).WithSource(source)
	b.eng.SendEvent(fill)
}

// onFill settles a fill: cash moves by the signed notional plus commission,
// the position updates, and the fill feeds the FIFO trade matcher.
func (b *Backtester) onFill(ev types.Event) {
	if ev.Fill == nil {
		return
	}
	fill := ev.Fill
	delete(b.openOrders, fill.OrderID)
	qty := decimal.NewFromInt(fill.Quantity)
	dir := decimal.NewFromInt(int64(fill.Direction))

	notional := fill.FillPrice.Mul(qty).Mul(dir)
	b.cash = b.cash.Sub(notional).Sub(fill.Commission)
	b.positions[fill.Symbol] += int64(fill.Direction) * fill.Quantity

	b.matcher.OnFill(fill.Symbol, fill.Direction, fill.Quantity, fill.FillPrice, fill.Commission, ev.Timestamp)
	b.recorder.RecordFill(fill.Symbol, fill.Direction.String())

	b.transactions = append(b.transactions, Transaction{
		Timestamp:  ev.Timestamp,
		OrderID:    fill.OrderID,
		Symbol:     fill.Symbol,
		Direction:  fill.Direction,
		Quantity:   fill.Quantity,
		Price:      fill.FillPrice,
		Commission: fill.Commission,
		Cash:       b.cash,
	})

	b.logger.Debug("fill settled",
		"symbol", fill.Symbol,
		"side", fill.Direction.String(),
		"qty", fill.Quantity,
		"price", fill.FillPrice.StringFixed(4),
		"cash", b.cash.StringFixed(2),
	)
}

// recordEquity appends an equity point for the settled bar.
func (b *Backtester) recordEquity(ts time.Time) {
	equity := b.Equity()
	if equity.GreaterThan(b.highWater) {
		b.highWater = equity
	}
	drawdown := decimal.Zero
	if b.highWater.IsPositive() {
		drawdown = b.highWater.Sub(equity).Div(b.highWater)
	}
	b.equityCurve = append(b.equityCurve, EquityPoint{
		Timestamp: ts,
		Equity:    equity,
		Cash:      b.cash,
		Drawdown:  drawdown,
	})
	b.recorder.RecordEquity(equity, drawdown)
}

// buildResult assembles the final result and performance metrics.
func (b *Backtester) buildResult() *Result {
	curve := b.equityCurve
	if len(curve) == 0 {
		// No bars settled: a single synthetic point keeps downstream
		// consumers away from empty-curve special cases.
		curve = []EquityPoint{{
			Timestamp: time.Now(),
			Equity:    b.cfg.InitialCapital,
			Cash:      b.cash,
		}}
	}

	trades := b.matcher.Trades()
	perf := NewMetrics(trades, curve, b.cfg.RiskFreeRate)

	winning, losing := 0, 0
	for _, t := range trades {
		switch {
		case t.NetPL.IsPositive():
			winning++
		case t.NetPL.IsNegative():
			losing++
		}
	}

	finalEquity := curve[len(curve)-1].Equity
	totalReturn := decimal.Zero
	if b.cfg.InitialCapital.IsPositive() {
		totalReturn = finalEquity.Sub(b.cfg.InitialCapital).Div(b.cfg.InitialCapital)
	}

	positions := make(map[string]int64, len(b.positions))
	for sym, qty := range b.positions {
		if qty != 0 {
			positions[sym] = qty
		}
	}

	return &Result{
		InitialCapital: b.cfg.InitialCapital,
		FinalEquity:    finalEquity,
		FinalCash:      b.cash,
		TotalReturn:    totalReturn,
		AnnualReturn:   perf.AnnualizedReturn(),
		SharpeRatio:    perf.SharpeRatio(),
		SortinoRatio:   perf.SortinoRatio(),
		CalmarRatio:    perf.CalmarRatio(),
		MaxDrawdown:    perf.MaxDrawdown(),
		WinRate:        perf.WinRate(),
		ProfitFactor:   perf.ProfitFactor(),
		Expectancy:     perf.Expectancy(),
		TotalTrades:    len(trades),
		WinningTrades:  winning,
		LosingTrades:   losing,
		Bars:           b.barCount,
		EventCounts:    b.eng.EventCounts(),
		Positions:      positions,
		Transactions:   b.transactions,
		Trades:         trades,
		EquityCurve:    curve,
	}
}

// Reset restores the backtester to its initial state for a fresh run.
// Registered strategy handlers survive.
func (b *Backtester) Reset() {
	b.cash = b.cfg.InitialCapital
	b.positions = make(map[string]int64)
	b.lastPrice = make(map[string]decimal.Decimal)
	b.openOrders = make(map[string]*openOrder)
	b.matcher.Reset()
	b.equityCurve = nil
	b.transactions = nil
	b.highWater = b.cfg.InitialCapital
	b.barCount = 0
}
