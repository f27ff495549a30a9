// Package backtest provides the event-driven backtester: a portfolio
// simulation wired into the typed event engine, driven bar by bar from a
// replay controller.
package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/types"
)

// Transaction records one executed fill and the cash balance after it.
type Transaction struct {
	Timestamp  time.Time
	OrderID    string
	Symbol     string
	Direction  types.Direction
	Quantity   int64
	Price      decimal.Decimal // execution price, slippage included
	Commission decimal.Decimal
	Cash       decimal.Decimal
}

// Trade is a closed round trip produced by FIFO lot matching.
type Trade struct {
	Symbol     string
	Direction  types.Direction // direction of the opening fill
	Quantity   int64
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Commission decimal.Decimal // entry plus exit share
	NetPL      decimal.Decimal // gross P&L minus Commission
}

// EquityPoint represents equity at a point in time.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
	Cash      decimal.Decimal
	Drawdown  decimal.Decimal
}

// Result holds backtest results.
type Result struct {
	InitialCapital decimal.Decimal
	FinalEquity    decimal.Decimal
	FinalCash      decimal.Decimal
	TotalReturn    decimal.Decimal // as ratio (0.15 = 15%)
	AnnualReturn   decimal.Decimal
	SharpeRatio    decimal.Decimal
	SortinoRatio   decimal.Decimal
	CalmarRatio    decimal.Decimal
	MaxDrawdown    decimal.Decimal // as ratio
	WinRate        decimal.Decimal
	ProfitFactor   decimal.Decimal
	Expectancy     decimal.Decimal
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int

	Bars         int
	EventCounts  map[types.EventType]int64
	Positions    map[string]int64
	Transactions []Transaction
	Trades       []Trade
	EquityCurve  []EquityPoint
}

// ProgressUpdate carries per-bar state for progress reporting.
type ProgressUpdate struct {
	Bar       int
	TotalBars int
	Timestamp time.Time
	Equity    decimal.Decimal
	Cash      decimal.Decimal
	Trades    int
}

// ProgressCallback is invoked after each fully settled bar.
type ProgressCallback func(ProgressUpdate)
