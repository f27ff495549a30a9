package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/replay"
	"github.com/tathienbao/replay-engine/internal/source"
	"github.com/tathienbao/replay-engine/internal/types"
)

var testTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// barController builds a stepped replay controller over daily closes.
func barController(t *testing.T, closes ...float64) *replay.Controller {
	t.Helper()
	rows := make([]map[string]any, 0, len(closes))
	for i, c := range closes {
		rows = append(rows, map[string]any{
			"close":     c,
			"timestamp": testTime.Add(time.Duration(i) * 24 * time.Hour),
		})
	}
	src := source.NewMemorySource(rows, "timestamp")

	cfg := replay.DefaultConfig()
	cfg.Mode = replay.ModeStepped
	ctrl, err := replay.NewController("bars", src, cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctrl
}

func testBacktester(t *testing.T, cfg Config) *Backtester {
	t.Helper()
	bt, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return bt
}

// scriptSignals registers a market handler that emits one scripted signal
// per bar; a zero entry emits nothing.
func scriptSignals(t *testing.T, bt *Backtester, script []types.Direction) {
	t.Helper()
	bar := 0
	err := bt.Engine().RegisterHandler(types.EventMarket, func(ev types.Event) {
		defer func() { bar++ }()
		if bar >= len(script) || script[bar] == 0 {
			return
		}
		sig, err := types.NewSignalEvent(ev.Timestamp, ev.Symbol(), script[bar], decimal.NewFromInt(1))
		if err != nil {
			t.Errorf("NewSignalEvent: %v", err)
			return
		}
		bt.Engine().SendEvent(sig)
	})
	if err != nil {
		t.Fatalf("register script: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialCapital = decimal.Zero
	if _, err := New(cfg, nil); err == nil {
		t.Error("zero capital should be rejected")
	}

	cfg = DefaultConfig()
	cfg.CommissionRate = decimal.NewFromFloat(-0.01)
	if _, err := New(cfg, nil); err == nil {
		t.Error("negative commission should be rejected")
	}
}

func TestBacktester_BuyThenSell(t *testing.T) {
	cfg := DefaultConfig() // 100k capital, 0.001 commission, no slippage
	bt := testBacktester(t, cfg)
	scriptSignals(t, bt, []types.Direction{types.DirectionBuy, types.DirectionSell})

	result, err := bt.Run(context.Background(), barController(t, 100, 110), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Buy 1000 @ 100 costs 100000 + 100 commission; sell 1000 @ 110
	// returns 110000 - 110 commission.
	wantCash := decimal.NewFromInt(109790)
	if !result.FinalCash.Equal(wantCash) {
		t.Errorf("FinalCash = %s, want %s", result.FinalCash, wantCash)
	}
	if !result.FinalEquity.Equal(wantCash) {
		t.Errorf("FinalEquity = %s, want %s", result.FinalEquity, wantCash)
	}
	if pos := bt.Position("AAPL"); pos != 0 {
		t.Errorf("position = %d, want 0", pos)
	}
	if len(result.Transactions) != 2 {
		t.Fatalf("transactions = %d, want 2", len(result.Transactions))
	}

	first := result.Transactions[0]
	if first.Direction != types.DirectionBuy || first.Quantity != 1000 {
		t.Errorf("first fill = %s x%d, want BUY x1000", first.Direction, first.Quantity)
	}
	if !first.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("first fill price = %s, want 100", first.Price)
	}
	if !first.Commission.Equal(decimal.NewFromInt(100)) {
		t.Errorf("first fill commission = %s, want 100", first.Commission)
	}

	if result.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", result.TotalTrades)
	}
	trade := result.Trades[0]
	wantPL := decimal.NewFromInt(9790) // 10 * 1000 - 210 commission
	if !trade.NetPL.Equal(wantPL) {
		t.Errorf("trade NetPL = %s, want %s", trade.NetPL, wantPL)
	}
	if result.WinningTrades != 1 || result.LosingTrades != 0 {
		t.Errorf("win/loss = %d/%d, want 1/0", result.WinningTrades, result.LosingTrades)
	}

	if len(result.EquityCurve) != 2 {
		t.Fatalf("equity points = %d, want 2", len(result.EquityCurve))
	}
	// After the buy: cash -100, position 1000 @ 100.
	if !result.EquityCurve[0].Equity.Equal(decimal.NewFromInt(99900)) {
		t.Errorf("bar 1 equity = %s, want 99900", result.EquityCurve[0].Equity)
	}
}

func TestBacktester_NoShortingByDefault(t *testing.T) {
	bt := testBacktester(t, DefaultConfig())
	scriptSignals(t, bt, []types.Direction{types.DirectionSell})

	result, err := bt.Run(context.Background(), barController(t, 100), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Transactions) != 0 {
		t.Errorf("transactions = %d, want 0 (sell with no position, shorting off)", len(result.Transactions))
	}
	if !result.FinalCash.Equal(DefaultConfig().InitialCapital) {
		t.Errorf("FinalCash = %s, want untouched capital", result.FinalCash)
	}
}

func TestBacktester_ShortAndCover(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowShort = true
	cfg.CommissionRate = decimal.Zero
	bt := testBacktester(t, cfg)
	scriptSignals(t, bt, []types.Direction{types.DirectionSell, types.DirectionBuy})

	result, err := bt.Run(context.Background(), barController(t, 100, 90), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Short 1000 @ 100, cover 1000 @ 90: +10 per share.
	wantCash := decimal.NewFromInt(110000)
	if !result.FinalCash.Equal(wantCash) {
		t.Errorf("FinalCash = %s, want %s", result.FinalCash, wantCash)
	}
	if pos := bt.Position("AAPL"); pos != 0 {
		t.Errorf("position = %d, want 0", pos)
	}
	if result.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", result.TotalTrades)
	}
	if result.Trades[0].Direction != types.DirectionSell {
		t.Errorf("trade opened %s, want SELL", result.Trades[0].Direction)
	}
	if !result.Trades[0].NetPL.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("trade NetPL = %s, want 10000", result.Trades[0].NetPL)
	}
}

func TestBacktester_SlippageWorksAgainstTrade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommissionRate = decimal.Zero
	cfg.Slippage = decimal.NewFromFloat(0.01)
	bt := testBacktester(t, cfg)
	scriptSignals(t, bt, []types.Direction{types.DirectionBuy})

	result, err := bt.Run(context.Background(), barController(t, 100), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(result.Transactions))
	}
	// Buy slips up: 100 * 1.01.
	if !result.Transactions[0].Price.Equal(decimal.NewFromInt(101)) {
		t.Errorf("exec price = %s, want 101", result.Transactions[0].Price)
	}
}

func TestBacktester_StrengthScalesSizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommissionRate = decimal.Zero
	bt := testBacktester(t, cfg)

	err := bt.Engine().RegisterHandler(types.EventMarket, func(ev types.Event) {
		if bt.Position("AAPL") != 0 {
			return
		}
		sig, sigErr := types.NewSignalEvent(ev.Timestamp, "AAPL", types.DirectionBuy, decimal.NewFromFloat(0.5))
		if sigErr != nil {
			t.Errorf("NewSignalEvent: %v", sigErr)
			return
		}
		bt.Engine().SendEvent(sig)
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := bt.Run(context.Background(), barController(t, 100), "AAPL"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// floor(100000 * 0.5 / 100) = 500 shares.
	if pos := bt.Position("AAPL"); pos != 500 {
		t.Errorf("position = %d, want 500", pos)
	}
}

func TestBacktester_EmptyRunSynthesizesEquityPoint(t *testing.T) {
	bt := testBacktester(t, DefaultConfig())

	result, err := bt.Run(context.Background(), barController(t), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.EquityCurve) != 1 {
		t.Fatalf("equity points = %d, want 1 synthetic point", len(result.EquityCurve))
	}
	if !result.EquityCurve[0].Equity.Equal(DefaultConfig().InitialCapital) {
		t.Errorf("synthetic equity = %s, want initial capital", result.EquityCurve[0].Equity)
	}
	if result.Bars != 0 {
		t.Errorf("bars = %d, want 0", result.Bars)
	}
}

func TestBacktester_ProgressCallback(t *testing.T) {
	bt := testBacktester(t, DefaultConfig())

	var updates []ProgressUpdate
	bt.SetProgressCallback(func(u ProgressUpdate) { updates = append(updates, u) })

	if _, err := bt.Run(context.Background(), barController(t, 100, 101, 102), "AAPL"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(updates))
	}
	if updates[2].Bar != 3 || updates[2].TotalBars != 3 {
		t.Errorf("last update = %d/%d, want 3/3", updates[2].Bar, updates[2].TotalBars)
	}
}

func TestBacktester_TimeWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartTime = testTime.Add(24 * time.Hour)
	cfg.EndTime = testTime.Add(48 * time.Hour)
	bt := testBacktester(t, cfg)

	result, err := bt.Run(context.Background(), barController(t, 100, 101, 102, 103), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Bar 0 falls before the window, bar 3 after it.
	if result.Bars != 2 {
		t.Errorf("bars = %d, want 2", result.Bars)
	}
}

// sendLimitBuy registers a market handler that places one limit buy on the
// first bar.
func sendLimitBuy(t *testing.T, bt *Backtester, qty int64, limit int64) {
	t.Helper()
	sent := false
	err := bt.Engine().RegisterHandler(types.EventMarket, func(ev types.Event) {
		if sent {
			return
		}
		sent = true
		ord, ordErr := types.NewOrderEvent(ev.Timestamp, "AAPL", types.OrderTypeLimit, qty, types.DirectionBuy)
		if ordErr != nil {
			t.Errorf("NewOrderEvent: %v", ordErr)
			return
		}
		ord.Order.LimitPrice = decimal.NewFromInt(limit)
		bt.Engine().SendEvent(ord)
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestBacktester_LimitOrderRestsUntilMarketable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommissionRate = decimal.Zero
	bt := testBacktester(t, cfg)
	sendLimitBuy(t, bt, 10, 95)

	// Limit 95 against closes 100, 96, 94: the order rests through the
	// first two bars and fills on the third.
	result, err := bt.Run(context.Background(), barController(t, 100, 96, 94), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(result.Transactions))
	}
	tx := result.Transactions[0]
	if !tx.Price.Equal(decimal.NewFromInt(94)) {
		t.Errorf("fill price = %s, want 94", tx.Price)
	}
	if tx.OrderID == "" {
		t.Error("fill carries no order id")
	}
	if pos := bt.Position("AAPL"); pos != 10 {
		t.Errorf("position = %d, want 10", pos)
	}
	if open := bt.OpenOrders(); open != 0 {
		t.Errorf("open orders after fill = %d, want 0", open)
	}
}

func TestBacktester_UnfilledLimitOrderStaysOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommissionRate = decimal.Zero
	bt := testBacktester(t, cfg)
	sendLimitBuy(t, bt, 10, 95)

	// The market never trades down to the limit.
	result, err := bt.Run(context.Background(), barController(t, 100, 96), "AAPL")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Transactions) != 0 {
		t.Errorf("transactions = %d, want 0", len(result.Transactions))
	}
	if pos := bt.Position("AAPL"); pos != 0 {
		t.Errorf("position = %d, want 0", pos)
	}
	if open := bt.OpenOrders(); open != 1 {
		t.Errorf("open orders = %d, want 1 resting", open)
	}

	bt.Reset()
	if open := bt.OpenOrders(); open != 0 {
		t.Errorf("open orders after reset = %d, want 0", open)
	}
}

func TestBacktester_Reset(t *testing.T) {
	bt := testBacktester(t, DefaultConfig())
	scriptSignals(t, bt, []types.Direction{types.DirectionBuy})

	if _, err := bt.Run(context.Background(), barController(t, 100), "AAPL"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bt.Position("AAPL") == 0 {
		t.Fatal("expected an open position before reset")
	}

	bt.Reset()
	if bt.Position("AAPL") != 0 {
		t.Error("position should clear on reset")
	}
	if !bt.Cash().Equal(DefaultConfig().InitialCapital) {
		t.Errorf("cash = %s, want initial capital", bt.Cash())
	}
}
