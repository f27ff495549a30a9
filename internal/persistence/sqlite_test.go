package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/backtest"
	"github.com/tathienbao/replay-engine/internal/types"
)

func setupTestDB(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sampleRun(t *testing.T, id string, startedAt time.Time) RunRecord {
	t.Helper()
	dec := decimal.RequireFromString
	return RunRecord{
		ID:         id,
		Symbol:     "AAPL",
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(time.Minute),
		Result: &backtest.Result{
			InitialCapital: dec("100000"),
			FinalEquity:    dec("109790"),
			FinalCash:      dec("109790"),
			TotalReturn:    dec("0.0979"),
			AnnualReturn:   dec("0.0979"),
			SharpeRatio:    dec("1.5"),
			SortinoRatio:   dec("2.1"),
			CalmarRatio:    dec("0.8"),
			MaxDrawdown:    dec("0.12"),
			WinRate:        dec("1"),
			ProfitFactor:   dec("0"),
			Expectancy:     dec("9790"),
			TotalTrades:    1,
			WinningTrades:  1,
			Bars:           2,
			EquityCurve: []backtest.EquityPoint{
				{Timestamp: startedAt, Equity: dec("99900"), Cash: dec("-100"), Drawdown: dec("0.001")},
				{Timestamp: startedAt.Add(time.Minute), Equity: dec("109790"), Cash: dec("109790"), Drawdown: dec("0")},
			},
			Transactions: []backtest.Transaction{
				{
					Timestamp:  startedAt,
					OrderID:    "ord-1",
					Symbol:     "AAPL",
					Direction:  types.DirectionBuy,
					Quantity:   1000,
					Price:      dec("100"),
					Commission: dec("100"),
					Cash:       dec("-100"),
				},
				{
					Timestamp:  startedAt.Add(time.Minute),
					OrderID:    "ord-2",
					Symbol:     "AAPL",
					Direction:  types.DirectionSell,
					Quantity:   1000,
					Price:      dec("110"),
					Commission: dec("110"),
					Cash:       dec("109790"),
				},
			},
			Trades: []backtest.Trade{
				{
					Symbol:     "AAPL",
					Direction:  types.DirectionBuy,
					Quantity:   1000,
					EntryTime:  startedAt,
					ExitTime:   startedAt.Add(time.Minute),
					EntryPrice: dec("100"),
					ExitPrice:  dec("110"),
					Commission: dec("210"),
					NetPL:      dec("9790"),
				},
			},
		},
	}
}

func TestSQLiteRepository_SaveAndGetRun(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	startedAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	if err := repo.SaveRun(ctx, sampleRun(t, "run-1", startedAt)); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := repo.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Symbol != "AAPL" {
		t.Errorf("symbol = %s, want AAPL", got.Symbol)
	}
	if !got.Result.FinalEquity.Equal(decimal.RequireFromString("109790")) {
		t.Errorf("final equity = %s, want 109790", got.Result.FinalEquity)
	}
	if !got.Result.SharpeRatio.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("sharpe = %s, want 1.5", got.Result.SharpeRatio)
	}
	if got.Result.TotalTrades != 1 || got.Result.WinningTrades != 1 {
		t.Errorf("trades = %d/%d, want 1/1", got.Result.TotalTrades, got.Result.WinningTrades)
	}
}

func TestSQLiteRepository_GetRunMissing(t *testing.T) {
	repo := setupTestDB(t)

	got, err := repo.GetRun(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing run", got)
	}
}

func TestSQLiteRepository_SaveRunNilResult(t *testing.T) {
	repo := setupTestDB(t)

	err := repo.SaveRun(context.Background(), RunRecord{ID: "bad"})
	if err == nil {
		t.Error("nil result should be rejected")
	}
}

func TestSQLiteRepository_ListRuns(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := sampleRun(t, id, base.Add(time.Duration(i)*time.Hour))
		if err := repo.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun %s: %v", id, err)
		}
	}

	runs, err := repo.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	// Most recent first.
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("order = %s, %s, want run-c, run-b", runs[0].ID, runs[1].ID)
	}
}

func TestSQLiteRepository_EquityCurveRoundTrip(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	startedAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	run := sampleRun(t, "run-1", startedAt)
	if err := repo.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	curve, err := repo.GetEquityCurve(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetEquityCurve: %v", err)
	}
	if len(curve) != 2 {
		t.Fatalf("got %d points, want 2", len(curve))
	}
	if !curve[0].Equity.Equal(decimal.RequireFromString("99900")) {
		t.Errorf("point 0 equity = %s, want 99900", curve[0].Equity)
	}
	if !curve[1].Cash.Equal(decimal.RequireFromString("109790")) {
		t.Errorf("point 1 cash = %s, want 109790", curve[1].Cash)
	}
}

func TestSQLiteRepository_TransactionsRoundTrip(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	startedAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	if err := repo.SaveRun(ctx, sampleRun(t, "run-1", startedAt)); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	txs, err := repo.GetTransactions(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if txs[0].Direction != types.DirectionBuy || txs[0].Quantity != 1000 {
		t.Errorf("tx 0 = %s x%d, want BUY x1000", txs[0].Direction, txs[0].Quantity)
	}
	if !txs[1].Price.Equal(decimal.RequireFromString("110")) {
		t.Errorf("tx 1 price = %s, want 110", txs[1].Price)
	}
	if txs[0].OrderID != "ord-1" {
		t.Errorf("tx 0 order id = %s, want ord-1", txs[0].OrderID)
	}
}
