package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/backtest"
	"github.com/tathienbao/replay-engine/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			initial_capital TEXT NOT NULL,
			final_equity TEXT NOT NULL,
			final_cash TEXT NOT NULL,
			total_return TEXT NOT NULL,
			annual_return TEXT NOT NULL,
			sharpe_ratio TEXT NOT NULL,
			sortino_ratio TEXT NOT NULL,
			calmar_ratio TEXT NOT NULL,
			max_drawdown TEXT NOT NULL,
			win_rate TEXT NOT NULL,
			profit_factor TEXT NOT NULL,
			expectancy TEXT NOT NULL,
			total_trades INTEGER NOT NULL,
			winning_trades INTEGER NOT NULL,
			losing_trades INTEGER NOT NULL,
			bars INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS equity_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			equity TEXT NOT NULL,
			cash TEXT NOT NULL,
			drawdown TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_points_run ON equity_points(run_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			price TEXT NOT NULL,
			commission TEXT NOT NULL,
			cash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_run ON transactions(run_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_time DATETIME NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			commission TEXT NOT NULL,
			net_pl TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, exit_time)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveRun stores the run summary and its detail rows in one transaction.
func (r *SQLiteRepository) SaveRun(ctx context.Context, run RunRecord) error {
	res := run.Result
	if res == nil {
		return fmt.Errorf("save run: %w: result is nil", types.ErrInvalidConfig)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, symbol, started_at, finished_at, initial_capital, final_equity, final_cash,
		 total_return, annual_return, sharpe_ratio, sortino_ratio, calmar_ratio,
		 max_drawdown, win_rate, profit_factor, expectancy,
		 total_trades, winning_trades, losing_trades, bars)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Symbol,
		run.StartedAt,
		run.FinishedAt,
		res.InitialCapital.String(),
		res.FinalEquity.String(),
		res.FinalCash.String(),
		res.TotalReturn.String(),
		res.AnnualReturn.String(),
		res.SharpeRatio.String(),
		res.SortinoRatio.String(),
		res.CalmarRatio.String(),
		res.MaxDrawdown.String(),
		res.WinRate.String(),
		res.ProfitFactor.String(),
		res.Expectancy.String(),
		res.TotalTrades,
		res.WinningTrades,
		res.LosingTrades,
		res.Bars,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, p := range res.EquityCurve {
		if _, err := tx.ExecContext(ctx, `INSERT INTO equity_points
			(run_id, timestamp, equity, cash, drawdown) VALUES (?, ?, ?, ?, ?)`,
			run.ID, p.Timestamp, p.Equity.String(), p.Cash.String(), p.Drawdown.String(),
		); err != nil {
			return fmt.Errorf("insert equity point: %w", err)
		}
	}

	for _, t := range res.Transactions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO transactions
			(run_id, timestamp, order_id, symbol, direction, quantity, price, commission, cash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, t.Timestamp, t.OrderID, t.Symbol, int(t.Direction), t.Quantity,
			t.Price.String(), t.Commission.String(), t.Cash.String(),
		); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	for _, t := range res.Trades {
		if _, err := tx.ExecContext(ctx, `INSERT INTO trades
			(run_id, symbol, direction, quantity, entry_time, exit_time, entry_price, exit_price, commission, net_pl)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, t.Symbol, int(t.Direction), t.Quantity, t.EntryTime, t.ExitTime,
			t.EntryPrice.String(), t.ExitPrice.String(), t.Commission.String(), t.NetPL.String(),
		); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// GetRun loads a run summary by id.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// ListRuns returns run summaries, most recent first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetEquityCurve loads the stored equity curve of a run.
func (r *SQLiteRepository) GetEquityCurve(ctx context.Context, runID string) ([]backtest.EquityPoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT timestamp, equity, cash, drawdown
		FROM equity_points WHERE run_id = ? ORDER BY timestamp`, runID)
	if err != nil {
		return nil, fmt.Errorf("query equity curve: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []backtest.EquityPoint
	for rows.Next() {
		var p backtest.EquityPoint
		var equity, cash, drawdown string
		if err := rows.Scan(&p.Timestamp, &equity, &cash, &drawdown); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		p.Equity, _ = decimal.NewFromString(equity)
		p.Cash, _ = decimal.NewFromString(cash)
		p.Drawdown, _ = decimal.NewFromString(drawdown)
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetTransactions loads the stored transactions of a run.
func (r *SQLiteRepository) GetTransactions(ctx context.Context, runID string) ([]backtest.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT timestamp, order_id, symbol, direction, quantity, price, commission, cash
		FROM transactions WHERE run_id = ? ORDER BY timestamp`, runID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txs []backtest.Transaction
	for rows.Next() {
		var t backtest.Transaction
		var direction int
		var price, commission, cash string
		if err := rows.Scan(&t.Timestamp, &t.OrderID, &t.Symbol, &direction, &t.Quantity, &price, &commission, &cash); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		t.Direction = types.Direction(direction)
		t.Price, _ = decimal.NewFromString(price)
		t.Commission, _ = decimal.NewFromString(commission)
		t.Cash, _ = decimal.NewFromString(cash)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

const runColumns = `id, symbol, started_at, finished_at, initial_capital, final_equity, final_cash,
	total_return, annual_return, sharpe_ratio, sortino_ratio, calmar_ratio,
	max_drawdown, win_rate, profit_factor, expectancy,
	total_trades, winning_trades, losing_trades, bars`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var run RunRecord
	res := &backtest.Result{}
	var initialCapital, finalEquity, finalCash string
	var totalReturn, annualReturn, sharpe, sortino, calmar string
	var maxDD, winRate, profitFactor, expectancy string

	err := row.Scan(
		&run.ID,
		&run.Symbol,
		&run.StartedAt,
		&run.FinishedAt,
		&initialCapital,
		&finalEquity,
		&finalCash,
		&totalReturn,
		&annualReturn,
		&sharpe,
		&sortino,
		&calmar,
		&maxDD,
		&winRate,
		&profitFactor,
		&expectancy,
		&res.TotalTrades,
		&res.WinningTrades,
		&res.LosingTrades,
		&res.Bars,
	)
	if err != nil {
		return nil, err
	}

	res.InitialCapital, _ = decimal.NewFromString(initialCapital)
	res.FinalEquity, _ = decimal.NewFromString(finalEquity)
	res.FinalCash, _ = decimal.NewFromString(finalCash)
	res.TotalReturn, _ = decimal.NewFromString(totalReturn)
	res.AnnualReturn, _ = decimal.NewFromString(annualReturn)
	res.SharpeRatio, _ = decimal.NewFromString(sharpe)
	res.SortinoRatio, _ = decimal.NewFromString(sortino)
	res.CalmarRatio, _ = decimal.NewFromString(calmar)
	res.MaxDrawdown, _ = decimal.NewFromString(maxDD)
	res.WinRate, _ = decimal.NewFromString(winRate)
	res.ProfitFactor, _ = decimal.NewFromString(profitFactor)
	res.Expectancy, _ = decimal.NewFromString(expectancy)
	run.Result = res

	return &run, nil
}
