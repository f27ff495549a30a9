// Package persistence stores finished backtest runs.
package persistence

import (
	"context"
	"time"

	"github.com/tathienbao/replay-engine/internal/backtest"
)

// RunRecord is the stored summary of one backtest run.
type RunRecord struct {
	ID         string
	Symbol     string
	StartedAt  time.Time
	FinishedAt time.Time
	Result     *backtest.Result
}

// Repository persists backtest runs and their detail rows.
type Repository interface {
	// SaveRun stores the run summary plus its equity curve, transactions
	// and closed trades.
	SaveRun(ctx context.Context, run RunRecord) error
	// GetRun loads a run summary by id. A missing id returns (nil, nil).
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns run summaries, most recent first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	// GetEquityCurve loads the stored equity curve of a run.
	GetEquityCurve(ctx context.Context, runID string) ([]backtest.EquityPoint, error)
	// GetTransactions loads the stored transactions of a run.
	GetTransactions(ctx context.Context, runID string) ([]backtest.Transaction, error)
	Close() error
}
