// Package main is the entry point for the replay engine CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tathienbao/replay-engine/internal/backtest"
	"github.com/tathienbao/replay-engine/internal/config"
	"github.com/tathienbao/replay-engine/internal/engine"
	"github.com/tathienbao/replay-engine/internal/metrics"
	"github.com/tathienbao/replay-engine/internal/persistence"
	"github.com/tathienbao/replay-engine/internal/replay"
	"github.com/tathienbao/replay-engine/internal/source"
	"github.com/tathienbao/replay-engine/internal/strategy"
	"github.com/tathienbao/replay-engine/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "backtest":
		cmdBacktest(os.Args[2:])
	case "stream":
		cmdStream(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Replay Engine - Event-Driven Market Data Replay and Backtesting

Usage:
  replay <command> [options]

Commands:
  backtest   Replay data through the backtester and report results
  stream     Stream data sources through the event engine with pacing
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  replay backtest --config config.yaml
  replay stream --config config.yaml
  replay validate --config config.yaml

Use "replay <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("replay version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Replay mode: %s\n", cfg.ToReplayConfig().Mode)
	fmt.Printf("  Initial capital: $%.2f\n", cfg.Backtest.InitialCapital)
	fmt.Printf("  Sources: %d\n", len(cfg.Sources))
}

func cmdBacktest(args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	logger := setupLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if len(cfg.Sources) == 0 {
		slog.Error("no data sources configured")
		os.Exit(1)
	}

	srv := startMetricsServer(cfg, logger)

	// Build the bar source: one controller for a single source, a merge
	// controller otherwise.
	replayCfg := cfg.ToReplayConfig()
	replayCfg.Mode = replay.ModeStepped
	replayCfg.Logger = logger

	bars, symbol, err := buildBarSource(cfg, replayCfg)
	if err != nil {
		slog.Error("failed to build data source", "err", err)
		os.Exit(1)
	}

	bt, err := backtest.New(cfg.ToBacktestConfig(), logger)
	if err != nil {
		slog.Error("failed to create backtester", "err", err)
		os.Exit(1)
	}

	if cfg.Strategy.Name != "" {
		strat, err := buildStrategy(cfg, logger)
		if err != nil {
			slog.Error("failed to create strategy", "err", err)
			os.Exit(1)
		}
		if err := strategy.Attach(bt.Engine(), strat); err != nil {
			slog.Error("failed to attach strategy", "err", err)
			os.Exit(1)
		}
	}

	startedAt := time.Now()
	result, err := bt.Run(context.Background(), bars, symbol)
	if err != nil {
		slog.Error("backtest failed", "err", err)
		os.Exit(1)
	}

	printResults(result)

	if cfg.Persistence.Enabled {
		persistRun(cfg, symbol, startedAt, result)
	}
	shutdownMetricsServer(srv)
}

func cmdStream(args []string) {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	logger := setupLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if len(cfg.Sources) == 0 {
		slog.Error("no data sources configured")
		os.Exit(1)
	}

	srv := startMetricsServer(cfg, logger)

	replayCfg := cfg.ToReplayConfig()
	replayCfg.Logger = logger

	rm := engine.NewReplayManager(cfg.ToEngineConfig(), logger)
	controllers := make([]engine.ReplayController, 0, len(cfg.Sources))

	for _, sc := range cfg.Sources {
		src, err := source.LoadCSV(sc.Path, sc.TimestampColumn)
		if err != nil {
			slog.Error("failed to load source", "name", sc.Name, "err", err)
			os.Exit(1)
		}
		ctrl, err := replay.NewController(sc.Name, src, replayCfg)
		if err != nil {
			slog.Error("failed to create controller", "name", sc.Name, "err", err)
			os.Exit(1)
		}
		if err := rm.AddController(sc.Name, ctrl, sc.Symbol, nil); err != nil {
			slog.Error("failed to bind controller", "name", sc.Name, "err", err)
			os.Exit(1)
		}
		controllers = append(controllers, ctrl)
	}

	// Log every dispatched event at debug and keep a running count.
	if err := rm.RegisterHandler(types.Wildcard, func(ev types.Event) {
		logger.Debug("event", "summary", ev.String())
	}); err != nil {
		slog.Error("failed to register handler", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !rm.StartAll() {
		slog.Error("failed to start replay")
		os.Exit(1)
	}
	slog.Info("streaming", "sources", len(cfg.Sources))

	// Run until every controller completes or a shutdown signal arrives.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received")
			break loop
		case <-ticker.C:
			done := true
			for _, ctrl := range controllers {
				if !ctrl.Status().Terminal() {
					done = false
					break
				}
			}
			if done && rm.QueueLen() == 0 {
				break loop
			}
		}
	}

	rm.StopAll()
	slog.Info("stream finished", "events_processed", rm.Processed())
	shutdownMetricsServer(srv)
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func startMetricsServer(cfg *config.Config, logger *slog.Logger) *metrics.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}
	srvCfg := metrics.DefaultServerConfig()
	if cfg.Metrics.Port > 0 {
		srvCfg.Port = cfg.Metrics.Port
	}
	if cfg.Metrics.Path != "" {
		srvCfg.MetricsPath = cfg.Metrics.Path
	}
	srv := metrics.NewServer(srvCfg, logger)
	if err := srv.Start(); err != nil {
		logger.Warn("metrics server failed to start", "err", err)
		return nil
	}
	return srv
}

func shutdownMetricsServer(srv *metrics.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// buildBarSource assembles the stepped bar source for the backtest along
// with the symbol used when a row does not carry one.
func buildBarSource(cfg *config.Config, replayCfg replay.Config) (backtest.BarSource, string, error) {
	if len(cfg.Sources) == 1 {
		sc := cfg.Sources[0]
		tsCol := sc.TimestampColumn
		if tsCol == "" {
			tsCol = cfg.Replay.TimestampColumn
		}
		src, err := source.LoadCSV(sc.Path, tsCol)
		if err != nil {
			return nil, "", err
		}
		ctrl, err := replay.NewController(sc.Name, src, replayCfg)
		if err != nil {
			return nil, "", err
		}
		return ctrl, sc.Symbol, nil
	}

	multi := replay.NewMultiSourceController("merged", replayCfg)
	for _, sc := range cfg.Sources {
		tsCol := sc.TimestampColumn
		if tsCol == "" {
			tsCol = cfg.Replay.TimestampColumn
		}
		src, err := source.LoadCSV(sc.Path, tsCol)
		if err != nil {
			return nil, "", err
		}
		if err := multi.AddSource(sc.Name, src, nil); err != nil {
			return nil, "", err
		}
	}
	return multi, "", nil
}

func buildStrategy(cfg *config.Config, logger *slog.Logger) (strategy.Strategy, error) {
	switch cfg.Strategy.Name {
	case "ma_cross":
		sCfg := strategy.DefaultMACrossConfig()
		if cfg.Strategy.FastPeriod > 0 {
			sCfg.FastPeriod = cfg.Strategy.FastPeriod
		}
		if cfg.Strategy.SlowPeriod > 0 {
			sCfg.SlowPeriod = cfg.Strategy.SlowPeriod
		}
		if cfg.Strategy.Strength > 0 {
			sCfg.Strength = decimal.NewFromFloat(cfg.Strategy.Strength)
		}
		sCfg.Logger = logger
		return strategy.NewMACross(sCfg), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy.Name)
	}
}

func persistRun(cfg *config.Config, symbol string, startedAt time.Time, result *backtest.Result) {
	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		slog.Warn("failed to open results database", "err", err)
		return
	}
	defer func() { _ = repo.Close() }()

	run := persistence.RunRecord{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Result:     result,
	}
	if err := repo.SaveRun(context.Background(), run); err != nil {
		slog.Warn("failed to save run", "err", err)
		return
	}
	slog.Info("run saved", "run_id", run.ID, "path", cfg.Persistence.Path)
}

func printResults(result *backtest.Result) {
	pct := func(d decimal.Decimal) float64 {
		return d.Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	fmt.Println("\n=== BACKTEST RESULTS ===")
	fmt.Printf("Initial Capital:  $%.2f\n", result.InitialCapital.InexactFloat64())
	fmt.Printf("Final Equity:     $%.2f\n", result.FinalEquity.InexactFloat64())
	fmt.Printf("Final Cash:       $%.2f\n", result.FinalCash.InexactFloat64())
	fmt.Printf("Total Return:     %.2f%%\n", pct(result.TotalReturn))
	fmt.Printf("Annual Return:    %.2f%%\n", pct(result.AnnualReturn))
	fmt.Printf("Max Drawdown:     %.2f%%\n", pct(result.MaxDrawdown))
	fmt.Println()
	fmt.Printf("Bars Processed:   %d\n", result.Bars)
	fmt.Printf("Total Trades:     %d\n", result.TotalTrades)
	fmt.Printf("Winning Trades:   %d\n", result.WinningTrades)
	fmt.Printf("Losing Trades:    %d\n", result.LosingTrades)
	fmt.Printf("Win Rate:         %.2f%%\n", pct(result.WinRate))
	fmt.Printf("Profit Factor:    %.2f\n", result.ProfitFactor.InexactFloat64())
	fmt.Printf("Expectancy:       $%.2f\n", result.Expectancy.InexactFloat64())
	fmt.Println("\n=== PERFORMANCE METRICS ===")
	fmt.Printf("Sharpe Ratio:     %.2f\n", result.SharpeRatio.InexactFloat64())
	fmt.Printf("Sortino Ratio:    %.2f\n", result.SortinoRatio.InexactFloat64())
	fmt.Printf("Calmar Ratio:     %.2f\n", result.CalmarRatio.InexactFloat64())
}
