// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tathienbao/replay-engine/internal/backtest"
	"github.com/tathienbao/replay-engine/internal/engine"
	"github.com/tathienbao/replay-engine/internal/replay"
	"github.com/tathienbao/replay-engine/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Replay      ReplayConfig      `yaml:"replay"`
	Engine      EngineConfig      `yaml:"engine"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Sources     []SourceConfig    `yaml:"sources"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ReplayConfig holds replay controller settings.
type ReplayConfig struct {
	Mode            string  `yaml:"mode"` // backtest | stepped | realtime | accelerated
	SpeedFactor     float64 `yaml:"speed_factor"`
	MemoryOptimized bool    `yaml:"memory_optimized"`
	BatchCallbacks  bool    `yaml:"batch_callbacks"`
	BatchQueueSize  int     `yaml:"batch_queue_size"`
	TimestampColumn string  `yaml:"timestamp_column"`
	MaxRowsPerSec   float64 `yaml:"max_rows_per_sec"`
}

// EngineConfig holds event engine settings.
type EngineConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	SendTimeoutMs int `yaml:"send_timeout_ms"`
	DispatchBatch int `yaml:"dispatch_batch"`
}

// BacktestConfig holds backtest settings.
type BacktestConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
	CommissionRate float64 `yaml:"commission_rate"`
	Slippage       float64 `yaml:"slippage"`
	AllowShort     bool    `yaml:"allow_short"`
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
	StartTime      string  `yaml:"start_time"` // RFC3339, optional
	EndTime        string  `yaml:"end_time"`   // RFC3339, optional
}

// StrategyConfig holds strategy settings.
type StrategyConfig struct {
	Name       string  `yaml:"name"` // ma_cross
	FastPeriod int     `yaml:"fast_period"`
	SlowPeriod int     `yaml:"slow_period"`
	Strength   float64 `yaml:"strength"`
}

// SourceConfig holds a single data source definition.
type SourceConfig struct {
	Name            string `yaml:"name"`
	Path            string `yaml:"path"` // CSV file
	Symbol          string `yaml:"symbol"`
	TimestampColumn string `yaml:"timestamp_column"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite file
}

var replayModes = map[string]replay.Mode{
	"":            replay.ModeBacktest,
	"backtest":    replay.ModeBacktest,
	"stepped":     replay.ModeStepped,
	"realtime":    replay.ModeRealtime,
	"accelerated": replay.ModeAccelerated,
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment variables in
// the document are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Replay validation
	if _, ok := replayModes[c.Replay.Mode]; !ok {
		errs = append(errs, fmt.Sprintf("replay.mode '%s' is not supported", c.Replay.Mode))
	}
	if c.Replay.SpeedFactor < 0 {
		errs = append(errs, "replay.speed_factor must be non-negative")
	}
	if c.Replay.Mode == "accelerated" && c.Replay.SpeedFactor == 0 {
		errs = append(errs, "replay.speed_factor is required for accelerated mode")
	}
	if c.Replay.MaxRowsPerSec < 0 {
		errs = append(errs, "replay.max_rows_per_sec must be non-negative")
	}

	// Engine validation
	if c.Engine.QueueCapacity < 0 {
		errs = append(errs, "engine.queue_capacity must be non-negative")
	}
	if c.Engine.SendTimeoutMs < 0 {
		errs = append(errs, "engine.send_timeout_ms must be non-negative")
	}

	// Backtest validation
	if c.Backtest.InitialCapital <= 0 {
		errs = append(errs, "backtest.initial_capital must be positive")
	}
	if c.Backtest.CommissionRate < 0 {
		errs = append(errs, "backtest.commission_rate must be non-negative")
	}
	if c.Backtest.Slippage < 0 {
		errs = append(errs, "backtest.slippage must be non-negative")
	}
	if c.Backtest.StartTime != "" {
		if _, err := time.Parse(time.RFC3339, c.Backtest.StartTime); err != nil {
			errs = append(errs, "backtest.start_time must be RFC3339")
		}
	}
	if c.Backtest.EndTime != "" {
		if _, err := time.Parse(time.RFC3339, c.Backtest.EndTime); err != nil {
			errs = append(errs, "backtest.end_time must be RFC3339")
		}
	}

	// Strategy validation
	if c.Strategy.Name != "" {
		if c.Strategy.FastPeriod <= 0 || c.Strategy.SlowPeriod <= 0 {
			errs = append(errs, "strategy periods must be positive")
		}
		if c.Strategy.FastPeriod >= c.Strategy.SlowPeriod {
			errs = append(errs, "strategy.fast_period must be below slow_period")
		}
		if c.Strategy.Strength < 0 || c.Strategy.Strength > 1 {
			errs = append(errs, "strategy.strength must be between 0 and 1")
		}
	}

	// Source validation
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].name is required", i))
		}
		if src.Path == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].path is required", i))
		}
		if seen[src.Name] {
			errs = append(errs, fmt.Sprintf("sources[%d].name '%s' is duplicated", i, src.Name))
		}
		seen[src.Name] = true
	}

	// Persistence validation
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ToReplayConfig converts to replay.Config.
func (c *Config) ToReplayConfig() replay.Config {
	cfg := replay.DefaultConfig()
	cfg.Mode = replayModes[c.Replay.Mode]
	if c.Replay.SpeedFactor > 0 {
		cfg.SpeedFactor = c.Replay.SpeedFactor
	}
	cfg.MemoryOptimized = c.Replay.MemoryOptimized
	cfg.BatchCallbacks = c.Replay.BatchCallbacks
	if c.Replay.BatchQueueSize > 0 {
		cfg.BatchQueueSize = c.Replay.BatchQueueSize
	}
	cfg.TimestampColumn = c.Replay.TimestampColumn
	cfg.MaxRowsPerSec = c.Replay.MaxRowsPerSec
	return cfg
}

// ToEngineConfig converts to engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if c.Engine.QueueCapacity > 0 {
		cfg.QueueCapacity = c.Engine.QueueCapacity
	}
	if c.Engine.SendTimeoutMs > 0 {
		cfg.SendTimeout = time.Duration(c.Engine.SendTimeoutMs) * time.Millisecond
	}
	if c.Engine.DispatchBatch > 0 {
		cfg.DispatchBatch = c.Engine.DispatchBatch
	}
	return cfg
}

// ToBacktestConfig converts to backtest.Config.
func (c *Config) ToBacktestConfig() backtest.Config {
	cfg := backtest.DefaultConfig()
	cfg.InitialCapital = decimal.NewFromFloat(c.Backtest.InitialCapital)
	cfg.CommissionRate = decimal.NewFromFloat(c.Backtest.CommissionRate)
	cfg.Slippage = decimal.NewFromFloat(c.Backtest.Slippage)
	cfg.AllowShort = c.Backtest.AllowShort
	cfg.RiskFreeRate = decimal.NewFromFloat(c.Backtest.RiskFreeRate)
	if c.Backtest.StartTime != "" {
		cfg.StartTime, _ = time.Parse(time.RFC3339, c.Backtest.StartTime)
	}
	if c.Backtest.EndTime != "" {
		cfg.EndTime, _ = time.Parse(time.RFC3339, c.Backtest.EndTime)
	}
	return cfg
}
