// Package config defines BacktestConfig, the validated run configuration
// loaded from YAML, following the teacher's Load/DefaultConfig/
// applyDefaults idiom.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantedge/backtest/internal/ohlcv"
)

const (
	DefaultMaintenanceMarginRate = 0.005
	DefaultTakerFeeRate          = 0.001
	DefaultMaxLeverage           = 1.0
	dateLayout                   = "2006-01-02"
)

// BacktestConfig is the run's configuration surface, per spec §3. It is
// validated once, eagerly, at construction.
type BacktestConfig struct {
	Symbol                string    `yaml:"symbol"`
	Timeframe             string    `yaml:"timeframe"`
	StartDate             string    `yaml:"start_date"`
	EndDate               string    `yaml:"end_date"`
	InitialCapital        float64   `yaml:"initial_capital"`
	TradingMode           string    `yaml:"trading_mode"` // "spot" | "futures"
	MaxLeverage           float64   `yaml:"max_leverage"`
	MaintenanceMarginRate float64   `yaml:"maintenance_margin_rate"`
	TakerFeeRate          float64   `yaml:"taker_fee_rate"`

	DataRoot string `yaml:"data_root"`
	Venue    string `yaml:"venue"`

	start time.Time
	end   time.Time
}

// DefaultConfig returns a BacktestConfig with every field at its documented
// default. Symbol/dates still need to be supplied by the caller.
func DefaultConfig() *BacktestConfig {
	return &BacktestConfig{
		Timeframe:             string(ohlcv.Timeframe1h),
		InitialCapital:        10000,
		TradingMode:           "spot",
		MaxLeverage:           DefaultMaxLeverage,
		MaintenanceMarginRate: DefaultMaintenanceMarginRate,
		TakerFeeRate:          DefaultTakerFeeRate,
		Venue:                 "binance",
	}
}

// Load reads a BacktestConfig from a YAML file at path, applies defaults
// for any zero-valued field, and validates the result.
func Load(path string) (*BacktestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *BacktestConfig) {
	if cfg.Timeframe == "" {
		cfg.Timeframe = string(ohlcv.Timeframe1h)
	}
	if cfg.InitialCapital == 0 {
		cfg.InitialCapital = 10000
	}
	if cfg.TradingMode == "" {
		cfg.TradingMode = "spot"
	}
	if cfg.MaxLeverage == 0 {
		if cfg.TradingMode == "futures" {
			cfg.MaxLeverage = DefaultMaxLeverage
		} else {
			cfg.MaxLeverage = 1
		}
	}
	if cfg.MaintenanceMarginRate == 0 {
		cfg.MaintenanceMarginRate = DefaultMaintenanceMarginRate
	}
	if cfg.TakerFeeRate == 0 {
		cfg.TakerFeeRate = DefaultTakerFeeRate
	}
	if cfg.Venue == "" {
		cfg.Venue = "binance"
	}
}

// Validate rejects invalid values immediately, per spec §3.
func (c *BacktestConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if !ohlcv.Timeframe(c.Timeframe).Valid() {
		return fmt.Errorf("config: invalid timeframe %q", c.Timeframe)
	}
	start, err := time.Parse(dateLayout, c.StartDate)
	if err != nil {
		return fmt.Errorf("config: invalid start_date %q: %w", c.StartDate, err)
	}
	end, err := time.Parse(dateLayout, c.EndDate)
	if err != nil {
		return fmt.Errorf("config: invalid end_date %q: %w", c.EndDate, err)
	}
	if end.Before(start) {
		return fmt.Errorf("config: end_date %s precedes start_date %s", c.EndDate, c.StartDate)
	}
	c.start, c.end = start.UTC(), end.UTC().Add(24*time.Hour-time.Millisecond)

	if c.InitialCapital <= 0 || math.IsNaN(c.InitialCapital) || math.IsInf(c.InitialCapital, 0) {
		return fmt.Errorf("config: initial_capital must be positive, got %v", c.InitialCapital)
	}

	switch c.TradingMode {
	case "spot":
		if c.MaxLeverage != 1 {
			return fmt.Errorf("config: spot mode requires max_leverage = 1, got %v", c.MaxLeverage)
		}
	case "futures":
		if c.MaxLeverage < 1 || c.MaxLeverage > 100 {
			return fmt.Errorf("config: futures max_leverage must be in [1, 100], got %v", c.MaxLeverage)
		}
	default:
		return fmt.Errorf("config: trading_mode must be 'spot' or 'futures', got %q", c.TradingMode)
	}

	if c.MaintenanceMarginRate <= 0 || c.MaintenanceMarginRate >= 1 {
		return fmt.Errorf("config: maintenance_margin_rate must be in (0, 1), got %v", c.MaintenanceMarginRate)
	}
	if c.TakerFeeRate < 0 {
		return fmt.Errorf("config: taker_fee_rate must be non-negative, got %v", c.TakerFeeRate)
	}
	return nil
}

// Mode maps the string TradingMode onto the ohlcv enumeration.
func (c *BacktestConfig) Mode() ohlcv.TradingMode {
	if c.TradingMode == "futures" {
		return ohlcv.Futures
	}
	return ohlcv.Spot
}

// Start and End return the validated, UTC window bounds. Validate must have
// been called first.
func (c *BacktestConfig) Start() time.Time { return c.start }
func (c *BacktestConfig) End() time.Time   { return c.end }

// Save writes the configuration back to path as YAML.
func (c *BacktestConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
