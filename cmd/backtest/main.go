// Command backtest runs an OHLCV-driven portfolio simulation from the
// command line: load a YAML config (optionally overridden by flags), run
// the strategy across the configured window, and report the resulting
// performance metrics.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantedge/backtest/internal/backtest"
	"github.com/quantedge/backtest/internal/btmetrics"
	"github.com/quantedge/backtest/internal/config"
	"github.com/quantedge/backtest/internal/marketdata"
	"github.com/quantedge/backtest/internal/ohlcv"
)

var cfgFile string

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Simulate a trading strategy against historical OHLCV data",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(discoverCmd)

	runCmd.Flags().String("symbol", "", "trading symbol, e.g. BTCUSDT (overrides config)")
	runCmd.Flags().String("timeframe", "", "bar timeframe, e.g. 1h (overrides config)")
	runCmd.Flags().String("start", "", "start date YYYY-MM-DD (overrides config)")
	runCmd.Flags().String("end", "", "end date YYYY-MM-DD (overrides config)")
	runCmd.Flags().Float64("capital", 0, "initial capital (overrides config)")
	runCmd.Flags().String("mode", "", "trading mode: spot or futures (overrides config)")
	runCmd.Flags().String("data-root", "", "OHLCV data root directory (overrides config, env BACKTEST_DATA_ROOT)")
	runCmd.Flags().String("venue", "", "venue/exchange directory name (overrides config, env BACKTEST_VENUE)")
	runCmd.Flags().Bool("json", false, "print the result as JSON instead of a text report")

	discoverCmd.Flags().String("data-root", "", "OHLCV data root directory (overrides config, env BACKTEST_DATA_ROOT)")
	discoverCmd.Flags().String("venue", "", "venue/exchange directory name (overrides config, env BACKTEST_VENUE)")
	discoverCmd.Flags().String("mode", "spot", "trading mode: spot or futures")
	discoverCmd.Flags().String("symbol", "", "list timeframes available for this symbol instead of listing symbols")

	viper.SetEnvPrefix("backtest")
	viper.AutomaticEnv()
}

// resolveDataRootAndVenue binds cmd's own data-root/venue flags into viper
// and returns the resolved values. viper.GetString resolves flag > env
// (BACKTEST_DATA_ROOT / BACKTEST_VENUE) > unset, so an operator can pin the
// data root and venue for a whole shell session instead of repeating flags
// on every invocation.
func resolveDataRootAndVenue(cmd *cobra.Command) (dataRoot, venue string) {
	_ = viper.BindPFlag("data_root", cmd.Flags().Lookup("data-root"))
	_ = viper.BindPFlag("venue", cmd.Flags().Lookup("venue"))
	return viper.GetString("data_root"), viper.GetString("venue")
}

func loadConfig() (*config.BacktestConfig, error) {
	var cfg *config.BacktestConfig
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	return cfg, nil
}

func applyRunOverrides(cmd *cobra.Command, cfg *config.BacktestConfig) {
	if v, _ := cmd.Flags().GetString("symbol"); v != "" {
		cfg.Symbol = v
	}
	if v, _ := cmd.Flags().GetString("timeframe"); v != "" {
		cfg.Timeframe = v
	}
	if v, _ := cmd.Flags().GetString("start"); v != "" {
		cfg.StartDate = v
	}
	if v, _ := cmd.Flags().GetString("end"); v != "" {
		cfg.EndDate = v
	}
	if v, _ := cmd.Flags().GetFloat64("capital"); v > 0 {
		cfg.InitialCapital = v
	}
	if v, _ := cmd.Flags().GetString("mode"); v != "" {
		cfg.TradingMode = v
	}
	dataRoot, venue := resolveDataRootAndVenue(cmd)
	if dataRoot != "" {
		cfg.DataRoot = dataRoot
	}
	if venue != "" {
		cfg.Venue = venue
	}
}

// barsPerYear picks an annualisation factor matching the configured
// timeframe, following spec §5's documented examples (hourly: 24*365,
// daily: 365).
func barsPerYear(timeframe string) float64 {
	switch ohlcv.Timeframe(timeframe) {
	case ohlcv.Timeframe1m:
		return 60 * 24 * 365
	case ohlcv.Timeframe5m:
		return 12 * 24 * 365
	case ohlcv.Timeframe15m:
		return 4 * 24 * 365
	case ohlcv.Timeframe1h:
		return 24 * 365
	case ohlcv.Timeframe4h:
		return 6 * 365
	case ohlcv.Timeframe1d:
		return 365
	default:
		return 365
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a backtest and report its performance metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyRunOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		dataRoot := cfg.DataRoot
		if dataRoot == "" {
			dataRoot = "."
		}

		log.Info().
			Str("symbol", cfg.Symbol).
			Str("timeframe", cfg.Timeframe).
			Str("mode", cfg.TradingMode).
			Str("start", cfg.StartDate).
			Str("end", cfg.EndDate).
			Msg("starting backtest run")

		store := marketdata.New(marketdata.Config{
			DataRoot: dataRoot,
			Venue:    cfg.Venue,
		})
		driver := backtest.NewDriver(store)

		strategy := &backtest.BuyAndHold{Amount: cfg.InitialCapital / 2, Leverage: cfg.MaxLeverage}
		result, err := driver.Run(cfg, strategy)
		if err != nil {
			return fmt.Errorf("backtest run failed: %w", err)
		}

		calc := btmetrics.New(barsPerYear(cfg.Timeframe))
		metrics := calc.Compute(result.History, result.Trades, cfg.InitialCapital)

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"run_id":             result.RunID,
				"status":             result.Status,
				"metrics":            metrics,
				"liquidation_events": result.LiquidationEvents,
			})
		}

		printReport(result, metrics)
		if result.Status == backtest.StatusFailed {
			return fmt.Errorf("run aborted: %w", result.Err)
		}
		return nil
	},
}

func printReport(result *backtest.Result, metrics btmetrics.Result) {
	fmt.Printf("Run:            %s (%s)\n", result.RunID, result.Status)
	fmt.Printf("Total Return:   %.2f%%\n", metrics.TotalReturn*100)
	fmt.Printf("Volatility:     %.6f\n", metrics.Volatility)
	fmt.Printf("Sharpe Ratio:   %.2f\n", metrics.SharpeRatio)
	fmt.Printf("Sortino Ratio:  %.2f\n", metrics.SortinoRatio)
	fmt.Printf("Max Drawdown:   %.2f%%\n", metrics.MaxDrawdown*100)
	fmt.Printf("Total Trades:   %d\n", metrics.TotalTrades)
	fmt.Printf("Win Rate:       %.2f%%\n", metrics.WinRate*100)
	fmt.Printf("Profit Factor:  %.2f\n", metrics.ProfitFactor)
	fmt.Printf("Avg Win/Loss:   %.4f / %.4f\n", metrics.AvgWin, metrics.AvgLoss)
	fmt.Printf("Liquidations:   %d\n", metrics.Liquidations)
	fmt.Printf("Avg Leverage:   %.2f\n", metrics.AvgLeverage)
	for _, ev := range result.LiquidationEvents {
		fmt.Printf("  liquidated %s at %.2f (size %.6f, pnl %.2f) @ %s\n",
			ev.Symbol, ev.Price, ev.Size, ev.PnL, ev.Timestamp.Format(time.RFC3339))
	}
	if result.Err != nil {
		fmt.Printf("Error:          %v\n", result.Err)
	}
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List symbols or timeframes available under the configured data root",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dataRoot, venue := resolveDataRootAndVenue(cmd)
		if dataRoot != "" {
			cfg.DataRoot = dataRoot
		}
		if venue != "" {
			cfg.Venue = venue
		}
		if cfg.DataRoot == "" {
			cfg.DataRoot = "."
		}
		if cfg.Venue == "" {
			cfg.Venue = "binance"
		}

		modeFlag, _ := cmd.Flags().GetString("mode")
		mode := ohlcv.Spot
		if modeFlag == "futures" {
			mode = ohlcv.Futures
		}

		store := marketdata.New(marketdata.Config{DataRoot: cfg.DataRoot, Venue: cfg.Venue})

		symbolFlag, _ := cmd.Flags().GetString("symbol")
		if symbolFlag != "" {
			timeframes, err := store.DiscoverTimeframes(ohlcv.Symbol(symbolFlag), mode)
			if err != nil {
				return fmt.Errorf("discovering timeframes: %w", err)
			}
			for _, tf := range timeframes {
				fmt.Println(tf)
			}
			return nil
		}

		symbols, err := store.DiscoverSymbols(mode)
		if err != nil {
			return fmt.Errorf("discovering symbols: %w", err)
		}
		for _, s := range symbols {
			fmt.Println(s)
		}
		return nil
	},
}
