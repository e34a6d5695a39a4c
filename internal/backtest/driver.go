// Package backtest implements the per-bar control loop that couples the
// OHLCV data layer, the risk engine, the strategy callback, and the
// portfolio's snapshot history into a deterministic, thread-safe
// simulation.
package backtest

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantedge/backtest/internal/config"
	"github.com/quantedge/backtest/internal/marketdata"
	"github.com/quantedge/backtest/internal/ohlcv"
	"github.com/quantedge/backtest/internal/portfolio"
)

// Status reports whether a run completed or aborted on a strategy error.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is what a completed (or aborted) run produces.
type Result struct {
	RunID             uuid.UUID
	Status            Status
	Trades            []portfolio.Trade
	History           []portfolio.Snapshot
	FinalState        portfolio.Snapshot
	LiquidationEvents []portfolio.LiquidationEvent
	Err               error
}

// Driver owns an OhlcvStore and, for the duration of one run, a
// PortfolioCore. It is the only component that sequences data loading,
// liquidation checks, strategy callbacks, and snapshotting.
type Driver struct {
	store *marketdata.Store
}

// NewDriver builds a Driver over a shared OhlcvStore. The store may be
// reused across concurrent runs; the Driver itself is not safe for
// concurrent Run calls on the same instance.
func NewDriver(store *marketdata.Store) *Driver {
	return &Driver{store: store}
}

// Run loads the configured window, initialises a fresh PortfolioCore, and
// iterates bars in ascending timestamp order: liquidations, then the
// strategy callback, then a snapshot. A strategy error aborts the run; the
// partial history is retained and the result is marked failed.
func (d *Driver) Run(cfg *config.BacktestConfig, strategy Strategy) (*Result, error) {
	runID := uuid.New()
	symbol := ohlcv.Symbol(cfg.Symbol)
	timeframe := ohlcv.Timeframe(cfg.Timeframe)
	mode := cfg.Mode()

	window, err := d.store.LoadWindow(symbol, timeframe, mode, cfg.Start(), cfg.End())
	if err != nil {
		return nil, fmt.Errorf("backtest: loading window: %w", err)
	}

	core := portfolio.New(portfolio.Config{
		InitialCapital:        cfg.InitialCapital,
		TradingMode:           mode,
		MaxLeverage:           cfg.MaxLeverage,
		MaintenanceMarginRate: cfg.MaintenanceMarginRate,
		TakerFeeRate:          cfg.TakerFeeRate,
	})
	orders := portfolio.NewOrderEngine(core)
	risk := portfolio.NewRiskEngine(core)
	metrics := portfolio.NewMetrics(core)

	ctx := newContext(orders, metrics, core, cfg.MaxLeverage)
	ctx.Symbol = symbol

	if err := strategy.Initialize(ctx); err != nil {
		return d.failedResult(runID, core, risk, 0, err), nil
	}

	for i, bar := range window.Bars {
		ctx.CurrentPrice = bar.Close
		ctx.CurrentTime = bar.Timestamp

		marks := map[portfolio.Symbol]float64{symbol: bar.Close}
		for _, sym := range risk.ScanLiquidations(marks) {
			fee := 0.0
			if pos, ok := core.Position(sym); ok {
				fee = absFloat(pos.Size) * bar.Close * cfg.TakerFeeRate
			}
			if _, err := risk.CloseAtPrice(sym, bar.Close, fee, bar.Timestamp); err != nil {
				log.Error().Err(err).Str("symbol", string(sym)).Msg("liquidation close failed")
			}
		}

		if err := strategy.OnData(bar); err != nil {
			return d.failedResult(runID, core, risk, i, err), nil
		}

		snapshot := buildSnapshot(metrics, core, bar, marks)
		core.AppendSnapshot(snapshot)
	}

	return &Result{
		RunID:             runID,
		Status:            StatusSuccess,
		Trades:            core.Trades(),
		History:           core.History(),
		FinalState:        lastSnapshot(core),
		LiquidationEvents: risk.GetRecentEvents(maxLiquidationEvents),
	}, nil
}

func (d *Driver) failedResult(runID uuid.UUID, core *portfolio.PortfolioCore, risk *portfolio.RiskEngine, barIndex int, cause error) *Result {
	strategyErr := &portfolio.StrategyError{Bar: barIndex, Err: cause}
	return &Result{
		RunID:             runID,
		Status:            StatusFailed,
		Trades:            core.Trades(),
		History:           core.History(),
		FinalState:        lastSnapshot(core),
		LiquidationEvents: risk.GetRecentEvents(maxLiquidationEvents),
		Err:               strategyErr,
	}
}

// maxLiquidationEvents bounds how many liquidation events a single Result
// surfaces, matching portfolio.RiskEngine's own retention cap.
const maxLiquidationEvents = 100

func lastSnapshot(core *portfolio.PortfolioCore) portfolio.Snapshot {
	hist := core.History()
	if len(hist) == 0 {
		return portfolio.Snapshot{}
	}
	return hist[len(hist)-1]
}

func buildSnapshot(metrics *portfolio.Metrics, core *portfolio.PortfolioCore, bar ohlcv.Bar, marks map[portfolio.Symbol]float64) portfolio.Snapshot {
	value := metrics.PortfolioValue(marks)
	used := metrics.UsedMargin()
	unrealised := metrics.UnrealisedPnL(marks)
	realised := metrics.RealisedPnL()
	positions := core.Positions()

	leverageRatio := 0.0
	if used > 0 {
		leverageRatio = (used + unrealised + core.Cash()) / used
	}

	return portfolio.Snapshot{
		Timestamp:      bar.Timestamp,
		PortfolioValue: value,
		Cash:           core.Cash(),
		UnrealisedPnL:  unrealised,
		RealisedPnL:    realised,
		MarginUsed:     used,
		PositionCount:  len(positions),
		LeverageRatio:  leverageRatio,
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
