// Package portfolio implements the portfolio and order-execution engine:
// position lifecycle, margin and leverage arithmetic, liquidation
// detection, realised/unrealised PnL accounting, and bounded history
// recording, all behind a single lock per portfolio instance.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantedge/backtest/internal/ohlcv"
)

const (
	// MaxPositionsPerPortfolio bounds distinct open symbols. The core
	// targets single-symbol runs, so this is generous headroom, not an
	// expected operating point.
	MaxPositionsPerPortfolio = 100
	// MinTradeSize and MaxTradeSize bound |quantity| on any committed
	// trade.
	MinTradeSize = 1e-5
	MaxTradeSize = 1e6
	// DefaultMaxHistoryEntries is used when a PortfolioCore is constructed
	// without an explicit history capacity.
	DefaultMaxHistoryEntries = 200000
	// tolerance is the floating-point equality tolerance used for ratio
	// comparisons throughout the order path.
	tolerance = 1e-9
)

// Trade is an immutable record appended on every committed state change.
type Trade struct {
	Timestamp  time.Time
	Symbol     Symbol
	Action     ohlcv.Action
	Quantity   float64
	Price      float64
	Leverage   float64
	Fee        float64
	Type       ohlcv.PositionType
	PnL        float64
	MarginUsed float64
}

// Snapshot is a per-bar record of portfolio state used for time-series
// metrics.
type Snapshot struct {
	Timestamp      time.Time
	PortfolioValue float64
	Cash           float64
	UnrealisedPnL  float64
	RealisedPnL    float64
	MarginUsed     float64
	PositionCount  int
	LeverageRatio  float64
}

// PortfolioCore is the atomic mutable state behind a single lock: cash,
// positions, trade log, and bounded history. OrderEngine, RiskEngine, and
// PortfolioMetrics hold a non-owning reference to the same PortfolioCore
// and go through its lock to read or mutate; there are no back-pointers.
type PortfolioCore struct {
	mu sync.Mutex

	initialCapital float64
	cash           float64
	positions      map[Symbol]*Position
	order          []Symbol // insertion order of positions, for determinism
	trades         []Trade
	history        *SnapshotHistory
	tradingMode    ohlcv.TradingMode

	maxLeverage           float64
	maintenanceMarginRate float64
	takerFeeRate          float64
}

// Config parameterises a new PortfolioCore.
type Config struct {
	InitialCapital        float64
	TradingMode           ohlcv.TradingMode
	MaxLeverage           float64
	MaintenanceMarginRate float64
	TakerFeeRate          float64
	MaxHistoryEntries     int
}

// New builds a PortfolioCore with the given initial capital and trading
// mode. InitialCapital never mutates after construction.
func New(cfg Config) *PortfolioCore {
	capacity := cfg.MaxHistoryEntries
	if capacity <= 0 {
		capacity = DefaultMaxHistoryEntries
	}
	return &PortfolioCore{
		initialCapital:        cfg.InitialCapital,
		cash:                  cfg.InitialCapital,
		positions:             make(map[Symbol]*Position),
		trades:                make([]Trade, 0, 1024),
		history:               NewSnapshotHistory(capacity),
		tradingMode:           cfg.TradingMode,
		maxLeverage:           cfg.MaxLeverage,
		maintenanceMarginRate: cfg.MaintenanceMarginRate,
		takerFeeRate:          cfg.TakerFeeRate,
	}
}

// InitialCapital returns the immutable starting capital.
func (c *PortfolioCore) InitialCapital() float64 {
	return c.initialCapital
}

// TradingMode returns the portfolio's trading mode.
func (c *PortfolioCore) TradingMode() ohlcv.TradingMode {
	return c.tradingMode
}

// MaxLeverage, MaintenanceMarginRate and TakerFeeRate expose the portfolio's
// configured risk parameters to collaborators that need them without
// duplicating BacktestConfig.
func (c *PortfolioCore) MaxLeverage() float64           { return c.maxLeverage }
func (c *PortfolioCore) MaintenanceMarginRate() float64 { return c.maintenanceMarginRate }
func (c *PortfolioCore) TakerFeeRate() float64          { return c.takerFeeRate }

// Cash returns the current cash balance.
func (c *PortfolioCore) Cash() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cash
}

// Position returns a copy of the position for symbol, if any.
func (c *PortfolioCore) Position(symbol Symbol) (Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all open positions in insertion order.
func (c *PortfolioCore) Positions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.order))
	for _, sym := range c.order {
		if p, ok := c.positions[sym]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Trades returns the append-only trade log.
func (c *PortfolioCore) Trades() []Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Trade, len(c.trades))
	copy(out, c.trades)
	return out
}

// History returns the retained snapshots, oldest first.
func (c *PortfolioCore) History() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.ToSlice()
}

// AppendSnapshot records a Snapshot into the bounded history.
func (c *PortfolioCore) AppendSnapshot(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Push(s)
}

// setPositionLocked installs or replaces a position and tracks insertion
// order. Caller must hold c.mu.
func (c *PortfolioCore) setPositionLocked(p *Position) {
	if _, exists := c.positions[p.Symbol]; !exists {
		c.order = append(c.order, p.Symbol)
	}
	c.positions[p.Symbol] = p
}

// removePositionLocked deletes a position and its insertion-order entry.
// Caller must hold c.mu.
func (c *PortfolioCore) removePositionLocked(symbol Symbol) {
	delete(c.positions, symbol)
	for i, sym := range c.order {
		if sym == symbol {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// appendTradeLocked validates trade-size bounds and appends to the log.
// Caller must hold c.mu.
func (c *PortfolioCore) appendTradeLocked(t Trade) error {
	absQty := t.Quantity
	if absQty < 0 {
		absQty = -absQty
	}
	if absQty < MinTradeSize || absQty > MaxTradeSize {
		return &ValidationError{Field: "quantity", Message: fmt.Sprintf("|%.10f| outside [%.0e, %.0e]", t.Quantity, MinTradeSize, MaxTradeSize)}
	}
	c.trades = append(c.trades, t)
	return nil
}

// checkInvariantsLocked re-validates the structural invariants of §4.5
// after a committed operation. Violations are logged, matching the
// "test coverage in release" posture spec'd for production builds; debug
// builds are expected to assert instead via the accompanying test suite.
func (c *PortfolioCore) checkInvariantsLocked() {
	if c.cash < -tolerance {
		log.Error().Float64("cash", c.cash).Msg("portfolio invariant violated: negative cash")
	}
	for sym, p := range c.positions {
		if p.Symbol != sym {
			log.Error().Str("key", string(sym)).Str("symbol", string(p.Symbol)).Msg("portfolio invariant violated: position symbol mismatch")
		}
	}
	if len(c.positions) > MaxPositionsPerPortfolio {
		log.Error().Int("count", len(c.positions)).Msg("portfolio invariant violated: too many open positions")
	}
}
