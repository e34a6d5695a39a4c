package portfolio

import (
	"math"
	"time"

	"github.com/quantedge/backtest/internal/ohlcv"
)

// Symbol is a local alias so this package does not need to import ohlcv at
// every call site just to spell the market identifier.
type Symbol = ohlcv.Symbol

// Position is a single open exposure: a type (long/short), size, entry
// price, leverage, and margin. Size is signed: positive for Long, negative
// for Short, so its sign always matches PositionType.
type Position struct {
	Symbol     Symbol
	Size       float64 // signed
	EntryPrice float64
	Leverage   float64
	OpenedAt   time.Time
	Type       ohlcv.PositionType
	MarginUsed float64
	Mode       ohlcv.TradingMode
}

// computeMargin returns the margin required for a |size|·price notional
// under the given mode and leverage: full notional in Spot, notional/leverage
// in Futures.
func computeMargin(mode ohlcv.TradingMode, absSize, price, leverage float64) float64 {
	notional := absSize * price
	if mode == ohlcv.Spot {
		return notional
	}
	return notional / leverage
}

// CreateLong builds a new Long position, enforcing mode compatibility (Long
// is always permitted) and computing MarginUsed for the mode.
func CreateLong(symbol Symbol, size, price, leverage float64, mode ohlcv.TradingMode, at time.Time) (*Position, error) {
	if size <= 0 {
		return nil, &ValidationError{Field: "size", Message: "long position size must be positive"}
	}
	return &Position{
		Symbol:     symbol,
		Size:       size,
		EntryPrice: price,
		Leverage:   leverage,
		OpenedAt:   at,
		Type:       ohlcv.Long,
		MarginUsed: computeMargin(mode, size, price, leverage),
		Mode:       mode,
	}, nil
}

// CreateShort builds a new Short position. Short positions are illegal in
// Spot mode.
func CreateShort(symbol Symbol, size, price, leverage float64, mode ohlcv.TradingMode, at time.Time) (*Position, error) {
	if mode == ohlcv.Spot {
		return nil, &ValidationError{Field: "position_type", Message: "short positions are not permitted in spot mode"}
	}
	if size <= 0 {
		return nil, &ValidationError{Field: "size", Message: "short position size must be positive (sign is implicit)"}
	}
	return &Position{
		Symbol:     symbol,
		Size:       -size,
		EntryPrice: price,
		Leverage:   leverage,
		OpenedAt:   at,
		Type:       ohlcv.Short,
		MarginUsed: computeMargin(mode, size, price, leverage),
		Mode:       mode,
	}, nil
}

// CreateFromTrade builds a position directly from a signed size (positive
// long, negative short). The order engine uses it for fresh opens and for
// the residual exposure opened on the opposite side of a fully-closed
// position.
func CreateFromTrade(symbol Symbol, signedSize, price, leverage float64, mode ohlcv.TradingMode, at time.Time) (*Position, error) {
	if signedSize > 0 {
		return CreateLong(symbol, signedSize, price, leverage, mode, at)
	}
	if signedSize < 0 {
		return CreateShort(symbol, -signedSize, price, leverage, mode, at)
	}
	return nil, &ValidationError{Field: "size", Message: "cannot create a position with zero size"}
}

// UnrealisedPnL computes mark-to-market profit/loss at the given mark
// price: (mark-entry)*|size| for Long, (entry-mark)*|size| for Short.
func (p *Position) UnrealisedPnL(mark float64) float64 {
	abs := math.Abs(p.Size)
	if p.Type == ohlcv.Short {
		return (p.EntryPrice - mark) * abs
	}
	return (mark - p.EntryPrice) * abs
}

// IsLiquidationRisk reports whether the position's unrealised loss at mark
// breaches the maintenance margin threshold. Spot positions can never be
// liquidated.
func (p *Position) IsLiquidationRisk(mark, maintenanceRate float64) bool {
	if p.Mode == ohlcv.Spot {
		return false
	}
	return p.UnrealisedPnL(mark) <= -(p.MarginUsed * (1 - maintenanceRate))
}

// PositionValue returns the Spot-style valuation |size|*mark.
func (p *Position) PositionValue(mark float64) float64 {
	return math.Abs(p.Size) * mark
}
