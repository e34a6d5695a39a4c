package portfolio

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantedge/backtest/internal/ohlcv"
)

// OrderEngine implements buy/sell/close operations on top of a
// PortfolioCore: input validation, fee calculation, averaging, and trade
// recording. It holds a non-owning reference to the core and acquires its
// lock for every mutation.
type OrderEngine struct {
	core *PortfolioCore
}

// NewOrderEngine builds an OrderEngine over core.
func NewOrderEngine(core *PortfolioCore) *OrderEngine {
	return &OrderEngine{core: core}
}

func validatePositive(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return &ValidationError{Field: field, Message: "must be a positive, finite number"}
	}
	return nil
}

func (e *OrderEngine) validateOrderInputs(amount, price, leverage float64) error {
	if err := validatePositive("amount", amount); err != nil {
		return err
	}
	if err := validatePositive("price", price); err != nil {
		return err
	}
	if err := validatePositive("leverage", leverage); err != nil {
		return err
	}
	if amount < MinTradeSize || amount > MaxTradeSize {
		return &ValidationError{Field: "amount", Message: "outside [MinTradeSize, MaxTradeSize]"}
	}
	if leverage > e.core.maxLeverage+tolerance {
		return &ValidationError{Field: "leverage", Message: "exceeds configured max_leverage"}
	}
	if e.core.tradingMode == ohlcv.Spot && math.Abs(leverage-1) > tolerance {
		return &ValidationError{Field: "leverage", Message: "spot mode requires leverage = 1"}
	}
	return nil
}

// Buy executes a buy order: closes an opposite Short (wholly or partially,
// with any residual opening a fresh Long), averages into an existing Long,
// or opens a new Long.
func (e *OrderEngine) Buy(symbol Symbol, amount, price, leverage float64, at time.Time) error {
	if err := e.validateOrderInputs(amount, price, leverage); err != nil {
		return err
	}

	c := e.core
	c.mu.Lock()
	defer c.mu.Unlock()

	notional := amount * price
	fee := notional * c.takerFeeRate

	existing, hasExisting := c.positions[symbol]
	switch {
	case hasExisting && existing.Type == ohlcv.Short:
		if err := e.closeOppositeLocked(existing, ohlcv.Buy, ohlcv.Long, amount, price, leverage, fee, at); err != nil {
			return err
		}
	case hasExisting && existing.Type == ohlcv.Long:
		if err := e.averageIntoLocked(existing, amount, price, leverage, fee, ohlcv.Buy, at); err != nil {
			return err
		}
	default:
		if err := e.openNewLocked(symbol, amount, price, leverage, fee, ohlcv.Long, ohlcv.Buy, at); err != nil {
			return err
		}
	}

	c.checkInvariantsLocked()
	return nil
}

// Sell executes a sell order: closes an opposite Long, averages into an
// existing Short, or opens a new Short (Futures only — a spot-mode sell
// against nothing held fails validation per spec, rather than silently
// opening a synthetic short).
func (e *OrderEngine) Sell(symbol Symbol, amount, price, leverage float64, at time.Time) error {
	if err := e.validateOrderInputs(amount, price, leverage); err != nil {
		return err
	}

	c := e.core
	c.mu.Lock()
	defer c.mu.Unlock()

	notional := amount * price
	fee := notional * c.takerFeeRate

	existing, hasExisting := c.positions[symbol]
	switch {
	case hasExisting && existing.Type == ohlcv.Long:
		if err := e.closeOppositeLocked(existing, ohlcv.Sell, ohlcv.Short, amount, price, leverage, fee, at); err != nil {
			return err
		}
	case hasExisting && existing.Type == ohlcv.Short:
		if err := e.averageIntoLocked(existing, amount, price, leverage, fee, ohlcv.Sell, at); err != nil {
			return err
		}
	default:
		if c.tradingMode == ohlcv.Spot {
			return &ValidationError{Field: "symbol", Message: "cannot sell an asset not held in spot mode"}
		}
		if err := e.openNewLocked(symbol, amount, price, leverage, fee, ohlcv.Short, ohlcv.Sell, at); err != nil {
			return err
		}
	}

	c.checkInvariantsLocked()
	return nil
}

// closeOppositeLocked closes up to amount of an existing position on the
// opposite side, crediting released margin and net realised PnL, and opens
// a fresh position of openSide with any residual quantity that reaches
// MinTradeSize — a residual smaller than that can never be recorded as a
// Trade (appendTradeLocked's own size bound), so it is dropped as dust
// instead of attempted. Every check that could fail the residual open
// (mode compatibility, funds) runs before any field is mutated, so a
// returned error always leaves cash and positions untouched. Caller holds
// c.mu.
func (e *OrderEngine) closeOppositeLocked(existing *Position, action ohlcv.Action, openSide ohlcv.PositionType, amount, price, leverage, fee float64, at time.Time) error {
	c := e.core
	absExisting := math.Abs(existing.Size)
	filled := math.Min(amount, absExisting)

	marginReleased := existing.MarginUsed * (filled / absExisting)
	var grossPnL float64
	if existing.Type == ohlcv.Short {
		grossPnL = (existing.EntryPrice - price) * filled
	} else {
		grossPnL = (price - existing.EntryPrice) * filled
	}
	netPnL := grossPnL - fee

	residual := amount - filled
	openResidual := residual >= MinTradeSize-tolerance

	var marginNeeded float64
	if openResidual {
		if openSide == ohlcv.Short && c.tradingMode == ohlcv.Spot {
			return &ValidationError{Field: "position_type", Message: "short positions are not permitted in spot mode"}
		}
		marginNeeded = computeMargin(c.tradingMode, residual, price, leverage)
		cashAfterClose := c.cash + marginReleased + netPnL
		if cashAfterClose < marginNeeded-tolerance {
			return &InsufficientFundsError{Symbol: existing.Symbol, Required: marginNeeded, Available: cashAfterClose}
		}
	}

	c.cash += marginReleased + netPnL

	remainingSize := absExisting - filled
	if remainingSize < MinTradeSize {
		c.removePositionLocked(existing.Symbol)
	} else {
		sign := 1.0
		if existing.Type == ohlcv.Short {
			sign = -1.0
		}
		existing.Size = sign * remainingSize
		existing.MarginUsed -= marginReleased
	}

	closeTrade := Trade{
		Timestamp: at, Symbol: existing.Symbol, Action: action, Quantity: filled,
		Price: price, Leverage: existing.Leverage, Fee: fee, Type: existing.Type,
		PnL: netPnL, MarginUsed: marginReleased,
	}
	if err := c.appendTradeLocked(closeTrade); err != nil {
		return err
	}

	if openResidual {
		c.cash -= marginNeeded
		pos, err := CreateFromTrade(existing.Symbol, signedSizeFor(openSide, residual), price, leverage, c.tradingMode, at)
		if err != nil {
			return err
		}
		c.setPositionLocked(pos)
		openTrade := Trade{
			Timestamp: at, Symbol: pos.Symbol, Action: action, Quantity: residual,
			Price: price, Leverage: leverage, Fee: 0, Type: openSide,
			PnL: 0, MarginUsed: marginNeeded,
		}
		if err := c.appendTradeLocked(openTrade); err != nil {
			return err
		}
	}
	return nil
}

func signedSizeFor(side ohlcv.PositionType, absSize float64) float64 {
	if side == ohlcv.Short {
		return -absSize
	}
	return absSize
}

// averageIntoLocked adds to an existing same-side position: the new entry
// price is the volume-weighted average of old and incoming notional;
// margins are summed directly without re-margining the existing portion.
// Caller holds c.mu.
func (e *OrderEngine) averageIntoLocked(existing *Position, amount, price, leverage, fee float64, action ohlcv.Action, at time.Time) error {
	c := e.core
	marginNeeded := computeMargin(c.tradingMode, amount, price, leverage)
	if c.cash < marginNeeded+fee-tolerance {
		return &InsufficientFundsError{Symbol: existing.Symbol, Required: marginNeeded + fee, Available: c.cash}
	}

	absExisting := math.Abs(existing.Size)
	newEntry := (absExisting*existing.EntryPrice + amount*price) / (absExisting + amount)

	sign := 1.0
	if existing.Type == ohlcv.Short {
		sign = -1.0
	}
	existing.Size = sign * (absExisting + amount)
	existing.EntryPrice = newEntry
	existing.MarginUsed += marginNeeded

	c.cash -= marginNeeded + fee

	trade := Trade{
		Timestamp: at, Symbol: existing.Symbol, Action: action, Quantity: amount,
		Price: price, Leverage: leverage, Fee: fee, Type: existing.Type,
		PnL: 0, MarginUsed: existing.MarginUsed,
	}
	return c.appendTradeLocked(trade)
}

// openNewLocked opens a fresh position. Caller holds c.mu.
func (e *OrderEngine) openNewLocked(symbol Symbol, amount, price, leverage, fee float64, side ohlcv.PositionType, action ohlcv.Action, at time.Time) error {
	c := e.core
	marginNeeded := computeMargin(c.tradingMode, amount, price, leverage)
	if c.cash < marginNeeded+fee-tolerance {
		return &InsufficientFundsError{Symbol: symbol, Required: marginNeeded + fee, Available: c.cash}
	}

	pos, err := CreateFromTrade(symbol, signedSizeFor(side, amount), price, leverage, c.tradingMode, at)
	if err != nil {
		return err
	}
	c.cash -= marginNeeded + fee
	c.setPositionLocked(pos)

	trade := Trade{
		Timestamp: at, Symbol: symbol, Action: action, Quantity: amount,
		Price: price, Leverage: leverage, Fee: fee, Type: side,
		PnL: 0, MarginUsed: marginNeeded,
	}
	return c.appendTradeLocked(trade)
}

// ClosePosition closes percentage (0,100] of the open position on symbol at
// price, releasing margin proportionally and crediting realised PnL net of
// fee.
func (e *OrderEngine) ClosePosition(symbol Symbol, percentage, price float64, at time.Time) error {
	if percentage <= 0 || percentage > 100 {
		return &ValidationError{Field: "percentage", Message: "must be in (0, 100]"}
	}
	if err := validatePositive("price", price); err != nil {
		return err
	}

	c := e.core
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[symbol]
	if !ok {
		return &PositionNotFoundError{Symbol: symbol}
	}

	absSize := math.Abs(pos.Size)
	closeQty := absSize * percentage / 100
	fee := closeQty * price * c.takerFeeRate
	grossPnL := pos.UnrealisedPnL(price) * percentage / 100
	netPnL := grossPnL - fee
	marginReleased := pos.MarginUsed * percentage / 100

	c.cash += marginReleased + netPnL

	action := ohlcv.Sell
	if pos.Type == ohlcv.Short {
		action = ohlcv.Buy
	}

	remaining := absSize - closeQty
	if percentage >= 100-tolerance || remaining < MinTradeSize {
		c.removePositionLocked(symbol)
	} else {
		sign := 1.0
		if pos.Type == ohlcv.Short {
			sign = -1.0
		}
		pos.Size = sign * remaining
		pos.MarginUsed -= marginReleased
	}

	trade := Trade{
		Timestamp: at, Symbol: symbol, Action: action, Quantity: closeQty,
		Price: price, Leverage: pos.Leverage, Fee: fee, Type: pos.Type,
		PnL: netPnL, MarginUsed: marginReleased,
	}
	if err := c.appendTradeLocked(trade); err != nil {
		return err
	}

	c.checkInvariantsLocked()
	log.Debug().Str("symbol", string(symbol)).Float64("percentage", percentage).Float64("pnl", netPnL).Msg("position closed")
	return nil
}
