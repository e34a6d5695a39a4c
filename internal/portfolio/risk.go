package portfolio

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantedge/backtest/internal/ohlcv"
)

// maxLiquidationEvents bounds the in-memory liquidation-event log, matching
// the teacher's own risk manager's "keep only the last 100" retention.
const maxLiquidationEvents = 100

// LiquidationEvent records one forced close for later reporting.
type LiquidationEvent struct {
	Timestamp time.Time
	Symbol    Symbol
	Price     float64
	Size      float64
	PnL       float64
}

// RiskEngine scans open positions for liquidation risk and forces closes at
// a reference price. It holds a non-owning reference to the PortfolioCore.
// Liquidation events are logged separately under their own lock so reading
// the log never needs PortfolioCore's lock.
type RiskEngine struct {
	core *PortfolioCore

	eventsMu sync.Mutex
	events   []LiquidationEvent
}

// NewRiskEngine builds a RiskEngine over core.
func NewRiskEngine(core *PortfolioCore) *RiskEngine {
	return &RiskEngine{core: core}
}

// GetRecentEvents returns up to the n most recently recorded liquidation
// events, oldest first.
func (r *RiskEngine) GetRecentEvents(n int) []LiquidationEvent {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	if n > len(r.events) {
		n = len(r.events)
	}
	out := make([]LiquidationEvent, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}

func (r *RiskEngine) recordEvent(ev LiquidationEvent) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	r.events = append(r.events, ev)
	if len(r.events) > maxLiquidationEvents {
		r.events = r.events[len(r.events)-maxLiquidationEvents:]
	}
}

// ScanLiquidations tests every open position's liquidation predicate against
// the supplied mark prices and returns the symbols at risk, in the
// portfolio's stable insertion order.
func (r *RiskEngine) ScanLiquidations(marks map[Symbol]float64) []Symbol {
	c := r.core
	c.mu.Lock()
	defer c.mu.Unlock()

	var atRisk []Symbol
	for _, sym := range c.order {
		pos, ok := c.positions[sym]
		if !ok {
			continue
		}
		mark, ok := marks[sym]
		if !ok {
			continue
		}
		if pos.IsLiquidationRisk(mark, c.maintenanceMarginRate) {
			atRisk = append(atRisk, sym)
		}
	}
	return atRisk
}

// CloseAtPrice forcibly closes a position in full at price, crediting
// margin and unrealised PnL to cash net of fee, and appends a Liquidation
// trade. Returns the realised PnL booked on this close.
func (r *RiskEngine) CloseAtPrice(symbol Symbol, price, fee float64, at time.Time) (float64, error) {
	c := r.core
	c.mu.Lock()

	pos, ok := c.positions[symbol]
	if !ok {
		c.mu.Unlock()
		return 0, &PositionNotFoundError{Symbol: symbol}
	}

	unrealised := pos.UnrealisedPnL(price)
	realised := unrealised - fee
	c.cash += pos.MarginUsed + unrealised - fee
	c.removePositionLocked(symbol)
	size := absFloat(pos.Size)

	trade := Trade{
		Timestamp: at, Symbol: symbol, Action: ohlcv.Liquidation, Quantity: size,
		Price: price, Leverage: pos.Leverage, Fee: fee, Type: pos.Type,
		PnL: realised, MarginUsed: pos.MarginUsed,
	}
	if err := c.appendTradeLocked(trade); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	c.checkInvariantsLocked()
	c.mu.Unlock()

	log.Warn().Str("symbol", string(symbol)).Float64("price", price).Float64("pnl", realised).Msg("position liquidated")
	r.recordEvent(LiquidationEvent{Timestamp: at, Symbol: symbol, Price: price, Size: size, PnL: realised})
	return realised, nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
