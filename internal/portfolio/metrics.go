package portfolio

import (
	"math"

	"github.com/quantedge/backtest/internal/ohlcv"
)

// Metrics is read-only: it runs under the core lock only long enough to
// snapshot the fields it needs, and never mutates portfolio state.
type Metrics struct {
	core *PortfolioCore
}

// NewMetrics builds a Metrics reader over core.
func NewMetrics(core *PortfolioCore) *Metrics {
	return &Metrics{core: core}
}

// PortfolioValue returns cash + Σunrealised_pnl in Futures mode, or
// cash + Σposition_value in Spot mode.
func (m *Metrics) PortfolioValue(marks map[Symbol]float64) float64 {
	c := m.core
	c.mu.Lock()
	defer c.mu.Unlock()

	value := c.cash
	for _, sym := range c.order {
		pos, ok := c.positions[sym]
		if !ok {
			continue
		}
		mark := marks[sym]
		if c.tradingMode == ohlcv.Spot {
			value += pos.PositionValue(mark)
		} else {
			value += pos.UnrealisedPnL(mark)
		}
	}
	return value
}

// UsedMargin returns Σmargin_used over open positions.
func (m *Metrics) UsedMargin() float64 {
	c := m.core
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, p := range c.positions {
		total += p.MarginUsed
	}
	return total
}

// MarginRatio returns +Inf when no margin is used, else
// (cash + Σunrealised_pnl) / used_margin.
func (m *Metrics) MarginRatio(marks map[Symbol]float64) float64 {
	c := m.core
	c.mu.Lock()
	var cash float64
	var usedMargin, unrealised float64
	cash = c.cash
	for _, p := range c.positions {
		usedMargin += p.MarginUsed
		unrealised += p.UnrealisedPnL(marks[p.Symbol])
	}
	c.mu.Unlock()

	if usedMargin == 0 {
		return math.Inf(1)
	}
	return (cash + unrealised) / usedMargin
}

// RealisedPnL returns Σtrade.pnl over the trade log.
func (m *Metrics) RealisedPnL() float64 {
	c := m.core
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, t := range c.trades {
		total += t.PnL
	}
	return total
}

// UnrealisedPnL returns Σposition.unrealised_pnl(mark) over open positions.
func (m *Metrics) UnrealisedPnL(marks map[Symbol]float64) float64 {
	c := m.core
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, p := range c.positions {
		total += p.UnrealisedPnL(marks[p.Symbol])
	}
	return total
}
