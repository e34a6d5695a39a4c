package backtest

import (
	"time"

	"github.com/quantedge/backtest/internal/ohlcv"
	"github.com/quantedge/backtest/internal/portfolio"
)

// Strategy is the externally implemented contract the driver calls. It is
// modelled as a capability set rather than a base class: initialize once
// per run, then react to each bar.
type Strategy interface {
	Initialize(ctx *Context) error
	OnData(bar ohlcv.Bar) error
}

// Context is the trading API surface passed to strategy callbacks: a thin
// object backed by OrderEngine and PortfolioMetrics, rather than methods on
// a mutable base class. Symbol, CurrentPrice, and CurrentTime are refreshed
// by the driver before each bar.
type Context struct {
	Symbol       portfolio.Symbol
	CurrentPrice float64
	CurrentTime  time.Time

	orders   *portfolio.OrderEngine
	metrics  *portfolio.Metrics
	core     *portfolio.PortfolioCore
	leverage float64
}

func newContext(orders *portfolio.OrderEngine, metrics *portfolio.Metrics, core *portfolio.PortfolioCore, defaultLeverage float64) *Context {
	return &Context{orders: orders, metrics: metrics, core: core, leverage: defaultLeverage}
}

// Buy opens or adds to a Long position (or closes a Short) at the current
// bar's price using the given leverage.
func (c *Context) Buy(amount, leverage float64) error {
	return c.orders.Buy(c.Symbol, amount, c.CurrentPrice, leverage, c.CurrentTime)
}

// Sell opens or adds to a Short position (or closes a Long) at the current
// bar's price using the given leverage.
func (c *Context) Sell(amount, leverage float64) error {
	return c.orders.Sell(c.Symbol, amount, c.CurrentPrice, leverage, c.CurrentTime)
}

// ClosePosition closes percentage of the open position at the current
// bar's price.
func (c *Context) ClosePosition(percentage float64) error {
	return c.orders.ClosePosition(c.Symbol, percentage, c.CurrentPrice, c.CurrentTime)
}

// PositionSize returns the signed size of the currently open position, or
// 0 if none is open.
func (c *Context) PositionSize() float64 {
	pos, ok := c.core.Position(c.Symbol)
	if !ok {
		return 0
	}
	return pos.Size
}

// Cash returns the current cash balance.
func (c *Context) Cash() float64 {
	return c.core.Cash()
}

// MarginRatio returns the portfolio's current margin ratio at the last
// refreshed mark price.
func (c *Context) MarginRatio() float64 {
	return c.metrics.MarginRatio(c.marks())
}

// UnrealisedPnL returns the portfolio's current unrealised PnL at the last
// refreshed mark price.
func (c *Context) UnrealisedPnL() float64 {
	return c.metrics.UnrealisedPnL(c.marks())
}

// Leverage returns the leverage of the currently open position, or the
// context's default leverage if none is open.
func (c *Context) Leverage() float64 {
	pos, ok := c.core.Position(c.Symbol)
	if !ok {
		return c.leverage
	}
	return pos.Leverage
}

func (c *Context) marks() map[portfolio.Symbol]float64 {
	return map[portfolio.Symbol]float64{c.Symbol: c.CurrentPrice}
}
