package backtest

import "github.com/quantedge/backtest/internal/ohlcv"

// BuyAndHold is a minimal reference Strategy: it buys a fixed amount on the
// first bar and never trades again. It exists as a concrete example of the
// Strategy contract for the CLI's default run and for driver tests; real
// strategies are supplied externally by the embedding caller.
type BuyAndHold struct {
	Amount   float64
	Leverage float64

	ctx     *Context
	entered bool
}

// Initialize captures the context for use in OnData.
func (s *BuyAndHold) Initialize(ctx *Context) error {
	s.ctx = ctx
	return nil
}

// OnData buys once, on the first bar it sees, and is a no-op afterward.
func (s *BuyAndHold) OnData(bar ohlcv.Bar) error {
	if s.entered {
		return nil
	}
	s.entered = true
	return s.ctx.Buy(s.Amount, s.Leverage)
}
