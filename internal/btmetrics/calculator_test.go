package btmetrics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantedge/backtest/internal/ohlcv"
	"github.com/quantedge/backtest/internal/portfolio"
)

func snap(i int, value float64) portfolio.Snapshot {
	return portfolio.Snapshot{
		Timestamp:      time.Date(2025, 1, 1, 0, i, 0, 0, time.UTC),
		PortfolioValue: value,
	}
}

func TestCompute_EmptyHistoryReturnsDefaults(t *testing.T) {
	c := New(365)
	res := c.Compute(nil, nil, 10000)
	assert.Equal(t, 0.0, res.ProfitFactor)
	assert.Equal(t, 0, res.TotalTrades)
}

func TestCompute_ConstantValueHasZeroSharpe(t *testing.T) {
	c := New(365)
	history := []portfolio.Snapshot{snap(0, 10000), snap(1, 10000), snap(2, 10000)}
	res := c.Compute(history, nil, 10000)
	assert.Equal(t, 0.0, res.SharpeRatio)
	assert.Equal(t, 0.0, res.TotalReturn)
}

func TestCompute_MaxDrawdown(t *testing.T) {
	c := New(365)
	history := []portfolio.Snapshot{snap(0, 100), snap(1, 120), snap(2, 90), snap(3, 110)}
	res := c.Compute(history, nil, 100)
	assert.InDelta(t, 0.25, res.MaxDrawdown, 1e-9) // (120-90)/120
}

func TestCompute_ProfitFactorNoLossesIsInf(t *testing.T) {
	c := New(365)
	trades := []portfolio.Trade{{PnL: 10}, {PnL: 20}}
	res := c.Compute([]portfolio.Snapshot{snap(0, 100)}, trades, 100)
	assert.True(t, math.IsInf(res.ProfitFactor, 1))
}

func TestCompute_ProfitFactorNoWinsIsZero(t *testing.T) {
	c := New(365)
	trades := []portfolio.Trade{{PnL: -10}, {PnL: -20}}
	res := c.Compute([]portfolio.Snapshot{snap(0, 100)}, trades, 100)
	assert.Equal(t, 0.0, res.ProfitFactor)
}

func TestCompute_TradeStatsAndLeverage(t *testing.T) {
	c := New(365)
	trades := []portfolio.Trade{
		{PnL: 10, Leverage: 2, Action: ohlcv.Buy},
		{PnL: -5, Leverage: 4, Action: ohlcv.Sell},
		{PnL: -3, Leverage: 10, Action: ohlcv.Liquidation},
	}
	res := c.Compute([]portfolio.Snapshot{snap(0, 100)}, trades, 100)
	assert.Equal(t, 3, res.TotalTrades)
	assert.InDelta(t, 1.0/3.0, res.WinRate, 1e-9)
	assert.Equal(t, 1, res.Liquidations)
	assert.InDelta(t, 10.0, res.AvgWin, 1e-9)
	assert.InDelta(t, -4.0, res.AvgLoss, 1e-9)
	assert.InDelta(t, (2.0+4.0+10.0)/3.0, res.AvgLeverage, 1e-9)
	assert.Equal(t, 10.0, res.MaxLeverage)
}
