// Package btmetrics computes post-run performance metrics from a
// portfolio's snapshot history and trade log: return, volatility, risk-
// adjusted ratios, drawdown, and trade statistics.
package btmetrics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/quantedge/backtest/internal/ohlcv"
	"github.com/quantedge/backtest/internal/portfolio"
)

// Result is the full set of metrics MetricsCalculator produces.
type Result struct {
	TotalReturn   float64
	Volatility    float64
	SharpeRatio   float64
	SortinoRatio  float64
	MaxDrawdown   float64
	TotalTrades   int
	WinRate       float64
	ProfitFactor  float64
	AvgWin        float64
	AvgLoss       float64
	Liquidations  int
	AvgLeverage   float64
	MaxLeverage   float64
}

// Calculator consumes a completed run's snapshot history and trade log.
type Calculator struct {
	// BarsPerYear scales the per-bar Sharpe/Sortino ratio to an annualised
	// figure, e.g. 24*365 for hourly bars, 365 for daily bars.
	BarsPerYear float64
}

// New builds a Calculator that annualises ratios assuming barsPerYear bars
// per year.
func New(barsPerYear float64) *Calculator {
	return &Calculator{BarsPerYear: barsPerYear}
}

// Compute derives a Result from history (ascending timestamp order) and
// trades. initialCapital anchors total_return. An empty history returns a
// default Result with the documented sentinel values rather than erroring.
func (c *Calculator) Compute(history []portfolio.Snapshot, trades []portfolio.Trade, initialCapital float64) Result {
	res := Result{ProfitFactor: 0, SharpeRatio: 0, SortinoRatio: 0}

	if len(history) == 0 {
		res.ProfitFactor = 0
		return res
	}

	final := history[len(history)-1].PortfolioValue
	if initialCapital != 0 {
		res.TotalReturn = (final - initialCapital) / initialCapital
	}

	returns := perBarReturns(history)
	res.Volatility = sampleStdDev(returns)
	res.SharpeRatio = sharpe(returns, c.BarsPerYear)
	res.SortinoRatio = sortino(returns, c.BarsPerYear)
	res.MaxDrawdown = maxDrawdown(history)

	computeTradeStats(&res, trades)
	return res
}

func perBarReturns(history []portfolio.Snapshot) []float64 {
	if len(history) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1].PortfolioValue
		if prev == 0 {
			continue
		}
		returns = append(returns, (history[i].PortfolioValue-prev)/prev)
	}
	return returns
}

func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

func sharpe(returns []float64, barsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return (mean / std) * math.Sqrt(barsPerYear)
}

func sortino(returns []float64, barsPerYear float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	downside := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	downsideStd := sampleStdDev(downside)
	if downsideStd == 0 {
		return 0
	}
	return (mean / downsideStd) * math.Sqrt(barsPerYear)
}

func maxDrawdown(history []portfolio.Snapshot) float64 {
	peak := history[0].PortfolioValue
	var worst float64
	for _, s := range history {
		if s.PortfolioValue > peak {
			peak = s.PortfolioValue
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - s.PortfolioValue) / peak
		if drawdown > worst {
			worst = drawdown
		}
	}
	return worst
}

func computeTradeStats(res *Result, trades []portfolio.Trade) {
	res.TotalTrades = len(trades)
	if len(trades) == 0 {
		res.ProfitFactor = 0
		return
	}

	var wins, losses []float64
	var leverageSum, maxLeverage float64
	var liquidations int

	for _, t := range trades {
		if t.PnL > 0 {
			wins = append(wins, t.PnL)
		} else if t.PnL < 0 {
			losses = append(losses, t.PnL)
		}
		if t.Action == ohlcv.Liquidation {
			liquidations++
		}
		leverageSum += t.Leverage
		if t.Leverage > maxLeverage {
			maxLeverage = t.Leverage
		}
	}

	res.Liquidations = liquidations
	res.AvgLeverage = leverageSum / float64(len(trades))
	res.MaxLeverage = maxLeverage

	if len(wins) > 0 {
		res.AvgWin = stat.Mean(wins, nil)
	}
	if len(losses) > 0 {
		res.AvgLoss = stat.Mean(losses, nil)
	}
	res.WinRate = float64(len(wins)) / float64(len(trades))

	var winSum, lossSum float64
	for _, w := range wins {
		winSum += w
	}
	for _, l := range losses {
		lossSum += l
	}
	switch {
	case lossSum == 0 && winSum == 0:
		res.ProfitFactor = 0
	case lossSum == 0:
		res.ProfitFactor = math.Inf(1)
	case winSum == 0:
		res.ProfitFactor = 0
	default:
		res.ProfitFactor = winSum / math.Abs(lossSum)
	}
}
