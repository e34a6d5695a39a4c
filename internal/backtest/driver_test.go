package backtest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/backtest/internal/config"
	"github.com/quantedge/backtest/internal/marketdata"
	"github.com/quantedge/backtest/internal/ohlcv"
)

func writeHourlyDay(t *testing.T, root string, symbol, venue string, mode ohlcv.TradingMode, date time.Time, opens []float64) {
	t.Helper()
	modeName := "spot"
	if mode == ohlcv.Futures {
		modeName = "futures"
	}
	dir := filepath.Join(root, venue, modeName, symbol, "1h")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("%s_1h_%s.csv", symbol, date.Format("2006-01-02")))

	rows := ohlcv.ExpectedHeader + "\n"
	for i, o := range opens {
		ts := date.Add(time.Duration(i) * time.Hour).UnixMilli()
		high := o + 1
		low := o - 1
		rows += fmt.Sprintf("%d,%v,%v,%v,%v,1\n", ts, o, high, low, o)
	}
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
}

func TestScenario_SpotBuyAndHold_EndToEnd(t *testing.T) {
	root := t.TempDir()
	date := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	opens := make([]float64, 24)
	for i := range opens {
		opens[i] = 100 + float64(i)*10.0/23.0
	}
	opens[23] = 110
	writeHourlyDay(t, root, "BTCUSDT", "binance", ohlcv.Spot, date, opens)

	store := marketdata.New(marketdata.Config{DataRoot: root, Venue: "binance", CacheCapacity: 16})
	driver := NewDriver(store)

	cfg := config.DefaultConfig()
	cfg.Symbol = "BTCUSDT"
	cfg.StartDate = "2025-01-01"
	cfg.EndDate = "2025-01-01"
	cfg.InitialCapital = 10000
	cfg.TakerFeeRate = 0
	require.NoError(t, cfg.Validate())

	strategy := &BuyAndHold{Amount: 50, Leverage: 1}
	result, err := driver.Run(cfg, strategy)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Trades, 1)

	lastClose := opens[len(opens)-1]
	expected := 5000 + 50*lastClose
	assert.InDelta(t, expected, result.FinalState.PortfolioValue, 1e-6)
}

func TestDriver_SnapshotMonotonicity(t *testing.T) {
	root := t.TempDir()
	date := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	opens := make([]float64, 1440)
	for i := range opens {
		opens[i] = 100
	}
	dir := filepath.Join(root, "binance", "spot", "BTCUSDT", "1m")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("BTCUSDT_1m_%s.csv", date.Format("2006-01-02")))
	rows := ohlcv.ExpectedHeader + "\n"
	for i, o := range opens {
		ts := date.Add(time.Duration(i) * time.Minute).UnixMilli()
		rows += fmt.Sprintf("%d,%v,%v,%v,%v,1\n", ts, o, o+1, o-1, o)
	}
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))

	store := marketdata.New(marketdata.Config{DataRoot: root, Venue: "binance", CacheCapacity: 16})
	driver := NewDriver(store)

	cfg := config.DefaultConfig()
	cfg.Symbol = "BTCUSDT"
	cfg.Timeframe = "1m"
	cfg.StartDate = "2025-01-01"
	cfg.EndDate = "2025-01-01"
	require.NoError(t, cfg.Validate())

	strategy := &BuyAndHold{Amount: 1, Leverage: 1}
	result, err := driver.Run(cfg, strategy)
	require.NoError(t, err)
	require.Len(t, result.History, 1440)
	for i := 1; i < len(result.History); i++ {
		assert.True(t, result.History[i].Timestamp.After(result.History[i-1].Timestamp))
	}
}

type failingStrategy struct{}

func (failingStrategy) Initialize(ctx *Context) error { return nil }
func (failingStrategy) OnData(bar ohlcv.Bar) error     { return fmt.Errorf("boom") }

func TestDriver_StrategyErrorMarksRunFailed(t *testing.T) {
	root := t.TempDir()
	date := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	writeHourlyDay(t, root, "BTCUSDT", "binance", ohlcv.Spot, date, []float64{100, 101})

	store := marketdata.New(marketdata.Config{DataRoot: root, Venue: "binance", CacheCapacity: 16})
	driver := NewDriver(store)

	cfg := config.DefaultConfig()
	cfg.Symbol = "BTCUSDT"
	cfg.StartDate = "2025-01-01"
	cfg.EndDate = "2025-01-01"
	require.NoError(t, cfg.Validate())

	result, err := driver.Run(cfg, failingStrategy{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)
}
