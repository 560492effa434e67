package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/infrastructure/health"
	"signal_trader/internal/mock"
	"signal_trader/internal/trading/workflow"
	"signal_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingSettings_DefaultsMatchWorkflowDefaults(t *testing.T) {
	got := tradingSettings(config.DefaultConfig().Trading)
	want := workflow.DefaultSettings()

	require.NoError(t, got.Validate())
	assert.Equal(t, want.EntryWait, got.EntryWait)
	assert.Equal(t, want.EntryChecks, got.EntryChecks)
	assert.Equal(t, want.MonitorHours, got.MonitorHours)
	assert.Equal(t, want.MonitorMinute, got.MonitorMinute)
	assert.Equal(t, want.MaxHold, got.MaxHold)
	assert.Equal(t, want.Level2ZScore, got.Level2ZScore)
	assert.Equal(t, want.Level0ZScore, got.Level0ZScore)
	assert.True(t, want.MaxSlippage.Equal(got.MaxSlippage))
	assert.True(t, want.Allocation.Equal(got.Allocation))
	assert.True(t, want.LimitOffset.Equal(got.LimitOffset))
	assert.Equal(t, want.Leverage, got.Leverage)
	assert.Equal(t, want.RecentTrades, got.RecentTrades)
	assert.Equal(t, want.ActivityRetry, got.ActivityRetry)
	assert.Equal(t, want.DeactivateNotes, got.DeactivateNotes)
}

func TestTradingSettings_Overrides(t *testing.T) {
	cfg := config.DefaultConfig().Trading
	cfg.EntryWait = 90 * time.Second
	cfg.MonitorHours = []int{2, 14}
	cfg.MaxSlippage = 0.005
	cfg.ActivityRetry.MaxAttempts = 5
	cfg.ActivityRetry.BackoffMultiplier = 2

	s := tradingSettings(cfg)
	assert.Equal(t, 90*time.Second, s.EntryWait)
	assert.Equal(t, []int{2, 14}, s.MonitorHours)
	assert.Equal(t, "0.005", s.MaxSlippage.String())
	assert.Equal(t, 5, s.ActivityRetry.MaxAttempts)
	assert.Equal(t, 2.0, s.ActivityRetry.BackoffMultiplier)

	// the settings own their slice
	cfg.MonitorHours[0] = 3
	assert.Equal(t, 2, s.MonitorHours[0])
}

func TestEngineConfig(t *testing.T) {
	cfg := config.DefaultConfig().Engine
	cfg.OrchestrationWorkers = 2
	cfg.ActivityWorkers = 4
	cfg.QueueCapacity = 50
	cfg.AppendMaxRetries = 1

	c := engineConfig(cfg)
	assert.Equal(t, 2, c.OrchestrationWorkers)
	assert.Equal(t, 4, c.ActivityWorkers)
	assert.Equal(t, 50, c.QueueCapacity)
	assert.Equal(t, 1, c.AppendMaxRetries)
	assert.Positive(t, c.AppendBackoffMin)
}

func TestOpenHistory(t *testing.T) {
	mem, err := openHistory(config.EngineConfig{Store: "memory"})
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := openHistory(config.EngineConfig{Store: "sqlite", SQLitePath: path})
	require.NoError(t, err)
	defer store.Close()

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBuildGateways_PaperWithoutDatabase(t *testing.T) {
	cfg := config.DefaultConfig()
	hm := health.NewHealthManager(nil)

	gw, err := buildGateways(context.Background(), cfg, hm, logging.NewNopLogger())
	require.NoError(t, err)
	defer gw.Close()

	assert.IsType(t, &mock.MockExchange{}, gw.deps.Exchange)
	assert.IsType(t, &paperSignals{}, gw.deps.Signals)
	assert.IsType(t, &mock.OrderRepository{}, gw.deps.Orders)
	assert.NotNil(t, gw.deps.Alerts)
	assert.True(t, hm.IsHealthy(context.Background()))
}

func TestBuildGateways_LiveRegistersExchangeCheck(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Paper = false
	cfg.Exchange.APIKey = "key"
	cfg.Exchange.SecretKey = "secret"
	hm := health.NewHealthManager(nil)

	gw, err := buildGateways(context.Background(), cfg, hm, logging.NewNopLogger())
	require.NoError(t, err)
	defer gw.Close()

	assert.Contains(t, hm.GetStatus(cancelledContext()), "exchange")
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestPaperSignals_QuotesSignalPrices(t *testing.T) {
	exch := mock.NewMockExchange(decimal.NewFromInt(paperBalance))
	exch.SetTicker("ETHUSDT", decimal.NewFromInt(2500))
	source := mock.NewSignalSource(
		core.Signal{Symbol: "BTCUSDT", Direction: core.Long, CurrentPrice: decimal.NewFromInt(100)},
		core.Signal{Symbol: "ETHUSDT", Direction: core.Short, CurrentPrice: decimal.NewFromInt(2400)},
		core.Signal{Symbol: "", CurrentPrice: decimal.NewFromInt(1)},
	)
	p := &paperSignals{source: source, exchange: exch}
	ctx := context.Background()

	signals, err := p.ListActiveSignals(ctx)
	require.NoError(t, err)
	assert.Len(t, signals, 3)

	btc, err := exch.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "100", btc.String())

	// an existing quote is kept
	eth, err := exch.GetTicker(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "2500", eth.String())
}
