package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"signal_trader/internal/alert"
	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/durable"
	"signal_trader/internal/durable/history"
	"signal_trader/internal/exchange/binance"
	"signal_trader/internal/infrastructure/health"
	"signal_trader/internal/mock"
	"signal_trader/internal/repository/postgres"
	"signal_trader/internal/trading/workflow"
	"signal_trader/pkg/retry"

	"github.com/shopspring/decimal"
)

const paperBalance = 10000

// tradingSettings converts the trading section into workflow settings
func tradingSettings(cfg config.TradingConfig) workflow.Settings {
	s := workflow.DefaultSettings()
	s.EntryWait = cfg.EntryWait
	s.EntryChecks = cfg.EntryChecks
	s.MonitorHours = append([]int(nil), cfg.MonitorHours...)
	s.MonitorMinute = cfg.MonitorMinute
	s.MaxHold = cfg.MaxHold
	s.Level2ZScore = cfg.Level2ZScore
	s.Level0ZScore = cfg.Level0ZScore
	s.MaxSlippage = decimal.NewFromFloat(cfg.MaxSlippage)
	s.Leverage = cfg.Leverage
	s.Allocation = decimal.NewFromFloat(cfg.Allocation)
	s.LimitOffset = decimal.NewFromFloat(cfg.LimitOffset)
	s.RecentTrades = cfg.RecentTrades
	s.ActivityRetry = retry.Policy{
		FirstInterval:     cfg.ActivityRetry.FirstInterval,
		MaxAttempts:       cfg.ActivityRetry.MaxAttempts,
		BackoffMultiplier: cfg.ActivityRetry.BackoffMultiplier,
		MaxInterval:       cfg.ActivityRetry.MaxInterval,
	}
	return s
}

func engineConfig(cfg config.EngineConfig) durable.Config {
	c := durable.DefaultConfig()
	c.OrchestrationWorkers = cfg.OrchestrationWorkers
	c.ActivityWorkers = cfg.ActivityWorkers
	c.QueueCapacity = cfg.QueueCapacity
	c.AppendMaxRetries = cfg.AppendMaxRetries
	return c
}

// openHistory opens the durable history store named by the engine section
func openHistory(cfg config.EngineConfig) (history.Store, error) {
	if cfg.Store == "memory" {
		return history.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	return history.NewSQLiteStore(cfg.SQLitePath)
}

// gateways are the external collaborators of the trade activities
type gateways struct {
	deps    workflow.Dependencies
	alerts  *alert.AlertManager
	closers []func()
}

func (g *gateways) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

// buildGateways connects the exchange, database and alert channels. Paper mode trades against
// the in-memory exchange; the database is still used when a URL is configured.
func buildGateways(ctx context.Context, cfg *config.Config, hm *health.HealthManager, logger core.ILogger) (*gateways, error) {
	alerts, err := alert.FromConfig(cfg.Alerts, logger)
	if err != nil {
		return nil, err
	}
	g := &gateways{alerts: alerts}
	g.deps = workflow.Dependencies{Alerts: alerts, Logger: logger}

	if cfg.Database.URL != "" {
		store, err := postgres.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, store.Close)
		hm.Register("postgres", store.Ping)
		g.deps.Signals = store
		g.deps.Orders = store
		g.deps.Instruments = store
		g.deps.Market = store
	} else {
		logger.Warn("No database configured, using in-memory repositories")
		g.deps.Signals = mock.NewSignalSource()
		g.deps.Orders = mock.NewOrderRepository()
		g.deps.Instruments = mock.NewInstrumentRegistry()
		g.deps.Market = mock.NewMarketData()
	}

	if cfg.App.Paper {
		exch := mock.NewMockExchange(decimal.NewFromInt(paperBalance))
		g.deps.Exchange = exch
		g.deps.Signals = &paperSignals{source: g.deps.Signals, exchange: exch}
		logger.Info("Paper trading enabled", "balance", paperBalance)
	} else {
		gw := binance.NewGateway(cfg.Exchange, logger)
		hm.Register("exchange", gw.Ping)
		g.deps.Exchange = gw
	}
	return g, nil
}

// paperSignals quotes each signal's price on the paper exchange so entries can be priced
type paperSignals struct {
	source   core.SignalSource
	exchange *mock.MockExchange
}

func (p *paperSignals) ListActiveSignals(ctx context.Context) ([]core.Signal, error) {
	signals, err := p.source.ListActiveSignals(ctx)
	if err != nil {
		return nil, err
	}
	for _, sig := range signals {
		if sig.Symbol == "" || !sig.CurrentPrice.IsPositive() {
			continue
		}
		if _, err := p.exchange.GetTicker(ctx, sig.Symbol); err != nil {
			p.exchange.SetTicker(sig.Symbol, sig.CurrentPrice)
		}
	}
	return signals, nil
}
