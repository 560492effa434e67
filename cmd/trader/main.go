// Command trader runs the durable trade workload: a scheduled fan-out over the active signals
// and one lifecycle orchestration per traded symbol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"signal_trader/internal/bootstrap"
	"signal_trader/internal/durable"
	"signal_trader/internal/infrastructure/health"
	"signal_trader/internal/infrastructure/metrics"
	"signal_trader/internal/trading/workflow"
	"signal_trader/pkg/liveserver"
	"signal_trader/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to the configuration file")
	paper := flag.Bool("paper", false, "Trade against the in-memory paper exchange")
	runOnce := flag.Bool("run-once", false, "Start one fan-out immediately in addition to the schedule")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	if *paper {
		app.Cfg.App.Paper = true
	}

	if err := run(app, *runOnce); err != nil {
		app.Logger.Error("Trader stopped", "error", err)
		os.Exit(1)
	}
}

func run(app *bootstrap.App, runOnce bool) error {
	cfg := app.Cfg
	logger := app.Logger
	ctx := context.Background()

	tel, err := telemetry.Setup(telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		TraceStdout: cfg.Telemetry.TraceStdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	hm := health.NewHealthManager(logger)

	store, err := openHistory(cfg.Engine)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	gw, err := buildGateways(ctx, cfg, hm, logger)
	if err != nil {
		return err
	}
	defer gw.Close()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
		defer cancel()
		if err := gw.alerts.Flush(flushCtx); err != nil {
			logger.Warn("Pending alerts dropped at shutdown", "error", err)
		}
	}()

	settings := tradingSettings(cfg.Trading)
	registry := durable.NewRegistry()
	if err := workflow.Register(registry, settings, workflow.NewActivities(gw.deps, settings)); err != nil {
		return err
	}

	engine := durable.NewEngine(store, registry, logger, durable.WithConfig(engineConfig(cfg.Engine)))
	hm.Register("engine", func(context.Context) error {
		if n := engine.Pending(); n >= int64(cfg.Engine.QueueCapacity) {
			return fmt.Errorf("%d instances queued", n)
		}
		return nil
	})

	var runners []bootstrap.Runner

	if cfg.LiveServer.Enabled {
		live := liveserver.NewServer(liveserver.NewHub(logger), engine, logger, cfg.LiveServer.AllowedOrigins)
		live.SetRateLimit(cfg.LiveServer.RateLimit, cfg.LiveServer.RateBurst)
		live.SetHealthHandler(hm)
		engine.Subscribe(live.EventListener())
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			return live.Run(ctx, cfg.LiveServer.Addr)
		}))
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, hm, logger))
	}

	// recovery resumes every instance left running by the previous process
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Stop()

	starter := &fanOutStarter{engine: engine, logger: logger, now: time.Now}
	sched, err := newScheduler(cfg.App.Schedule, starter, logger)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.App.Schedule, err)
	}
	runners = append(runners, sched)

	if runOnce {
		if _, err := starter.Start(ctx); err != nil {
			return err
		}
	}

	logger.Info("Trader running", "paper", cfg.App.Paper, "schedule", cfg.App.Schedule, "store", cfg.Engine.Store)
	return app.Run(ctx, runners...)
}
