// Package bootstrap wires configuration and logging and runs the long-lived components
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// App holds the configuration and the root logger
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
}

// NewApp loads the configuration file and initializes the logger
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{
		Cfg:    cfg,
		Logger: logger.WithField("app", cfg.App.Name),
	}, nil
}

// Runner is a component that runs until its context is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until SIGINT/SIGTERM, the parent context ends or a
// runner fails. The first failure cancels the others and is returned.
func (a *App) Run(ctx context.Context, runners ...Runner) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}
