package main

import (
	"context"
	"errors"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/durable"
	"signal_trader/internal/trading/workflow"
	apperrors "signal_trader/pkg/errors"

	"github.com/robfig/cron/v3"
)

const startTimeout = 30 * time.Second

type instanceStarter interface {
	StartInstance(ctx context.Context, workflowType string, input any, opts ...durable.StartOption) (string, error)
}

// fanOutStarter starts one SignalFanOut per schedule tick. The instance id is derived from the
// tick time, so a tick that is delivered twice starts a single instance.
type fanOutStarter struct {
	engine instanceStarter
	logger core.ILogger
	now    func() time.Time
}

func fanOutInstanceID(t time.Time) string {
	return "fanout-" + t.UTC().Truncate(time.Minute).Format("20060102T1504Z")
}

func (s *fanOutStarter) Start(ctx context.Context) (string, error) {
	id := fanOutInstanceID(s.now())
	_, err := s.engine.StartInstance(ctx, workflow.SignalFanOutWorkflow, nil, durable.WithInstanceID(id))
	switch {
	case errors.Is(err, apperrors.ErrInstanceExists):
		s.logger.Info("Fan-out already started for this tick", "instance_id", id)
		return id, nil
	case err != nil:
		s.logger.Error("Failed to start fan-out", "instance_id", id, "error", err)
		return "", err
	}
	s.logger.Info("Started fan-out", "instance_id", id)
	return id, nil
}

// scheduler runs the fan-out starter on a cron schedule with a seconds field
type scheduler struct {
	cron *cron.Cron
}

func newScheduler(spec string, starter *fanOutStarter, logger core.ILogger) (*scheduler, error) {
	cl := cronLogger{logger: logger.WithField("component", "scheduler")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		_, _ = starter.Start(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &scheduler{cron: c}, nil
}

func (s *scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger adapts core.ILogger to cron.Logger
type cronLogger struct {
	logger core.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
