package main

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"signal_trader/internal/durable"
	"signal_trader/internal/durable/durabletest"
	"signal_trader/internal/mock"
	"signal_trader/internal/trading/workflow"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	calls int
	err   error
}

func (f *fakeStarter) StartInstance(_ context.Context, workflowType string, _ any, _ ...durable.StartOption) (string, error) {
	if workflowType != workflow.SignalFanOutWorkflow {
		return "", fmt.Errorf("unexpected workflow %s", workflowType)
	}
	f.calls++
	return "", f.err
}

func TestFanOutInstanceID(t *testing.T) {
	tick := time.Date(2026, 1, 31, 20, 10, 0, 0, time.UTC)
	assert.Equal(t, "fanout-20260131T2010Z", fanOutInstanceID(tick))
	// late delivery inside the same minute maps to the same instance
	assert.Equal(t, "fanout-20260131T2010Z", fanOutInstanceID(tick.Add(42*time.Second)))
	assert.Equal(t, "fanout-20260131T2010Z", fanOutInstanceID(tick.In(time.FixedZone("CET", 3600))))
}

func TestFanOutStarter_DuplicateTickIsNotAnError(t *testing.T) {
	fake := &fakeStarter{err: fmt.Errorf("instance x: %w", apperrors.ErrInstanceExists)}
	starter := &fanOutStarter{engine: fake, logger: logging.NewNopLogger(), now: func() time.Time {
		return time.Date(2026, 2, 1, 4, 10, 0, 0, time.UTC)
	}}

	id, err := starter.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fanout-20260201T0410Z", id)

	fake.err = apperrors.ErrSchedulerUnavailable
	_, err = starter.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrSchedulerUnavailable)
	assert.Equal(t, 2, fake.calls)
}

func TestFanOutStarter_RunsSignalFanOut(t *testing.T) {
	t0 := time.Date(2026, 1, 31, 20, 10, 0, 0, time.UTC)
	driver := durabletest.NewDriver(t, t0)

	deps := workflow.Dependencies{
		Signals:     mock.NewSignalSource(),
		Exchange:    mock.NewMockExchange(decimal.NewFromInt(paperBalance)),
		Orders:      mock.NewOrderRepository(),
		Instruments: mock.NewInstrumentRegistry(),
		Market:      mock.NewMarketData(),
		Alerts:      mock.NewAlertSink(),
		Logger:      logging.NewNopLogger(),
		Now:         driver.Clock.Now,
	}
	settings := workflow.DefaultSettings()
	require.NoError(t, workflow.Register(driver.Registry, settings, workflow.NewActivities(deps, settings)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, driver.Start(ctx))

	starter := &fanOutStarter{engine: driver.Engine, logger: logging.NewNopLogger(), now: driver.Clock.Now}
	id, err := starter.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fanout-20260131T2010Z", id)

	// a second delivery of the same tick is absorbed
	again, err := starter.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	inst, err := driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	var result string
	require.NoError(t, json.Unmarshal(inst.Result, &result))
	assert.Equal(t, "No signals found.", result)
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	starter := &fanOutStarter{engine: &fakeStarter{}, logger: logging.NewNopLogger(), now: time.Now}

	_, err := newScheduler("every four hours", starter, logging.NewNopLogger())
	assert.Error(t, err)

	sched, err := newScheduler("0 10 0,4,8,12,16,20 * * *", starter, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
