// Package durabletest runs durable workflows under virtual time for tests
package durabletest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/durable"
	"signal_trader/internal/durable/history"
	"signal_trader/pkg/logging"
)

// ErrStalled means the instance is still running but nothing is left to do
var ErrStalled = errors.New("instance stalled: no pending work and no timers")

const (
	settlePoll = time.Millisecond
	maxSteps   = 10000
)

// Driver owns an engine on a manual clock. Time only moves when every queued piece of work has
// finished, and then jumps straight to the next timer.
type Driver struct {
	Store    history.Store
	Registry *durable.Registry
	Clock    *durable.ManualClock
	Engine   *durable.Engine

	t       testing.TB
	logger  core.ILogger
	opts    []durable.Option
	started bool
}

// NewDriver creates a driver over an in-memory store with the clock set to start
func NewDriver(t testing.TB, start time.Time, opts ...durable.Option) *Driver {
	return NewDriverWithStore(t, history.NewMemoryStore(), start, opts...)
}

// NewDriverWithStore creates a driver over store
func NewDriverWithStore(t testing.TB, store history.Store, start time.Time, opts ...durable.Option) *Driver {
	d := &Driver{
		Store:    store,
		Registry: durable.NewRegistry(),
		Clock:    durable.NewManualClock(start),
		t:        t,
		logger:   logging.NewNopLogger(),
		opts:     opts,
	}
	d.Engine = d.newEngine()
	t.Cleanup(func() {
		d.Engine.Stop()
	})
	return d
}

func (d *Driver) newEngine() *durable.Engine {
	opts := append([]durable.Option{durable.WithClock(d.Clock)}, d.opts...)
	return durable.NewEngine(d.Store, d.Registry, d.logger, opts...)
}

// Start starts the engine once; Run calls it implicitly
func (d *Driver) Start(ctx context.Context) error {
	if d.started {
		return nil
	}
	d.started = true
	return d.Engine.Start(ctx)
}

// Restart simulates a crash: the running engine is stopped, in-memory work is lost and a new
// engine recovers from the store
func (d *Driver) Restart(ctx context.Context) error {
	d.Engine.Stop()
	d.Engine = d.newEngine()
	d.started = false
	return d.Start(ctx)
}

// Run starts an instance and drives it to a terminal status
func (d *Driver) Run(ctx context.Context, workflowType string, input any, opts ...durable.StartOption) (*history.Instance, error) {
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	id, err := d.Engine.StartInstance(ctx, workflowType, input, opts...)
	if err != nil {
		return nil, err
	}
	return d.RunUntilDone(ctx, id)
}

// RunUntilDone advances virtual time until the instance is terminal
func (d *Driver) RunUntilDone(ctx context.Context, instanceID string) (*history.Instance, error) {
	for step := 0; step < maxSteps; step++ {
		if err := d.Settle(ctx); err != nil {
			return nil, err
		}

		inst, err := d.Engine.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.IsTerminal() {
			return inst, nil
		}

		if !d.Step() {
			return inst, fmt.Errorf("%s: %w", instanceID, ErrStalled)
		}
	}
	return nil, fmt.Errorf("%s: still running after %d steps", instanceID, maxSteps)
}

// Step moves the clock to the next timer and fires it. It returns false when no timer is queued.
func (d *Driver) Step() bool {
	next, ok := d.Engine.NextTimer()
	if !ok {
		return false
	}
	d.Clock.Set(next)
	d.Engine.FireTimers()
	return true
}

// Settle waits until the engine has no queued or running work
func (d *Driver) Settle(ctx context.Context) error {
	idle := 0
	for idle < 2 {
		if d.Engine.Pending() == 0 {
			idle++
		} else {
			idle = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settlePoll):
		}
	}
	return nil
}

// AdvanceTo fires every timer due up to t, settling in between, and leaves the clock at t
func (d *Driver) AdvanceTo(ctx context.Context, t time.Time) error {
	for {
		if err := d.Settle(ctx); err != nil {
			return err
		}
		next, ok := d.Engine.NextTimer()
		if !ok || next.After(t) {
			break
		}
		d.Step()
	}
	d.Clock.Set(t)
	return d.Settle(ctx)
}

// History returns the recorded events of an instance, failing the test on error
func (d *Driver) History(instanceID string) []history.Event {
	d.t.Helper()
	events, err := d.Store.Read(context.Background(), instanceID)
	if err != nil {
		d.t.Fatalf("read history of %s: %v", instanceID, err)
	}
	return events
}

// Count returns how many events of type typ the history holds
func Count(events []history.Event, typ history.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
