package workflow_test

import (
	"sync"
	"testing"

	"signal_trader/internal/core"
	"signal_trader/internal/durable"
	"signal_trader/internal/durable/history"
	"signal_trader/internal/trading/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalFanOut_JoinsEveryLifecycle(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)

	// BTC fills and exits at the first monitor check, ETH fails slippage, SOL never fills
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.exchange.SetTicker("ETHUSDT", d("98.9"))
	h.exchange.SetTicker("SOLUSDT", d("100.5"))
	h.market.SetZScore("BTCUSDT", 0.1)
	h.signals.SetSignals(
		longSignal("BTCUSDT"),
		core.Signal{Symbol: "BTCUSDT", Direction: core.Short, CurrentPrice: d("100"), TargetPrice: d("90"), StopLossPrice: d("105")},
		core.Signal{Symbol: "", Direction: core.Long, CurrentPrice: d("1"), TargetPrice: d("2"), StopLossPrice: d("0.5")},
		longSignal("ETHUSDT"),
		longSignal("SOLUSDT"),
	)

	var mu sync.Mutex
	var finished []string
	h.driver.Engine.Subscribe(func(id string, ev history.Event) {
		if ev.Type == history.OrchestrationCompleted {
			mu.Lock()
			finished = append(finished, id)
			mu.Unlock()
		}
	})

	inst, err := h.driver.Run(ctx, workflow.SignalFanOutWorkflow, nil, durable.WithInstanceID("fan"))
	require.NoError(t, err)
	assert.Equal(t, "Processed 3 signals.", resultOf(t, inst))

	want := map[string]string{
		"fan:2": "Completed BTCUSDT with Level0. P/L: 0",
		"fan:3": "Trade skipped for ETHUSDT: Slippage Check Failed",
		"fan:4": "Entry timed out for SOLUSDT.",
	}
	children, err := h.driver.Engine.ListInstances(ctx, history.Filter{ParentInstanceID: "fan"})
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, child := range children {
		assert.Equal(t, workflow.TradeLifecycleWorkflow, child.WorkflowType)
		assert.Equal(t, want[child.InstanceID], resultOf(t, child), child.InstanceID)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fan:3", "fan:4", "fan:2", "fan"}, finished)
}

func TestSignalFanOut_NoSignals(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"empty source", func(*harness) {}},
		{"source unavailable", func(h *harness) { h.signals.SetUnavailable(true) }},
		{"only invalid signals", func(h *harness) {
			h.signals.SetSignals(core.Signal{Symbol: "BTCUSDT", Direction: "FLAT", CurrentPrice: d("1")})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			h := newHarness(t)
			tt.setup(h)

			inst, err := h.driver.Run(ctx, workflow.SignalFanOutWorkflow, nil, durable.WithInstanceID("fan"))
			require.NoError(t, err)
			assert.Equal(t, "No signals found.", resultOf(t, inst))

			children, err := h.driver.Engine.ListInstances(ctx, history.Filter{ParentInstanceID: "fan"})
			require.NoError(t, err)
			assert.Empty(t, children)
		})
	}
}
