package workflow_test

import (
	"context"
	"testing"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/durable"
	"signal_trader/internal/durable/durabletest"
	"signal_trader/internal/durable/history"
	"signal_trader/internal/mock"
	"signal_trader/internal/trading/workflow"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// t0 is a signal run: 20:10 UTC on the last day of a month
var t0 = time.Date(2026, 1, 31, 20, 10, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	driver      *durabletest.Driver
	exchange    *mock.MockExchange
	orders      *mock.OrderRepository
	instruments *mock.InstrumentRegistry
	signals     *mock.SignalSource
	market      *mock.MarketData
	alerts      *mock.AlertSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		driver:      durabletest.NewDriver(t, t0),
		exchange:    mock.NewMockExchange(d("10000")),
		orders:      mock.NewOrderRepository(),
		instruments: mock.NewInstrumentRegistry(),
		signals:     mock.NewSignalSource(),
		market:      mock.NewMarketData(),
		alerts:      mock.NewAlertSink(),
	}
	h.exchange.SetClock(h.driver.Clock.Now)

	acts := workflow.NewActivities(workflow.Dependencies{
		Signals:     h.signals,
		Exchange:    h.exchange,
		Orders:      h.orders,
		Instruments: h.instruments,
		Market:      h.market,
		Alerts:      h.alerts,
		Logger:      logging.NewNopLogger(),
		Now:         h.driver.Clock.Now,
	}, workflow.DefaultSettings())
	require.NoError(t, workflow.Register(h.driver.Registry, workflow.DefaultSettings(), acts))
	return h
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func longSignal(symbol string) core.Signal {
	return core.Signal{
		Symbol:        symbol,
		Direction:     core.Long,
		CurrentPrice:  d("100"),
		TargetPrice:   d("110"),
		StopLossPrice: d("95"),
	}
}

func resultOf(t *testing.T, inst *history.Instance) string {
	t.Helper()
	require.Equal(t, history.StatusCompleted, inst.Status, "instance error: %s", inst.Error)
	var out string
	require.NoError(t, durable.Payload(inst.Result).Decode(&out))
	return out
}

func scheduledCount(events []history.Event, activity string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == history.ActivityScheduled && ev.Name == activity {
			n++
		}
	}
	return n
}

// startLifecycle starts a TradeLifecycle and runs it until the entry has been finalized
func (h *harness) startLifecycle(t *testing.T, ctx context.Context, sig core.Signal) string {
	t.Helper()
	require.NoError(t, h.driver.Start(ctx))
	id, err := h.driver.Engine.StartInstance(ctx, workflow.TradeLifecycleWorkflow, sig, durable.WithInstanceID("trade-"+sig.Symbol))
	require.NoError(t, err)
	require.NoError(t, h.driver.AdvanceTo(ctx, t0.Add(5*time.Minute)))
	return id
}

func TestTradeLifecycle_ZScoreExit(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))

	id := h.startLifecycle(t, ctx, longSignal("BTCUSDT"))

	// first limit filled on placement, second rests at 99
	orders := h.exchange.Orders("BTCUSDT")
	require.Len(t, orders, 4)
	assert.Equal(t, mock.OrderFilled, orders[0].State)
	assert.True(t, orders[0].Spec.Quantity.Equal(d("25")))
	assert.True(t, orders[1].Spec.Price.Equal(d("99")))
	assert.Equal(t, core.OrderTypeTakeProfitMarket, orders[2].Spec.Type)
	assert.Equal(t, core.OrderTypeStopMarket, orders[3].Spec.Type)
	assert.Equal(t, core.MarginIsolated, h.exchange.MarginMode("BTCUSDT"))
	assert.Equal(t, 5, h.exchange.Leverage("BTCUSDT"))

	h.exchange.SetTicker("BTCUSDT", d("104"))
	h.market.SetZScore("BTCUSDT", 0.1)

	inst, err := h.driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with Level0. P/L: 100", resultOf(t, inst))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 15, 0, 0, time.UTC), h.driver.Clock.Now())

	records := h.orders.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, core.OrderStatusProfitLoss, rec.Status)
	assert.Equal(t, core.ExitLevel0, rec.Update.ExitType)
	assert.True(t, rec.Update.ProfitLoss.Equal(d("100")))
	assert.True(t, rec.Update.ExitPrice.Equal(d("104")))
	assert.True(t, rec.Attempt.Quantity.Equal(d("50")))

	pos, err := h.exchange.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())
	assert.Equal(t, []core.AlertCategory{core.AlertTradeEntry, core.AlertTradeClosed}, h.alerts.Categories())
}

func TestTradeLifecycle_ShortLevel2Exit(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("ETHUSDT", d("100"))
	sig := core.Signal{Symbol: "ETHUSDT", Direction: core.Short, CurrentPrice: d("100"), TargetPrice: d("90"), StopLossPrice: d("105")}

	id := h.startLifecycle(t, ctx, sig)
	orders := h.exchange.Orders("ETHUSDT")
	require.Len(t, orders, 4)
	assert.Equal(t, core.SideSell, orders[0].Spec.Side)
	assert.True(t, orders[1].Spec.Price.Equal(d("101")))
	assert.Equal(t, core.SideBuy, orders[2].Spec.Side)

	// below the resting second entry at 101
	h.exchange.SetTicker("ETHUSDT", d("100.8"))
	h.market.SetZScore("ETHUSDT", 2.5)

	inst, err := h.driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Completed ETHUSDT with Level2. P/L: -20", resultOf(t, inst))

	closeOrder := h.exchange.Orders("ETHUSDT")[4]
	assert.Equal(t, core.OrderTypeMarket, closeOrder.Spec.Type)
	assert.Equal(t, core.SideBuy, closeOrder.Spec.Side)
	assert.True(t, closeOrder.Spec.ReduceOnly)
}

func TestTradeLifecycle_ExternalTakeProfit(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.market.SetZScore("BTCUSDT", -1)

	id := h.startLifecycle(t, ctx, longSignal("BTCUSDT"))
	h.exchange.CloseExternally("BTCUSDT", d("112"))

	inst, err := h.driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with TP. P/L: 300", resultOf(t, inst))

	events := h.driver.History(id)
	assert.Equal(t, 1, scheduledCount(events, workflow.DetectTPSLExitActivity))
	assert.Zero(t, scheduledCount(events, workflow.ClosePositionActivity))
}

func TestTradeLifecycle_ExternalStopLoss(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.market.SetZScore("BTCUSDT", -1)

	id := h.startLifecycle(t, ctx, longSignal("BTCUSDT"))
	// the resting entry at 99 fills on the way down, then the stop triggers
	h.exchange.SetTicker("BTCUSDT", d("94"))

	inst, err := h.driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with SL. P/L: -275", resultOf(t, inst))

	rec := h.orders.Records()[0]
	assert.Equal(t, core.ExitStopLoss, rec.Update.ExitType)
	assert.True(t, rec.Update.ExitPrice.Equal(d("94")))
}

func TestTradeLifecycle_TimeExit(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.market.SetZScore("BTCUSDT", -1)

	inst, err := h.driver.Run(ctx, workflow.TradeLifecycleWorkflow, longSignal("BTCUSDT"), durable.WithInstanceID("trade"))
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with TimeExit. P/L: 0", resultOf(t, inst))

	// filled at 20:13, checks at 00:15 and 04:15 are inside the hold window
	assert.Equal(t, time.Date(2026, 2, 1, 8, 15, 0, 0, time.UTC), h.driver.Clock.Now())
	events := h.driver.History("trade")
	assert.Equal(t, 4, durabletest.Count(events, history.TimerCreated))
	assert.Equal(t, 3, scheduledCount(events, workflow.MonitorStatusActivity))
}

func TestTradeLifecycle_EntryTimeout(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100.5"))

	inst, err := h.driver.Run(ctx, workflow.TradeLifecycleWorkflow, longSignal("BTCUSDT"), durable.WithInstanceID("trade"))
	require.NoError(t, err)
	assert.Equal(t, "Entry timed out for BTCUSDT.", resultOf(t, inst))
	assert.Equal(t, t0.Add(6*time.Minute), h.driver.Clock.Now())

	orders := h.exchange.Orders("BTCUSDT")
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, core.OrderTypeLimit, o.Spec.Type)
		assert.Equal(t, mock.OrderCancelled, o.State)
	}

	events := h.driver.History("trade")
	assert.Equal(t, 2, scheduledCount(events, workflow.CheckPositionActivity))
	assert.Zero(t, scheduledCount(events, workflow.FinalizeTradeEntryActivity))

	records := h.orders.Records()
	require.Len(t, records, 1)
	assert.Equal(t, core.OrderStatusCancelled, records[0].Status)
	assert.Equal(t, []core.AlertCategory{core.AlertTradeCancelled}, h.alerts.Categories())
}

func TestTradeLifecycle_SecondCheckFills(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100.5"))
	h.market.SetZScore("BTCUSDT", 0.5)

	require.NoError(t, h.driver.Start(ctx))
	id, err := h.driver.Engine.StartInstance(ctx, workflow.TradeLifecycleWorkflow, longSignal("BTCUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.driver.AdvanceTo(ctx, t0.Add(4*time.Minute)))
	h.exchange.SetTicker("BTCUSDT", d("98.5"))

	inst, err := h.driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with Level0. P/L: -50", resultOf(t, inst))
}

func TestTradeLifecycle_SkipsBeforePlacingOrders(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		signal core.Signal
		want   string
	}{
		{
			name:   "slippage above one percent",
			setup:  func(h *harness) { h.exchange.SetTicker("BTCUSDT", d("98.9")) },
			signal: longSignal("BTCUSDT"),
			want:   "Trade skipped for BTCUSDT: Slippage Check Failed",
		},
		{
			name:   "slippage is symmetric",
			setup:  func(h *harness) { h.exchange.SetTicker("BTCUSDT", d("101.2")) },
			signal: longSignal("BTCUSDT"),
			want:   "Trade skipped for BTCUSDT: Slippage Check Failed",
		},
		{
			name: "position already open",
			setup: func(h *harness) {
				h.exchange.SetTicker("BTCUSDT", d("100"))
				h.exchange.SetPosition("BTCUSDT", d("1"), d("90"))
			},
			signal: longSignal("BTCUSDT"),
			want:   "Trade skipped for BTCUSDT: Position already open for BTCUSDT",
		},
		{
			name: "quantity rounds to zero",
			setup: func(h *harness) {
				h.exchange.SetTicker("BTCUSDT", d("100000"))
				h.instruments.SetPrecision("BTCUSDT", core.Precision{QuantityDecimals: 0, PriceDecimals: 2})
			},
			signal: core.Signal{Symbol: "BTCUSDT", Direction: core.Long, CurrentPrice: d("100000"), TargetPrice: d("110000"), StopLossPrice: d("95000")},
			want:   "Trade skipped for BTCUSDT: Quantity below exchange precision",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			h := newHarness(t)
			tt.setup(h)

			inst, err := h.driver.Run(ctx, workflow.TradeLifecycleWorkflow, tt.signal)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resultOf(t, inst))

			for _, o := range h.exchange.Orders("BTCUSDT") {
				assert.NotEqual(t, core.OrderTypeLimit, o.Spec.Type, "no entry order may be placed")
			}
			assert.Empty(t, h.orders.Records())
		})
	}
}

func TestTradeLifecycle_DelistedSymbolIsDeactivated(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("OLDUSDT", d("100"))
	h.exchange.Delist("OLDUSDT")

	inst, err := h.driver.Run(ctx, workflow.TradeLifecycleWorkflow, longSignal("OLDUSDT"))
	require.NoError(t, err)
	assert.Equal(t, "Trade skipped for OLDUSDT: Delisted symbol", resultOf(t, inst))

	reason, ok := h.instruments.Deactivated("OLDUSDT")
	require.True(t, ok)
	assert.Equal(t, workflow.DefaultSettings().DeactivateNotes, reason)
	assert.Empty(t, h.exchange.Orders("OLDUSDT"))
}

func TestTradeLifecycle_PrepareRetryExhaustionAlerts(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.exchange.FailNext("GetTicker", apperrors.ErrTransientGateway, apperrors.ErrTransientGateway, apperrors.ErrTransientGateway)

	inst, err := h.driver.Run(ctx, workflow.TradeLifecycleWorkflow, longSignal("BTCUSDT"), durable.WithInstanceID("trade"))
	require.NoError(t, err)
	result := resultOf(t, inst)
	assert.Contains(t, result, "Trade skipped for BTCUSDT: ")
	assert.Contains(t, result, "transient gateway error")

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, core.AlertSystemError, alerts[0].Category)
	assert.Equal(t, "Error in PrepareTradeActivity: BTCUSDT", alerts[0].Subject)

	events := h.driver.History("trade")
	assert.Equal(t, 2, durabletest.Count(events, history.ActivityAttemptFailed))
	assert.Equal(t, 1, durabletest.Count(events, history.ActivityFailed))
}

func TestTradeLifecycle_PrepareRetryResumesPartialEntry(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.market.SetZScore("BTCUSDT", 0.1)
	// the first entry order fills on placement, then the second one fails once. The exchange
	// accepts the client id of a filled order again, so the retry must find it instead.
	h.exchange.FailNext("PlaceOrder", nil, apperrors.ErrTransientGateway)

	inst, err := h.driver.Run(ctx, workflow.TradeLifecycleWorkflow, longSignal("BTCUSDT"), durable.WithInstanceID("trade"))
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with Level0. P/L: 0", resultOf(t, inst))

	limits := 0
	seen := map[string]bool{}
	orders := h.exchange.Orders("BTCUSDT")
	for _, o := range orders {
		assert.Len(t, o.Spec.ClientOrderID, 32)
		assert.False(t, seen[o.Spec.ClientOrderID], "client order id reused")
		seen[o.Spec.ClientOrderID] = true
		if o.Spec.Type == core.OrderTypeLimit {
			limits++
		}
	}
	assert.Equal(t, 2, limits)
	assert.Equal(t, mock.OrderFilled, orders[0].State)

	trades, err := h.exchange.ListTrades(ctx, "BTCUSDT", time.Time{}, 0)
	require.NoError(t, err)
	bought := decimal.Zero
	for _, tr := range trades {
		if tr.Side == core.SideBuy {
			bought = bought.Add(tr.Quantity)
		}
	}
	assert.Equal(t, "25", bought.String())
	assert.Len(t, h.orders.Records(), 1)
	assert.NotContains(t, h.alerts.Categories(), core.AlertSystemError)
}

func TestTradeLifecycle_FinalizeRetryKeepsOneExitPair(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.market.SetZScore("BTCUSDT", 0.1)
	// both entries and the take profit succeed, the stop loss fails once
	h.exchange.FailNext("PlaceOrder", nil, nil, nil, apperrors.ErrTransientGateway)

	inst, err := h.driver.Run(ctx, workflow.TradeLifecycleWorkflow, longSignal("BTCUSDT"), durable.WithInstanceID("trade"))
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with Level0. P/L: 0", resultOf(t, inst))

	byType := map[core.OrderType]int{}
	for _, o := range h.exchange.Orders("BTCUSDT") {
		byType[o.Spec.Type]++
	}
	assert.Equal(t, 2, byType[core.OrderTypeLimit])
	assert.Equal(t, 1, byType[core.OrderTypeTakeProfitMarket])
	assert.Equal(t, 1, byType[core.OrderTypeStopMarket])
	assert.Equal(t, 1, durabletest.Count(h.driver.History("trade"), history.ActivityAttemptFailed))
}

func TestTradeLifecycle_MonitorFailureSkipsCheck(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.market.SetZScore("BTCUSDT", 0.1)

	id := h.startLifecycle(t, ctx, longSignal("BTCUSDT"))
	h.exchange.FailNext("GetPosition", apperrors.ErrTransientGateway, apperrors.ErrTransientGateway, apperrors.ErrTransientGateway)

	inst, err := h.driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with Level0. P/L: 0", resultOf(t, inst))
	assert.Equal(t, time.Date(2026, 2, 1, 4, 15, 0, 0, time.UTC), h.driver.Clock.Now())
	assert.Equal(t, 2, scheduledCount(h.driver.History(id), workflow.MonitorStatusActivity))
}

func TestTradeLifecycle_SurvivesRestart(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t)
	h.exchange.SetTicker("BTCUSDT", d("100"))
	h.market.SetZScore("BTCUSDT", 0.1)

	require.NoError(t, h.driver.Start(ctx))
	id, err := h.driver.Engine.StartInstance(ctx, workflow.TradeLifecycleWorkflow, longSignal("BTCUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.driver.AdvanceTo(ctx, t0.Add(time.Minute)))

	require.NoError(t, h.driver.Restart(ctx))
	require.NoError(t, h.driver.AdvanceTo(ctx, t0.Add(5*time.Minute)))
	require.NoError(t, h.driver.Restart(ctx))

	inst, err := h.driver.RunUntilDone(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Completed BTCUSDT with Level0. P/L: 0", resultOf(t, inst))

	events := h.driver.History(id)
	assert.Equal(t, 1, scheduledCount(events, workflow.PrepareTradeActivity))
	assert.Equal(t, 1, scheduledCount(events, workflow.FinalizeTradeEntryActivity))
	assert.Len(t, h.exchange.Orders("BTCUSDT"), 5)
	assert.Len(t, h.orders.Records(), 1)
}
