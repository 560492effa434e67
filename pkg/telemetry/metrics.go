package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricInstancesStarted   = "signal_trader_instances_started_total"
	MetricInstancesFinished  = "signal_trader_instances_finished_total"
	MetricInstancesRunning   = "signal_trader_instances_running"
	MetricActivitiesExecuted = "signal_trader_activities_executed_total"
	MetricActivityRetries    = "signal_trader_activity_retries_total"
	MetricTimersFired        = "signal_trader_timers_fired_total"
	MetricReplayLatency      = "signal_trader_replay_latency_ms"
	MetricTradesClosed       = "signal_trader_trades_closed_total"
	MetricPnLRealizedTotal   = "signal_trader_pnl_realized_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	InstancesStarted   metric.Int64Counter
	InstancesFinished  metric.Int64Counter
	InstancesRunning   metric.Int64UpDownCounter
	ActivitiesExecuted metric.Int64Counter
	ActivityRetries    metric.Int64Counter
	TimersFired        metric.Int64Counter
	ReplayLatency      metric.Float64Histogram
	TradesClosed       metric.Int64Counter
	PnLRealizedTotal   metric.Float64Counter

	mu sync.RWMutex
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Until InitMetrics runs with a real meter
// the instruments are bound to the global (no-op by default) provider.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("signal_trader"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error

	m.InstancesStarted, err = meter.Int64Counter(MetricInstancesStarted, metric.WithDescription("Orchestration instances started"))
	if err != nil {
		return err
	}

	m.InstancesFinished, err = meter.Int64Counter(MetricInstancesFinished, metric.WithDescription("Orchestration instances reaching a terminal status"))
	if err != nil {
		return err
	}

	m.InstancesRunning, err = meter.Int64UpDownCounter(MetricInstancesRunning, metric.WithDescription("Orchestration instances currently loaded by the engine"))
	if err != nil {
		return err
	}

	m.ActivitiesExecuted, err = meter.Int64Counter(MetricActivitiesExecuted, metric.WithDescription("Activity attempts executed"))
	if err != nil {
		return err
	}

	m.ActivityRetries, err = meter.Int64Counter(MetricActivityRetries, metric.WithDescription("Activity attempts scheduled for retry"))
	if err != nil {
		return err
	}

	m.TimersFired, err = meter.Int64Counter(MetricTimersFired, metric.WithDescription("Durable timers fired"))
	if err != nil {
		return err
	}

	m.ReplayLatency, err = meter.Float64Histogram(MetricReplayLatency, metric.WithDescription("Duration of a workflow replay"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TradesClosed, err = meter.Int64Counter(MetricTradesClosed, metric.WithDescription("Trades closed by exit type"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) RecordInstanceStarted(ctx context.Context, workflow string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attrs := metric.WithAttributes(attribute.String("workflow", workflow))
	m.InstancesStarted.Add(ctx, 1, attrs)
}

func (m *MetricsHolder) RecordInstanceLoaded(ctx context.Context, delta int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.InstancesRunning.Add(ctx, delta)
}

func (m *MetricsHolder) RecordInstanceFinished(ctx context.Context, workflow, status string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.InstancesFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}

func (m *MetricsHolder) RecordActivity(ctx context.Context, activity, outcome string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.ActivitiesExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("activity", activity),
		attribute.String("outcome", outcome),
	))
}

func (m *MetricsHolder) RecordActivityRetry(ctx context.Context, activity string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.ActivityRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("activity", activity)))
}

func (m *MetricsHolder) RecordTimerFired(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.TimersFired.Add(ctx, 1)
}

func (m *MetricsHolder) RecordReplay(ctx context.Context, workflow string, d time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.ReplayLatency.Record(ctx, float64(d.Microseconds())/1000.0, metric.WithAttributes(attribute.String("workflow", workflow)))
}

// RecordTradeClosed counts a closed trade and adds its realized P&L
func (m *MetricsHolder) RecordTradeClosed(ctx context.Context, symbol, exitType string, pnl float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.TradesClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("exit_type", exitType)))
	m.PnLRealizedTotal.Add(ctx, pnl, metric.WithAttributes(attribute.String("symbol", symbol)))
}
