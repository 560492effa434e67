package durable

import (
	"context"
	"encoding/json"
	"fmt"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActivityInfo describes the attempt an activity is running as
type ActivityInfo struct {
	InstanceID  string
	TaskID      int64
	Name        string
	Attempt     int
	MaxAttempts int
}

// IdempotencyKey is stable across attempts and replays of the same call
func (i ActivityInfo) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d", i.InstanceID, i.TaskID)
}

// IsLastAttempt reports whether a failure of this attempt is final
func (i ActivityInfo) IsLastAttempt() bool {
	return i.Attempt >= i.MaxAttempts
}

type activityInfoKey struct{}

// WithActivityInfo returns a context carrying info
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// GetActivityInfo returns the attempt description of the running activity
func GetActivityInfo(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

// activityExecutor runs registered activities, one attempt per call
type activityExecutor struct {
	registry *Registry
	tracer   trace.Tracer
	metrics  *telemetry.MetricsHolder
	logger   core.ILogger
}

func newActivityExecutor(registry *Registry, logger core.ILogger) *activityExecutor {
	return &activityExecutor{
		registry: registry,
		tracer:   telemetry.GetTracer("durable-activity"),
		metrics:  telemetry.GetGlobalMetrics(),
		logger:   logger.WithField("component", "activity_executor"),
	}
}

// Execute runs one attempt and returns the encoded result
func (x *activityExecutor) Execute(ctx context.Context, info ActivityInfo, input json.RawMessage) (json.RawMessage, error) {
	fn, ok := x.registry.activity(info.Name)
	if !ok {
		return nil, NonRetryable(fmt.Errorf("%s: %w", info.Name, apperrors.ErrUnknownActivity))
	}

	ctx, span := x.tracer.Start(WithActivityInfo(ctx, info), "activity "+info.Name, trace.WithAttributes(
		attribute.String("instance_id", info.InstanceID),
		attribute.Int64("task_id", info.TaskID),
		attribute.Int("attempt", info.Attempt),
	))
	defer span.End()

	out, err := invoke(ctx, fn, Payload(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.metrics.RecordActivity(ctx, info.Name, "failed")
		x.logger.Warn("Activity attempt failed",
			"activity", info.Name,
			"instance_id", info.InstanceID,
			"attempt", info.Attempt,
			"max_attempts", info.MaxAttempts,
			"error", err)
		return nil, err
	}

	data, err := encode(out)
	if err != nil {
		span.RecordError(err)
		x.metrics.RecordActivity(ctx, info.Name, "failed")
		return nil, NonRetryable(err)
	}

	x.metrics.RecordActivity(ctx, info.Name, "completed")
	return data, nil
}

func invoke(ctx context.Context, fn ActivityFunc, input Payload) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(ctx, input)
}
