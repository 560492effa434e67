package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/durable/history"
	"signal_trader/pkg/concurrency"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/retry"
	"signal_trader/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
)

// Config tunes the engine
type Config struct {
	OrchestrationWorkers int
	ActivityWorkers      int
	// QueueCapacity bounds queued tasks per pool; it must exceed the number of live instances
	QueueCapacity int
	// AppendMaxRetries and the backoff bounds govern store append retries
	AppendMaxRetries int
	AppendBackoffMin time.Duration
	AppendBackoffMax time.Duration
	// RequeueDelay pauses an instance whose store writes keep failing
	RequeueDelay time.Duration
	// DefaultRetry applies to activity calls made without WithRetry
	DefaultRetry retry.Policy
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		OrchestrationWorkers: 8,
		ActivityWorkers:      32,
		QueueCapacity:        10000,
		AppendMaxRetries:     3,
		AppendBackoffMin:     50 * time.Millisecond,
		AppendBackoffMax:     time.Second,
		RequeueDelay:         5 * time.Second,
		DefaultRetry:         retry.NoRetry,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithConfig replaces the default configuration
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// StartOption customizes StartInstance
type StartOption func(*startOptions)

type startOptions struct {
	instanceID   string
	parentID     string
	parentTaskID int64
}

// WithInstanceID starts the instance under a caller-chosen id
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) {
		o.instanceID = id
	}
}

// EventListener receives every event once it is durable
type EventListener func(instanceID string, ev history.Event)

type runner struct {
	id     string
	inbox  []history.Event
	force  bool
	active bool
}

// Engine drives orchestration instances: it appends outcomes to history, replays workflows,
// dispatches the commands they emit and fires timers.
// Each instance is processed by at most one goroutine at a time.
type Engine struct {
	store    history.Store
	registry *Registry
	clock    Clock
	cfg      Config
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	executor *activityExecutor

	orchPool *concurrency.WorkerPool
	actPool  *concurrency.WorkerPool
	timers   *timerQueue
	appender failsafe.Executor[int64]

	mu          sync.Mutex
	runners     map[string]*runner
	waiters     map[string]chan struct{}
	subscribers []EventListener

	pending atomic.Int64
	started atomic.Bool
	ready   atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine over store running the code in registry
func NewEngine(store history.Store, registry *Registry, logger core.ILogger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		clock:    RealClock(),
		cfg:      DefaultConfig(),
		logger:   logger.WithField("component", "durable_engine"),
		metrics:  telemetry.GetGlobalMetrics(),
		runners:  make(map[string]*runner),
		waiters:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.executor = newActivityExecutor(registry, logger)
	e.timers = newTimerQueue(e.clock, &e.pending)
	e.orchPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "orchestrations",
		MaxWorkers:  e.cfg.OrchestrationWorkers,
		MaxCapacity: e.cfg.QueueCapacity,
	}, logger)
	e.actPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "activities",
		MaxWorkers:  e.cfg.ActivityWorkers,
		MaxCapacity: e.cfg.QueueCapacity,
	}, logger)

	retryPolicy := retrypolicy.NewBuilder[int64]().
		HandleIf(func(_ int64, err error) bool {
			return err != nil && !isInactive(err) && !errors.Is(err, context.Canceled)
		}).
		WithBackoff(e.cfg.AppendBackoffMin, e.cfg.AppendBackoffMax).
		WithMaxRetries(e.cfg.AppendMaxRetries).
		Build()
	e.appender = failsafe.With[int64](retryPolicy)

	return e
}

// Start launches the timer loop and resumes every pending instance
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return fmt.Errorf("engine stopped")
	}
	if e.started.Swap(true) {
		return nil
	}

	e.logger.Info("Starting durable engine",
		"orchestration_workers", e.cfg.OrchestrationWorkers,
		"activity_workers", e.cfg.ActivityWorkers)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.timers.Run(e.ctx)
	}()

	if err := e.Recover(ctx); err != nil {
		return err
	}
	e.ready.Store(true)
	return nil
}

// Stop halts dispatching. Running activities see their context cancelled and their results are
// dropped; they run again after the next Recover.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.logger.Info("Stopping durable engine")
	e.cancel()
	e.orchPool.Stop()
	e.actPool.Stop()
	e.wg.Wait()
}

// Subscribe registers a listener for durable events
func (e *Engine) Subscribe(fn EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// StartInstance creates an instance of workflowType and schedules its first run. It fails with
// ErrSchedulerUnavailable before Start and after Stop.
func (e *Engine) StartInstance(ctx context.Context, workflowType string, input any, opts ...StartOption) (string, error) {
	// recovery dispatches every Running instance; one started before it finished would run twice
	if !e.ready.Load() {
		return "", fmt.Errorf("engine not started: %w", apperrors.ErrSchedulerUnavailable)
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	return e.createInstance(ctx, workflowType, input, o)
}

func (e *Engine) createInstance(ctx context.Context, workflowType string, input any, o startOptions) (string, error) {
	if e.stopped.Load() {
		return "", fmt.Errorf("engine stopped: %w", apperrors.ErrSchedulerUnavailable)
	}
	if _, ok := e.registry.workflow(workflowType); !ok {
		return "", fmt.Errorf("%s: %w", workflowType, apperrors.ErrUnknownWorkflow)
	}

	data, err := encode(input)
	if err != nil {
		return "", err
	}

	id := o.instanceID
	if id == "" {
		id = uuid.NewString()
	}

	now := e.clock.Now()
	inst := &history.Instance{
		InstanceID:       id,
		WorkflowType:     workflowType,
		Input:            data,
		ParentInstanceID: o.parentID,
		ParentTaskID:     o.parentTaskID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	started := history.NewOrchestrationStarted(now, data)
	if err := e.store.CreateInstance(ctx, inst, started); err != nil {
		return "", err
	}

	started.Seq = 1
	e.publish(id, []history.Event{started})
	e.metrics.RecordInstanceStarted(ctx, workflowType)
	e.logger.Info("Instance started", "instance_id", id, "workflow", workflowType, "parent", o.parentID)

	e.enqueue(id, true)
	return id, nil
}

// Terminate ends a running instance, then its running children. Outcomes of the children are
// dropped since the parent is no longer running. A terminated child reports
// SubOrchestrationFailed to a parent that is still running.
func (e *Engine) Terminate(ctx context.Context, instanceID, reason string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.IsTerminal() {
		return fmt.Errorf("instance %s is %s: %w", instanceID, inst.Status, apperrors.ErrInstanceNotRunning)
	}

	ev := history.NewOrchestrationTerminated(e.clock.Now(), reason)
	if err := e.appendEvents(ctx, instanceID, []history.Event{ev}); err != nil {
		return err
	}
	e.logger.Warn("Instance terminated", "instance_id", instanceID, "reason", reason)

	children, err := e.store.ListInstances(ctx, history.Filter{ParentInstanceID: instanceID, Status: history.StatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list children of %s: %w", instanceID, err)
	}
	for _, child := range children {
		if err := e.Terminate(ctx, child.InstanceID, "parent terminated: "+reason); err != nil && !isInactive(err) {
			return err
		}
	}

	e.finished(ctx, inst, ev)
	return nil
}

// GetInstance returns instance metadata without replaying it
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*history.Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// ListInstances returns instance metadata matching filter
func (e *Engine) ListInstances(ctx context.Context, filter history.Filter) ([]*history.Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// History returns the recorded events of an instance
func (e *Engine) History(ctx context.Context, instanceID string) ([]history.Event, error) {
	return e.store.Read(ctx, instanceID)
}

// WaitForCompletion blocks until the instance leaves the Running status
func (e *Engine) WaitForCompletion(ctx context.Context, instanceID string) (*history.Instance, error) {
	for {
		ch := e.waitChan(instanceID)

		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.IsTerminal() {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Recover resumes every Running instance: it replays each one and re-dispatches the work its
// history shows as outstanding. It is meant to run once, at startup.
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending instances: %w", err)
	}

	for _, id := range ids {
		if err := e.recoverInstance(ctx, id); err != nil {
			return err
		}
	}

	if len(ids) > 0 {
		e.logger.Info("Recovered pending instances", "count", len(ids))
	}
	return nil
}

func (e *Engine) recoverInstance(ctx context.Context, id string) error {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", id, err)
	}

	events, err := e.store.Read(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrHistoryCorruption) {
			e.quarantine(ctx, inst, err)
			return nil
		}
		return fmt.Errorf("failed to read history of %s: %w", id, err)
	}

	e.rearm(ctx, inst, events)
	e.enqueue(id, true)
	return nil
}

// rearm re-dispatches every scheduled item that history shows without an outcome
func (e *Engine) rearm(ctx context.Context, inst *history.Instance, events []history.Event) {
	scheduled := make(map[int64]history.Event)
	resolved := make(map[int64]bool)
	lastFailure := make(map[int64]history.Event)
	var order []int64

	for _, ev := range events {
		switch {
		case ev.Type.IsScheduling():
			scheduled[ev.TaskID] = ev
			order = append(order, ev.TaskID)
		case ev.Type.IsResolution():
			resolved[ev.TaskID] = true
		case ev.Type == history.ActivityAttemptFailed:
			lastFailure[ev.TaskID] = ev
		}
	}

	for _, taskID := range order {
		if resolved[taskID] {
			continue
		}
		ev := scheduled[taskID]
		switch ev.Type {
		case history.ActivityScheduled:
			if failed, ok := lastFailure[taskID]; ok && failed.RetryAt != nil {
				next := failed.Attempt + 1
				e.timers.Schedule(*failed.RetryAt, func() {
					e.dispatchActivity(inst.InstanceID, ev, next)
				})
				continue
			}
			e.dispatchActivity(inst.InstanceID, ev, 1)
		case history.TimerCreated:
			e.armTimer(inst.InstanceID, ev)
		case history.SubOrchestrationScheduled:
			e.startChild(ctx, inst.InstanceID, ev)
		}
	}
}

// Pending returns the amount of queued or running in-memory work. Zero means the engine is idle
// until the next timer.
func (e *Engine) Pending() int64 {
	return e.pending.Load()
}

// NextTimer returns when the earliest queued timer is due
func (e *Engine) NextTimer() (time.Time, bool) {
	return e.timers.Next()
}

// FireTimers runs every timer that is due on the engine clock
func (e *Engine) FireTimers() int {
	return e.timers.FireDue()
}

// enqueue hands events to the instance runner; force requests a replay even without new outcomes
func (e *Engine) enqueue(id string, force bool, events ...history.Event) {
	e.mu.Lock()
	if e.stopped.Load() {
		e.mu.Unlock()
		return
	}
	r, ok := e.runners[id]
	if !ok {
		r = &runner{id: id}
		e.runners[id] = r
		e.metrics.RecordInstanceLoaded(e.ctx, 1)
	}
	r.inbox = append(r.inbox, events...)
	r.force = r.force || force
	start := !r.active
	if start {
		r.active = true
		e.pending.Add(1)
	}
	e.mu.Unlock()

	if start {
		e.submitRunner(r)
	}
}

func (e *Engine) submitRunner(r *runner) {
	if err := e.orchPool.Submit(func() { e.drain(r) }); err != nil {
		e.mu.Lock()
		r.active = false
		e.mu.Unlock()
		e.pending.Add(-1)
		e.logger.Debug("Runner not scheduled", "instance_id", r.id, "error", err)
	}
}

// drain is the single writer of an instance: it appends queued outcomes, then replays
func (e *Engine) drain(r *runner) {
	defer e.pending.Add(-1)

	for {
		e.mu.Lock()
		if e.stopped.Load() {
			r.active = false
			e.mu.Unlock()
			return
		}
		batch, force := r.inbox, r.force
		r.inbox, r.force = nil, false
		if len(batch) == 0 && !force {
			r.active = false
			delete(e.runners, r.id)
			e.mu.Unlock()
			e.metrics.RecordInstanceLoaded(e.ctx, -1)
			return
		}
		e.mu.Unlock()

		if len(batch) > 0 {
			if err := e.appendEvents(e.ctx, r.id, batch); err != nil {
				if isInactive(err) {
					e.logger.Debug("Dropping outcomes of inactive instance", "instance_id", r.id, "events", len(batch), "error", err)
					continue
				}
				e.requeue(r, batch, force, err)
				return
			}
		}

		if force || needsReplay(batch) {
			if err := e.advance(e.ctx, r.id); err != nil {
				e.requeue(r, nil, true, err)
				return
			}
		}
	}
}

// requeue puts unprocessed work back and retries the instance after a delay
func (e *Engine) requeue(r *runner, batch []history.Event, force bool, cause error) {
	e.mu.Lock()
	r.inbox = append(batch, r.inbox...)
	r.force = r.force || force
	r.active = false
	e.mu.Unlock()

	if e.stopped.Load() {
		return
	}
	e.logger.Error("Instance paused after store failure",
		"instance_id", r.id,
		"retry_in", e.cfg.RequeueDelay,
		"error", cause)

	e.timers.Schedule(e.clock.Now().Add(e.cfg.RequeueDelay), func() {
		e.enqueue(r.id, false)
	})
}

func needsReplay(batch []history.Event) bool {
	for _, ev := range batch {
		if ev.Type.IsResolution() || ev.Type == history.OrchestrationStarted {
			return true
		}
	}
	return false
}

// advance replays the instance and persists and dispatches what the workflow asks for next
func (e *Engine) advance(ctx context.Context, id string) error {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrInstanceNotFound) {
			return nil
		}
		return err
	}
	if inst.IsTerminal() {
		return nil
	}

	events, err := e.store.Read(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrHistoryCorruption) {
			e.quarantine(ctx, inst, err)
			return nil
		}
		return err
	}

	fn, ok := e.registry.workflow(inst.WorkflowType)
	if !ok {
		failed := history.NewOrchestrationFailed(e.clock.Now(), apperrors.Kind(apperrors.ErrUnknownWorkflow),
			fmt.Sprintf("workflow %q is not registered", inst.WorkflowType))
		return e.complete(ctx, inst, nil, failed)
	}

	started := time.Now()
	exec := Replay(fn, inst, events, e.cfg.DefaultRetry, e.logger.WithField("instance_id", id))
	e.metrics.RecordReplay(ctx, inst.WorkflowType, time.Since(started))

	if exec.Corruption != nil {
		e.quarantine(ctx, inst, exec.Corruption)
		return nil
	}

	now := e.clock.Now()
	commands := make([]history.Event, len(exec.Commands))
	for i, cmd := range exec.Commands {
		cmd.Timestamp = now
		commands[i] = cmd
	}

	if exec.Done {
		var terminal history.Event
		if exec.Err != nil {
			terminal = history.NewOrchestrationFailed(now, errorKind(exec.Err), exec.Err.Error())
		} else {
			terminal = history.NewOrchestrationCompleted(now, exec.Output)
		}
		return e.complete(ctx, inst, commands, terminal)
	}

	if len(commands) == 0 {
		return nil
	}
	if err := e.appendEvents(ctx, id, commands); err != nil {
		if isInactive(err) {
			return nil
		}
		return err
	}

	for _, cmd := range commands {
		e.dispatch(ctx, id, cmd)
	}
	return nil
}

// complete persists the final commands together with the terminal event
func (e *Engine) complete(ctx context.Context, inst *history.Instance, commands []history.Event, terminal history.Event) error {
	batch := append(commands, terminal)
	if err := e.appendEvents(ctx, inst.InstanceID, batch); err != nil {
		if isInactive(err) {
			return nil
		}
		return err
	}

	if terminal.Type == history.OrchestrationFailed {
		e.logger.Warn("Instance failed", "instance_id", inst.InstanceID, "workflow", inst.WorkflowType,
			"kind", terminal.ErrorKind, "error", terminal.ErrorMessage)
	} else {
		e.logger.Info("Instance completed", "instance_id", inst.InstanceID, "workflow", inst.WorkflowType)
	}
	e.finished(ctx, inst, terminal)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, id string, cmd history.Event) {
	switch cmd.Type {
	case history.ActivityScheduled:
		e.dispatchActivity(id, cmd, 1)
	case history.TimerCreated:
		e.armTimer(id, cmd)
	case history.SubOrchestrationScheduled:
		e.startChild(ctx, id, cmd)
	}
}

func (e *Engine) armTimer(id string, created history.Event) {
	if created.FireAt == nil {
		return
	}
	taskID := created.TaskID
	e.timers.Schedule(*created.FireAt, func() {
		e.metrics.RecordTimerFired(e.ctx)
		e.enqueue(id, false, history.NewTimerFired(e.clock.Now(), taskID))
	})
}

func (e *Engine) dispatchActivity(id string, sched history.Event, attempt int) {
	e.pending.Add(1)
	err := e.actPool.Submit(func() {
		defer e.pending.Add(-1)
		e.runActivity(id, sched, attempt)
	})
	if err != nil {
		e.pending.Add(-1)
		e.logger.Debug("Activity not dispatched", "instance_id", id, "activity", sched.Name, "error", err)
	}
}

func (e *Engine) runActivity(id string, sched history.Event, attempt int) {
	if e.stopped.Load() {
		return
	}
	if inst, err := e.store.GetInstance(e.ctx, id); err == nil && inst.IsTerminal() {
		return
	}

	policy := retry.NoRetry
	if sched.RetryPolicy != nil {
		policy = *sched.RetryPolicy
	}

	info := ActivityInfo{
		InstanceID:  id,
		TaskID:      sched.TaskID,
		Name:        sched.Name,
		Attempt:     attempt,
		MaxAttempts: policy.MaxAttempts,
	}
	result, err := e.executor.Execute(e.ctx, info, sched.Input)

	if e.stopped.Load() {
		e.logger.Debug("Dropping activity outcome after shutdown", "instance_id", id, "activity", sched.Name)
		return
	}

	now := e.clock.Now()
	if err == nil {
		e.enqueue(id, false, history.NewActivityCompleted(now, sched.TaskID, result))
		return
	}

	kind := errorKind(err)
	if IsRetryable(err) && policy.ShouldRetry(attempt) {
		retryAt := now.Add(policy.Delay(attempt))
		e.metrics.RecordActivityRetry(e.ctx, sched.Name)
		e.enqueue(id, false, history.NewActivityAttemptFailed(now, sched.TaskID, kind, err.Error(), attempt, retryAt))
		e.timers.Schedule(retryAt, func() {
			e.dispatchActivity(id, sched, attempt+1)
		})
		return
	}

	e.enqueue(id, false, history.NewActivityFailed(now, sched.TaskID, kind, err.Error(), attempt))
}

// startChild creates the child instance of a SubOrchestrationScheduled event. Creation is
// idempotent: an existing child is resumed, or reported if it already finished.
func (e *Engine) startChild(ctx context.Context, parentID string, sched history.Event) {
	_, err := e.createInstance(ctx, sched.Name, Payload(sched.Input), startOptions{
		instanceID:   sched.ChildInstanceID,
		parentID:     parentID,
		parentTaskID: sched.TaskID,
	})
	if err == nil {
		return
	}

	if !errors.Is(err, apperrors.ErrInstanceExists) {
		e.logger.Error("Failed to start sub-orchestration", "parent", parentID, "child", sched.ChildInstanceID, "error", err)
		e.enqueue(parentID, false, history.NewSubOrchestrationFailed(e.clock.Now(), sched.TaskID, errorKind(err), err.Error()))
		return
	}

	child, err := e.store.GetInstance(ctx, sched.ChildInstanceID)
	if err != nil {
		e.logger.Error("Failed to load sub-orchestration", "child", sched.ChildInstanceID, "error", err)
		return
	}
	if child.IsTerminal() {
		e.enqueue(parentID, false, childOutcome(e.clock.Now(), sched.TaskID, child))
	}
}

// finished wakes waiters and reports the outcome to the parent instance
func (e *Engine) finished(ctx context.Context, inst *history.Instance, terminal history.Event) {
	final := inst.Clone()
	switch terminal.Type {
	case history.OrchestrationCompleted:
		final.Status = history.StatusCompleted
		final.Result = terminal.Result
	case history.OrchestrationFailed:
		final.Status = history.StatusFailed
		final.ErrorKind, final.Error = terminal.ErrorKind, terminal.ErrorMessage
	case history.OrchestrationTerminated:
		final.Status = history.StatusTerminated
		final.ErrorKind, final.Error = "Terminated", terminal.Reason
	}
	e.settle(ctx, final)
}

func (e *Engine) quarantine(ctx context.Context, inst *history.Instance, cause error) {
	e.logger.Error("Quarantining instance", "instance_id", inst.InstanceID, "workflow", inst.WorkflowType, "error", cause)
	if err := e.store.Quarantine(ctx, inst.InstanceID, cause.Error()); err != nil {
		e.logger.Error("Failed to quarantine instance", "instance_id", inst.InstanceID, "error", err)
		return
	}

	final := inst.Clone()
	final.Status = history.StatusQuarantined
	final.ErrorKind = apperrors.Kind(apperrors.ErrHistoryCorruption)
	final.Error = cause.Error()
	e.settle(ctx, final)
}

func (e *Engine) settle(ctx context.Context, final *history.Instance) {
	e.metrics.RecordInstanceFinished(ctx, final.WorkflowType, string(final.Status))
	e.notifyWaiters(final.InstanceID)

	if final.ParentInstanceID != "" {
		e.enqueue(final.ParentInstanceID, false, childOutcome(e.clock.Now(), final.ParentTaskID, final))
	}
}

// childOutcome converts a finished child into the parent's resolution event
func childOutcome(ts time.Time, taskID int64, child *history.Instance) history.Event {
	if child.Status == history.StatusCompleted {
		return history.NewSubOrchestrationCompleted(ts, taskID, child.Result)
	}
	kind := child.ErrorKind
	if kind == "" {
		kind = string(child.Status)
	}
	return history.NewSubOrchestrationFailed(ts, taskID, kind, child.Error)
}

// appendEvents stamps, persists and publishes events
func (e *Engine) appendEvents(ctx context.Context, id string, events []history.Event) error {
	now := e.clock.Now()
	for i := range events {
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}

	last, err := e.appender.GetWithExecution(func(exec failsafe.Execution[int64]) (int64, error) {
		return e.store.Append(ctx, id, events...)
	})
	if err != nil {
		if isInactive(err) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("append to %s: %w: %w", id, apperrors.ErrSchedulerUnavailable, err)
	}

	first := last - int64(len(events)) + 1
	for i := range events {
		events[i].Seq = first + int64(i)
	}
	e.publish(id, events)
	return nil
}

func (e *Engine) publish(id string, events []history.Event) {
	e.mu.Lock()
	subs := append([]EventListener(nil), e.subscribers...)
	e.mu.Unlock()

	for _, fn := range subs {
		for _, ev := range events {
			fn(id, ev)
		}
	}
}

func (e *Engine) waitChan(id string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.waiters[id]
	if !ok {
		ch = make(chan struct{})
		e.waiters[id] = ch
	}
	return ch
}

func (e *Engine) notifyWaiters(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[id]; ok {
		close(ch)
		delete(e.waiters, id)
	}
}

func isInactive(err error) bool {
	return errors.Is(err, apperrors.ErrInstanceNotRunning) || errors.Is(err, apperrors.ErrInstanceNotFound)
}
