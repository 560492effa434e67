package durable

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/durable/history"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/retry"
)

// Context is handed to workflow code. It is only valid inside the workflow goroutine.
type Context struct {
	instance *history.Instance
	input    Payload

	scheduled   map[int64]history.Event
	resolved    map[int64]history.Event
	consumed    map[int64]bool
	maxRecorded int64

	nextID   int64
	commands []history.Event
	now      time.Time

	defaultRetry retry.Policy
	logger       core.ILogger
	abortErr     error
}

func newContext(inst *history.Instance, events []history.Event, defaultRetry retry.Policy, logger core.ILogger) (*Context, error) {
	if len(events) == 0 || events[0].Type != history.OrchestrationStarted {
		return nil, fmt.Errorf("instance %s: history does not begin with %s: %w",
			inst.InstanceID, history.OrchestrationStarted, apperrors.ErrHistoryCorruption)
	}

	c := &Context{
		instance:     inst,
		input:        Payload(events[0].Input),
		scheduled:    make(map[int64]history.Event),
		resolved:     make(map[int64]history.Event),
		consumed:     make(map[int64]bool),
		now:          events[0].Timestamp,
		defaultRetry: defaultRetry,
		logger:       logger,
	}

	for _, ev := range events[1:] {
		switch {
		case ev.Type.IsScheduling():
			if _, dup := c.scheduled[ev.TaskID]; dup {
				return nil, fmt.Errorf("instance %s: task %d scheduled twice: %w", inst.InstanceID, ev.TaskID, apperrors.ErrHistoryCorruption)
			}
			c.scheduled[ev.TaskID] = ev
			if ev.TaskID > c.maxRecorded {
				c.maxRecorded = ev.TaskID
			}
		case ev.Type.IsResolution():
			if _, ok := c.scheduled[ev.TaskID]; !ok {
				return nil, fmt.Errorf("instance %s: %s for unknown task %d: %w", inst.InstanceID, ev.Type, ev.TaskID, apperrors.ErrHistoryCorruption)
			}
			if _, dup := c.resolved[ev.TaskID]; dup {
				return nil, fmt.Errorf("instance %s: task %d resolved twice: %w", inst.InstanceID, ev.TaskID, apperrors.ErrHistoryCorruption)
			}
			c.resolved[ev.TaskID] = ev
		}
	}

	return c, nil
}

// InstanceID returns the id of the running instance
func (c *Context) InstanceID() string {
	return c.instance.InstanceID
}

// GetInput decodes the instance input into v
func (c *Context) GetInput(v any) error {
	return c.input.Decode(v)
}

// Now is the deterministic current time: the latest timestamp among the history events the
// workflow has consumed so far, starting with the instance start.
func (c *Context) Now() time.Time {
	return c.now
}

// IsReplaying reports whether the code being run has already run in an earlier replay
func (c *Context) IsReplaying() bool {
	return c.nextID < c.maxRecorded || len(c.consumed) < len(c.resolved)
}

// Logger returns a logger that is silent while replaying
func (c *Context) Logger() core.ILogger {
	return &replayLogger{ctx: c, base: c.logger}
}

// ActivityOption customizes one activity call
type ActivityOption func(*activityOptions)

type activityOptions struct {
	policy retry.Policy
}

// WithRetry attaches a retry policy to the call
func WithRetry(p retry.Policy) ActivityOption {
	return func(o *activityOptions) {
		o.policy = p
	}
}

// CallActivity schedules the named activity
func (c *Context) CallActivity(name string, input any, opts ...ActivityOption) *Task {
	o := activityOptions{policy: c.defaultRetry}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.policy.Validate(); err != nil {
		return &Task{ctx: c, err: err}
	}

	data, err := encode(input)
	if err != nil {
		return &Task{ctx: c, err: err}
	}

	id := c.nextTaskID()
	if rec, ok := c.scheduled[id]; ok {
		c.expect(rec, history.ActivityScheduled, name)
		return &Task{ctx: c, id: id}
	}
	c.emit(history.NewActivityScheduled(time.Time{}, id, name, data, o.policy))
	return &Task{ctx: c, id: id}
}

// CreateTimer schedules a durable timer firing at fireAt
func (c *Context) CreateTimer(fireAt time.Time) *Task {
	id := c.nextTaskID()
	if rec, ok := c.scheduled[id]; ok {
		c.expect(rec, history.TimerCreated, "")
		return &Task{ctx: c, id: id}
	}
	c.emit(history.NewTimerCreated(time.Time{}, id, fireAt.UTC()))
	return &Task{ctx: c, id: id}
}

// CallSubOrchestration starts a child instance of workflowType
func (c *Context) CallSubOrchestration(workflowType string, input any) *Task {
	data, err := encode(input)
	if err != nil {
		return &Task{ctx: c, err: err}
	}

	id := c.nextTaskID()
	if rec, ok := c.scheduled[id]; ok {
		c.expect(rec, history.SubOrchestrationScheduled, workflowType)
		return &Task{ctx: c, id: id}
	}
	childID := fmt.Sprintf("%s:%d", c.instance.InstanceID, id)
	c.emit(history.NewSubOrchestrationScheduled(time.Time{}, id, workflowType, childID, data))
	return &Task{ctx: c, id: id}
}

// WhenAll returns a task that completes once every task has completed, in any order
func (c *Context) WhenAll(tasks ...*Task) *Task {
	return &Task{ctx: c, group: true, children: tasks}
}

func (c *Context) nextTaskID() int64 {
	c.nextID++
	return c.nextID
}

func (c *Context) emit(ev history.Event) {
	c.commands = append(c.commands, ev)
	c.scheduled[ev.TaskID] = ev
}

func (c *Context) expect(rec history.Event, typ history.EventType, name string) {
	if rec.Type == typ && rec.Name == name {
		return
	}
	c.abort(fmt.Errorf("instance %s task %d: history has %s %q but workflow called %s %q: %w: %w",
		c.instance.InstanceID, rec.TaskID, rec.Type, rec.Name, typ, name, apperrors.ErrNonDeterminism, apperrors.ErrHistoryCorruption))
}

// abort stops the workflow goroutine; the run is reported as corrupt
func (c *Context) abort(err error) {
	c.abortErr = err
	runtime.Goexit()
}

// suspend stops the workflow goroutine until more history arrives
func (c *Context) suspend() {
	runtime.Goexit()
}

func (c *Context) consume(ev history.Event) {
	if c.consumed[ev.TaskID] {
		return
	}
	c.consumed[ev.TaskID] = true
	if ev.Timestamp.After(c.now) {
		c.now = ev.Timestamp
	}
}

// Task is the handle of a scheduled call
type Task struct {
	ctx      *Context
	id       int64
	err      error
	group    bool
	children []*Task
}

// Done reports whether the task has a recorded outcome. It never suspends.
func (t *Task) Done() bool {
	if t.err != nil {
		return true
	}
	if t.group {
		for _, child := range t.children {
			if !child.Done() {
				return false
			}
		}
		return true
	}
	_, ok := t.ctx.resolved[t.id]
	return ok
}

// Await returns the task outcome, decoding a successful result into out.
// It suspends the workflow when the outcome is not recorded yet. A failed activity or
// sub-orchestration is returned as *TaskFailedError. For WhenAll tasks out is ignored and
// the first failure in argument order is returned.
func (t *Task) Await(out any) error {
	if t.err != nil {
		return t.err
	}

	if t.group {
		for _, child := range t.children {
			if !child.Done() {
				t.ctx.suspend()
			}
		}
		var first error
		for _, child := range t.children {
			if err := child.Await(nil); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	ev, ok := t.ctx.resolved[t.id]
	if !ok {
		t.ctx.suspend()
	}
	t.ctx.consume(ev)

	switch ev.Type {
	case history.ActivityCompleted, history.SubOrchestrationCompleted:
		if out != nil && len(ev.Result) > 0 {
			if err := json.Unmarshal(ev.Result, out); err != nil {
				return fmt.Errorf("decode result of task %d: %w", t.id, err)
			}
		}
		return nil
	case history.TimerFired:
		return nil
	default:
		return &TaskFailedError{Kind: ev.ErrorKind, Message: ev.ErrorMessage}
	}
}

// replayLogger drops records while the workflow is replaying
type replayLogger struct {
	ctx  *Context
	base core.ILogger
}

func (l *replayLogger) Debug(msg string, fields ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.base.Debug(msg, fields...)
	}
}

func (l *replayLogger) Info(msg string, fields ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.base.Info(msg, fields...)
	}
}

func (l *replayLogger) Warn(msg string, fields ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.base.Warn(msg, fields...)
	}
}

func (l *replayLogger) Error(msg string, fields ...interface{}) {
	if !l.ctx.IsReplaying() {
		l.base.Error(msg, fields...)
	}
}

func (l *replayLogger) Fatal(msg string, fields ...interface{}) {
	l.base.Fatal(msg, fields...)
}

func (l *replayLogger) WithField(key string, value interface{}) core.ILogger {
	return &replayLogger{ctx: l.ctx, base: l.base.WithField(key, value)}
}

func (l *replayLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return &replayLogger{ctx: l.ctx, base: l.base.WithFields(fields)}
}
