// Package history holds the append-only event log of orchestration instances and its stores
package history

import (
	"encoding/json"
	"time"

	"signal_trader/pkg/retry"
)

// EventType tags the variant of an Event
type EventType string

const (
	OrchestrationStarted    EventType = "OrchestrationStarted"
	OrchestrationCompleted  EventType = "OrchestrationCompleted"
	OrchestrationFailed     EventType = "OrchestrationFailed"
	OrchestrationTerminated EventType = "OrchestrationTerminated"

	ActivityScheduled     EventType = "ActivityScheduled"
	ActivityCompleted     EventType = "ActivityCompleted"
	ActivityAttemptFailed EventType = "ActivityAttemptFailed"
	ActivityFailed        EventType = "ActivityFailed"

	TimerCreated EventType = "TimerCreated"
	TimerFired   EventType = "TimerFired"

	SubOrchestrationScheduled EventType = "SubOrchestrationScheduled"
	SubOrchestrationCompleted EventType = "SubOrchestrationCompleted"
	SubOrchestrationFailed    EventType = "SubOrchestrationFailed"
)

// IsOrchestrationTerminal reports whether the event ends an instance
func (t EventType) IsOrchestrationTerminal() bool {
	switch t {
	case OrchestrationCompleted, OrchestrationFailed, OrchestrationTerminated:
		return true
	}
	return false
}

// IsScheduling reports whether the event opens a suspension point
func (t EventType) IsScheduling() bool {
	switch t {
	case ActivityScheduled, TimerCreated, SubOrchestrationScheduled:
		return true
	}
	return false
}

// IsResolution reports whether the event closes a suspension point
func (t EventType) IsResolution() bool {
	switch t {
	case ActivityCompleted, ActivityFailed, TimerFired, SubOrchestrationCompleted, SubOrchestrationFailed:
		return true
	}
	return false
}

// Event is one entry of an instance history. Only the fields of its Type are set.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// TaskID is the sequence id of the workflow call the event belongs to
	TaskID int64 `json:"task_id,omitempty"`

	Name            string          `json:"name,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Attempt         int             `json:"attempt,omitempty"`
	RetryAt         *time.Time      `json:"retry_at,omitempty"`
	FireAt          *time.Time      `json:"fire_at,omitempty"`
	ChildInstanceID string          `json:"child_instance_id,omitempty"`
	RetryPolicy     *retry.Policy   `json:"retry_policy,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// Clone returns a deep copy of the event
func (e Event) Clone() Event {
	c := e
	if e.Input != nil {
		c.Input = append(json.RawMessage(nil), e.Input...)
	}
	if e.Result != nil {
		c.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.RetryAt != nil {
		t := *e.RetryAt
		c.RetryAt = &t
	}
	if e.FireAt != nil {
		t := *e.FireAt
		c.FireAt = &t
	}
	if e.RetryPolicy != nil {
		p := *e.RetryPolicy
		c.RetryPolicy = &p
	}
	return c
}

func NewOrchestrationStarted(ts time.Time, input json.RawMessage) Event {
	return Event{Type: OrchestrationStarted, Timestamp: ts, Input: input}
}

func NewOrchestrationCompleted(ts time.Time, result json.RawMessage) Event {
	return Event{Type: OrchestrationCompleted, Timestamp: ts, Result: result}
}

func NewOrchestrationFailed(ts time.Time, kind, message string) Event {
	return Event{Type: OrchestrationFailed, Timestamp: ts, ErrorKind: kind, ErrorMessage: message}
}

func NewOrchestrationTerminated(ts time.Time, reason string) Event {
	return Event{Type: OrchestrationTerminated, Timestamp: ts, Reason: reason}
}

func NewActivityScheduled(ts time.Time, taskID int64, name string, input json.RawMessage, policy retry.Policy) Event {
	return Event{Type: ActivityScheduled, Timestamp: ts, TaskID: taskID, Name: name, Input: input, RetryPolicy: &policy}
}

func NewActivityCompleted(ts time.Time, taskID int64, result json.RawMessage) Event {
	return Event{Type: ActivityCompleted, Timestamp: ts, TaskID: taskID, Result: result}
}

func NewActivityAttemptFailed(ts time.Time, taskID int64, kind, message string, attempt int, retryAt time.Time) Event {
	return Event{
		Type:         ActivityAttemptFailed,
		Timestamp:    ts,
		TaskID:       taskID,
		ErrorKind:    kind,
		ErrorMessage: message,
		Attempt:      attempt,
		RetryAt:      &retryAt,
	}
}

func NewActivityFailed(ts time.Time, taskID int64, kind, message string, attempt int) Event {
	return Event{Type: ActivityFailed, Timestamp: ts, TaskID: taskID, ErrorKind: kind, ErrorMessage: message, Attempt: attempt}
}

func NewTimerCreated(ts time.Time, taskID int64, fireAt time.Time) Event {
	return Event{Type: TimerCreated, Timestamp: ts, TaskID: taskID, FireAt: &fireAt}
}

func NewTimerFired(ts time.Time, taskID int64) Event {
	return Event{Type: TimerFired, Timestamp: ts, TaskID: taskID}
}

func NewSubOrchestrationScheduled(ts time.Time, taskID int64, workflowType, childID string, input json.RawMessage) Event {
	return Event{
		Type:            SubOrchestrationScheduled,
		Timestamp:       ts,
		TaskID:          taskID,
		Name:            workflowType,
		ChildInstanceID: childID,
		Input:           input,
	}
}

func NewSubOrchestrationCompleted(ts time.Time, taskID int64, result json.RawMessage) Event {
	return Event{Type: SubOrchestrationCompleted, Timestamp: ts, TaskID: taskID, Result: result}
}

func NewSubOrchestrationFailed(ts time.Time, taskID int64, kind, message string) Event {
	return Event{Type: SubOrchestrationFailed, Timestamp: ts, TaskID: taskID, ErrorKind: kind, ErrorMessage: message}
}
