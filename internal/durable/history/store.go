package history

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of an instance
type Status string

const (
	StatusRunning     Status = "Running"
	StatusCompleted   Status = "Completed"
	StatusFailed      Status = "Failed"
	StatusTerminated  Status = "Terminated"
	StatusQuarantined Status = "Quarantined"
)

// ParseStatus accepts a status name in any case
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{StatusRunning, StatusCompleted, StatusFailed, StatusTerminated, StatusQuarantined} {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Instance is the metadata row of an orchestration instance
type Instance struct {
	InstanceID       string          `json:"instance_id"`
	WorkflowType     string          `json:"workflow_type"`
	Input            json.RawMessage `json:"input,omitempty"`
	Status           Status          `json:"status"`
	ParentInstanceID string          `json:"parent_instance_id,omitempty"`
	ParentTaskID     int64           `json:"parent_task_id,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	LastSeq          int64           `json:"last_seq"`
}

// IsTerminal reports whether the instance left the Running status
func (i *Instance) IsTerminal() bool {
	return i.Status != StatusRunning
}

// Clone returns a deep copy of the instance
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Input != nil {
		c.Input = append(json.RawMessage(nil), i.Input...)
	}
	if i.Result != nil {
		c.Result = append(json.RawMessage(nil), i.Result...)
	}
	return &c
}

// applyTerminal copies the outcome of a terminal event onto the instance
func (i *Instance) applyTerminal(ev Event) {
	switch ev.Type {
	case OrchestrationCompleted:
		i.Status = StatusCompleted
		i.Result = ev.Result
	case OrchestrationFailed:
		i.Status = StatusFailed
		i.ErrorKind = ev.ErrorKind
		i.Error = ev.ErrorMessage
	case OrchestrationTerminated:
		i.Status = StatusTerminated
		i.ErrorKind = "Terminated"
		i.Error = ev.Reason
	}
}

// Filter narrows ListInstances. Zero fields match everything.
type Filter struct {
	Status           Status
	WorkflowType     string
	ParentInstanceID string
	Limit            int
}

func (f Filter) matches(i *Instance) bool {
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.WorkflowType != "" && i.WorkflowType != f.WorkflowType {
		return false
	}
	if f.ParentInstanceID != "" && i.ParentInstanceID != f.ParentInstanceID {
		return false
	}
	return true
}

// Store persists instances and their histories.
// Append is atomic and durable before it returns. Appends to one instance are serialized.
type Store interface {
	// CreateInstance stores a new Running instance together with its first events.
	// Fails with apperrors.ErrInstanceExists when the id is taken.
	CreateInstance(ctx context.Context, inst *Instance, events ...Event) error
	// Append assigns consecutive sequence numbers to events and returns the last one.
	// A terminal orchestration event updates the instance status in the same transaction.
	// Fails with apperrors.ErrInstanceNotRunning once the instance is terminal.
	Append(ctx context.Context, instanceID string, events ...Event) (int64, error)
	// Read returns the full history ordered by sequence number.
	// Fails with apperrors.ErrHistoryCorruption when an event does not verify.
	Read(ctx context.Context, instanceID string) ([]Event, error)
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	// ListPending returns the ids of Running instances, oldest first
	ListPending(ctx context.Context) ([]string, error)
	// ListInstances returns instances matching the filter, newest first
	ListInstances(ctx context.Context, filter Filter) ([]*Instance, error)
	// Quarantine sets a Running instance aside without reading its history
	Quarantine(ctx context.Context, instanceID, reason string) error
	Close() error
}
