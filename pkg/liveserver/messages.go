package liveserver

import (
	"time"

	"signal_trader/internal/durable/history"
)

// Message is one frame of the live feed
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	// TypeEvent carries one appended history event
	TypeEvent = "history_event"
	// TypeInstanceDone is sent when an instance reaches a terminal status
	TypeInstanceDone = "instance_done"
)

// EventData is the payload of a TypeEvent message
type EventData struct {
	InstanceID string        `json:"instance_id"`
	Event      history.Event `json:"event"`
}

// InstanceDoneData is the payload of a TypeInstanceDone message
type InstanceDoneData struct {
	InstanceID string         `json:"instance_id"`
	Status     history.Status `json:"status"`
	Time       time.Time      `json:"time"`
}

// NewEventMessages wraps an appended event, adding an instance_done frame for terminal events
func NewEventMessages(instanceID string, ev history.Event) []Message {
	msgs := []Message{{Type: TypeEvent, Data: EventData{InstanceID: instanceID, Event: ev}}}

	var status history.Status
	switch ev.Type {
	case history.OrchestrationCompleted:
		status = history.StatusCompleted
	case history.OrchestrationFailed:
		status = history.StatusFailed
	case history.OrchestrationTerminated:
		status = history.StatusTerminated
	default:
		return msgs
	}
	return append(msgs, Message{
		Type: TypeInstanceDone,
		Data: InstanceDoneData{InstanceID: instanceID, Status: status, Time: ev.Timestamp},
	})
}
