// Package messaging defines the envelope and the five message variants that
// travel over the bus. Message is sealed: only the variants in this package
// implement it, so a type switch over them is exhaustive.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindTask   Kind = "task"
	KindResult Kind = "result"
	KindEvent  Kind = "event"
	KindStatus Kind = "status"
	KindError  Kind = "error"
)

type EventType string

const (
	EventAgentStarted        EventType = "agent_started"
	EventAgentStopped        EventType = "agent_stopped"
	EventTaskCreated         EventType = "task_created"
	EventTaskCompleted       EventType = "task_completed"
	EventTaskFailed          EventType = "task_failed"
	EventDetectionCompleted  EventType = "detection_completed"
	EventFixCompleted        EventType = "fix_completed"
	EventValidationCompleted EventType = "validation_completed"
	EventSystemError         EventType = "system_error"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventAgentStarted,
	EventAgentStopped,
	EventTaskCreated,
	EventTaskCompleted,
	EventTaskFailed,
	EventDetectionCompleted,
	EventFixCompleted,
	EventValidationCompleted,
	EventSystemError,
}

type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Envelope holds the header shared by every message. ID is unique per
// message instance, not per task.
type Envelope struct {
	ID             string    `json:"id"`
	SourceAgent    string    `json:"source_agent"`
	TargetAgent    string    `json:"target_agent,omitempty"`
	Kind           Kind      `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	Priority       int       `json:"priority"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	RetryCount     int       `json:"retry_count"`
}

type Message interface {
	Header() *Envelope
	sealed()
}

func (e *Envelope) Header() *Envelope { return e }
func (e *Envelope) sealed()           {}

type TaskMessage struct {
	Envelope
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload"`
}

type ResultMessage struct {
	Envelope
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result"`
	Status ResultStatus   `json:"status"`
	Error  string         `json:"error,omitempty"`
}

type EventMessage struct {
	Envelope
	EventType EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Broadcast bool           `json:"broadcast"`
}

type StatusMessage struct {
	Envelope
	AgentStatus string         `json:"agent_status"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

type ErrorMessage struct {
	Envelope
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details,omitempty"`
}

func newEnvelope(kind Kind, source, target string) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		SourceAgent: source,
		TargetAgent: target,
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
	}
}

func NewTaskMessage(source, target, taskID, taskType string, payload map[string]any) *TaskMessage {
	return &TaskMessage{
		Envelope: newEnvelope(KindTask, source, target),
		TaskID:   taskID,
		TaskType: taskType,
		Payload:  orEmpty(payload),
	}
}

func NewResultMessage(source, target, taskID string, result map[string]any, status ResultStatus, errMsg string) *ResultMessage {
	return &ResultMessage{
		Envelope: newEnvelope(KindResult, source, target),
		TaskID:   taskID,
		Result:   orEmpty(result),
		Status:   status,
		Error:    errMsg,
	}
}

func NewEventMessage(source, target string, eventType EventType, payload map[string]any, broadcast bool) *EventMessage {
	return &EventMessage{
		Envelope:  newEnvelope(KindEvent, source, target),
		EventType: eventType,
		Payload:   orEmpty(payload),
		Broadcast: broadcast,
	}
}

func NewStatusMessage(source, agentStatus string, metrics map[string]any) *StatusMessage {
	return &StatusMessage{
		Envelope:    newEnvelope(KindStatus, source, ""),
		AgentStatus: agentStatus,
		Metrics:     orEmpty(metrics),
	}
}

func NewErrorMessage(source, target, code, message string, details map[string]any) *ErrorMessage {
	return &ErrorMessage{
		Envelope:     newEnvelope(KindError, source, target),
		ErrorCode:    code,
		ErrorMessage: message,
		Details:      details,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
