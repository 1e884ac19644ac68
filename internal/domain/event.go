package domain

import "time"

// EventType names a lifecycle event of a supervised process
type EventType string

const (
	EventStarted    EventType = "started"
	EventProgress   EventType = "progress"
	EventCheckpoint EventType = "checkpoint"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventTimedOut   EventType = "timed_out"
)

// Event is emitted by the supervisor for every lifecycle step
type Event struct {
	Type      EventType     `json:"type"`
	TaskID    string        `json:"task_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	PID       int           `json:"pid"`
	Status    MonitorStatus `json:"status"`
	Progress  int           `json:"progress"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Time      time.Time     `json:"time"`
}

// EventCallback receives supervisor events. Implementations must not block.
type EventCallback func(Event)
