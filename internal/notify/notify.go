package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification is the outcome of one supervised run, ready to be sent
type Notification struct {
	Title     string
	Message   string
	Type      NotificationType
	TaskID    string
	SessionID string
	PID       int
	ExitCode  *int
	Elapsed   time.Duration
	TimedOut  bool
	Detail    string // failure text, ends with the last lines of output
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromEvent builds the notification for a terminal event. Other events
// return false.
func FromEvent(e domain.Event) (Notification, bool) {
	n := Notification{
		TaskID:    e.TaskID,
		SessionID: e.SessionID,
		PID:       e.PID,
		Message:   e.Message,
		ExitCode:  e.ExitCode,
		Elapsed:   e.Elapsed,
		Detail:    e.Error,
	}
	elapsed := e.Elapsed.Round(time.Second)

	switch e.Type {
	case domain.EventCompleted:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("CLI run completed after %s", elapsed)
	case domain.EventFailed:
		n.Type = NotifyError
		n.Title = "CLI run failed"
		if e.ExitCode != nil {
			n.Title = fmt.Sprintf("CLI run failed with exit code %d", *e.ExitCode)
		}
	case domain.EventTimedOut:
		n.Type = NotifyWarning
		n.TimedOut = true
		n.Title = fmt.Sprintf("CLI run timed out after %s", elapsed)
	default:
		return Notification{}, false
	}
	return n, true
}

// EventHandler returns an event callback that sends notifications for
// terminal events. Sending happens in the background.
func EventHandler(n Notifier, logger *slog.Logger) domain.EventCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e domain.Event) {
		notification, ok := FromEvent(e)
		if !ok {
			return
		}
		go func() {
			if err := n.Send(notification); err != nil {
				logger.Warn("sending notification failed", "task_id", e.TaskID, "err", err)
			}
		}()
	}
}
