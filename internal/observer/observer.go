package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/monitor"
)

// Observer watches supervisor events and collects metrics
type Observer struct {
	stuckThreshold time.Duration

	outcomes           []outcome
	checkpoints        int
	checkpointFailures int
	progressUpdates    int
	progressFailures   int
	mu                 sync.RWMutex
}

type outcome struct {
	TaskID     string
	Status     domain.MonitorStatus
	Duration   time.Duration
	FinishedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted     int           `json:"total_completed"`
	TotalFailed        int           `json:"total_failed"`
	TotalTimedOut      int           `json:"total_timed_out"`
	Checkpoints        int           `json:"checkpoints"`
	CheckpointFailures int           `json:"checkpoint_failures"`
	ProgressUpdates    int           `json:"progress_updates"`
	ProgressFailures   int           `json:"progress_failures"`
	AvgDuration        time.Duration `json:"avg_duration"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// IsStuck returns true if a session has gone without a checkpoint for
// longer than the threshold
func (o *Observer) IsStuck(info monitor.Info) bool {
	if info.Status != domain.MonitorRunning {
		return false
	}
	last := info.LastCheckpointAt
	if last.IsZero() {
		last = info.StartedAt
	}
	if last.IsZero() {
		return false
	}
	return time.Since(last) > o.stuckThreshold
}

// StuckSessions filters the sessions that look stuck
func (o *Observer) StuckSessions(infos []monitor.Info) []monitor.Info {
	var stuck []monitor.Info
	for _, info := range infos {
		if o.IsStuck(info) {
			stuck = append(stuck, info)
		}
	}
	return stuck
}

// HandleEvent records an event. It matches domain.EventCallback.
func (o *Observer) HandleEvent(e domain.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Type {
	case domain.EventCheckpoint:
		o.checkpoints++
		if e.Error != "" {
			o.checkpointFailures++
		}
	case domain.EventProgress:
		o.progressUpdates++
		if e.Error != "" {
			o.progressFailures++
		}
	case domain.EventCompleted, domain.EventFailed, domain.EventTimedOut:
		o.outcomes = append(o.outcomes, outcome{
			TaskID:     e.TaskID,
			Status:     e.Status,
			Duration:   e.Elapsed,
			FinishedAt: time.Now(),
		})
	}
}

// RecordOutcome records a finished run directly
func (o *Observer) RecordOutcome(taskID string, status domain.MonitorStatus, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.outcomes = append(o.outcomes, outcome{
		TaskID:     taskID,
		Status:     status,
		Duration:   duration,
		FinishedAt: time.Now(),
	})
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{
		Checkpoints:        o.checkpoints,
		CheckpointFailures: o.checkpointFailures,
		ProgressUpdates:    o.progressUpdates,
		ProgressFailures:   o.progressFailures,
	}
	var totalDuration time.Duration

	for _, c := range o.outcomes {
		switch c.Status {
		case domain.MonitorCompleted:
			metrics.TotalCompleted++
		case domain.MonitorTimedOut:
			metrics.TotalTimedOut++
		default:
			metrics.TotalFailed++
		}
		totalDuration += c.Duration
	}

	if n := len(o.outcomes); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentCompletions returns the tasks that finished within since
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.outcomes {
		if c.FinishedAt.After(cutoff) {
			result = append(result, c.TaskID)
		}
	}

	return result
}
