package domain

// TaskStatus is the status stored in the task sink
type TaskStatus string

const (
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// IsFinished returns true for statuses that no longer change
func (s TaskStatus) IsFinished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MonitorStatus is the state of a monitor session. All states except
// MonitorRunning are terminal.
type MonitorStatus string

const (
	MonitorRunning   MonitorStatus = "RUNNING"
	MonitorCompleted MonitorStatus = "COMPLETED"
	MonitorFailed    MonitorStatus = "FAILED"
	MonitorTimedOut  MonitorStatus = "TIMED_OUT"
)

// IsTerminal returns true once the session can no longer change state
func (s MonitorStatus) IsTerminal() bool {
	return s != MonitorRunning
}

// TaskStatus maps a monitor status to the status reported to the task sink
func (s MonitorStatus) TaskStatus() TaskStatus {
	switch s {
	case MonitorCompleted:
		return StatusCompleted
	case MonitorFailed, MonitorTimedOut:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// CheckpointKind distinguishes the two checkpoint operations
type CheckpointKind string

const (
	CheckpointProgress CheckpointKind = "PROGRESS_UPDATE"
	CheckpointCommit   CheckpointKind = "COMMIT_SNAPSHOT"
)

// CommitStatus is the outcome reported by the commit-and-push operation
type CommitStatus string

const (
	CommitSuccess CommitStatus = "success"
	CommitError   CommitStatus = "error"
	CommitTimeout CommitStatus = "timeout"
)
