package domain

import "time"

// Metadata is free-form JSON metadata attached to a task
type Metadata map[string]any

// Merge returns a copy of m with the keys of other written over it
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Task is the task sink's view of one supervised CLI run
type Task struct {
	ID          string
	Type        string
	Name        string
	Description string
	PID         int
	LogFile     string
	Status      TaskStatus
	Progress    int
	Message     string
	Error       string
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewTask holds the fields needed to create a task
type NewTask struct {
	Type        string
	Name        string
	Description string
	PID         int
	LogFile     string
}

// StatusUpdate is one status write to the task sink.
// A nil Metadata leaves the stored metadata untouched.
type StatusUpdate struct {
	Status   TaskStatus
	Message  string
	Progress int
	Metadata Metadata
	Error    string
}

// ProgressUpdate is an appended progress entry of a task
type ProgressUpdate struct {
	ID        int64
	TaskID    string
	Message   string
	Metadata  Metadata
	CreatedAt time.Time
}
