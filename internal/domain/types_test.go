package domain

import "testing"

func TestMonitorStatus_TaskStatus(t *testing.T) {
	tests := []struct {
		in   MonitorStatus
		want TaskStatus
	}{
		{MonitorRunning, StatusRunning},
		{MonitorCompleted, StatusCompleted},
		{MonitorFailed, StatusFailed},
		{MonitorTimedOut, StatusFailed},
	}

	for _, tt := range tests {
		if got := tt.in.TaskStatus(); got != tt.want {
			t.Errorf("%s.TaskStatus() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMonitorStatus_IsTerminal(t *testing.T) {
	if MonitorRunning.IsTerminal() {
		t.Error("RUNNING should not be terminal")
	}
	for _, s := range []MonitorStatus{MonitorCompleted, MonitorFailed, MonitorTimedOut} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestMetadata_Merge(t *testing.T) {
	base := Metadata{"a": 1, "b": 2}
	merged := base.Merge(Metadata{"b": 3, "c": 4})

	if merged["a"] != 1 || merged["b"] != 3 || merged["c"] != 4 {
		t.Errorf("unexpected merge result: %v", merged)
	}
	if base["b"] != 2 {
		t.Error("Merge must not modify the receiver")
	}
}

func TestDiffSummary_Total(t *testing.T) {
	d := DiffSummary{
		Added:     []string{"a.go"},
		Modified:  []string{"b.go", "c.go"},
		Deleted:   []string{"d.go"},
		Untracked: []string{"e.go"},
	}
	if d.Total() != 5 {
		t.Errorf("Total() = %d, want 5", d.Total())
	}
}
