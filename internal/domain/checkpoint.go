package domain

import "time"

// DiffSummary lists the working-tree changes captured by a commit snapshot
type DiffSummary struct {
	Added     []string `json:"added"`
	Modified  []string `json:"modified"`
	Deleted   []string `json:"deleted"`
	Untracked []string `json:"untracked"`
}

// Total returns the number of changed files across all categories
func (d DiffSummary) Total() int {
	return len(d.Added) + len(d.Modified) + len(d.Deleted) + len(d.Untracked)
}

// CommitResult is the structured result of a commit-and-push
type CommitResult struct {
	Status       CommitStatus `json:"status"`
	ChangedFiles []string     `json:"changed_files"`
	Diff         DiffSummary  `json:"diff"`
	CommitSHA    string       `json:"commit_sha,omitempty"`
	Pushed       bool         `json:"pushed"`
	Error        string       `json:"error,omitempty"`
}

// CheckpointResult is the outcome of one checkpoint attempt. Failures are
// carried in Err rather than returned, the polling loop only logs them.
type CheckpointResult struct {
	Kind             CheckpointKind
	Succeeded        bool
	ChangedFileCount int
	Commit           *CommitResult
	Err              error
	Duration         time.Duration
}
