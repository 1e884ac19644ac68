// Package checkpoint runs the best-effort side effects of a running session:
// progress reports and commit snapshots. Each call is bounded by its own
// timeout and reports its outcome as a domain.CheckpointResult.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/gitops"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/prompts"
)

// MaxProgress is the highest percentage a progress tick reports. 100 is
// reserved for the terminal transition.
const MaxProgress = 99

// TaskSink is the subset of the task store the checkpoints write to
type TaskSink interface {
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error
	AddProgressUpdate(ctx context.Context, id, message string, metadata domain.Metadata) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
}

// Committer stages, commits and pushes a working tree
type Committer interface {
	CommitAndPush(ctx context.Context, repoPath, branch string, auth *gitops.AuthContext, message string) (*domain.CommitResult, error)
}

// Messages renders commit messages
type Messages interface {
	CheckpointMessage(data prompts.CommitData) (string, error)
	FinalMessage(data prompts.CommitData) (string, error)
}

// Reason says why a commit snapshot is taken
type Reason int

const (
	ReasonInitial Reason = iota
	ReasonPeriodic
	ReasonFinal
)

func (r Reason) String() string {
	switch r {
	case ReasonInitial:
		return "initial"
	case ReasonPeriodic:
		return "periodic"
	case ReasonFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Target identifies the session a checkpoint belongs to
type Target struct {
	TaskID   string
	PID      int
	RepoPath string
	Branch   string
	Auth     *gitops.AuthContext
	Budget   time.Duration
}

// Config holds the per-operation timeouts
type Config struct {
	ProgressTimeout      time.Duration
	CommitTimeout        time.Duration
	InitialCommitTimeout time.Duration
}

// Checkpointer performs checkpoints against a task sink and a committer.
// Either may be nil, in which case that side effect is skipped.
type Checkpointer struct {
	sink      TaskSink
	committer Committer
	messages  Messages
	cfg       Config
	logger    *slog.Logger
}

// New creates a Checkpointer
func New(sink TaskSink, committer Committer, messages Messages, cfg Config, logger *slog.Logger) *Checkpointer {
	if cfg.ProgressTimeout <= 0 {
		cfg.ProgressTimeout = 30 * time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 120 * time.Second
	}
	if cfg.InitialCommitTimeout <= 0 {
		cfg.InitialCommitTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		sink:      sink,
		committer: committer,
		messages:  messages,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProgressPercent maps elapsed time onto 0..MaxProgress of the budget
func ProgressPercent(elapsed, budget time.Duration) int {
	if budget <= 0 || elapsed <= 0 {
		return 0
	}
	pct := int(elapsed * 100 / budget)
	if pct > MaxProgress {
		return MaxProgress
	}
	return pct
}

// Progress reports the session as running with a time-based percentage
func (c *Checkpointer) Progress(ctx context.Context, t Target, elapsed time.Duration) domain.CheckpointResult {
	start := time.Now()
	result := domain.CheckpointResult{Kind: domain.CheckpointProgress}
	if c.sink == nil || t.TaskID == "" {
		result.Succeeded = true
		return result
	}

	pct := ProgressPercent(elapsed, t.Budget)
	elapsedSeconds := int(elapsed.Seconds())
	message := fmt.Sprintf("running for %s (pid %d)", elapsed.Round(time.Second), t.PID)

	_, err := withTimeout(ctx, c.cfg.ProgressTimeout, func(ctx context.Context) (struct{}, error) {
		if err := c.sink.UpdateStatus(ctx, t.TaskID, domain.StatusUpdate{
			Status:   domain.StatusRunning,
			Message:  message,
			Progress: pct,
		}); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.sink.AddProgressUpdate(ctx, t.TaskID, message, domain.Metadata{
			"pid":             t.PID,
			"progress":        pct,
			"elapsed_seconds": elapsedSeconds,
		})
	})

	result.Duration = time.Since(start)
	if err != nil {
		result.Err = fmt.Errorf("progress update: %w", err)
		c.logger.Warn("progress update failed", "task_id", t.TaskID, "pid", t.PID, "err", err)
		return result
	}
	result.Succeeded = true
	return result
}

// Commit takes a snapshot of the working tree. Initial and periodic
// snapshots merge the commit summary into the task metadata; the final one
// leaves that to the terminal status update.
func (c *Checkpointer) Commit(ctx context.Context, t Target, reason Reason, elapsed time.Duration, status domain.MonitorStatus) domain.CheckpointResult {
	start := time.Now()
	result := domain.CheckpointResult{Kind: domain.CheckpointCommit}
	if c.committer == nil || t.RepoPath == "" {
		result.Succeeded = true
		return result
	}

	timeout := c.cfg.CommitTimeout
	if reason == ReasonInitial {
		timeout = c.cfg.InitialCommitTimeout
	}
	message := c.commitMessage(t, reason, elapsed, status)

	commit, err := withTimeout(ctx, timeout, func(ctx context.Context) (*domain.CommitResult, error) {
		return c.committer.CommitAndPush(ctx, t.RepoPath, t.Branch, t.Auth, message)
	})

	result.Duration = time.Since(start)
	if err != nil {
		if commit == nil {
			commit = &domain.CommitResult{Status: domain.CommitError, Error: err.Error()}
			if errors.Is(err, context.DeadlineExceeded) {
				commit.Status = domain.CommitTimeout
			}
		}
		result.Commit = commit
		result.Err = fmt.Errorf("%s commit: %w", reason, err)
		c.logger.Warn("commit snapshot failed",
			"reason", reason.String(),
			"task_id", t.TaskID,
			"branch", t.Branch,
			"err", err,
		)
		return result
	}

	result.Commit = commit
	result.ChangedFileCount = commit.Diff.Total()
	result.Succeeded = commit.Status == domain.CommitSuccess
	c.logger.Info("commit snapshot",
		"reason", reason.String(),
		"task_id", t.TaskID,
		"branch", t.Branch,
		"files", result.ChangedFileCount,
		"pushed", commit.Pushed,
	)

	if reason != ReasonFinal {
		c.recordCommit(ctx, t, commit, elapsed)
	}
	return result
}

func (c *Checkpointer) recordCommit(ctx context.Context, t Target, commit *domain.CommitResult, elapsed time.Duration) {
	if c.sink == nil || t.TaskID == "" {
		return
	}
	_, err := withTimeout(ctx, c.cfg.ProgressTimeout, func(ctx context.Context) (struct{}, error) {
		task, err := c.sink.GetTask(ctx, t.TaskID)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.sink.UpdateStatus(ctx, t.TaskID, domain.StatusUpdate{
			Status:   domain.StatusRunning,
			Message:  fmt.Sprintf("checkpoint committed (%d files)", commit.Diff.Total()),
			Progress: ProgressPercent(elapsed, t.Budget),
			Metadata: task.Metadata.Merge(CommitMetadata(commit)),
		})
	})
	if err != nil {
		c.logger.Warn("recording commit metadata failed", "task_id", t.TaskID, "err", err)
	}
}

func (c *Checkpointer) commitMessage(t Target, reason Reason, elapsed time.Duration, status domain.MonitorStatus) string {
	data := prompts.CommitData{
		Branch:  t.Branch,
		TaskID:  t.TaskID,
		PID:     t.PID,
		Elapsed: elapsed.Round(time.Second).String(),
		Status:  string(status.TaskStatus()),
	}
	if c.messages != nil {
		var (
			msg string
			err error
		)
		if reason == ReasonFinal {
			msg, err = c.messages.FinalMessage(data)
		} else {
			msg, err = c.messages.CheckpointMessage(data)
		}
		if err == nil && msg != "" {
			return msg
		}
		if err != nil {
			c.logger.Warn("rendering commit message failed", "err", err)
		}
	}
	if reason == ReasonFinal {
		return fmt.Sprintf("%s(%s): final snapshot after %s", data.Status, t.Branch, data.Elapsed)
	}
	return fmt.Sprintf("checkpoint(%s): snapshot after %s", t.Branch, data.Elapsed)
}

// CommitMetadata is the task metadata recorded for a commit snapshot
func CommitMetadata(commit *domain.CommitResult) domain.Metadata {
	if commit == nil {
		return domain.Metadata{}
	}
	return domain.Metadata{
		"last_commit_status": string(commit.Status),
		"last_commit_sha":    commit.CommitSHA,
		"last_commit_pushed": commit.Pushed,
		"last_commit_at":     time.Now().UTC().Format(time.RFC3339),
		"changed_files":      commit.ChangedFiles,
		"diff":               commit.Diff,
	}
}

// withTimeout runs fn with a deadline and returns no later than the deadline
// even if fn ignores its context. A late result is dropped.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := fn(ctx)
		done <- outcome{val, err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
