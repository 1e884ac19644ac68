// Package monitor drives one supervised process from spawn to a terminal
// status: it polls for exit, runs checkpoints while the process is alive,
// enforces the timeout budget and reports the outcome to the task sink.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/checkpoint"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/gitops"
)

const (
	defaultCheckInterval   = 10 * time.Second
	defaultGracePeriod     = 10 * time.Second
	defaultFinalizeTimeout = 30 * time.Second
)

// Handle is the session's view of the OS process
type Handle interface {
	PID() int
	WaitFor(ctx context.Context, d time.Duration) bool
	Alive() bool
	ExitCode() (int, bool)
	Stop(ctx context.Context, grace time.Duration) (killed bool, err error)
}

// Checkpoints performs progress reports and commit snapshots
type Checkpoints interface {
	Progress(ctx context.Context, t checkpoint.Target, elapsed time.Duration) domain.CheckpointResult
	Commit(ctx context.Context, t checkpoint.Target, reason checkpoint.Reason, elapsed time.Duration, status domain.MonitorStatus) domain.CheckpointResult
}

// TaskSink receives the terminal status update
type TaskSink interface {
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
}

// Releaser gives the pid back to the process pool
type Releaser interface {
	Unregister(pid int)
}

// Config describes one monitored run
type Config struct {
	TaskID    string
	SessionID string
	RepoPath  string
	Branch    string
	Auth      *gitops.AuthContext

	// StartedAt anchors the timeout budget; zero means when Run starts
	StartedAt          time.Time
	Timeout            time.Duration
	CheckInterval      time.Duration
	CheckpointInterval time.Duration
	// ProgressInterval of 0 reports progress on every check
	ProgressInterval time.Duration
	GracePeriod      time.Duration
	FinalizeTimeout  time.Duration
	// SkipInitialCommit is set for adopted processes whose setup is long over
	SkipInitialCommit bool
}

// Deps are the collaborators of a session. Everything except the handle is
// optional.
type Deps struct {
	Checkpoints Checkpoints
	Sink        TaskSink
	Pool        Releaser
	LogTail     func() []string
	OnEvent     domain.EventCallback
	Logger      *slog.Logger
}

// Outcome summarizes a finished session
type Outcome struct {
	Status            domain.MonitorStatus
	ExitCode          *int
	Elapsed           time.Duration
	Message           string
	Error             string // failure text with the log tail, empty on success
	Killed            bool
	Checkpoints       int
	FailedCheckpoints int
	FinalCommit       *domain.CommitResult
}

// Info is a point-in-time view of a session
type Info struct {
	TaskID           string               `json:"task_id,omitempty"`
	SessionID        string               `json:"session_id,omitempty"`
	PID              int                  `json:"pid"`
	RepoPath         string               `json:"repo_path,omitempty"`
	Branch           string               `json:"branch,omitempty"`
	Status           domain.MonitorStatus `json:"status"`
	StartedAt        time.Time            `json:"started_at"`
	Elapsed          time.Duration        `json:"elapsed"`
	LastCheckpointAt time.Time            `json:"last_checkpoint_at"`
	Checkpoints      int                  `json:"checkpoints"`
}

// Session monitors one process. Its state is written only by Run.
type Session struct {
	cfg    Config
	proc   Handle
	deps   Deps
	logger *slog.Logger

	cancelOnce   sync.Once
	cancelCh     chan struct{}
	cancelReason string
	done         chan struct{}

	mu               sync.Mutex
	status           domain.MonitorStatus
	startedAt        time.Time
	elapsed          time.Duration
	lastCheckpointAt time.Time
	lastProgressAt   time.Time
	outcome          Outcome
}

// New creates a session for proc. Call Run to start monitoring.
func New(proc Handle, cfg Config, deps Deps) *Session {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pid", proc.PID())
	if cfg.TaskID != "" {
		logger = logger.With("task_id", cfg.TaskID)
	}

	return &Session{
		cfg:      cfg,
		proc:     proc,
		deps:     deps,
		logger:   logger,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		status:   domain.MonitorRunning,
	}
}

// Cancel stops the session: the process is terminated and the session ends
// FAILED with reason. It returns false if the session was already cancelled.
func (s *Session) Cancel(reason string) bool {
	cancelled := false
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelReason = reason
		s.mu.Unlock()
		close(s.cancelCh)
		cancelled = true
	})
	return cancelled
}

// Done is closed when Run has returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the current state
func (s *Session) Status() domain.MonitorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Outcome returns the result once Done is closed
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.elapsed
	if s.status == domain.MonitorRunning && !s.startedAt.IsZero() {
		elapsed = time.Since(s.startedAt)
	}
	return Info{
		TaskID:           s.cfg.TaskID,
		SessionID:        s.cfg.SessionID,
		PID:              s.proc.PID(),
		RepoPath:         s.cfg.RepoPath,
		Branch:           s.cfg.Branch,
		Status:           s.status,
		StartedAt:        s.startedAt,
		Elapsed:          elapsed,
		LastCheckpointAt: s.lastCheckpointAt,
		Checkpoints:      s.outcome.Checkpoints,
	}
}

func (s *Session) target() checkpoint.Target {
	return checkpoint.Target{
		TaskID:   s.cfg.TaskID,
		PID:      s.proc.PID(),
		RepoPath: s.cfg.RepoPath,
		Branch:   s.cfg.Branch,
		Auth:     s.cfg.Auth,
		Budget:   s.cfg.Timeout,
	}
}

// Run polls the process until it reaches a terminal state and returns the
// outcome. Cancelling ctx terminates the process.
func (s *Session) Run(ctx context.Context) Outcome {
	defer close(s.done)

	start := s.cfg.StartedAt
	if start.IsZero() {
		start = time.Now()
	}
	s.mu.Lock()
	s.startedAt = start
	s.lastCheckpointAt = time.Now()
	s.lastProgressAt = s.lastCheckpointAt
	s.mu.Unlock()

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-s.cancelCh:
			stop()
		case <-loopCtx.Done():
		}
	}()

	s.logger.Info("monitoring process",
		"branch", s.cfg.Branch,
		"timeout", s.cfg.Timeout,
		"check_interval", s.cfg.CheckInterval,
	)
	s.emit(domain.EventStarted, "monitoring started", nil)

	if !s.cfg.SkipInitialCommit {
		s.commit(loopCtx, checkpoint.ReasonInitial, time.Since(start))
	}

	for {
		elapsed := time.Since(start)
		s.setElapsed(elapsed)

		if loopCtx.Err() != nil {
			return s.abort(ctx, elapsed)
		}
		if s.cfg.Timeout > 0 && elapsed >= s.cfg.Timeout {
			return s.timeout(ctx, elapsed)
		}

		wait := s.cfg.CheckInterval
		if s.cfg.Timeout > 0 {
			if remaining := s.cfg.Timeout - elapsed; remaining < wait {
				wait = remaining
			}
		}

		if s.proc.WaitFor(loopCtx, wait) {
			return s.exited(ctx, time.Since(start))
		}
		if loopCtx.Err() != nil {
			continue
		}
		// The wait can miss an exit, e.g. for adopted processes
		if !s.proc.Alive() {
			return s.exited(ctx, time.Since(start))
		}

		elapsed = time.Since(start)
		s.setElapsed(elapsed)
		if s.cfg.Timeout > 0 && elapsed >= s.cfg.Timeout {
			continue
		}

		now := time.Now()
		s.mu.Lock()
		checkpointDue := s.cfg.CheckpointInterval > 0 && now.Sub(s.lastCheckpointAt) >= s.cfg.CheckpointInterval
		progressDue := s.cfg.ProgressInterval <= 0 || now.Sub(s.lastProgressAt) >= s.cfg.ProgressInterval
		s.mu.Unlock()

		if checkpointDue {
			s.commit(loopCtx, checkpoint.ReasonPeriodic, elapsed)
			s.mu.Lock()
			s.lastCheckpointAt = now
			s.mu.Unlock()
		}
		if progressDue {
			s.progress(loopCtx, elapsed)
			s.mu.Lock()
			s.lastProgressAt = now
			s.mu.Unlock()
		}
	}
}

func (s *Session) setElapsed(d time.Duration) {
	s.mu.Lock()
	s.elapsed = d
	s.mu.Unlock()
}

func (s *Session) commit(ctx context.Context, reason checkpoint.Reason, elapsed time.Duration) {
	if s.deps.Checkpoints == nil {
		return
	}
	res := s.deps.Checkpoints.Commit(ctx, s.target(), reason, elapsed, domain.MonitorRunning)
	s.recordCheckpoint(res, fmt.Sprintf("%s commit", reason))
}

func (s *Session) progress(ctx context.Context, elapsed time.Duration) {
	if s.deps.Checkpoints == nil {
		return
	}
	res := s.deps.Checkpoints.Progress(ctx, s.target(), elapsed)
	s.recordCheckpoint(res, "progress")
}

func (s *Session) recordCheckpoint(res domain.CheckpointResult, what string) {
	s.mu.Lock()
	s.outcome.Checkpoints++
	if !res.Succeeded {
		s.outcome.FailedCheckpoints++
	}
	s.mu.Unlock()

	if !res.Succeeded {
		s.logger.Warn("checkpoint failed", "kind", what, "err", res.Err)
	}
	eventType := domain.EventCheckpoint
	if res.Kind == domain.CheckpointProgress {
		eventType = domain.EventProgress
	}
	msg := what
	if res.Commit != nil {
		msg = fmt.Sprintf("%s: %d files, %s", what, res.ChangedFileCount, res.Commit.Status)
	}
	var errText string
	if res.Err != nil {
		msg = what + " failed"
		errText = res.Err.Error()
	}
	s.emitEvent(eventType, msg, errText, nil)
}

// finalizeContext outlives the caller's cancellation so a shutdown still
// records the terminal status
func (s *Session) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
}

// exited classifies an observed exit. A missing exit code counts as success.
func (s *Session) exited(ctx context.Context, elapsed time.Duration) Outcome {
	code, ok := s.proc.ExitCode()
	status := domain.MonitorCompleted
	var exitCode *int
	if ok {
		exitCode = &code
		if code != 0 {
			status = domain.MonitorFailed
		}
	}

	fctx, cancel := s.finalizeContext(ctx)
	defer cancel()

	var final *domain.CommitResult
	if s.deps.Checkpoints != nil {
		res := s.deps.Checkpoints.Commit(fctx, s.target(), checkpoint.ReasonFinal, elapsed, status)
		s.recordCheckpoint(res, "final commit")
		final = res.Commit
	}

	var message, errText string
	progress := 100
	switch {
	case status == domain.MonitorCompleted && ok:
		message = fmt.Sprintf("process exited successfully after %s", elapsed.Round(time.Second))
	case status == domain.MonitorCompleted:
		message = fmt.Sprintf("process ended after %s (exit code unavailable)", elapsed.Round(time.Second))
	default:
		message = fmt.Sprintf("process exited with code %d after %s", code, elapsed.Round(time.Second))
		errText = s.failureText(fmt.Sprintf("exit code %d", code))
		progress = checkpoint.ProgressPercent(elapsed, s.cfg.Timeout)
	}

	meta := domain.Metadata{
		"elapsed_seconds":     int(elapsed.Seconds()),
		"exit_code_available": ok,
	}
	if ok {
		meta["exit_code"] = code
	}
	if final != nil {
		meta = meta.Merge(checkpoint.CommitMetadata(final))
	}
	s.report(fctx, status, message, progress, meta, errText)
	s.release()

	if ok {
		s.logger.Info("process finished", "status", status, "exit_code", code, "elapsed", elapsed)
	} else {
		s.logger.Info("process finished without exit code", "status", status, "elapsed", elapsed)
	}
	return s.finish(Outcome{
		Status:      status,
		ExitCode:    exitCode,
		Elapsed:     elapsed,
		Message:     message,
		Error:       errText,
		FinalCommit: final,
	})
}

// timeout reports, releases the pool entry, then terminates the process
func (s *Session) timeout(ctx context.Context, elapsed time.Duration) Outcome {
	fctx, cancel := s.finalizeContext(ctx)
	defer cancel()

	message := fmt.Sprintf("process timed out after %s", s.cfg.Timeout)
	errText := s.failureText(fmt.Sprintf("timeout after %s", s.cfg.Timeout))
	s.logger.Warn("process timed out", "elapsed", elapsed, "timeout", s.cfg.Timeout)
	s.report(fctx, domain.MonitorTimedOut, message,
		checkpoint.ProgressPercent(elapsed, s.cfg.Timeout),
		domain.Metadata{
			"elapsed_seconds": int(elapsed.Seconds()),
			"timed_out":       true,
		},
		errText,
	)
	s.release()

	killed, err := s.proc.Stop(fctx, s.cfg.GracePeriod)
	if err != nil {
		s.logger.Warn("terminating timed out process failed", "err", err)
	}
	if killed {
		s.logger.Warn("process ignored SIGTERM, killed", "grace", s.cfg.GracePeriod)
	}

	return s.finish(Outcome{
		Status:  domain.MonitorTimedOut,
		Elapsed: elapsed,
		Message: message,
		Error:   errText,
		Killed:  killed,
	})
}

// abort handles cancellation by the operator or the parent context
func (s *Session) abort(ctx context.Context, elapsed time.Duration) Outcome {
	fctx, cancel := s.finalizeContext(ctx)
	defer cancel()

	s.mu.Lock()
	reason := s.cancelReason
	s.mu.Unlock()
	if reason == "" {
		reason = "supervisor shutting down"
	}

	killed, err := s.proc.Stop(fctx, s.cfg.GracePeriod)
	if err != nil {
		s.logger.Warn("terminating cancelled process failed", "err", err)
	}

	s.logger.Info("process cancelled", "reason", reason, "killed", killed)
	s.report(fctx, domain.MonitorFailed, reason,
		checkpoint.ProgressPercent(elapsed, s.cfg.Timeout),
		domain.Metadata{
			"elapsed_seconds": int(elapsed.Seconds()),
			"cancelled":       true,
		},
		reason,
	)
	s.release()

	return s.finish(Outcome{
		Status:  domain.MonitorFailed,
		Elapsed: elapsed,
		Message: reason,
		Error:   reason,
		Killed:  killed,
	})
}

func (s *Session) failureText(summary string) string {
	if s.deps.LogTail == nil {
		return summary
	}
	lines := s.deps.LogTail()
	if len(lines) == 0 {
		return summary
	}
	return summary + "\n--- last output ---\n" + strings.Join(lines, "\n")
}

// report writes the terminal status, merging into the stored metadata
func (s *Session) report(ctx context.Context, status domain.MonitorStatus, message string, progress int, meta domain.Metadata, errText string) {
	if s.deps.Sink == nil || s.cfg.TaskID == "" {
		return
	}
	merged := meta
	if task, err := s.deps.Sink.GetTask(ctx, s.cfg.TaskID); err == nil {
		merged = task.Metadata.Merge(meta)
	}
	err := s.deps.Sink.UpdateStatus(ctx, s.cfg.TaskID, domain.StatusUpdate{
		Status:   status.TaskStatus(),
		Message:  message,
		Progress: progress,
		Metadata: merged,
		Error:    errText,
	})
	if err != nil {
		s.logger.Error("reporting terminal status failed", "status", status, "err", err)
	}
}

func (s *Session) release() {
	if s.deps.Pool != nil {
		s.deps.Pool.Unregister(s.proc.PID())
	}
}

func (s *Session) finish(o Outcome) Outcome {
	s.mu.Lock()
	o.Checkpoints = s.outcome.Checkpoints
	o.FailedCheckpoints = s.outcome.FailedCheckpoints
	s.status = o.Status
	s.elapsed = o.Elapsed
	s.outcome = o
	s.mu.Unlock()

	eventType := domain.EventCompleted
	switch o.Status {
	case domain.MonitorFailed:
		eventType = domain.EventFailed
	case domain.MonitorTimedOut:
		eventType = domain.EventTimedOut
	}
	s.emitEvent(eventType, o.Message, o.Error, o.ExitCode)
	return o
}

func (s *Session) emit(t domain.EventType, message string, exitCode *int) {
	s.emitEvent(t, message, "", exitCode)
}

func (s *Session) emitEvent(t domain.EventType, message, errText string, exitCode *int) {
	if s.deps.OnEvent == nil {
		return
	}
	s.mu.Lock()
	status, elapsed := s.status, s.elapsed
	s.mu.Unlock()

	progress := checkpoint.ProgressPercent(elapsed, s.cfg.Timeout)
	if status == domain.MonitorCompleted {
		progress = 100
	}
	s.deps.OnEvent(domain.Event{
		Type:      t,
		TaskID:    s.cfg.TaskID,
		SessionID: s.cfg.SessionID,
		PID:       s.proc.PID(),
		Status:    status,
		Progress:  progress,
		Message:   message,
		Error:     errText,
		ExitCode:  exitCode,
		Elapsed:   elapsed,
		Time:      time.Now(),
	})
}
