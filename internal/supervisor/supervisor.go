// Package supervisor admits, spawns and monitors background CLI processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/gitops"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/limiter"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/monitor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/process"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/procpool"
)

// DefaultSessionID is used for starts that name no reasoning session
const DefaultSessionID = "default"

const (
	defaultTaskType = "cli"
	reapWait        = 5 * time.Second

	metaProcessIdentity = "process_identity"
)

// Process is a spawned process the supervisor can also kill outright
type Process interface {
	monitor.Handle
	Kill() error
}

// Spawner starts processes
type Spawner interface {
	Spawn(command []string, dir string, stdout, stderr io.Writer) (Process, error)
}

// SpawnFunc adapts a function to Spawner
type SpawnFunc func(command []string, dir string, stdout, stderr io.Writer) (Process, error)

// Spawn implements Spawner
func (f SpawnFunc) Spawn(command []string, dir string, stdout, stderr io.Writer) (Process, error) {
	return f(command, dir, stdout, stderr)
}

// OSSpawner starts real OS processes
var OSSpawner Spawner = SpawnFunc(func(command []string, dir string, stdout, stderr io.Writer) (Process, error) {
	p, err := process.Spawn(command, dir, stdout, stderr)
	if err != nil {
		return nil, err
	}
	return p, nil
})

// TaskStore is the task sink used by the supervisor and its sessions
type TaskStore interface {
	CreateTask(ctx context.Context, t domain.NewTask) (string, error)
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListRunning(ctx context.Context) ([]*domain.Task, error)
}

// SpawnSpec describes one CLI invocation. The command is opaque.
type SpawnSpec struct {
	Command     []string
	Dir         string // working directory, defaults to RepoPath
	RepoPath    string
	Branch      string
	SessionID   string
	Type        string
	Name        string
	Description string
	Auth        *gitops.AuthContext
	Timeout     time.Duration // overrides Config.Timeout when set
}

// Config holds the pacing of monitor sessions
type Config struct {
	LogDir             string
	Timeout            time.Duration
	CheckInterval      time.Duration
	CheckpointInterval time.Duration
	ProgressInterval   time.Duration
	GracePeriod        time.Duration
	LogTailLines       int
}

// Deps are the collaborators of a Supervisor. Pool and Limiter are required.
type Deps struct {
	Pool        *procpool.Pool
	Limiter     *limiter.Limiter
	Store       TaskStore
	Checkpoints monitor.Checkpoints
	Spawner     Spawner
	OnEvent     domain.EventCallback
	Logger      *slog.Logger

	// IsAlive and Attach are used by Recover. Identity tells a recorded
	// process from a later one reusing its PID.
	IsAlive  func(pid int) bool
	Attach   func(pid int, startedAt time.Time) monitor.Handle
	Identity func(pid int) (string, error)
}

// Supervisor is the entry point for starting supervised processes
type Supervisor struct {
	ctx    context.Context
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*monitor.Session
	wg       sync.WaitGroup
}

// New creates a Supervisor. Sessions run until they finish or ctx is
// cancelled, which terminates their processes.
func New(ctx context.Context, cfg Config, deps Deps) *Supervisor {
	if deps.Pool == nil {
		deps.Pool = procpool.New(procpool.DefaultMaxConcurrent)
	}
	if deps.Limiter == nil {
		deps.Limiter = limiter.New(limiter.DefaultMaxCalls, deps.Logger)
	}
	if deps.Spawner == nil {
		deps.Spawner = OSSpawner
	}
	if deps.IsAlive == nil {
		deps.IsAlive = process.IsAlive
	}
	if deps.Identity == nil {
		deps.Identity = process.Identity
	}
	if deps.Attach == nil {
		deps.Attach = func(pid int, startedAt time.Time) monitor.Handle {
			return process.Attach(pid, startedAt)
		}
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = 40
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		ctx:      ctx,
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*monitor.Session),
	}
}

// Start admits and spawns spec and monitors it in the background. It
// returns once the process runs and its task exists; taskID is empty when
// the task store was unavailable.
func (s *Supervisor) Start(ctx context.Context, spec SpawnSpec) (taskID string, pid int, err error) {
	if len(spec.Command) == 0 {
		return "", 0, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	sessionID := spec.SessionID
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	if allowed, msg := s.deps.Limiter.RecordInvocation(sessionID); !allowed {
		return "", 0, fmt.Errorf("%w: %s", ErrInvocationLimitExceeded, msg)
	}
	if !s.deps.Pool.CanAdmit() {
		return "", 0, fmt.Errorf("%w: %d of %d slots in use", ErrPoolExhausted,
			s.deps.Pool.ActiveCount(), s.deps.Pool.MaxConcurrent())
	}

	logFile, logPath, err := s.openLog(spec)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	tail := process.NewLineTail(s.cfg.LogTailLines)
	var out io.Writer = tail
	if logFile != nil {
		out = io.MultiWriter(logFile, tail)
	}

	dir := spec.Dir
	if dir == "" {
		dir = spec.RepoPath
	}
	proc, err := s.deps.Spawner.Spawn(spec.Command, dir, out, out)
	if err != nil {
		closeLog(logFile, logPath, true)
		return "", 0, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	pid = proc.PID()

	if !s.deps.Pool.Register(pid) {
		if err := proc.Kill(); err != nil {
			s.logger.Warn("killing process after lost registration failed", "pid", pid, "err", err)
		}
		proc.WaitFor(context.Background(), reapWait)
		closeLog(logFile, logPath, false)
		return "", 0, fmt.Errorf("%w: pid %d", ErrRegistrationRaceLost, pid)
	}

	identity, err := s.deps.Identity(pid)
	if err != nil && !errors.Is(err, process.ErrIdentityUnavailable) {
		s.logger.Debug("reading process identity failed", "pid", pid, "err", err)
	}

	taskID = s.createTask(ctx, spec, sessionID, pid, identity, logPath)
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}

	sess := monitor.New(proc, monitor.Config{
		TaskID:             taskID,
		SessionID:          sessionID,
		RepoPath:           spec.RepoPath,
		Branch:             spec.Branch,
		Auth:               spec.Auth,
		StartedAt:          time.Now(),
		Timeout:            timeout,
		CheckInterval:      s.cfg.CheckInterval,
		CheckpointInterval: s.cfg.CheckpointInterval,
		ProgressInterval:   s.cfg.ProgressInterval,
		GracePeriod:        s.cfg.GracePeriod,
	}, s.sessionDeps(tail.Lines))

	s.launch(sessionKey(taskID, pid), sess, func() {
		closeLog(logFile, logPath, false)
	})

	s.logger.Info("started supervised process",
		"pid", pid,
		"task_id", taskID,
		"session_id", sessionID,
		"branch", spec.Branch,
		"log", logPath,
	)
	return taskID, pid, nil
}

func (s *Supervisor) createTask(ctx context.Context, spec SpawnSpec, sessionID string, pid int, identity, logPath string) string {
	if s.deps.Store == nil {
		return ""
	}
	taskType := spec.Type
	if taskType == "" {
		taskType = defaultTaskType
	}
	name := spec.Name
	if name == "" {
		name = filepath.Base(spec.Command[0])
	}

	id, err := s.deps.Store.CreateTask(ctx, domain.NewTask{
		Type:        taskType,
		Name:        name,
		Description: spec.Description,
		PID:         pid,
		LogFile:     logPath,
	})
	if err != nil {
		s.logger.Warn("creating task failed, monitoring without task", "pid", pid, "err", err)
		return ""
	}

	meta := domain.Metadata{
		"session_id": sessionID,
		"repo_path":  spec.RepoPath,
		"branch":     spec.Branch,
		"command":    strings.Join(spec.Command, " "),
	}
	if identity != "" {
		meta[metaProcessIdentity] = identity
	}
	err = s.deps.Store.UpdateStatus(ctx, id, domain.StatusUpdate{
		Status:   domain.StatusRunning,
		Message:  fmt.Sprintf("started pid %d", pid),
		Metadata: meta,
	})
	if err != nil {
		s.logger.Warn("recording task metadata failed", "task_id", id, "err", err)
	}
	return id
}

func (s *Supervisor) sessionDeps(tail func() []string) monitor.Deps {
	deps := monitor.Deps{
		Checkpoints: s.deps.Checkpoints,
		Pool:        s.deps.Pool,
		LogTail:     tail,
		OnEvent:     s.deps.OnEvent,
		Logger:      s.logger,
	}
	if s.deps.Store != nil {
		deps.Sink = s.deps.Store
	}
	return deps
}

func (s *Supervisor) launch(key string, sess *monitor.Session, cleanup func()) {
	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Run(s.ctx)
		if cleanup != nil {
			cleanup()
		}
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
	}()
}

func sessionKey(taskID string, pid int) string {
	if taskID != "" {
		return taskID
	}
	return fmt.Sprintf("pid-%d", pid)
}

// Cancel terminates the session of taskID; it ends FAILED
func (s *Supervisor) Cancel(taskID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrSessionNotFound)
	}
	sess.Cancel("cancelled by operator")
	return nil
}

// Sessions returns the running sessions, oldest first
func (s *Supervisor) Sessions() []monitor.Info {
	s.mu.Lock()
	infos := make([]monitor.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// PoolStatus is the process pool as seen by operators
type PoolStatus struct {
	Active        []int `json:"active"`
	MaxConcurrent int   `json:"max_concurrent"`
}

// Pool returns the pool's current state
func (s *Supervisor) Pool() PoolStatus {
	return PoolStatus{
		Active:        s.deps.Pool.ActivePIDs(),
		MaxConcurrent: s.deps.Pool.MaxConcurrent(),
	}
}

// KillAll forcibly kills every pooled process. Their sessions observe the
// exit and finish as FAILED.
func (s *Supervisor) KillAll() []int {
	pids := s.deps.Pool.KillAll()
	s.logger.Warn("killed all supervised processes", "count", len(pids))
	return pids
}

// ResetInvocations clears the invocation counter of a reasoning session
func (s *Supervisor) ResetInvocations(sessionID string) {
	s.deps.Limiter.Reset(sessionID)
}

// InvocationCount returns the invocation counter of a reasoning session
func (s *Supervisor) InvocationCount(sessionID string) int {
	return s.deps.Limiter.Count(sessionID)
}

// Wait blocks until all sessions have finished
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// RecoveryReport summarizes Recover
type RecoveryReport struct {
	Completed []string // tasks whose process had already ended
	Adopted   []string // tasks whose live process is monitored again
}

// Recover examines tasks a previous supervisor left running. Processes that
// are gone are marked completed since their exit code is lost; live ones
// are registered in the pool and monitored again.
func (s *Supervisor) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if s.deps.Store == nil {
		return report, nil
	}
	tasks, err := s.deps.Store.ListRunning(ctx)
	if err != nil {
		return report, fmt.Errorf("listing running tasks: %w", err)
	}

	for _, task := range tasks {
		alive, reused := s.sameProcessAlive(task)
		if !alive {
			meta := domain.Metadata{"exit_code_available": false, "recovered": true}
			if reused {
				meta["pid_reused"] = true
				s.logger.Warn("pid now belongs to another process, not adopting", "pid", task.PID, "task_id", task.ID)
			}
			err := s.deps.Store.UpdateStatus(ctx, task.ID, domain.StatusUpdate{
				Status:   domain.StatusCompleted,
				Message:  "process ended while the supervisor was down (exit code unavailable)",
				Progress: 100,
				Metadata: task.Metadata.Merge(meta),
			})
			if err != nil {
				s.logger.Warn("marking stale task failed", "task_id", task.ID, "err", err)
				continue
			}
			report.Completed = append(report.Completed, task.ID)
			continue
		}

		if s.isTracked(task.ID) {
			continue
		}
		var pool monitor.Releaser = s.deps.Pool
		if !s.deps.Pool.Register(task.PID) {
			s.logger.Warn("pool full, adopting process outside the pool", "pid", task.PID, "task_id", task.ID)
			pool = nil
		}

		sess := monitor.New(s.deps.Attach(task.PID, task.CreatedAt), monitor.Config{
			TaskID:             task.ID,
			SessionID:          metaString(task.Metadata, "session_id"),
			RepoPath:           metaString(task.Metadata, "repo_path"),
			Branch:             metaString(task.Metadata, "branch"),
			StartedAt:          task.CreatedAt,
			Timeout:            s.cfg.Timeout,
			CheckInterval:      s.cfg.CheckInterval,
			CheckpointInterval: s.cfg.CheckpointInterval,
			ProgressInterval:   s.cfg.ProgressInterval,
			GracePeriod:        s.cfg.GracePeriod,
			SkipInitialCommit:  true,
		}, s.recoveredDeps(pool))
		s.launch(task.ID, sess, nil)
		report.Adopted = append(report.Adopted, task.ID)
		s.logger.Info("adopted running process", "pid", task.PID, "task_id", task.ID)
	}
	return report, nil
}

// sameProcessAlive reports whether the task's process still runs. A live
// PID whose identity differs from the one recorded at spawn is a reused
// PID and counts as dead. Tasks recorded without an identity rely on the
// liveness probe alone.
func (s *Supervisor) sameProcessAlive(task *domain.Task) (alive, reused bool) {
	if task.PID <= 0 || !s.deps.IsAlive(task.PID) {
		return false, false
	}
	recorded := metaString(task.Metadata, metaProcessIdentity)
	if recorded == "" {
		return true, false
	}
	current, err := s.deps.Identity(task.PID)
	if err != nil || current != recorded {
		return false, true
	}
	return true, false
}

func (s *Supervisor) recoveredDeps(pool monitor.Releaser) monitor.Deps {
	deps := s.sessionDeps(nil)
	deps.Pool = pool
	return deps
}

func (s *Supervisor) isTracked(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[taskID]
	return ok
}

func metaString(m domain.Metadata, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// openLog creates the per-run log file. It returns nil when no log dir is set.
func (s *Supervisor) openLog(spec SpawnSpec) (*os.File, string, error) {
	if s.cfg.LogDir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0755); err != nil {
		return nil, "", fmt.Errorf("creating log dir: %w", err)
	}

	name := spec.Name
	if name == "" {
		name = filepath.Base(spec.Command[0])
	}
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "-"), "-")
	if name == "" {
		name = defaultTaskType
	}
	path := filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s-%s-%s.log",
		time.Now().Format("20060102-150405"), name, uuid.NewString()[:8]))

	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("creating log file: %w", err)
	}
	return f, path, nil
}

func closeLog(f *os.File, path string, remove bool) {
	if f == nil {
		return
	}
	f.Close()
	if remove {
		os.Remove(path)
	}
}

// IsAdmissionError reports whether err is a capacity rejection the caller
// may retry after a reset or once slots free up
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrInvocationLimitExceeded) || errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrRegistrationRaceLost)
}
