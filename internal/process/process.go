// Package process spawns, probes and terminates supervised CLI processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// attachPollInterval is how often an attached process is probed for exit
const attachPollInterval = 250 * time.Millisecond

// killWait bounds how long Stop waits for the exit after SIGKILL
const killWait = 5 * time.Second

// outputDrainWait bounds how long a reaped process's output is still copied
// when a background child keeps the pipes open
const outputDrainWait = 2 * time.Second

// Process is a running OS process owned by exactly one monitor session.
// Processes started by Spawn are reaped by a background Wait; processes
// adopted by Attach are only observed through the liveness probe and never
// report an exit code.
type Process struct {
	pid       int
	startedAt time.Time
	cmd       *exec.Cmd
	done      chan struct{}

	mu       sync.Mutex
	exitCode *int
	waitErr  error
}

// Spawn starts command in dir with its output copied to stdout and stderr.
// The process gets its own process group so termination reaches the whole
// tree the CLI starts.
func Spawn(command []string, dir string, stdout, stderr io.Writer) (*Process, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = outputDrainWait

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command[0], err)
	}

	p := &Process{
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// Attach adopts an already running process that this supervisor did not
// start, e.g. after a restart. Its exit code is never available.
func Attach(pid int, startedAt time.Time) *Process {
	p := &Process{
		pid:       pid,
		startedAt: startedAt,
		done:      make(chan struct{}),
	}
	go p.poll()
	return p
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	if state := p.cmd.ProcessState; state != nil {
		code := state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = -int(ws.Signal())
		}
		p.exitCode = &code
	}
	p.mu.Unlock()

	close(p.done)
}

func (p *Process) poll() {
	ticker := time.NewTicker(attachPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !IsAlive(p.pid) {
			close(p.done)
			return
		}
	}
}

// PID returns the process identifier
func (p *Process) PID() int {
	return p.pid
}

// StartedAt returns when the process was started (or adopted)
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed once the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// WaitFor waits up to d for the process to exit and reports whether it did
func (p *Process) WaitFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return p.exited()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.done:
		return true
	case <-timer.C:
		return p.exited()
	case <-ctx.Done():
		return p.exited()
	}
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Alive reports whether the process is still running. A spawned process
// counts as running until its exit status is recorded, even when the OS
// has already reaped it; adopted processes are probed directly.
func (p *Process) Alive() bool {
	if p.exited() {
		return false
	}
	if p.cmd != nil {
		return true
	}
	return IsAlive(p.pid)
}

// ExitCode returns the exit code once known. A process killed by a signal
// reports the negated signal number. The second result is false while the
// process runs and for processes whose status could not be collected.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// Terminate sends SIGTERM to the process group
func (p *Process) Terminate() error {
	return signalTree(p.pid, unix.SIGTERM)
}

// Kill sends SIGKILL to the process group
func (p *Process) Kill() error {
	return signalTree(p.pid, unix.SIGKILL)
}

// Stop terminates gracefully and escalates to SIGKILL when the process is
// still alive after grace. It reports whether the kill was needed.
func (p *Process) Stop(ctx context.Context, grace time.Duration) (bool, error) {
	if p.exited() {
		return false, nil
	}
	if err := p.Terminate(); err != nil {
		return false, fmt.Errorf("terminating pid %d: %w", p.pid, err)
	}
	if p.WaitFor(ctx, grace) {
		return false, nil
	}

	if err := p.Kill(); err != nil {
		return true, fmt.Errorf("killing pid %d: %w", p.pid, err)
	}
	p.WaitFor(context.Background(), killWait)
	return true, nil
}

// IsAlive reports whether pid exists, using signal 0 which has no effect on
// the target. EPERM means the process exists but belongs to someone else.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal sends sig to pid's process group when pid leads one, otherwise
// to pid alone. A process that is already gone is not an error.
func Signal(pid int, sig unix.Signal) error {
	return signalTree(pid, sig)
}

func signalTree(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}
	err := unix.Kill(target, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
