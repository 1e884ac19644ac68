// Package procpool tracks the PIDs owned by the supervisor and enforces the
// concurrency ceiling.
package procpool

import (
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/process"
)

// DefaultMaxConcurrent is the capacity used when none is configured
const DefaultMaxConcurrent = 5

// Prober reports whether a pid still exists
type Prober func(pid int) bool

// Pool is a set of active PIDs bounded by maxConcurrent. Every
// read-modify-write happens under mu.
type Pool struct {
	mu            sync.Mutex
	active        map[int]struct{}
	maxConcurrent int
	probe         Prober
	signal        func(pid int) error
	logger        *slog.Logger
	onChange      func(active, max int)
}

// Option configures a Pool
type Option func(*Pool)

// WithProber replaces the OS liveness probe
func WithProber(p Prober) Option {
	return func(pool *Pool) { pool.probe = p }
}

// WithKiller replaces the SIGKILL used by KillAll
func WithKiller(kill func(pid int) error) Option {
	return func(pool *Pool) { pool.signal = kill }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(pool *Pool) { pool.logger = l }
}

// New creates a pool with the given capacity
func New(maxConcurrent int, opts ...Option) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	p := &Pool{
		active:        make(map[int]struct{}),
		maxConcurrent: maxConcurrent,
		probe:         process.IsAlive,
		signal: func(pid int) error {
			return process.Signal(pid, unix.SIGKILL)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetOnChange sets a callback invoked with the active count after each
// mutation. It runs outside the lock.
func (p *Pool) SetOnChange(callback func(active, max int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = callback
}

// reapLocked drops PIDs whose process no longer exists. Caller holds mu.
func (p *Pool) reapLocked() int {
	reaped := 0
	for pid := range p.active {
		if !p.probe(pid) {
			delete(p.active, pid)
			reaped++
			p.logger.Info("reaped dead process", "pid", pid)
		}
	}
	return reaped
}

// CanAdmit reaps dead PIDs and reports whether another process fits
func (p *Pool) CanAdmit() bool {
	p.mu.Lock()
	p.reapLocked()
	ok := len(p.active) < p.maxConcurrent
	p.mu.Unlock()
	return ok
}

// Register adds pid if capacity allows. Capacity is re-checked here so a
// caller that passed CanAdmit can still lose the race to another caller.
func (p *Pool) Register(pid int) bool {
	p.mu.Lock()
	p.reapLocked()
	if _, ok := p.active[pid]; ok {
		p.mu.Unlock()
		return true
	}
	if len(p.active) >= p.maxConcurrent {
		n, max := len(p.active), p.maxConcurrent
		p.mu.Unlock()
		p.logger.Warn("pool full, registration rejected", "pid", pid, "active", n, "max", max)
		return false
	}
	p.active[pid] = struct{}{}
	active, max, callback := len(p.active), p.maxConcurrent, p.onChange
	p.mu.Unlock()

	if callback != nil {
		callback(active, max)
	}
	return true
}

// Unregister removes pid. Unknown PIDs are logged and ignored.
func (p *Pool) Unregister(pid int) {
	p.mu.Lock()
	if _, ok := p.active[pid]; !ok {
		p.mu.Unlock()
		p.logger.Debug("unregister of untracked pid", "pid", pid)
		return
	}
	delete(p.active, pid)
	active, max, callback := len(p.active), p.maxConcurrent, p.onChange
	p.mu.Unlock()

	if callback != nil {
		callback(active, max)
	}
}

// ActiveCount returns the number of live tracked PIDs
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()
	return len(p.active)
}

// ActivePIDs returns the live tracked PIDs in ascending order
func (p *Pool) ActivePIDs() []int {
	p.mu.Lock()
	p.reapLocked()
	pids := make([]int, 0, len(p.active))
	for pid := range p.active {
		pids = append(pids, pid)
	}
	p.mu.Unlock()

	sort.Ints(pids)
	return pids
}

// Reap drops dead PIDs and returns how many were removed
func (p *Pool) Reap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reapLocked()
}

// KillAll sends SIGKILL to every tracked PID and empties the pool. It
// returns the PIDs that were signalled.
func (p *Pool) KillAll() []int {
	p.mu.Lock()
	pids := make([]int, 0, len(p.active))
	for pid := range p.active {
		pids = append(pids, pid)
	}
	p.active = make(map[int]struct{})
	max, callback := p.maxConcurrent, p.onChange
	p.mu.Unlock()

	sort.Ints(pids)
	for _, pid := range pids {
		if err := p.signal(pid); err != nil {
			p.logger.Warn("kill failed", "pid", pid, "err", err)
		} else {
			p.logger.Warn("killed process", "pid", pid)
		}
	}

	if callback != nil {
		callback(0, max)
	}
	return pids
}

// MaxConcurrent returns the capacity
func (p *Pool) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrent
}

// SetMaxConcurrent changes the capacity. Lowering it below the active count
// does not evict anything; new registrations wait until enough exit.
func (p *Pool) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.maxConcurrent = n
	p.mu.Unlock()
}
