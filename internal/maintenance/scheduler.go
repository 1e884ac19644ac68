package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetain is how long finished tasks are kept when no retention is configured
const DefaultRetain = 7 * 24 * time.Hour

// Pruner deletes finished tasks
type Pruner interface {
	PruneFinished(ctx context.Context, olderThan time.Time) (int64, error)
}

// Reaper drops dead processes from the pool
type Reaper interface {
	Reap() int
}

// Config describes when maintenance runs and what it keeps
type Config struct {
	Cron   string
	Retain time.Duration
}

// Validate checks the cron expression and fills defaults
func (c *Config) Validate() error {
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.Retain <= 0 {
		c.Retain = DefaultRetain
	}
	return nil
}

// Report summarizes one maintenance run
type Report struct {
	Pruned int64
	Reaped int
	RanAt  time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor like @hourly
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler runs periodic cleanup of the task store and process pool
type Scheduler struct {
	cfg    Config
	pruner Pruner
	reaper Reaper
	logger *slog.Logger
	now    func() time.Time

	cron    *cron.Cron
	running bool
	lastRun Report
	mu      sync.Mutex
}

// NewScheduler creates a maintenance scheduler. Either collaborator may be nil.
func NewScheduler(cfg Config, pruner Pruner, reaper Reaper, logger *slog.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		reaper: reaper,
		logger: logger,
		now:    time.Now,
		cron:   cron.New(cron.WithParser(parser)),
	}
	if _, err := s.cron.AddFunc(cfg.Cron, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// NextRun returns the next scheduled run time
func (s *Scheduler) NextRun() time.Time {
	sched, err := ParseCron(s.cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(s.now())
}

// LastRun returns the report of the most recent run
func (s *Scheduler) LastRun() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// RunOnce prunes and reaps immediately. Overlapping runs are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("maintenance already running, skipping")
		return Report{}
	}
	s.running = true
	s.mu.Unlock()

	report := Report{RanAt: s.now()}
	if s.pruner != nil {
		n, err := s.pruner.PruneFinished(ctx, report.RanAt.Add(-s.cfg.Retain))
		if err != nil {
			s.logger.Warn("pruning finished tasks failed", "err", err)
		}
		report.Pruned = n
	}
	if s.reaper != nil {
		report.Reaped = s.reaper.Reap()
	}
	if report.Pruned > 0 || report.Reaped > 0 {
		s.logger.Info("maintenance done", "pruned", report.Pruned, "reaped", report.Reaped)
	}

	s.mu.Lock()
	s.running = false
	s.lastRun = report
	s.mu.Unlock()
	return report
}

// Run starts the cron loop and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("maintenance scheduled", "cron", s.cfg.Cron, "retain", s.cfg.Retain, "next", s.NextRun())
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
