// Package scheduler runs the periodic maintenance tasks: evicting finished
// jobs from the download ledger and removing orphaned download artifacts.
// Uses robfig/cron for schedule parsing and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/reelbot/pkg/reelbot/ledger"
	"github.com/jholhewres/reelbot/pkg/reelbot/media"
)

// Task is one named maintenance job.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int, error)
}

// TaskStatus reports the last run of a task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastCount int       `json:"last_count"`
	LastError string    `json:"last_error,omitempty"`
	RunCount  int       `json:"run_count"`
}

// Scheduler owns the cron runner and the registered tasks.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	status  map[string]*TaskStatus
	running map[string]bool

	jobTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Tasks are added with Add before Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		logger:     logger.With("component", "scheduler"),
		tasks:      make(map[string]*Task),
		status:     make(map[string]*TaskStatus),
		running:    make(map[string]bool),
		jobTimeout: 5 * time.Minute,
		ctx:        context.Background(),
	}
}

// Add registers a task. An invalid schedule is rejected.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("task needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %q already registered", task.Name)
	}
	t := task
	if _, err := s.cron.AddFunc(t.Schedule, func() { s.execute(t.Name) }); err != nil {
		return fmt.Errorf("invalid schedule %q for task %q: %w", t.Schedule, t.Name, err)
	}
	s.tasks[t.Name] = &t
	s.status[t.Name] = &TaskStatus{Name: t.Name, Schedule: t.Schedule}

	s.logger.Info("task added", "task", t.Name, "schedule", t.Schedule)
	return nil
}

// Start begins firing tasks on their schedules.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", n, "cron_entries", len(s.cron.Entries()))
}

// Stop halts the cron runner and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a task immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q not found", name)
	}
	s.execute(name)
	return nil
}

// Status returns a snapshot of every task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	return out
}

func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("skipping task (already running)", "task", name)
		return
	}
	s.running[name] = true
	parent := s.ctx
	s.mu.Unlock()

	var (
		count int
		err   error
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("task panicked", "task", name, "panic", r)
		}

		s.mu.Lock()
		delete(s.running, name)
		st := s.status[name]
		st.LastRunAt = start
		st.LastCount = count
		st.RunCount++
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	count, err = task.Run(ctx)
	if err != nil {
		s.logger.Error("task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("task completed", "task", name, "count", count, "duration", time.Since(start))
}

// SweepLedger evicts Done jobs older than retention.
func SweepLedger(schedule string, l *ledger.Ledger, retention time.Duration) Task {
	return Task{
		Name:     "ledger-sweep",
		Schedule: schedule,
		Run: func(context.Context) (int, error) {
			return l.Sweep(retention), nil
		},
	}
}

// CleanupArtifacts deletes download artifacts older than ttl.
func CleanupArtifacts(schedule string, a *media.Artifacts, ttl time.Duration) Task {
	return Task{
		Name:     "artifact-cleanup",
		Schedule: schedule,
		Run: func(context.Context) (int, error) {
			return a.RemoveOlderThan(ttl)
		},
	}
}
