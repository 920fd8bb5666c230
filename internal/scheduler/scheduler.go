// Package scheduler runs periodic maintenance tasks. Each task fires once
// after a startup delay and then on its own interval; a tick that arrives
// while the previous run of the same task is still going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/sitewalk/internal/metrics"
)

// DefaultStartupDelay is how long after Start each task first fires.
const DefaultStartupDelay = 30 * time.Second

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns the cron runner and the startup timers.
type Scheduler struct {
	cron         *cron.Cron
	startupDelay time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	jobs   []scheduled
	timers []*time.Timer
}

type scheduled struct {
	task Task
	job  cron.Job
}

// New creates a Scheduler. startupDelay < 0 uses the default; m may be nil.
func New(startupDelay time.Duration, m *metrics.Metrics) *Scheduler {
	if startupDelay < 0 {
		startupDelay = DefaultStartupDelay
	}
	logger := slog.Default()
	return &Scheduler{
		cron:         cron.New(cron.WithLogger(cronLogger{logger: logger})),
		startupDelay: startupDelay,
		metrics:      m,
		logger:       logger,
		ctx:          context.Background(),
	}
}

// Add registers t. Tasks must be added before Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task needs a name and a run function")
	}
	if t.Interval < time.Second {
		return fmt.Errorf("task %s: interval %s is below one second", t.Name, t.Interval)
	}
	job := s.wrap(t)
	s.cron.Schedule(cron.Every(t.Interval), job)
	s.mu.Lock()
	s.jobs = append(s.jobs, scheduled{task: t, job: job})
	s.mu.Unlock()
	s.logger.Info("task scheduled", "task", t.Name, "interval", t.Interval)
	return nil
}

// wrap builds the cron job for t. Recovery and the overlap guard are per
// task, so a slow task never blocks another one.
func (s *Scheduler) wrap(t Task) cron.Job {
	tl := taskLogger{cronLogger: cronLogger{logger: s.logger.With("task", t.Name)}, task: t.Name, metrics: s.metrics}
	chain := cron.NewChain(cron.Recover(tl), cron.SkipIfStillRunning(tl))
	return chain.Then(cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		start := time.Now()
		if err := t.Run(ctx); err != nil {
			s.metrics.TaskRun(t.Name, "error")
			s.logger.Warn("task failed", "task", t.Name, "error", err, "duration", time.Since(start).Round(time.Millisecond))
			return
		}
		s.metrics.TaskRun(t.Name, "ok")
		s.logger.Debug("task finished", "task", t.Name, "duration", time.Since(start).Round(time.Millisecond))
	}))
}

// Start begins the interval schedule and arms one startup run per task.
// Task runs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	for _, j := range s.jobs {
		s.timers = append(s.timers, time.AfterFunc(s.startupDelay, j.job.Run))
	}
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.jobs), "startup_delay", s.startupDelay)
}

// Stop cancels pending startup runs and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named task once through its overlap guard and blocks
// until it returns or is skipped.
func (s *Scheduler) RunNow(name string) error {
	var job cron.Job
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.task.Name == name {
			job = j.job
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	job.Run()
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// taskLogger counts ticks the overlap guard skipped.
type taskLogger struct {
	cronLogger
	task    string
	metrics *metrics.Metrics
}

func (l taskLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		l.metrics.TaskRun(l.task, "skipped")
		l.logger.Info("task still running, tick skipped")
		return
	}
	l.cronLogger.Info(msg, keysAndValues...)
}
