package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TaskFunc is the signature for scheduled jobs.
type TaskFunc func(ctx context.Context) error

// Scheduler runs named jobs on standard five-field cron expressions.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	tasks   map[string]entry
	mu      sync.RWMutex
	running bool
	timeout time.Duration
}

type entry struct {
	id   cron.EntryID
	spec string
}

// New creates a stopped scheduler. Jobs get a context bounded by jobTimeout.
func New(log *zap.Logger, jobTimeout time.Duration) *Scheduler {
	if jobTimeout <= 0 {
		jobTimeout = 6 * time.Hour
	}
	log = log.Named("scheduler")
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{log.Sugar()}))),
		log:     log,
		tasks:   make(map[string]entry),
		timeout: jobTimeout,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timeout")
	}
	s.running = false
	return nil
}

// AddCronTask registers task under name, replacing any previous entry.
func (s *Scheduler) AddCronTask(name, spec string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.tasks[name]; ok {
		s.cron.Remove(e.id)
		delete(s.tasks, name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.runTask(name, task) })
	if err != nil {
		return err
	}
	s.tasks[name] = entry{id: id, spec: spec}
	s.log.Info("added cron task", zap.String("name", name), zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) RemoveTask(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.tasks, name)
	s.log.Info("removed task", zap.String("name", name))
	return true
}

func (s *Scheduler) runTask(name string, task TaskFunc) {
	start := time.Now()
	s.log.Debug("running scheduled task", zap.String("name", name))

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := task(ctx); err != nil {
		s.log.Error("scheduled task failed", zap.String("name", name), zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	s.log.Debug("scheduled task completed", zap.String("name", name), zap.Duration("duration", time.Since(start)))
}

// ListTasks returns registered job names in sorted order.
func (s *Scheduler) ListTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
