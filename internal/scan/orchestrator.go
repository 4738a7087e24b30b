// Package scan rescans every CI of a model against the model's active triggers.
package scan

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/services"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/cmdb-studio/relgraph/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 4
)

// TaskStore persists scan task progress.
type TaskStore interface {
	Create(ctx context.Context, task *models.BatchScanTask) error
	MarkRunning(ctx context.Context, id uint, at time.Time) error
	UpdateProgress(ctx context.Context, id uint, c repository.ScanCounters) error
	Finish(ctx context.Context, id uint, status models.ScanStatus, c repository.ScanCounters, errMsg string, at time.Time) error
	FailRunning(ctx context.Context, errMsg string, at time.Time) (int64, error)
}

// CISource pages through the CIs of a model.
type CISource interface {
	CountByModel(ctx context.Context, modelID uint) (int64, error)
	ListByModelAfter(ctx context.Context, modelID, afterID uint, limit int) ([]models.CIInstance, error)
}

// TriggerSource lists the active triggers of a model.
type TriggerSource interface {
	ListActiveBySourceModel(ctx context.Context, modelID uint) ([]models.RelationTrigger, error)
}

// Matcher creates missing rule edges for one CI.
type Matcher interface {
	MatchAndCreate(ctx context.Context, ci *models.CIInstance, triggers []models.RelationTrigger) services.MatchCounts
}

type Options struct {
	BatchSize   int
	Concurrency int
}

// Outcome is what a caller learns about a scan attempt.
type Outcome struct {
	Status  models.ScanStatus `json:"status"`
	TaskID  uint              `json:"task_id,omitempty"`
	Skipped bool              `json:"skipped"`
	Message string            `json:"message,omitempty"`
	Counts  repository.ScanCounters
}

type Orchestrator struct {
	locks    LockRegistry
	tasks    TaskStore
	cis      CISource
	triggers TriggerSource
	matcher  Matcher
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func NewOrchestrator(locks LockRegistry, tasks TaskStore, cis CISource, triggers TriggerSource, matcher Matcher, opts Options, log *zap.Logger) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		locks:    locks,
		tasks:    tasks,
		cis:      cis,
		triggers: triggers,
		matcher:  matcher,
		opts:     opts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Scan rescans one model. It never returns an error: a busy model yields a
// skipped outcome and any failure is recorded on the task.
func (o *Orchestrator) Scan(ctx context.Context, modelID uint, source models.ScanSource, createdBy *uint) *Outcome {
	out := o.scan(ctx, modelID, source, createdBy)
	outcome := string(out.Status)
	if out.Skipped {
		outcome = "skipped"
	}
	metrics.BatchScans.WithLabelValues(outcome, string(source)).Inc()
	return out
}

func (o *Orchestrator) scan(ctx context.Context, modelID uint, source models.ScanSource, createdBy *uint) (out *Outcome) {
	log := o.log.With(zap.Uint("model_id", modelID), zap.String("trigger_source", string(source)))

	release, ok, err := o.locks.TryLock(ctx, modelID)
	if err != nil {
		log.Error("scan lock unavailable", zap.Error(err))
		return &Outcome{Skipped: true, Message: appErr.Wrap(err, appErr.CodeLockUnavailable, "scan lock unavailable").Error()}
	}
	if !ok {
		log.Info("scan already running, skipped")
		return &Outcome{Skipped: true, Message: appErr.New(appErr.CodeLockUnavailable, "a scan of this model is already running").Error()}
	}
	defer release()

	var (
		task   *models.BatchScanTask
		counts repository.ScanCounters
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		msg := fmt.Sprintf("panic: %v", r)
		log.Error("scan panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		out = &Outcome{Status: models.ScanFailed, Message: msg, Counts: counts}
		if task != nil && task.ID != 0 {
			out.TaskID = task.ID
			o.finish(task.ID, models.ScanFailed, counts, msg, log)
		}
	}()

	start := time.Now()
	defer func() { metrics.BatchScanDuration.Observe(time.Since(start).Seconds()) }()

	total, err := o.cis.CountByModel(ctx, modelID)
	if err != nil {
		log.Error("count cis failed", zap.Error(err))
		return &Outcome{Status: models.ScanFailed, Message: err.Error()}
	}
	task = &models.BatchScanTask{
		ModelID:       modelID,
		Status:        models.ScanPending,
		TotalCount:    int(total),
		TriggerSource: source,
		CreatedBy:     createdBy,
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		log.Error("create scan task failed", zap.Error(err))
		return &Outcome{Status: models.ScanFailed, Message: err.Error()}
	}
	log = log.With(zap.Uint("task_id", task.ID))

	err = o.run(ctx, task, &counts, log)
	out = &Outcome{TaskID: task.ID, Counts: counts}
	if err != nil {
		log.Error("scan failed", zap.Error(err))
		o.finish(task.ID, models.ScanFailed, counts, err.Error(), log)
		out.Status = models.ScanFailed
		out.Message = err.Error()
		return out
	}
	o.finish(task.ID, models.ScanCompleted, counts, "", log)
	out.Status = models.ScanCompleted
	log.Info("scan completed",
		zap.Int("processed", counts.Processed),
		zap.Int("created", counts.Created),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
	)
	return out
}

// run accumulates into counts so a panic leaves the totals reached so far.
func (o *Orchestrator) run(ctx context.Context, task *models.BatchScanTask, counts *repository.ScanCounters, log *zap.Logger) error {
	if err := o.tasks.MarkRunning(ctx, task.ID, o.now()); err != nil {
		return err
	}

	triggers, err := o.triggers.ListActiveBySourceModel(ctx, task.ModelID)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		log.Info("no active triggers, nothing to scan")
		return nil
	}

	var after uint
	for {
		batch, err := o.cis.ListByModelAfter(ctx, task.ModelID, after, o.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		o.processBatch(ctx, batch, triggers, counts)
		after = batch[len(batch)-1].ID

		if err := o.tasks.UpdateProgress(ctx, task.ID, *counts); err != nil {
			return err
		}
		log.Debug("scan batch done", zap.Int("processed", counts.Processed), zap.Int("total", task.TotalCount))
		if len(batch) < o.opts.BatchSize {
			break
		}
	}
	return nil
}

// processBatch fans the batch out over a bounded number of goroutines. A
// panicking CI is counted as failed; the rest of the batch continues.
func (o *Orchestrator) processBatch(ctx context.Context, batch []models.CIInstance, triggers []models.RelationTrigger, counts *repository.ScanCounters) {
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i := range batch {
		ci := &batch[i]
		g.Go(func() error {
			res, failed := o.scanOne(ctx, ci, triggers)
			mu.Lock()
			defer mu.Unlock()
			counts.Processed++
			counts.Created += res.Created
			counts.Skipped += res.Skipped
			counts.Failed += res.Failed
			if failed {
				counts.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) scanOne(ctx context.Context, ci *models.CIInstance, triggers []models.RelationTrigger) (res services.MatchCounts, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("ci scan panicked", zap.Uint("ci_id", ci.ID), zap.Any("panic", r))
			res, failed = services.MatchCounts{}, true
		}
	}()
	return o.matcher.MatchAndCreate(ctx, ci, triggers), false
}

// finish records the terminal state on a fresh context so that a cancelled
// scan context still leaves the task closed.
func (o *Orchestrator) finish(id uint, status models.ScanStatus, c repository.ScanCounters, msg string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.tasks.Finish(ctx, id, status, c, msg, o.now()); err != nil {
		log.Error("record scan result failed", zap.Error(err))
	}
}

// RecoverInterrupted fails tasks left running by a previous process. Only
// safe when no other process can hold a scan lock.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := o.tasks.FailRunning(ctx, "interrupted by restart", o.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.Warn("interrupted scan tasks marked failed", zap.Int64("count", n))
	}
	return n, nil
}
