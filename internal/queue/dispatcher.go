package queue

import (
	"context"
	"time"

	"github.com/cmdb-studio/relgraph/internal/queue/tasks"
	"github.com/cmdb-studio/relgraph/internal/scan"
	"github.com/cmdb-studio/relgraph/internal/services"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer is the part of asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqDispatcher hands work to the asynq worker process.
type AsynqDispatcher struct {
	client      Enqueuer
	scanTimeout time.Duration
}

// NewAsynqDispatcher builds a dispatcher whose rescan tasks time out after
// scanTimeout.
func NewAsynqDispatcher(client Enqueuer, scanTimeout time.Duration) *AsynqDispatcher {
	if scanTimeout <= 0 {
		scanTimeout = tasks.DefaultScanTimeout
	}
	return &AsynqDispatcher{client: client, scanTimeout: scanTimeout}
}

var _ services.Dispatcher = (*AsynqDispatcher)(nil)

func (d *AsynqDispatcher) DispatchPropagation(ctx context.Context, req services.PropagationRequest) error {
	task, err := tasks.NewPropagateTask(req)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "failed to build propagate task")
	}
	return d.enqueue(ctx, task)
}

func (d *AsynqDispatcher) DispatchScan(ctx context.Context, req services.ScanRequest) error {
	task, err := tasks.NewBatchScanTask(req, d.scanTimeout)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "failed to build batch scan task")
	}
	return d.enqueue(ctx, task, asynq.Timeout(d.scanTimeout))
}

func (d *AsynqDispatcher) DispatchScheduleSync(ctx context.Context, modelID uint) error {
	task, err := tasks.NewScheduleSyncTask(modelID)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "failed to build schedule sync task")
	}
	return d.enqueue(ctx, task)
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "failed to enqueue task")
	}
	logger.L().Debug("task enqueued", zap.String("type", task.Type()), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}

// Runner executes background work in-process.
type Runner interface {
	RunPropagation(ctx context.Context, req services.PropagationRequest) error
	RunScan(ctx context.Context, req services.ScanRequest) *scan.Outcome
	RunScheduleSync(ctx context.Context, modelID uint) error
}

// PoolDispatcher runs work on the local Pool instead of a queue.
type PoolDispatcher struct {
	pool   *Pool
	runner Runner
}

func NewPoolDispatcher(pool *Pool, runner Runner) *PoolDispatcher {
	return &PoolDispatcher{pool: pool, runner: runner}
}

var _ services.Dispatcher = (*PoolDispatcher)(nil)

// DispatchPropagation drops the job when the pool is saturated; a later
// rescan repairs any relation that was missed.
func (d *PoolDispatcher) DispatchPropagation(_ context.Context, req services.PropagationRequest) error {
	d.pool.Submit(Job{
		Name: jobName(tasks.TypeCIPropagate, req.CIID),
		Run: func(ctx context.Context) error {
			return d.runner.RunPropagation(ctx, req)
		},
	})
	return nil
}

func (d *PoolDispatcher) DispatchScan(_ context.Context, req services.ScanRequest) error {
	ok := d.pool.Submit(Job{
		Name: jobName(tasks.TypeModelBatchScan, req.ModelID),
		Run: func(ctx context.Context) error {
			d.runner.RunScan(ctx, req)
			return nil
		},
	})
	if !ok {
		return appErr.New(appErr.CodeUnavailable, "background queue is full")
	}
	return nil
}

func (d *PoolDispatcher) DispatchScheduleSync(ctx context.Context, modelID uint) error {
	return d.runner.RunScheduleSync(ctx, modelID)
}
