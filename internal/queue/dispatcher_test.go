package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/queue/tasks"
	"github.com/cmdb-studio/relgraph/internal/scan"
	"github.com/cmdb-studio/relgraph/internal/services"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEnqueuer struct {
	mock.Mock
	mu   sync.Mutex
	opts [][]asynq.Option
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	m.mu.Lock()
	m.opts = append(m.opts, opts)
	m.mu.Unlock()
	args := m.Called(ctx, task)
	if v := args.Get(0); v != nil {
		return v.(*asynq.TaskInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestAsynqDispatcherEnqueuesTypedTasks(t *testing.T) {
	enq := new(mockEnqueuer)
	d := NewAsynqDispatcher(enq, 30*time.Minute)

	var seen []*asynq.Task
	enq.On("EnqueueContext", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { seen = append(seen, args.Get(1).(*asynq.Task)) }).
		Return(&asynq.TaskInfo{ID: "t1", Queue: "default"}, nil)

	ctx := context.Background()
	require.NoError(t, d.DispatchPropagation(ctx, services.PropagationRequest{CIID: 11, Created: true}))
	require.NoError(t, d.DispatchScan(ctx, services.ScanRequest{ModelID: 3, TriggerSource: models.ScanSourceManual}))
	require.NoError(t, d.DispatchScheduleSync(ctx, 3))

	require.Len(t, seen, 3)
	require.Equal(t, tasks.TypeCIPropagate, seen[0].Type())
	require.Equal(t, tasks.TypeModelBatchScan, seen[1].Type())
	require.Equal(t, tasks.TypeScheduleSync, seen[2].Type())

	var req services.PropagationRequest
	require.NoError(t, json.Unmarshal(seen[0].Payload(), &req))
	require.Equal(t, uint(11), req.CIID)
	require.True(t, req.Created)

	var timeout time.Duration
	for _, o := range enq.opts[1] {
		if o.Type() == asynq.TimeoutOpt {
			timeout = o.Value().(time.Duration)
		}
	}
	require.Equal(t, 30*time.Minute, timeout, "rescans run no longer than the scan lock ttl")
}

func TestAsynqDispatcherReportsUnavailable(t *testing.T) {
	enq := new(mockEnqueuer)
	enq.On("EnqueueContext", mock.Anything, mock.Anything).Return(nil, asynq.ErrDuplicateTask)

	err := NewAsynqDispatcher(enq, 0).DispatchScheduleSync(context.Background(), 1)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
}

type recordingRunner struct {
	props chan services.PropagationRequest
	scans chan services.ScanRequest
	syncs []uint
}

func (r *recordingRunner) RunPropagation(_ context.Context, req services.PropagationRequest) error {
	r.props <- req
	return nil
}

func (r *recordingRunner) RunScan(_ context.Context, req services.ScanRequest) *scan.Outcome {
	r.scans <- req
	return &scan.Outcome{}
}

func (r *recordingRunner) RunScheduleSync(_ context.Context, modelID uint) error {
	r.syncs = append(r.syncs, modelID)
	return nil
}

func TestPoolDispatcherRunsInProcess(t *testing.T) {
	runner := &recordingRunner{
		props: make(chan services.PropagationRequest, 1),
		scans: make(chan services.ScanRequest, 1),
	}
	pool := NewPool(2, 4)
	d := NewPoolDispatcher(pool, runner)
	ctx := context.Background()

	require.NoError(t, d.DispatchPropagation(ctx, services.PropagationRequest{CIID: 5}))
	require.NoError(t, d.DispatchScan(ctx, services.ScanRequest{ModelID: 8}))
	require.NoError(t, d.DispatchScheduleSync(ctx, 8))

	require.Equal(t, uint(5), (<-runner.props).CIID)
	require.Equal(t, uint(8), (<-runner.scans).ModelID)
	require.Equal(t, []uint{8}, runner.syncs)
	require.NoError(t, pool.Close(ctx))
}

func TestPoolDispatcherScanRejectedWhenClosed(t *testing.T) {
	pool := NewPool(1, 1)
	require.NoError(t, pool.Close(context.Background()))
	d := NewPoolDispatcher(pool, &recordingRunner{})

	err := d.DispatchScan(context.Background(), services.ScanRequest{ModelID: 1})
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	// propagation drops silently
	require.NoError(t, d.DispatchPropagation(context.Background(), services.PropagationRequest{CIID: 1}))
}
