package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/cmdb-studio/relgraph/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeTasks struct {
	mu       sync.Mutex
	next     uint
	tasks    map[uint]*models.BatchScanTask
	progress int
}

func newFakeTasks() *fakeTasks { return &fakeTasks{tasks: map[uint]*models.BatchScanTask{}} }

func (f *fakeTasks) Create(_ context.Context, task *models.BatchScanTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	task.ID = f.next
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeTasks) MarkRunning(_ context.Context, id uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Status = models.ScanRunning
	f.tasks[id].StartedAt = &at
	return nil
}

func (f *fakeTasks) UpdateProgress(_ context.Context, id uint, c repository.ScanCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress++
	f.tasks[id].ProcessedCount = c.Processed
	return nil
}

func (f *fakeTasks) Finish(_ context.Context, id uint, status models.ScanStatus, c repository.ScanCounters, msg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = status
	t.ProcessedCount = c.Processed
	t.CreatedCount = c.Created
	t.SkippedCount = c.Skipped
	t.FailedCount = c.Failed
	t.ErrorMessage = msg
	t.CompletedAt = &at
	return nil
}

func (f *fakeTasks) FailRunning(_ context.Context, msg string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.tasks {
		if t.Status == models.ScanRunning {
			t.Status = models.ScanFailed
			t.ErrorMessage = msg
			n++
		}
	}
	return n, nil
}

func (f *fakeTasks) get(id uint) models.BatchScanTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

type fakeCIs map[uint][]models.CIInstance

func (f fakeCIs) CountByModel(_ context.Context, modelID uint) (int64, error) {
	return int64(len(f[modelID])), nil
}

func (f fakeCIs) ListByModelAfter(_ context.Context, modelID, afterID uint, limit int) ([]models.CIInstance, error) {
	var out []models.CIInstance
	for _, ci := range f[modelID] {
		if ci.ID > afterID && len(out) < limit {
			out = append(out, ci)
		}
	}
	return out, nil
}

func makeCIs(modelID uint, first, n int) []models.CIInstance {
	out := make([]models.CIInstance, n)
	for i := range out {
		out[i] = models.CIInstance{ID: uint(first + i), ModelID: modelID}
	}
	return out
}

type fakeTriggers struct {
	gate    map[uint]chan struct{}
	entered chan uint
	err     error
	none    bool
}

func (f *fakeTriggers) ListActiveBySourceModel(_ context.Context, modelID uint) ([]models.RelationTrigger, error) {
	if f.entered != nil {
		f.entered <- modelID
	}
	if ch, ok := f.gate[modelID]; ok {
		<-ch
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.none {
		return nil, nil
	}
	return []models.RelationTrigger{{ID: 1, IsActive: true}}, nil
}

type fakeMatcher struct {
	panicOn uint
}

func (f *fakeMatcher) MatchAndCreate(_ context.Context, ci *models.CIInstance, _ []models.RelationTrigger) services.MatchCounts {
	if ci.ID == f.panicOn {
		panic("boom")
	}
	if ci.ID%2 == 0 {
		return services.MatchCounts{Skipped: 1}
	}
	return services.MatchCounts{Created: 1}
}

func newOrchestrator(tasks *fakeTasks, cis fakeCIs, triggers *fakeTriggers, matcher *fakeMatcher) *Orchestrator {
	return NewOrchestrator(NewMemoryLocks(), tasks, cis, triggers, matcher, Options{BatchSize: 100, Concurrency: 4}, nil)
}

func TestScanProcessesAllBatches(t *testing.T) {
	tasks := newFakeTasks()
	o := newOrchestrator(tasks, fakeCIs{5: makeCIs(5, 1, 250)}, &fakeTriggers{}, &fakeMatcher{})

	out := o.Scan(context.Background(), 5, models.ScanSourceManual, nil)
	require.False(t, out.Skipped)
	require.Equal(t, models.ScanCompleted, out.Status)

	task := tasks.get(out.TaskID)
	require.Equal(t, models.ScanCompleted, task.Status)
	require.Equal(t, 250, task.TotalCount)
	require.Equal(t, 250, task.ProcessedCount)
	require.Equal(t, 125, task.CreatedCount)
	require.Equal(t, 125, task.SkippedCount)
	require.Equal(t, 3, tasks.progress, "progress persisted once per batch")
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
}

func TestScanWithoutTriggersCompletesEmpty(t *testing.T) {
	tasks := newFakeTasks()
	o := newOrchestrator(tasks, fakeCIs{5: makeCIs(5, 1, 10)}, &fakeTriggers{none: true}, &fakeMatcher{})

	out := o.Scan(context.Background(), 5, models.ScanSourceScheduled, nil)
	task := tasks.get(out.TaskID)
	require.Equal(t, models.ScanCompleted, task.Status)
	require.Equal(t, 10, task.TotalCount)
	require.Zero(t, task.ProcessedCount)
	require.Zero(t, task.CreatedCount)
}

func TestScanMutualExclusionPerModel(t *testing.T) {
	tasks := newFakeTasks()
	gate := make(chan struct{})
	triggers := &fakeTriggers{gate: map[uint]chan struct{}{5: gate}, entered: make(chan uint, 4)}
	o := newOrchestrator(tasks, fakeCIs{5: makeCIs(5, 1, 3), 6: makeCIs(6, 100, 3)}, triggers, &fakeMatcher{})

	first := make(chan *Outcome, 1)
	go func() { first <- o.Scan(context.Background(), 5, models.ScanSourceManual, nil) }()
	require.Equal(t, uint(5), <-triggers.entered)

	skipped := metrics.BatchScans.WithLabelValues("skipped", string(models.ScanSourceManual))
	skippedBefore := testutil.ToFloat64(skipped)
	second := o.Scan(context.Background(), 5, models.ScanSourceManual, nil)
	require.True(t, second.Skipped)
	require.Equal(t, skippedBefore+1, testutil.ToFloat64(skipped))
	require.Zero(t, second.TaskID, "a refused scan creates no task")

	other := o.Scan(context.Background(), 6, models.ScanSourceManual, nil)
	require.Equal(t, uint(6), <-triggers.entered)
	require.Equal(t, models.ScanCompleted, other.Status)

	close(gate)
	done := <-first
	require.Equal(t, models.ScanCompleted, done.Status)

	tasks.mu.Lock()
	require.Len(t, tasks.tasks, 2)
	tasks.mu.Unlock()
}

func TestScanFailureReleasesLock(t *testing.T) {
	tasks := newFakeTasks()
	triggers := &fakeTriggers{err: errors.New("db down")}
	o := newOrchestrator(tasks, fakeCIs{5: makeCIs(5, 1, 3)}, triggers, &fakeMatcher{})

	out := o.Scan(context.Background(), 5, models.ScanSourceManual, nil)
	require.Equal(t, models.ScanFailed, out.Status)
	task := tasks.get(out.TaskID)
	require.Equal(t, models.ScanFailed, task.Status)
	require.Contains(t, task.ErrorMessage, "db down")

	triggers.err = nil
	again := o.Scan(context.Background(), 5, models.ScanSourceManual, nil)
	require.False(t, again.Skipped)
	require.Equal(t, models.ScanCompleted, again.Status)
}

func TestScanCountsPanickingCIAsFailed(t *testing.T) {
	tasks := newFakeTasks()
	o := newOrchestrator(tasks, fakeCIs{5: makeCIs(5, 1, 5)}, &fakeTriggers{}, &fakeMatcher{panicOn: 3})

	out := o.Scan(context.Background(), 5, models.ScanSourceManual, nil)
	require.Equal(t, models.ScanCompleted, out.Status)
	task := tasks.get(out.TaskID)
	require.Equal(t, 5, task.ProcessedCount)
	require.Equal(t, 1, task.FailedCount)
	require.Equal(t, 2, task.CreatedCount)
	require.Equal(t, 2, task.SkippedCount)
}

func TestRecoverInterrupted(t *testing.T) {
	tasks := newFakeTasks()
	stuck := &models.BatchScanTask{ModelID: 5, Status: models.ScanRunning}
	require.NoError(t, tasks.Create(context.Background(), stuck))

	o := newOrchestrator(tasks, fakeCIs{}, &fakeTriggers{}, &fakeMatcher{})
	n, err := o.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, models.ScanFailed, tasks.get(stuck.ID).Status)
}

// panickyCIs wraps fakeCIs and panics on chosen calls.
type panickyCIs struct {
	fakeCIs
	mu          sync.Mutex
	pages       int
	panicOnPage int
	panicCount  bool
}

func (p *panickyCIs) CountByModel(ctx context.Context, modelID uint) (int64, error) {
	if p.panicCount {
		panic("count exploded")
	}
	return p.fakeCIs.CountByModel(ctx, modelID)
}

func (p *panickyCIs) ListByModelAfter(ctx context.Context, modelID, afterID uint, limit int) ([]models.CIInstance, error) {
	p.mu.Lock()
	p.pages++
	page := p.pages
	p.mu.Unlock()
	if page == p.panicOnPage {
		panic("page exploded")
	}
	return p.fakeCIs.ListByModelAfter(ctx, modelID, afterID, limit)
}

func TestScanPanicKeepsPersistedCounters(t *testing.T) {
	tasks := newFakeTasks()
	cis := &panickyCIs{fakeCIs: fakeCIs{5: makeCIs(5, 1, 250)}, panicOnPage: 2}
	o := NewOrchestrator(NewMemoryLocks(), tasks, cis, &fakeTriggers{}, &fakeMatcher{}, Options{BatchSize: 100, Concurrency: 4}, nil)

	out := o.Scan(context.Background(), 5, models.ScanSourceManual, nil)
	require.Equal(t, models.ScanFailed, out.Status)
	require.Equal(t, 100, out.Counts.Processed)

	task := tasks.get(out.TaskID)
	require.Equal(t, models.ScanFailed, task.Status)
	require.Equal(t, 100, task.ProcessedCount, "counters never move backwards")
	require.Equal(t, 50, task.CreatedCount)
	require.Equal(t, 50, task.SkippedCount)
	require.Contains(t, task.ErrorMessage, "page exploded")
}

func TestScanPanicBeforeTaskIsContained(t *testing.T) {
	tasks := newFakeTasks()
	cis := &panickyCIs{fakeCIs: fakeCIs{5: makeCIs(5, 1, 3)}, panicCount: true}
	o := NewOrchestrator(NewMemoryLocks(), tasks, cis, &fakeTriggers{}, &fakeMatcher{}, Options{BatchSize: 100, Concurrency: 4}, nil)

	var out *Outcome
	require.NotPanics(t, func() { out = o.Scan(context.Background(), 5, models.ScanSourceScheduled, nil) })
	require.Equal(t, models.ScanFailed, out.Status)
	require.Zero(t, out.TaskID)
	require.Contains(t, out.Message, "count exploded")

	cis.panicCount = false
	again := o.Scan(context.Background(), 5, models.ScanSourceScheduled, nil)
	require.Equal(t, models.ScanCompleted, again.Status, "lock released after the panic")
}
