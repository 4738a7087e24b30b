package tasks

import (
	"encoding/json"
	"time"

	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/hibiken/asynq"
)

const (
	TypeCIPropagate    = "ci:propagate"
	TypeModelBatchScan = "model:batch_scan"
	TypeScheduleSync   = "scan:schedule_sync"
)

// DefaultScanTimeout matches the default SCAN_LOCK_TTL.
const DefaultScanTimeout = 2 * time.Hour

const (
	QueueDefault = "default"
	// QueueScans keeps long rescans from starving propagation.
	QueueScans = "scans"
)

// ScheduleSyncPayload asks the worker to reload one model's scan schedule.
type ScheduleSyncPayload struct {
	ModelID uint `json:"model_id"`
}

func NewPropagateTask(req services.PropagationRequest) (*asynq.Task, error) {
	pb, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCIPropagate, pb, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(2*time.Minute)), nil
}

// NewBatchScanTask builds a rescan task. Rescans are never retried; a failed
// one is visible on its task record and can be started again. timeout should
// match the scan lock ttl, the same bound scheduled rescans run under.
func NewBatchScanTask(req services.ScanRequest, timeout time.Duration) (*asynq.Task, error) {
	pb, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return asynq.NewTask(TypeModelBatchScan, pb, asynq.Queue(QueueScans), asynq.MaxRetry(0), asynq.Timeout(timeout)), nil
}

func NewScheduleSyncTask(modelID uint) (*asynq.Task, error) {
	pb, err := json.Marshal(ScheduleSyncPayload{ModelID: modelID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeScheduleSync, pb, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}
