package models

import "time"

// ScanStatus is the lifecycle state of a batch rescan.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// ScanSource records what started a rescan.
type ScanSource string

const (
	ScanSourceManual    ScanSource = "manual"
	ScanSourceScheduled ScanSource = "scheduled"
)

// BatchScanTask tracks one rescan of a model's CIs against its active triggers.
type BatchScanTask struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ModelID        uint       `gorm:"not null;index" json:"model_id"`
	Status         ScanStatus `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	TotalCount     int        `gorm:"not null;default:0" json:"total_count"`
	ProcessedCount int        `gorm:"not null;default:0" json:"processed_count"`
	CreatedCount   int        `gorm:"not null;default:0" json:"created_count"`
	SkippedCount   int        `gorm:"not null;default:0" json:"skipped_count"`
	FailedCount    int        `gorm:"not null;default:0" json:"failed_count"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	TriggerSource  ScanSource `gorm:"type:varchar(16);not null;default:manual;index" json:"trigger_source"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	CreatedBy      *uint      `json:"created_by,omitempty"`
}

func (BatchScanTask) TableName() string { return "batch_scan_tasks" }

// DurationSeconds is the wall time between start and completion, or nil while unfinished.
func (t *BatchScanTask) DurationSeconds() *float64 {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return nil
	}
	d := t.CompletedAt.Sub(*t.StartedAt).Seconds()
	return &d
}

// Finished reports whether the task reached a terminal state.
func (t *BatchScanTask) Finished() bool {
	return t.Status == ScanCompleted || t.Status == ScanFailed
}
