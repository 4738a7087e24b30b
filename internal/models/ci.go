package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CIModel is a CMDB model (server, application, database...). The table is owned
// by the CMDB core; this service reads it and writes only the scan schedule config.
type CIModel struct {
	ID        uint                                `gorm:"primaryKey" json:"id"`
	Code      string                              `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Name      string                              `gorm:"type:varchar(128);not null" json:"name"`
	Icon      string                              `gorm:"type:varchar(64)" json:"icon"`
	Config    datatypes.JSONType[ModelScanConfig] `json:"config"`
	CreatedAt time.Time                           `json:"created_at"`
	UpdatedAt time.Time                           `json:"updated_at"`
}

func (CIModel) TableName() string { return "cmdb_models" }

// DefaultScanCron runs a model rescan daily at 02:00.
const DefaultScanCron = "0 2 * * *"

// ModelScanConfig is the per-model scheduled rescan setting.
type ModelScanConfig struct {
	BatchScanEnabled bool   `json:"batch_scan_enabled"`
	BatchScanCron    string `json:"batch_scan_cron,omitempty"`
}

// CronSpec returns the configured cron expression or the default.
func (c ModelScanConfig) CronSpec() string {
	if c.BatchScanCron == "" {
		return DefaultScanCron
	}
	return c.BatchScanCron
}

// CIInstance is a configuration item. Read only from this service's point of view.
type CIInstance struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	ModelID         uint           `gorm:"index;not null" json:"model_id"`
	Name            string         `gorm:"type:varchar(255);not null" json:"name"`
	Code            string         `gorm:"type:varchar(128);index" json:"code"`
	AttributeValues datatypes.JSON `json:"attribute_values"`
	DepartmentID    *uint          `gorm:"index" json:"department_id,omitempty"`
	CreatedBy       *uint          `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (CIInstance) TableName() string { return "ci_instances" }

// BeforeSave never persists a NULL attribute document.
func (c *CIInstance) BeforeSave(*gorm.DB) error {
	if len(c.AttributeValues) == 0 {
		c.AttributeValues = datatypes.JSON("{}")
	}
	return nil
}

// Attributes decodes the CI's attribute values.
func (c *CIInstance) Attributes() (AttributeMap, error) {
	return ParseAttributes(c.AttributeValues)
}
