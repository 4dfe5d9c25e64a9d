// Package domain contains the durable run log models. Runs are
// append-only: steps accumulate while the run is live and the terminal
// status is written exactly once.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Run statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerAdmin     = "admin"
)

// PipelineRun is one execution of a logical pipeline.
type PipelineRun struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	RunID        string       `gorm:"column:run_id;type:text;not null;uniqueIndex:ux_pipeline_runs_run_id"`
	PipelineID   string       `gorm:"column:pipeline_id;type:text;not null"`
	OrgID        snowflake.ID `gorm:"column:org_id;not null;index:ix_pipeline_runs_org_started,priority:1"`
	OrgSlug      string       `gorm:"column:org_slug;type:text;not null"`
	Provider     string       `gorm:"type:text;not null"`
	CredentialID *string      `gorm:"column:credential_id;type:text"`
	TargetDate   string       `gorm:"column:target_date;type:text;not null"`
	TriggerType  string       `gorm:"column:trigger_type;type:text;not null"`
	Status       string       `gorm:"type:text;not null"`
	ErrorMessage *string      `gorm:"column:error_message;type:text"`
	StartedAt    time.Time    `gorm:"column:started_at;not null;index:ix_pipeline_runs_org_started,priority:2,sort:desc"`
	CompletedAt  *time.Time   `gorm:"column:completed_at"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PipelineRun) TableName() string { return "pipeline_runs" }

// PipelineRunStep is one settled stage within a run.
type PipelineRunStep struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	RunID         string       `gorm:"column:run_id;type:text;not null;uniqueIndex:ux_pipeline_run_steps_run_seq,priority:1"`
	Seq           int          `gorm:"not null;uniqueIndex:ux_pipeline_run_steps_run_seq,priority:2"`
	StepName      string       `gorm:"column:step_name;type:text;not null"`
	StepType      string       `gorm:"column:step_type;type:text;not null"`
	Status        string       `gorm:"type:text;not null"`
	RowsProcessed int64        `gorm:"column:rows_processed;not null;default:0"`
	DurationMs    int64        `gorm:"column:duration_ms;not null;default:0"`
	ErrorMessage  *string      `gorm:"column:error_message;type:text"`
	StartedAt     time.Time    `gorm:"column:started_at;not null"`
	CompletedAt   *time.Time   `gorm:"column:completed_at"`
}

// TableName sets the database table name.
func (PipelineRunStep) TableName() string { return "pipeline_run_steps" }

// Terminal reports whether the status is a terminal one.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
