// Package domain contains the quota ledger models. One row tracks one
// organization's pipeline activity for one UTC day.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// QuotaCounter is the per-org per-day ledger row. Limits are snapshotted
// from the plan at first touch so a mid-day plan change never rewrites
// history.
type QuotaCounter struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	OrgID              snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_quota_counters_org_day,priority:1"`
	Day                string       `gorm:"type:text;not null;uniqueIndex:ux_quota_counters_org_day,priority:2"`
	PipelinesRunToday  int          `gorm:"column:pipelines_run_today;not null;default:0"`
	PipelinesSucceeded int          `gorm:"column:pipelines_succeeded;not null;default:0"`
	PipelinesFailed    int          `gorm:"column:pipelines_failed;not null;default:0"`
	ConcurrentRunning  int          `gorm:"column:concurrent_running;not null;default:0"`
	DailyLimit         int          `gorm:"column:daily_limit;not null"`
	MonthlyLimit       int          `gorm:"column:monthly_limit;not null"`
	ConcurrentLimit    int          `gorm:"column:concurrent_limit;not null"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (QuotaCounter) TableName() string { return "quota_counters" }

// DayFormat is the ledger's day key layout, always UTC.
const DayFormat = "2006-01-02"
