// Package domain contains persistence models for the organization service.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Billing statuses an organization can be in. Pipeline execution is only
// allowed for trialing and active tenants.
const (
	BillingStatusTrialing  = "trialing"
	BillingStatusActive    = "active"
	BillingStatusPastDue   = "past_due"
	BillingStatusSuspended = "suspended"
)

// Organization represents a tenant.
type Organization struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name          string            `gorm:"type:text;not null" json:"name"`
	Slug          string            `gorm:"type:text;not null;uniqueIndex:ux_organizations_slug" json:"slug"`
	PlanCode      string            `gorm:"type:text;not null;column:plan_code" json:"plan_code"`
	BillingStatus string            `gorm:"type:text;not null;column:billing_status" json:"billing_status"`
	Currency      string            `gorm:"type:text;not null;default:'USD'" json:"currency"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	DeletedAt     gorm.DeletedAt    `gorm:"index" json:"-"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// CanRunPipelines reports whether the billing state permits new runs.
func (o Organization) CanRunPipelines() bool {
	return o.BillingStatus == BillingStatusTrialing || o.BillingStatus == BillingStatusActive
}

// Plan defines the quota limits attached to a subscription tier.
type Plan struct {
	ID                      snowflake.ID `gorm:"primaryKey" json:"id"`
	Code                    string       `gorm:"type:text;not null;uniqueIndex:ux_plans_code" json:"code"`
	Name                    string       `gorm:"type:text;not null" json:"name"`
	DailyPipelineLimit      int          `gorm:"not null;column:daily_pipeline_limit" json:"daily_pipeline_limit"`
	MonthlyPipelineLimit    int          `gorm:"not null;column:monthly_pipeline_limit" json:"monthly_pipeline_limit"`
	ConcurrentPipelineLimit int          `gorm:"not null;column:concurrent_pipeline_limit" json:"concurrent_pipeline_limit"`
	ProviderLimit           int          `gorm:"not null;column:provider_limit" json:"provider_limit"`
	SeatLimit               int          `gorm:"not null;column:seat_limit" json:"seat_limit"`
	CreatedAt               time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt               time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }
