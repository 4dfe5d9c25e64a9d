// Package domain contains the raw, consolidated and standardized cost
// record models plus the stage/pipeline contracts of the consolidation
// engine. Every derived row carries the full lineage quintuple.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Cost type discriminators on the consolidated schema.
const (
	CostTypePAYG           = "payg"
	CostTypeCommitment     = "commitment"
	CostTypeInfrastructure = "infrastructure"
	CostTypeSubscription   = "subscription"
	CostTypeCloud          = "cloud"
)

// RawGenAIUsageRecord is provider-native token usage written by ingestion.
// The engine only ever reads these rows.
type RawGenAIUsageRecord struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	XOrgSlug       string         `gorm:"column:x_org_slug;type:text;not null"`
	XCredentialID  string         `gorm:"column:x_credential_id;type:text;not null"`
	XIngestionID   string         `gorm:"column:x_ingestion_id;type:text;not null"`
	XIngestionDate string         `gorm:"column:x_ingestion_date;type:text;not null"`
	UsageDate      string         `gorm:"column:usage_date;type:text;not null"`
	Provider       string         `gorm:"type:text;not null"`
	ModelName      string         `gorm:"column:model_name;type:text;not null"`
	InputTokens    int64          `gorm:"column:input_tokens;not null;default:0"`
	OutputTokens   int64          `gorm:"column:output_tokens;not null;default:0"`
	RequestCount   int64          `gorm:"column:request_count;not null;default:0"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RawGenAIUsageRecord) TableName() string { return "raw_genai_usage_records" }

// RawGenAICostRecord is a provider-native charge (commitments,
// subscriptions, infrastructure fees) written by ingestion.
type RawGenAICostRecord struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	XOrgSlug       string         `gorm:"column:x_org_slug;type:text;not null"`
	XCredentialID  string         `gorm:"column:x_credential_id;type:text;not null"`
	XIngestionID   string         `gorm:"column:x_ingestion_id;type:text;not null"`
	XIngestionDate string         `gorm:"column:x_ingestion_date;type:text;not null"`
	CostDate       string         `gorm:"column:cost_date;type:text;not null"`
	Provider       string         `gorm:"type:text;not null"`
	CostType       string         `gorm:"column:cost_type;type:text;not null"`
	Description    *string        `gorm:"type:text"`
	AmountUSD      float64        `gorm:"column:amount_usd;not null;default:0"`
	DiscountPct    float64        `gorm:"column:discount_pct;not null;default:0"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RawGenAICostRecord) TableName() string { return "raw_genai_cost_records" }

// ConsolidatedCostRecord is the unified per-date per-credential ledger row.
type ConsolidatedCostRecord struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	XOrgSlug     string       `gorm:"column:x_org_slug;type:text;not null"`
	CostType     string       `gorm:"column:cost_type;type:text;not null"`
	Provider     string       `gorm:"type:text;not null"`
	ServiceName  string       `gorm:"column:service_name;type:text;not null"`
	ModelName    *string      `gorm:"column:model_name;type:text"`
	Quantity     float64      `gorm:"not null;default:0"`
	Unit         string       `gorm:"type:text;not null"`
	UnitCostUSD  float64      `gorm:"column:unit_cost_usd;not null;default:0"`
	TotalCostUSD float64      `gorm:"column:total_cost_usd;not null;default:0"`
	DiscountUSD  float64      `gorm:"column:discount_usd;not null;default:0"`

	EntityID    string `gorm:"column:entity_id;type:text;not null"`
	EntityName  string `gorm:"column:entity_name;type:text;not null"`
	EntityLevel string `gorm:"column:entity_level;type:text;not null"`
	EntityPath  string `gorm:"column:entity_path;type:text;not null"`

	XPipelineID      string    `gorm:"column:x_pipeline_id;type:text;not null"`
	XCredentialID    string    `gorm:"column:x_credential_id;type:text;not null"`
	XPipelineRunDate string    `gorm:"column:x_pipeline_run_date;type:text;not null"`
	XRunID           string    `gorm:"column:x_run_id;type:text;not null"`
	XIngestedAt      time.Time `gorm:"column:x_ingested_at;not null"`
	ConsolidatedAt   time.Time `gorm:"column:consolidated_at;not null"`
}

// TableName sets the database table name.
func (ConsolidatedCostRecord) TableName() string { return "consolidated_cost_records" }

// StandardCostRecord is the FOCUS-normalized reporting row.
type StandardCostRecord struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	XOrgSlug string       `gorm:"column:x_org_slug;type:text;not null"`

	ChargePeriodStart string  `gorm:"column:charge_period_start;type:text;not null"`
	BilledCostUSD     float64 `gorm:"column:billed_cost_usd;not null;default:0"`
	EffectiveCostUSD  float64 `gorm:"column:effective_cost_usd;not null;default:0"`
	ListCostUSD       float64 `gorm:"column:list_cost_usd;not null;default:0"`
	PricingQuantity   float64 `gorm:"column:pricing_quantity;not null;default:0"`
	PricingUnit       string  `gorm:"column:pricing_unit;type:text;not null"`

	ServiceCategory     string  `gorm:"column:service_category;type:text;not null"`
	ServiceProviderName string  `gorm:"column:service_provider_name;type:text;not null"`
	ChargeCategory      string  `gorm:"column:charge_category;type:text;not null"`
	ChargeDescription   *string `gorm:"column:charge_description;type:text"`
	SkuID               *string `gorm:"column:sku_id;type:text"`
	XGenAICostType      *string `gorm:"column:x_genai_cost_type;type:text"`

	XPipelineID      string    `gorm:"column:x_pipeline_id;type:text;not null"`
	XCredentialID    string    `gorm:"column:x_credential_id;type:text;not null"`
	XPipelineRunDate string    `gorm:"column:x_pipeline_run_date;type:text;not null"`
	XRunID           string    `gorm:"column:x_run_id;type:text;not null"`
	XIngestedAt      time.Time `gorm:"column:x_ingested_at;not null"`
}

// TableName sets the database table name.
func (StandardCostRecord) TableName() string { return "standard_cost_records" }
