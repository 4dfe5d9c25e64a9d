package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrganization(ctx context.Context, org Organization) error
	GetOrganization(ctx context.Context, id snowflake.ID) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)
	UpdateBillingStatus(ctx context.Context, id snowflake.ID, status string) error
	CreatePlan(ctx context.Context, plan Plan) error
	GetPlanByCode(ctx context.Context, code string) (*Plan, error)
	ListOrganizations(ctx context.Context, limit int) ([]Organization, error)
}
