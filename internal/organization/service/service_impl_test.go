package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/organization/domain"
	"github.com/costplane/costplane/internal/organization/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupOrgService(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	prepareOrgSchema(t, db)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := repository.NewRepository(db)
	svc := NewService(db, repo, node, zaptest.NewLogger(t))
	return svc, db, node
}

func prepareOrgSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Exec(`CREATE TABLE organizations (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		plan_code TEXT NOT NULL,
		billing_status TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		metadata TEXT NOT NULL DEFAULT '{}',
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`CREATE UNIQUE INDEX ux_organizations_slug ON organizations (slug)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE plans (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		daily_pipeline_limit INTEGER NOT NULL,
		monthly_pipeline_limit INTEGER NOT NULL,
		concurrent_pipeline_limit INTEGER NOT NULL,
		provider_limit INTEGER NOT NULL,
		seat_limit INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO plans (id, code, name, daily_pipeline_limit, monthly_pipeline_limit, concurrent_pipeline_limit, provider_limit, seat_limit, created_at, updated_at)
		 VALUES (1, 'free', 'Free', 5, 50, 1, 1, 2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
	).Error)
}

func TestCreateOrganization(t *testing.T) {
	svc, _, _ := setupOrgService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, domain.CreateOrganizationRequest{
		Name: "Acme GenAI",
		Slug: "acme_genai",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme_genai", resp.Slug)
	assert.Equal(t, "free", resp.PlanCode)
	assert.Equal(t, domain.BillingStatusTrialing, resp.BillingStatus)
	assert.Equal(t, "USD", resp.Currency)
}

func TestCreateOrganizationDerivesSlug(t *testing.T) {
	svc, _, _ := setupOrgService(t)

	resp, err := svc.Create(context.Background(), domain.CreateOrganizationRequest{
		Name: "Acme GenAI",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme_genai", resp.Slug)
}

func TestCreateOrganizationRejectsBadSlug(t *testing.T) {
	svc, _, _ := setupOrgService(t)

	cases := []string{"ab", "UPPER", "has-dash", "has space", "x"}
	for _, bad := range cases {
		_, err := svc.Create(context.Background(), domain.CreateOrganizationRequest{
			Name: "Bad Slug Org",
			Slug: bad,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidSlug, "slug %q", bad)
	}
}

func TestCreateOrganizationDuplicateSlug(t *testing.T) {
	svc, _, _ := setupOrgService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.CreateOrganizationRequest{Name: "First", Slug: "shared_slug"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, domain.CreateOrganizationRequest{Name: "Second", Slug: "shared_slug"})
	assert.ErrorIs(t, err, domain.ErrSlugTaken)
}

func TestCreateOrganizationUnknownPlan(t *testing.T) {
	svc, _, _ := setupOrgService(t)

	_, err := svc.Create(context.Background(), domain.CreateOrganizationRequest{
		Name:     "Acme",
		Slug:     "acme_org",
		PlanCode: "platinum",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestResolveBySlugAndPlan(t *testing.T) {
	svc, _, _ := setupOrgService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.CreateOrganizationRequest{Name: "Acme", Slug: "acme_org"})
	require.NoError(t, err)

	org, err := svc.ResolveBySlug(ctx, "acme_org")
	require.NoError(t, err)
	assert.Equal(t, created.ID, org.ID.String())

	plan, err := svc.PlanFor(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 5, plan.DailyPipelineLimit)
	assert.Equal(t, 1, plan.ConcurrentPipelineLimit)

	_, err = svc.ResolveBySlug(ctx, "missing_org")
	assert.ErrorIs(t, err, domain.ErrOrganizationNotFound)
}

func TestSetBillingStatus(t *testing.T) {
	svc, _, _ := setupOrgService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.CreateOrganizationRequest{Name: "Acme", Slug: "acme_org"})
	require.NoError(t, err)

	require.NoError(t, svc.SetBillingStatus(ctx, created.ID, domain.BillingStatusSuspended))

	org, err := svc.ResolveBySlug(ctx, "acme_org")
	require.NoError(t, err)
	assert.Equal(t, domain.BillingStatusSuspended, org.BillingStatus)
	assert.False(t, org.CanRunPipelines())

	assert.ErrorIs(t, svc.SetBillingStatus(ctx, created.ID, "frozen"), domain.ErrInvalidBillingStatus)
}
