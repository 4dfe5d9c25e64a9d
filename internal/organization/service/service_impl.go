package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/organization/domain"
	"github.com/costplane/costplane/pkg/db"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type service struct {
	db    *gorm.DB
	repo  domain.Repository
	genID *snowflake.Node
	log   *zap.Logger
}

func NewService(gdb *gorm.DB, repo domain.Repository, genID *snowflake.Node, log *zap.Logger) domain.Service {
	return &service{
		db:    gdb,
		repo:  repo,
		genID: genID,
		log:   log,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateOrganizationRequest) (*domain.OrganizationResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	orgSlug := strings.TrimSpace(req.Slug)
	if orgSlug == "" {
		orgSlug = strings.ReplaceAll(slug.Make(name), "-", "_")
	}
	if !domain.SlugPattern.MatchString(orgSlug) {
		return nil, domain.ErrInvalidSlug
	}

	planCode := strings.TrimSpace(req.PlanCode)
	if planCode == "" {
		planCode = "free"
	}
	if _, err := s.repo.GetPlanByCode(ctx, planCode); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	org := domain.Organization{
		ID:            s.genID.Generate(),
		Name:          name,
		Slug:          orgSlug,
		PlanCode:      planCode,
		BillingStatus: domain.BillingStatusTrialing,
		Currency:      currency,
		Metadata:      datatypes.JSONMap{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.CreateOrganization(ctx, org); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSlugTaken
		}
		return nil, err
	}

	s.log.Info("organization created",
		zap.String("org_id", org.ID.String()),
		zap.String("org_slug", org.Slug),
		zap.String("plan_code", org.PlanCode),
	)

	return toResponse(&org), nil
}

func (s *service) GetByID(ctx context.Context, id string) (*domain.OrganizationResponse, error) {
	orgID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrInvalidOrganization
	}

	org, err := s.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return toResponse(org), nil
}

func (s *service) ResolveBySlug(ctx context.Context, orgSlug string) (*domain.Organization, error) {
	orgSlug = strings.TrimSpace(orgSlug)
	if !domain.SlugPattern.MatchString(orgSlug) {
		return nil, domain.ErrInvalidSlug
	}
	return s.repo.GetOrganizationBySlug(ctx, orgSlug)
}

func (s *service) PlanFor(ctx context.Context, org *domain.Organization) (*domain.Plan, error) {
	if org == nil {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.GetPlanByCode(ctx, org.PlanCode)
}

func (s *service) SetBillingStatus(ctx context.Context, id string, status string) error {
	orgID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return domain.ErrInvalidOrganization
	}

	switch status {
	case domain.BillingStatusTrialing, domain.BillingStatusActive,
		domain.BillingStatusPastDue, domain.BillingStatusSuspended:
	default:
		return domain.ErrInvalidBillingStatus
	}

	if err := s.repo.UpdateBillingStatus(ctx, orgID, status); err != nil {
		return err
	}

	s.log.Info("billing status updated",
		zap.String("org_id", orgID.String()),
		zap.String("billing_status", status),
	)
	return nil
}

func toResponse(org *domain.Organization) *domain.OrganizationResponse {
	return &domain.OrganizationResponse{
		ID:            org.ID.String(),
		Name:          org.Name,
		Slug:          org.Slug,
		PlanCode:      org.PlanCode,
		BillingStatus: org.BillingStatus,
		Currency:      org.Currency,
	}
}
