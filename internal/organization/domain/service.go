package domain

import (
	"context"
	"errors"
	"regexp"
)

// Slugs are lowercase alphanumeric plus underscore, 3 to 50 characters.
// They appear in every lineage column so the charset stays strict.
var SlugPattern = regexp.MustCompile(`^[a-z0-9_]{3,50}$`)

type Service interface {
	Create(ctx context.Context, req CreateOrganizationRequest) (*OrganizationResponse, error)
	GetByID(ctx context.Context, id string) (*OrganizationResponse, error)
	ResolveBySlug(ctx context.Context, slug string) (*Organization, error)
	PlanFor(ctx context.Context, org *Organization) (*Plan, error)
	SetBillingStatus(ctx context.Context, id string, status string) error
}

type CreateOrganizationRequest struct {
	Name     string
	Slug     string
	PlanCode string
	Currency string
}

type OrganizationResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	PlanCode      string `json:"plan_code"`
	BillingStatus string `json:"billing_status"`
	Currency      string `json:"currency"`
}

var (
	ErrInvalidName          = errors.New("invalid_name")
	ErrInvalidSlug          = errors.New("invalid_slug")
	ErrSlugTaken            = errors.New("slug_taken")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidBillingStatus = errors.New("invalid_billing_status")
	ErrOrganizationNotFound = errors.New("organization_not_found")
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrSubscriptionInactive = errors.New("subscription_inactive")
)
