package domain

import (
	"context"
	"errors"
	"time"

	"github.com/costplane/costplane/pkg/db/pagination"
)

type Service interface {
	// Create persists a new PENDING run.
	Create(ctx context.Context, run *PipelineRun) error

	// MarkRunning transitions a PENDING run to RUNNING.
	MarkRunning(ctx context.Context, runID string) error

	// AppendStep appends the next step row. Steps are never rewritten.
	AppendStep(ctx context.Context, runID string, step PipelineRunStep) error

	// Finalize writes the terminal status exactly once.
	Finalize(ctx context.Context, runID, status string, errorMessage string) error

	// Get returns run and step detail for the organization in context.
	Get(ctx context.Context, runID string) (*RunDetail, error)

	// List returns the org's runs newest first with cursor pagination.
	List(ctx context.Context, req ListRequest) (*ListResponse, error)

	// AdminGet and AdminList bypass the org scope for administrative
	// callers only.
	AdminGet(ctx context.Context, runID string) (*RunDetail, error)
	AdminList(ctx context.Context, req ListRequest) (*ListResponse, error)
}

type RunDetail struct {
	Run   RunSummary       `json:"run"`
	Steps []StepLogSummary `json:"steps"`
}

type RunSummary struct {
	RunID        string     `json:"run_id"`
	PipelineID   string     `json:"pipeline_id"`
	OrgSlug      string     `json:"org_slug"`
	Provider     string     `json:"provider"`
	CredentialID string     `json:"credential_id,omitempty"`
	TargetDate   string     `json:"target_date"`
	TriggerType  string     `json:"trigger_type"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type StepLogSummary struct {
	Seq           int        `json:"seq"`
	StepName      string     `json:"step_name"`
	StepType      string     `json:"step_type"`
	Status        string     `json:"status"`
	RowsProcessed int64      `json:"rows_processed"`
	DurationMs    int64      `json:"duration_ms"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type ListRequest struct {
	Status     string                `form:"status"`
	PipelineID string                `form:"pipeline_id"`
	Pagination pagination.Pagination `form:",inline"`
}

type ListResponse struct {
	Runs     []RunSummary         `json:"runs"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidRun          = errors.New("invalid_run")
	ErrRunNotFound         = errors.New("run_not_found")
	ErrRunFinalized        = errors.New("run_already_finalized")
	ErrInvalidStatus       = errors.New("invalid_status")
)
