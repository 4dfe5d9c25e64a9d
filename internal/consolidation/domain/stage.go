package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Run and step statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusSkipped   = "SKIPPED"
)

// Stage types.
const (
	StageTypeConsolidation = "consolidation"
	StageTypeConversion    = "conversion"
)

// StageContext is the lineage context threaded through every stage of one
// run. CredentialID may be empty only in legacy shared-consolidation mode.
type StageContext struct {
	OrgSlug       string
	CredentialID  string
	TargetDate    string
	PipelineID    string
	RunID         string
	IngestedAt    time.Time

	// AllowSharedConsolidation gates the legacy date-wide delete branch
	// used when CredentialID is empty. Multi-account tenants must never
	// enable it.
	AllowSharedConsolidation bool
}

// Stage is one idempotent transform. Its whole effect for the context's
// (target_date, credential_id) key is a replace of its own output subset,
// executed inside the transaction the engine hands it.
type Stage interface {
	Name() string
	Type() string
	Run(ctx context.Context, tx *gorm.DB, sc StageContext) (rowsWritten int64, err error)
}

// Pipeline is an ordered stage list under a logical pipeline ID.
type Pipeline struct {
	ID       string
	Provider string
	Stages   []Stage
}

// StepEvent is emitted to the observer as each stage settles, so run
// status can be polled mid-flight.
type StepEvent struct {
	Seq      int
	Name     string
	Type     string
	Status   string
	Rows     int64
	Duration time.Duration
	Err      error
}

type StepObserver func(event StepEvent)

// Outcome is the engine's verdict for one run.
type Outcome struct {
	Status      string
	Steps       []StepEvent
	FailedStage string
	Err         error
}

type Engine interface {
	// Execute runs the pipeline's stages strictly in sequence. A stage
	// failure skips the remaining stages but never rolls back the
	// stages already committed; re-running converges because every
	// stage replaces its own output.
	Execute(ctx context.Context, pipeline Pipeline, sc StageContext, observe StepObserver) Outcome
}

var (
	ErrPipelineNotFound      = errors.New("pipeline_not_found")
	ErrInvalidStageContext   = errors.New("invalid_stage_context")
	ErrSharedDeleteDisabled  = errors.New("shared_consolidation_disabled")
	ErrSharedDeleteAmbiguous = errors.New("shared_consolidation_multi_credential")
)
