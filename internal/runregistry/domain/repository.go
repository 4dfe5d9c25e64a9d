package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	OrgID      snowflake.ID
	Status     string
	PipelineID string
	Limit      int
	// Cursor fields: return rows strictly older than this position.
	BeforeStartedAt string
	BeforeID        snowflake.ID
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, run *PipelineRun) error
	FindByRunID(ctx context.Context, db *gorm.DB, runID string) (*PipelineRun, error)
	MarkRunning(ctx context.Context, db *gorm.DB, runID string) (int64, error)
	Finalize(ctx context.Context, db *gorm.DB, runID, status string, errorMessage *string) (int64, error)
	InsertStep(ctx context.Context, db *gorm.DB, step *PipelineRunStep) error
	NextSeq(ctx context.Context, db *gorm.DB, runID string) (int, error)
	ListSteps(ctx context.Context, db *gorm.DB, runID string) ([]PipelineRunStep, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*PipelineRun, error)
}
