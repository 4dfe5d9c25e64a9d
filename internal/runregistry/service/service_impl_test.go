package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/orgcontext"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/costplane/costplane/internal/runregistry/repository"
	"github.com/costplane/costplane/pkg/db/pagination"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupRegistry(t *testing.T) (registrydomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE pipeline_runs (
		id BIGINT PRIMARY KEY,
		run_id TEXT NOT NULL UNIQUE,
		pipeline_id TEXT NOT NULL,
		org_id BIGINT NOT NULL,
		org_slug TEXT NOT NULL,
		provider TEXT NOT NULL,
		credential_id TEXT,
		target_date TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE pipeline_run_steps (
		id BIGINT PRIMARY KEY,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step_name TEXT NOT NULL,
		step_type TEXT NOT NULL,
		status TEXT NOT NULL,
		rows_processed BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		UNIQUE (run_id, seq)
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc, db, node
}

func newRun(orgID int64, startedAt time.Time) *registrydomain.PipelineRun {
	return &registrydomain.PipelineRun{
		RunID:       ulid.Make().String(),
		PipelineID:  "genai.unified.consolidate",
		OrgID:       snowflake.ID(orgID),
		OrgSlug:     "acme",
		Provider:    "openai",
		TargetDate:  "2025-12-01",
		TriggerType: registrydomain.TriggerManual,
		StartedAt:   startedAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, _, _ := setupRegistry(t)
	ctx := orgcontext.WithOrg(context.Background(), snowflake.ID(7), "acme")

	run := newRun(7, time.Now().UTC())
	require.NoError(t, svc.Create(ctx, run))

	detail, err := svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, registrydomain.StatusPending, detail.Run.Status)
	assert.Empty(t, detail.Steps)
}

func TestGetIsOrgScoped(t *testing.T) {
	svc, _, _ := setupRegistry(t)
	ownerCtx := orgcontext.WithOrg(context.Background(), snowflake.ID(7), "acme")

	run := newRun(7, time.Now().UTC())
	require.NoError(t, svc.Create(ownerCtx, run))

	otherCtx := orgcontext.WithOrg(context.Background(), snowflake.ID(8), "globex")
	_, err := svc.Get(otherCtx, run.RunID)
	assert.ErrorIs(t, err, registrydomain.ErrRunNotFound)

	// An administrative read still reaches it.
	detail, err := svc.AdminGet(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, detail.Run.RunID)
}

func TestAppendStepAndPolling(t *testing.T) {
	svc, _, _ := setupRegistry(t)
	ctx := orgcontext.WithOrg(context.Background(), snowflake.ID(7), "acme")

	run := newRun(7, time.Now().UTC())
	require.NoError(t, svc.Create(ctx, run))
	require.NoError(t, svc.MarkRunning(ctx, run.RunID))

	now := time.Now().UTC()
	require.NoError(t, svc.AppendStep(ctx, run.RunID, registrydomain.PipelineRunStep{
		StepName:      "consolidate_usage",
		StepType:      "consolidation",
		Status:        "COMPLETED",
		RowsProcessed: 12,
		DurationMs:    250,
		StartedAt:     now,
		CompletedAt:   &now,
	}))

	// Mid-run polling sees RUNNING plus the settled steps.
	detail, err := svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, registrydomain.StatusRunning, detail.Run.Status)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, 1, detail.Steps[0].Seq)
	assert.Equal(t, int64(12), detail.Steps[0].RowsProcessed)

	require.NoError(t, svc.AppendStep(ctx, run.RunID, registrydomain.PipelineRunStep{
		StepName:  "consolidate_costs",
		StepType:  "consolidation",
		Status:    "COMPLETED",
		StartedAt: now,
	}))
	detail, err = svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, detail.Steps, 2)
	assert.Equal(t, 2, detail.Steps[1].Seq)
}

func TestFinalizeExactlyOnce(t *testing.T) {
	svc, _, _ := setupRegistry(t)
	ctx := orgcontext.WithOrg(context.Background(), snowflake.ID(7), "acme")

	run := newRun(7, time.Now().UTC())
	require.NoError(t, svc.Create(ctx, run))
	require.NoError(t, svc.MarkRunning(ctx, run.RunID))

	require.NoError(t, svc.Finalize(ctx, run.RunID, registrydomain.StatusFailed, "stage consolidate_costs: boom"))
	assert.ErrorIs(t, svc.Finalize(ctx, run.RunID, registrydomain.StatusCompleted, ""), registrydomain.ErrRunFinalized)

	detail, err := svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, registrydomain.StatusFailed, detail.Run.Status)
	assert.Equal(t, "stage consolidate_costs: boom", detail.Run.ErrorMessage)
	assert.NotNil(t, detail.Run.CompletedAt)

	// Terminal runs accept no further steps.
	err = svc.AppendStep(ctx, run.RunID, registrydomain.PipelineRunStep{
		StepName:  "late",
		StepType:  "conversion",
		Status:    "COMPLETED",
		StartedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, registrydomain.ErrRunFinalized)
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	svc, _, _ := setupRegistry(t)
	ctx := orgcontext.WithOrg(context.Background(), snowflake.ID(7), "acme")

	run := newRun(7, time.Now().UTC())
	require.NoError(t, svc.Create(ctx, run))
	assert.ErrorIs(t, svc.Finalize(ctx, run.RunID, "RUNNING", ""), registrydomain.ErrInvalidStatus)
}

func TestListNewestFirstWithCursor(t *testing.T) {
	svc, _, _ := setupRegistry(t)
	ctx := orgcontext.WithOrg(context.Background(), snowflake.ID(7), "acme")

	base := time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)
	var runIDs []string
	for i := 0; i < 5; i++ {
		run := newRun(7, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, svc.Create(ctx, run))
		runIDs = append(runIDs, run.RunID)
	}
	// Another org's runs never show up.
	otherCtx := orgcontext.WithOrg(context.Background(), snowflake.ID(8), "globex")
	require.NoError(t, svc.Create(otherCtx, newRun(8, base.Add(time.Hour))))

	page, err := svc.List(ctx, registrydomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 3},
	})
	require.NoError(t, err)
	require.Len(t, page.Runs, 3)
	assert.True(t, page.PageInfo.HasMore)
	assert.Equal(t, runIDs[4], page.Runs[0].RunID)
	assert.Equal(t, runIDs[2], page.Runs[2].RunID)

	next, err := svc.List(ctx, registrydomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 3, PageToken: page.PageInfo.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, next.Runs, 2)
	assert.False(t, next.PageInfo.HasMore)
	assert.Equal(t, runIDs[1], next.Runs[0].RunID)
	assert.Equal(t, runIDs[0], next.Runs[1].RunID)
}

func TestListStatusFilter(t *testing.T) {
	svc, _, _ := setupRegistry(t)
	ctx := orgcontext.WithOrg(context.Background(), snowflake.ID(7), "acme")

	completed := newRun(7, time.Now().UTC())
	require.NoError(t, svc.Create(ctx, completed))
	require.NoError(t, svc.Finalize(ctx, completed.RunID, registrydomain.StatusCompleted, ""))

	pending := newRun(7, time.Now().UTC())
	require.NoError(t, svc.Create(ctx, pending))

	page, err := svc.List(ctx, registrydomain.ListRequest{Status: registrydomain.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, completed.RunID, page.Runs[0].RunID)
}
