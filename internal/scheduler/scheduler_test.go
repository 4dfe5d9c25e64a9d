package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/clock"
	"github.com/costplane/costplane/internal/config"
	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	"github.com/costplane/costplane/internal/orgcontext"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	submits []orchdomain.SubmitRequest
	slugs   []string
	err     error
}

func (f *fakeOrchestrator) Submit(ctx context.Context, req orchdomain.SubmitRequest) (*orchdomain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	slug, _ := orgcontext.OrgSlugFromContext(ctx)
	f.slugs = append(f.slugs, slug)
	f.submits = append(f.submits, req)
	return &orchdomain.SubmitResult{
		RunID:      fmt.Sprintf("run-%d", len(f.submits)),
		PipelineID: req.PipelineID,
		Status:     registrydomain.StatusCompleted,
	}, nil
}

func (f *fakeOrchestrator) Drain(context.Context) error { return nil }

var schedNow = time.Date(2025, 12, 2, 6, 0, 0, 0, time.UTC)

func setupScheduler(t *testing.T, orch orchdomain.Service, batchSize int) (*Scheduler, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// SQLite has no row locks, strip the clause the claim query uses.
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE scheduled_pipelines (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		org_slug TEXT NOT NULL,
		pipeline_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		credential_id TEXT,
		interval_hours INTEGER NOT NULL DEFAULT 24,
		next_run_at TIMESTAMP NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_id TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(schedNow)

	sched, err := New(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		Clock: clk,
		Config: config.Config{Scheduler: config.SchedulerConfig{
			Enabled:      true,
			TickInterval: time.Minute,
			BatchSize:    batchSize,
			LockTTL:      time.Minute,
		}},
		GenID:        node,
		Orchestrator: orch,
	})
	require.NoError(t, err)
	return sched, db, clk, node
}

func seedSchedule(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID int64, slug string, nextRunAt time.Time, enabled bool, intervalHours int) snowflake.ID {
	t.Helper()
	id := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO scheduled_pipelines (id, org_id, org_slug, pipeline_id, provider, interval_hours, next_run_at, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, 'genai.unified.consolidate', 'openai', ?, ?, ?, ?, ?)`,
		id, orgID, slug, intervalHours, nextRunAt, enabled, schedNow, schedNow,
	).Error)
	return id
}

func TestRunOnceDispatchesDueSchedules(t *testing.T) {
	orch := &fakeOrchestrator{}
	sched, db, clk, node := setupScheduler(t, orch, 25)

	dueID := seedSchedule(t, db, node, 7, "acme", schedNow.Add(-time.Minute), true, 24)
	seedSchedule(t, db, node, 8, "globex", schedNow.Add(time.Hour), true, 24)
	seedSchedule(t, db, node, 9, "initech", schedNow.Add(-time.Minute), false, 24)

	require.NoError(t, sched.RunOnce(context.Background()))

	require.Len(t, orch.submits, 1)
	assert.Equal(t, []string{"acme"}, orch.slugs)
	assert.Equal(t, registrydomain.TriggerScheduled, orch.submits[0].TriggerType)
	assert.True(t, orch.submits[0].Wait)

	var sp ScheduledPipeline
	require.NoError(t, db.Raw(`SELECT * FROM scheduled_pipelines WHERE id = ?`, dueID).Scan(&sp).Error)
	require.NotNil(t, sp.LastRunID)
	assert.Equal(t, "run-1", *sp.LastRunID)
	assert.Equal(t, schedNow.Add(24*time.Hour), sp.NextRunAt.UTC())

	// Nothing is due until the clock passes the advanced next_run_at.
	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Len(t, orch.submits, 1)

	clk.Advance(25 * time.Hour)
	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Len(t, orch.submits, 2)
}

func TestRunOnceDrainsBacklogBeyondBatchSize(t *testing.T) {
	orch := &fakeOrchestrator{}
	sched, db, _, node := setupScheduler(t, orch, 2)

	for i := 0; i < 5; i++ {
		seedSchedule(t, db, node, int64(100+i), fmt.Sprintf("org_%d", i), schedNow.Add(-time.Minute), true, 24)
	}

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Len(t, orch.submits, 5)
}

func TestRunOnceQuotaRejectionIsNotASweepFailure(t *testing.T) {
	orch := &fakeOrchestrator{err: &quotadomain.QuotaExceededError{LimitType: quotadomain.LimitDaily, Limit: 5, Current: 5}}
	sched, db, _, node := setupScheduler(t, orch, 25)

	id := seedSchedule(t, db, node, 7, "acme", schedNow.Add(-time.Minute), true, 24)

	require.NoError(t, sched.RunOnce(context.Background()))

	// The schedule still advanced, so the rejected run is retried on the
	// next interval rather than hot-looped.
	var sp ScheduledPipeline
	require.NoError(t, db.Raw(`SELECT * FROM scheduled_pipelines WHERE id = ?`, id).Scan(&sp).Error)
	assert.Equal(t, schedNow.Add(24*time.Hour), sp.NextRunAt.UTC())
	assert.Nil(t, sp.LastRunID)
}

func TestRunOnceSubmitErrorIsReported(t *testing.T) {
	orch := &fakeOrchestrator{err: fmt.Errorf("credential_not_configured")}
	sched, db, _, node := setupScheduler(t, orch, 25)

	seedSchedule(t, db, node, 7, "acme", schedNow.Add(-time.Minute), true, 24)

	err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential_not_configured")
}
