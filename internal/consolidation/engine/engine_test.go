package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	"github.com/costplane/costplane/internal/consolidation/stage"
	"github.com/costplane/costplane/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupEngine(t *testing.T) (consdomain.Engine, *gorm.DB, *snowflake.Node) {
	t.Helper()
	metrics.ResetPipelineMetricsForTest()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	prepareLedgerSchema(t, db)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	eng := New(Params{DB: db, Log: zaptest.NewLogger(t)})
	return eng, db, node
}

func prepareLedgerSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE raw_genai_usage_records (
			id BIGINT PRIMARY KEY,
			x_org_slug TEXT NOT NULL,
			x_credential_id TEXT NOT NULL,
			x_ingestion_id TEXT NOT NULL,
			x_ingestion_date TEXT NOT NULL,
			usage_date TEXT NOT NULL,
			provider TEXT NOT NULL,
			model_name TEXT NOT NULL,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			request_count BIGINT NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE raw_genai_cost_records (
			id BIGINT PRIMARY KEY,
			x_org_slug TEXT NOT NULL,
			x_credential_id TEXT NOT NULL,
			x_ingestion_id TEXT NOT NULL,
			x_ingestion_date TEXT NOT NULL,
			cost_date TEXT NOT NULL,
			provider TEXT NOT NULL,
			cost_type TEXT NOT NULL,
			description TEXT,
			amount_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			discount_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE consolidated_cost_records (
			id BIGINT PRIMARY KEY,
			x_org_slug TEXT NOT NULL,
			cost_type TEXT NOT NULL,
			provider TEXT NOT NULL,
			service_name TEXT NOT NULL,
			model_name TEXT,
			quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
			unit TEXT NOT NULL,
			unit_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			discount_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			entity_id TEXT NOT NULL,
			entity_name TEXT NOT NULL,
			entity_level TEXT NOT NULL,
			entity_path TEXT NOT NULL,
			x_pipeline_id TEXT NOT NULL,
			x_credential_id TEXT NOT NULL,
			x_pipeline_run_date TEXT NOT NULL,
			x_run_id TEXT NOT NULL,
			x_ingested_at TIMESTAMP NOT NULL,
			consolidated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE standard_cost_records (
			id BIGINT PRIMARY KEY,
			x_org_slug TEXT NOT NULL,
			charge_period_start TEXT NOT NULL,
			billed_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			effective_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			list_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			pricing_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
			pricing_unit TEXT NOT NULL,
			service_category TEXT NOT NULL,
			service_provider_name TEXT NOT NULL,
			charge_category TEXT NOT NULL,
			charge_description TEXT,
			sku_id TEXT,
			x_genai_cost_type TEXT,
			x_pipeline_id TEXT NOT NULL,
			x_credential_id TEXT NOT NULL,
			x_pipeline_run_date TEXT NOT NULL,
			x_run_id TEXT NOT NULL,
			x_ingested_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		require.NoError(t, db.Exec(stmt).Error)
	}
}

func seedUsage(t *testing.T, db *gorm.DB, node *snowflake.Node, orgSlug, credID, date, provider, model string, inTokens, outTokens int64) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO raw_genai_usage_records (id, x_org_slug, x_credential_id, x_ingestion_id, x_ingestion_date, usage_date, provider, model_name, input_tokens, output_tokens, request_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		node.Generate(), orgSlug, credID, "ing-1", date, date, provider, model, inTokens, outTokens,
	).Error)
}

func seedCost(t *testing.T, db *gorm.DB, node *snowflake.Node, orgSlug, credID, date, provider, costType string, amount, discountPct float64) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO raw_genai_cost_records (id, x_org_slug, x_credential_id, x_ingestion_id, x_ingestion_date, cost_date, provider, cost_type, amount_usd, discount_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.Generate(), orgSlug, credID, "ing-1", date, date, provider, costType, amount, discountPct,
	).Error)
}

func genaiPipeline(node *snowflake.Node) consdomain.Pipeline {
	return consdomain.Pipeline{
		ID: "genai.unified.consolidate",
		Stages: []consdomain.Stage{
			stage.NewUsageStage(node),
			stage.NewCostsStage(node),
			stage.NewFocusStage(node),
		},
	}
}

func stageCtx(orgSlug, credID, date, runID string) consdomain.StageContext {
	return consdomain.StageContext{
		OrgSlug:      orgSlug,
		CredentialID: credID,
		TargetDate:   date,
		PipelineID:   "genai.unified.consolidate",
		RunID:        runID,
		IngestedAt:   time.Now().UTC(),
	}
}

type standardRow struct {
	BilledCostUSD       float64
	EffectiveCostUSD    float64
	ListCostUSD         float64
	PricingQuantity     float64
	PricingUnit         string
	ServiceCategory     string
	ServiceProviderName string
	ChargeCategory      string
	SkuID               *string
	XGenAICostType      *string `gorm:"column:x_genai_cost_type"`
	XPipelineID         string
	XCredentialID       string
	XPipelineRunDate    string
	XRunID              string
}

func readStandardRows(t *testing.T, db *gorm.DB, orgSlug string) []standardRow {
	t.Helper()
	var rows []standardRow
	require.NoError(t, db.Raw(
		`SELECT billed_cost_usd, effective_cost_usd, list_cost_usd, pricing_quantity, pricing_unit, service_category, service_provider_name, charge_category, sku_id, x_genai_cost_type, x_pipeline_id, x_credential_id, x_pipeline_run_date, x_run_id
		 FROM standard_cost_records WHERE x_org_slug = ?
		 ORDER BY x_genai_cost_type, sku_id, billed_cost_usd`,
		orgSlug,
	).Scan(&rows).Error)
	return rows
}

func TestExecuteTokenPricingScenario(t *testing.T) {
	eng, db, node := setupEngine(t)

	// 100 tokens of an unpriced model at the default $0.01/1k rate.
	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "custom-model", 60, 40)

	outcome := eng.Execute(context.Background(), genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil)
	require.Equal(t, consdomain.StatusCompleted, outcome.Status)
	require.Len(t, outcome.Steps, 3)

	rows := readStandardRows(t, db, "acme")
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.001, rows[0].BilledCostUSD, 1e-12)
	assert.Equal(t, float64(100), rows[0].PricingQuantity)
	assert.Equal(t, "tokens", rows[0].PricingUnit)
	assert.Equal(t, "AI and Machine Learning", rows[0].ServiceCategory)
	assert.Equal(t, "OpenAI", rows[0].ServiceProviderName)
	require.NotNil(t, rows[0].XGenAICostType)
	assert.Equal(t, consdomain.CostTypePAYG, *rows[0].XGenAICostType)
}

func TestExecuteIdempotent(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 500, 500)
	seedCost(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "commitment", 100, 10)

	ctx := context.Background()
	first := eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil)
	require.Equal(t, consdomain.StatusCompleted, first.Status)
	firstRows := readStandardRows(t, db, "acme")

	second := eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-2"), nil)
	require.Equal(t, consdomain.StatusCompleted, second.Status)
	secondRows := readStandardRows(t, db, "acme")

	require.Len(t, secondRows, len(firstRows), "re-run must replace, not append")
	for i := range firstRows {
		a, b := firstRows[i], secondRows[i]
		a.XRunID, b.XRunID = "", ""
		assert.Equal(t, a, b)
	}
}

func TestExecuteDiscountMath(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedCost(t, db, node, "acme", "cred-1", "2025-12-01", "anthropic", "commitment", 200, 25)

	outcome := eng.Execute(context.Background(), genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil)
	require.Equal(t, consdomain.StatusCompleted, outcome.Status)

	rows := readStandardRows(t, db, "acme")
	require.Len(t, rows, 1)
	assert.InDelta(t, 150, rows[0].BilledCostUSD, 1e-9)
	assert.InDelta(t, 200, rows[0].ListCostUSD, 1e-9)
	assert.Equal(t, "Purchase", rows[0].ChargeCategory)
	assert.Equal(t, "Anthropic", rows[0].ServiceProviderName)
}

func TestExecuteEmptyInputIsValid(t *testing.T) {
	eng, db, node := setupEngine(t)

	outcome := eng.Execute(context.Background(), genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil)
	require.Equal(t, consdomain.StatusCompleted, outcome.Status)
	for _, step := range outcome.Steps {
		assert.Equal(t, consdomain.StatusCompleted, step.Status)
		assert.Zero(t, step.Rows)
	}
	assert.Empty(t, readStandardRows(t, db, "acme"))
}

func TestExecuteTenantIsolation(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 1000, 0)
	seedUsage(t, db, node, "globex", "cred-9", "2025-12-01", "openai", "gpt-4o", 2000, 0)

	ctx := context.Background()
	require.Equal(t, consdomain.StatusCompleted,
		eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil).Status)
	require.Equal(t, consdomain.StatusCompleted,
		eng.Execute(ctx, genaiPipeline(node), stageCtx("globex", "cred-9", "2025-12-01", "run-2"), nil).Status)

	acmeRows := readStandardRows(t, db, "acme")
	globexRows := readStandardRows(t, db, "globex")
	require.Len(t, acmeRows, 1)
	require.Len(t, globexRows, 1)
	assert.Equal(t, float64(1000), acmeRows[0].PricingQuantity)
	assert.Equal(t, float64(2000), globexRows[0].PricingQuantity)

	// Re-running acme must not disturb globex.
	require.Equal(t, consdomain.StatusCompleted,
		eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-3"), nil).Status)
	assert.Equal(t, globexRows, readStandardRows(t, db, "globex"))
}

func TestExecuteCredentialIsolationWithinOrg(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 1000, 0)
	seedUsage(t, db, node, "acme", "cred-2", "2025-12-01", "openai", "gpt-4o", 3000, 0)

	ctx := context.Background()
	require.Equal(t, consdomain.StatusCompleted,
		eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil).Status)
	require.Equal(t, consdomain.StatusCompleted,
		eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-2", "2025-12-01", "run-2"), nil).Status)

	rows := readStandardRows(t, db, "acme")
	require.Len(t, rows, 2)

	// Re-running cred-1 leaves cred-2's rows untouched.
	require.Equal(t, consdomain.StatusCompleted,
		eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-3"), nil).Status)
	rows = readStandardRows(t, db, "acme")
	require.Len(t, rows, 2)

	var cred2Count int
	require.NoError(t, db.Raw(
		`SELECT COUNT(1) FROM standard_cost_records WHERE x_org_slug = 'acme' AND x_credential_id = 'cred-2' AND x_run_id = 'run-2'`,
	).Scan(&cred2Count).Error)
	assert.Equal(t, 1, cred2Count)
}

type failingStage struct {
	name string
}

func (f *failingStage) Name() string { return f.name }
func (f *failingStage) Type() string { return consdomain.StageTypeConsolidation }
func (f *failingStage) Run(ctx context.Context, tx *gorm.DB, sc consdomain.StageContext) (int64, error) {
	return 0, errors.New("boom")
}

func TestExecutePartialFailureThenConvergence(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 500, 500)
	seedCost(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "subscription", 30, 0)

	broken := consdomain.Pipeline{
		ID: "genai.unified.consolidate",
		Stages: []consdomain.Stage{
			stage.NewUsageStage(node),
			&failingStage{name: "consolidate_costs"},
			stage.NewFocusStage(node),
		},
	}

	ctx := context.Background()
	outcome := eng.Execute(ctx, broken, stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil)
	require.Equal(t, consdomain.StatusFailed, outcome.Status)
	assert.Equal(t, "consolidate_costs", outcome.FailedStage)
	require.Len(t, outcome.Steps, 3)
	assert.Equal(t, consdomain.StatusCompleted, outcome.Steps[0].Status)
	assert.Equal(t, consdomain.StatusFailed, outcome.Steps[1].Status)
	assert.Equal(t, consdomain.StatusSkipped, outcome.Steps[2].Status)

	// Stage 1's committed output survives the stage 2 failure.
	var consolidated int
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM consolidated_cost_records WHERE x_org_slug = 'acme'`).Scan(&consolidated).Error)
	assert.Equal(t, 1, consolidated)

	// Resubmission converges to the same final state as a clean run.
	retry := eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-2"), nil)
	require.Equal(t, consdomain.StatusCompleted, retry.Status)
	retryRows := readStandardRows(t, db, "acme")

	cleanEng, cleanDB, cleanNode := setupEngineNamed(t, "clean")
	seedUsage(t, cleanDB, cleanNode, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 500, 500)
	seedCost(t, cleanDB, cleanNode, "acme", "cred-1", "2025-12-01", "openai", "subscription", 30, 0)
	clean := cleanEng.Execute(ctx, genaiPipeline(cleanNode), stageCtx("acme", "cred-1", "2025-12-01", "run-2"), nil)
	require.Equal(t, consdomain.StatusCompleted, clean.Status)
	cleanRows := readStandardRows(t, cleanDB, "acme")

	assert.Equal(t, cleanRows, retryRows)
}

func setupEngineNamed(t *testing.T, suffix string) (consdomain.Engine, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", t.Name(), suffix)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	prepareLedgerSchema(t, db)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	eng := New(Params{DB: db, Log: zaptest.NewLogger(t)})
	return eng, db, node
}

func TestExecuteFailedStageLeavesPriorOutputIntact(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedCost(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "subscription", 30, 0)

	ctx := context.Background()
	first := eng.Execute(ctx, genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), nil)
	require.Equal(t, consdomain.StatusCompleted, first.Status)

	// A mid-transaction failure must not erase the previous run's rows.
	broken := consdomain.Pipeline{
		ID:     "genai.unified.consolidate",
		Stages: []consdomain.Stage{&deleteThenFailStage{}},
	}
	outcome := eng.Execute(ctx, broken, stageCtx("acme", "cred-1", "2025-12-01", "run-2"), nil)
	require.Equal(t, consdomain.StatusFailed, outcome.Status)

	var count int
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM consolidated_cost_records WHERE x_org_slug = 'acme'`).Scan(&count).Error)
	assert.Equal(t, 1, count)
}

type deleteThenFailStage struct{}

func (d *deleteThenFailStage) Name() string { return "delete_then_fail" }
func (d *deleteThenFailStage) Type() string { return consdomain.StageTypeConsolidation }
func (d *deleteThenFailStage) Run(ctx context.Context, tx *gorm.DB, sc consdomain.StageContext) (int64, error) {
	if err := tx.WithContext(ctx).Exec(
		`DELETE FROM consolidated_cost_records WHERE x_org_slug = ? AND x_pipeline_run_date = ? AND x_credential_id = ?`,
		sc.OrgSlug, sc.TargetDate, sc.CredentialID,
	).Error; err != nil {
		return 0, err
	}
	return 0, errors.New("insert failed")
}

func TestExecuteLegacySharedModeGating(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 100, 0)

	ctx := context.Background()

	// Without the explicit flag the legacy branch is unreachable.
	sc := stageCtx("acme", "", "2025-12-01", "run-1")
	outcome := eng.Execute(ctx, genaiPipeline(node), sc, nil)
	require.Equal(t, consdomain.StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, consdomain.ErrSharedDeleteDisabled)

	// With the flag and a single credential in the raw data it runs.
	sc.AllowSharedConsolidation = true
	outcome = eng.Execute(ctx, genaiPipeline(node), sc, nil)
	require.Equal(t, consdomain.StatusCompleted, outcome.Status)

	// A second credential on the date makes the date-wide delete unsafe.
	seedUsage(t, db, node, "acme", "cred-2", "2025-12-01", "openai", "gpt-4o", 100, 0)
	outcome = eng.Execute(ctx, genaiPipeline(node), sc, nil)
	require.Equal(t, consdomain.StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, consdomain.ErrSharedDeleteAmbiguous)
}

type ingestSecondCredStage struct {
	node *snowflake.Node
}

func (s *ingestSecondCredStage) Name() string { return "consolidate_usage" }
func (s *ingestSecondCredStage) Type() string { return consdomain.StageTypeConsolidation }
func (s *ingestSecondCredStage) Run(ctx context.Context, tx *gorm.DB, sc consdomain.StageContext) (int64, error) {
	return 1, tx.WithContext(ctx).Exec(
		`INSERT INTO raw_genai_usage_records (id, x_org_slug, x_credential_id, x_ingestion_id, x_ingestion_date, usage_date, provider, model_name, input_tokens, output_tokens, request_count)
		 VALUES (?, ?, 'cred-2', 'ing-2', ?, ?, 'openai', 'gpt-4o', 10, 0, 1)`,
		s.node.Generate(), sc.OrgSlug, sc.TargetDate, sc.TargetDate,
	).Error
}

func TestExecuteSharedGateReChecksPerStage(t *testing.T) {
	eng, db, node := setupEngine(t)

	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 100, 0)

	// The first stage ingests a second credential's row mid-run; later
	// stages must refuse the date-wide delete.
	pipeline := consdomain.Pipeline{
		ID: "genai.unified.consolidate",
		Stages: []consdomain.Stage{
			&ingestSecondCredStage{node: node},
			stage.NewCostsStage(node),
		},
	}

	sc := stageCtx("acme", "", "2025-12-01", "run-1")
	sc.AllowSharedConsolidation = true
	outcome := eng.Execute(context.Background(), pipeline, sc, nil)
	require.Equal(t, consdomain.StatusFailed, outcome.Status)
	assert.Equal(t, "consolidate_costs", outcome.FailedStage)
	assert.ErrorIs(t, outcome.Err, consdomain.ErrSharedDeleteAmbiguous)
	require.Len(t, outcome.Steps, 2)
	assert.Equal(t, consdomain.StatusCompleted, outcome.Steps[0].Status)
	assert.Equal(t, consdomain.StatusFailed, outcome.Steps[1].Status)
}

func TestExecuteObserverSeesStepsInOrder(t *testing.T) {
	eng, db, node := setupEngine(t)
	seedUsage(t, db, node, "acme", "cred-1", "2025-12-01", "openai", "gpt-4o", 100, 0)

	var events []consdomain.StepEvent
	outcome := eng.Execute(context.Background(), genaiPipeline(node), stageCtx("acme", "cred-1", "2025-12-01", "run-1"), func(e consdomain.StepEvent) {
		events = append(events, e)
	})
	require.Equal(t, consdomain.StatusCompleted, outcome.Status)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i+1, e.Seq)
	}
	assert.Equal(t, "consolidate_usage", events[0].Name)
	assert.Equal(t, "consolidate_costs", events[1].Name)
	assert.Equal(t, "convert_to_focus", events[2].Name)
}
