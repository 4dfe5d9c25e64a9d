package repository

import (
	"context"

	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() registrydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, run *registrydomain.PipelineRun) error {
	return db.WithContext(ctx).Create(run).Error
}

func (r *repo) FindByRunID(ctx context.Context, db *gorm.DB, runID string) (*registrydomain.PipelineRun, error) {
	var run registrydomain.PipelineRun
	err := db.WithContext(ctx).Raw(
		`SELECT id, run_id, pipeline_id, org_id, org_slug, provider, credential_id, target_date, trigger_type, status, error_message, started_at, completed_at, created_at, updated_at
		 FROM pipeline_runs WHERE run_id = ?`,
		runID,
	).Scan(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

func (r *repo) MarkRunning(ctx context.Context, db *gorm.DB, runID string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE pipeline_runs SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE run_id = ? AND status = ?`,
		registrydomain.StatusRunning, runID, registrydomain.StatusPending,
	)
	return res.RowsAffected, res.Error
}

// Finalize's status guard makes the terminal write first-wins: a watchdog
// and a late-finishing engine cannot both set the outcome.
func (r *repo) Finalize(ctx context.Context, db *gorm.DB, runID, status string, errorMessage *string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE pipeline_runs
		 SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE run_id = ? AND status IN (?, ?)`,
		status, errorMessage, runID, registrydomain.StatusPending, registrydomain.StatusRunning,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertStep(ctx context.Context, db *gorm.DB, step *registrydomain.PipelineRunStep) error {
	return db.WithContext(ctx).Create(step).Error
}

func (r *repo) NextSeq(ctx context.Context, db *gorm.DB, runID string) (int, error) {
	var maxSeq int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(seq), 0) FROM pipeline_run_steps WHERE run_id = ?`,
		runID,
	).Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	return maxSeq + 1, nil
}

func (r *repo) ListSteps(ctx context.Context, db *gorm.DB, runID string) ([]registrydomain.PipelineRunStep, error) {
	var steps []registrydomain.PipelineRunStep
	err := db.WithContext(ctx).Raw(
		`SELECT id, run_id, seq, step_name, step_type, status, rows_processed, duration_ms, error_message, started_at, completed_at
		 FROM pipeline_run_steps WHERE run_id = ? ORDER BY seq ASC`,
		runID,
	).Scan(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter registrydomain.ListFilter) ([]*registrydomain.PipelineRun, error) {
	query := db.WithContext(ctx).Model(&registrydomain.PipelineRun{})
	if filter.OrgID != 0 {
		query = query.Where("org_id = ?", filter.OrgID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PipelineID != "" {
		query = query.Where("pipeline_id = ?", filter.PipelineID)
	}
	if filter.BeforeStartedAt != "" && filter.BeforeID != 0 {
		query = query.Where("(started_at < ?) OR (started_at = ? AND id < ?)",
			filter.BeforeStartedAt, filter.BeforeStartedAt, filter.BeforeID)
	}

	var runs []*registrydomain.PipelineRun
	err := query.
		Order("started_at DESC, id DESC").
		Limit(filter.Limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
