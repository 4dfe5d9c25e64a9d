// Package engine sequences consolidation stages for one pipeline run.
package engine

import (
	"context"
	"fmt"
	"time"

	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	"github.com/costplane/costplane/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Engine struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) consdomain.Engine {
	return &Engine{
		db:  p.DB,
		log: p.Log.Named("consolidation.engine"),
	}
}

func (e *Engine) Execute(ctx context.Context, pipeline consdomain.Pipeline, sc consdomain.StageContext, observe consdomain.StepObserver) consdomain.Outcome {
	if observe == nil {
		observe = func(consdomain.StepEvent) {}
	}

	if err := e.validateContext(ctx, sc); err != nil {
		return consdomain.Outcome{Status: consdomain.StatusFailed, Err: err}
	}

	log := e.log.With(
		zap.String("pipeline_id", pipeline.ID),
		zap.String("run_id", sc.RunID),
		zap.String("org_slug", sc.OrgSlug),
		zap.String("target_date", sc.TargetDate),
	)

	outcome := consdomain.Outcome{Status: consdomain.StatusCompleted}

	for i, st := range pipeline.Stages {
		if outcome.Status == consdomain.StatusFailed {
			event := consdomain.StepEvent{
				Seq:    i + 1,
				Name:   st.Name(),
				Type:   st.Type(),
				Status: consdomain.StatusSkipped,
			}
			outcome.Steps = append(outcome.Steps, event)
			observe(event)
			continue
		}

		started := time.Now()
		var rows int64
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if sc.CredentialID == "" {
				// Rows ingested after admission would otherwise slip
				// past the date-wide delete.
				if gateErr := e.sharedGate(ctx, tx, sc); gateErr != nil {
					return gateErr
				}
			}
			written, stageErr := st.Run(ctx, tx, sc)
			if stageErr != nil {
				return stageErr
			}
			rows = written
			return nil
		})
		duration := time.Since(started)

		event := consdomain.StepEvent{
			Seq:      i + 1,
			Name:     st.Name(),
			Type:     st.Type(),
			Status:   consdomain.StatusCompleted,
			Rows:     rows,
			Duration: duration,
		}
		if err != nil {
			event.Status = consdomain.StatusFailed
			event.Err = fmt.Errorf("stage %s: %w", st.Name(), err)
			outcome.Status = consdomain.StatusFailed
			outcome.FailedStage = st.Name()
			outcome.Err = event.Err
			log.Error("stage failed",
				zap.String("stage", st.Name()),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			metrics.Pipeline().ObserveStage(pipeline.ID, st.Name(), duration, rows)
			log.Info("stage completed",
				zap.String("stage", st.Name()),
				zap.Int64("rows", rows),
				zap.Duration("duration", duration),
			)
		}

		outcome.Steps = append(outcome.Steps, event)
		observe(event)
	}

	return outcome
}

// validateContext rejects malformed lineage and gates the legacy
// date-wide delete branch: it is only reachable when explicitly enabled
// and when the date's raw data carries at most one credential.
func (e *Engine) validateContext(ctx context.Context, sc consdomain.StageContext) error {
	if sc.OrgSlug == "" || sc.TargetDate == "" || sc.PipelineID == "" || sc.RunID == "" {
		return consdomain.ErrInvalidStageContext
	}
	if sc.CredentialID != "" {
		return nil
	}
	if !sc.AllowSharedConsolidation {
		return consdomain.ErrSharedDeleteDisabled
	}
	return e.sharedGate(ctx, e.db, sc)
}

// sharedGate refuses the date-wide delete when the date's raw data spans
// more than one credential. Checked once up front and again inside every
// stage transaction.
func (e *Engine) sharedGate(ctx context.Context, db *gorm.DB, sc consdomain.StageContext) error {
	var distinct int
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM (
			SELECT x_credential_id FROM raw_genai_usage_records WHERE x_org_slug = ? AND usage_date = ?
			UNION
			SELECT x_credential_id FROM raw_genai_cost_records WHERE x_org_slug = ? AND cost_date = ?
		 ) creds`,
		sc.OrgSlug, sc.TargetDate, sc.OrgSlug, sc.TargetDate,
	).Scan(&distinct).Error
	if err != nil {
		return err
	}
	if distinct > 1 {
		return consdomain.ErrSharedDeleteAmbiguous
	}
	return nil
}
