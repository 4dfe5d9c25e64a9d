// Package scheduler sweeps due pipeline schedules and submits them through
// the orchestrator, so scheduled runs pass the same quota and credential
// gates as manual ones.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/clock"
	"github.com/costplane/costplane/internal/config"
	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	"github.com/costplane/costplane/internal/orgcontext"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	"github.com/costplane/costplane/internal/ratelimit"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// ScheduledPipeline is one recurring consolidation schedule.
type ScheduledPipeline struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"column:org_id;not null"`
	OrgSlug       string       `gorm:"column:org_slug;type:text;not null"`
	PipelineID    string       `gorm:"column:pipeline_id;type:text;not null"`
	Provider      string       `gorm:"type:text;not null"`
	CredentialID  *string      `gorm:"column:credential_id;type:text"`
	IntervalHours int          `gorm:"column:interval_hours;not null;default:24"`
	NextRunAt     time.Time    `gorm:"column:next_run_at;not null"`
	Enabled       bool         `gorm:"not null;default:true"`
	LastRunID     *string      `gorm:"column:last_run_id;type:text"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ScheduledPipeline) TableName() string { return "scheduled_pipelines" }

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Config       config.Config
	GenID        *snowflake.Node
	Orchestrator orchdomain.Service
	Limiter      *ratelimit.SubmitLimiter `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	cfg          config.SchedulerConfig
	genID        *snowflake.Node
	orchestrator orchdomain.Service
	limiter      *ratelimit.SubmitLimiter
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.GenID == nil || p.Orchestrator == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.Scheduler
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler"),
		clock:        p.Clock,
		cfg:          cfg,
		genID:        p.GenID,
		orchestrator: p.Orchestrator,
		limiter:      p.Limiter,
	}, nil
}

// RunOnce sweeps every due schedule. Claims are batched so a large backlog
// cannot starve the tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	token, ok, err := s.limiter.TryLockSweep(ctx, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Another instance holds the sweep.
		return nil
	}
	defer func() {
		if rerr := s.limiter.ReleaseSweep(ctx, token); rerr != nil {
			s.log.Warn("release sweep lock", zap.Error(rerr))
		}
	}()

	var sweepErr error
	for {
		if ctx.Err() != nil {
			return errors.Join(sweepErr, ctx.Err())
		}

		due, err := s.claimDue(ctx)
		if err != nil {
			return errors.Join(sweepErr, err)
		}
		if len(due) == 0 {
			return sweepErr
		}

		for i := range due {
			if err := s.dispatch(ctx, &due[i]); err != nil {
				sweepErr = errors.Join(sweepErr, err)
			}
		}
	}
}

// claimDue picks due schedules and advances next_run_at inside the claim
// transaction, so concurrent sweepers and the next tick skip them even if
// the submission itself fails.
func (s *Scheduler) claimDue(ctx context.Context) ([]ScheduledPipeline, error) {
	now := s.clock.Now()

	var due []ScheduledPipeline
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT id, org_id, org_slug, pipeline_id, provider, credential_id, interval_hours, next_run_at, enabled, last_run_id
			 FROM scheduled_pipelines
			 WHERE enabled AND next_run_at <= ?
			 ORDER BY next_run_at
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`,
			now, s.cfg.BatchSize,
		).Scan(&due).Error; err != nil {
			return err
		}

		for i := range due {
			interval := time.Duration(due[i].IntervalHours) * time.Hour
			if interval <= 0 {
				interval = 24 * time.Hour
			}
			next := now.Add(interval)
			if err := tx.Exec(
				`UPDATE scheduled_pipelines SET next_run_at = ?, updated_at = ? WHERE id = ?`,
				next, now, due[i].ID,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

func (s *Scheduler) dispatch(ctx context.Context, sp *ScheduledPipeline) error {
	log := s.log.With(
		zap.String("schedule_id", sp.ID.String()),
		zap.String("org_slug", sp.OrgSlug),
		zap.String("pipeline_id", sp.PipelineID),
	)

	credentialID := ""
	if sp.CredentialID != nil {
		credentialID = *sp.CredentialID
	}

	runCtx := orgcontext.WithOrg(ctx, sp.OrgID, sp.OrgSlug)
	result, err := s.orchestrator.Submit(runCtx, orchdomain.SubmitRequest{
		PipelineID:   sp.PipelineID,
		Provider:     sp.Provider,
		CredentialID: credentialID,
		TriggerType:  registrydomain.TriggerScheduled,
		Wait:         true,
	})
	if err != nil {
		// Quota exhaustion is routine backpressure, not a sweep failure.
		var quotaErr *quotadomain.QuotaExceededError
		if errors.As(err, &quotaErr) {
			log.Info("scheduled run deferred by quota",
				zap.String("limit_type", quotaErr.LimitType),
			)
			return nil
		}
		log.Warn("scheduled run failed to submit", zap.Error(err))
		return err
	}

	if uerr := s.db.WithContext(ctx).Exec(
		`UPDATE scheduled_pipelines SET last_run_id = ?, updated_at = ? WHERE id = ?`,
		result.RunID, s.clock.Now(), sp.ID,
	).Error; uerr != nil {
		log.Warn("record last run id", zap.Error(uerr))
	}

	log.Info("scheduled run submitted",
		zap.String("run_id", result.RunID),
		zap.String("status", result.Status),
	)
	return nil
}

// RunForever ticks until the context is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
