package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/clock"
	"github.com/costplane/costplane/internal/observability/metrics"
	orgdomain "github.com/costplane/costplane/internal/organization/domain"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// reserveAttempts bounds the retry loop for the rare race where the
// guarded update loses but the diagnosis read sees no limit breached.
const reserveAttempts = 3

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  quotadomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  quotadomain.Repository
}

func New(p Params) quotadomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("quota.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Reserve(ctx context.Context, org *orgdomain.Organization, plan *orgdomain.Plan) (*quotadomain.Reservation, error) {
	if org == nil || org.ID == 0 || plan == nil {
		return nil, quotadomain.ErrInvalidOrganization
	}
	if !org.CanRunPipelines() {
		return nil, quotadomain.ErrSubscriptionInactive
	}

	now := s.clock.Now().UTC()
	day := now.Format(quotadomain.DayFormat)
	monthPattern := day[:7] + "-%"

	if err := s.repo.EnsureRow(ctx, s.db, quotadomain.QuotaCounter{
		ID:              s.genID.Generate(),
		OrgID:           org.ID,
		Day:             day,
		DailyLimit:      plan.DailyPipelineLimit,
		MonthlyLimit:    plan.MonthlyPipelineLimit,
		ConcurrentLimit: plan.ConcurrentPipelineLimit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		affected, err := s.repo.TryReserve(ctx, s.db, org.ID, day, monthPattern)
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			res := &quotadomain.Reservation{
				Token: ulid.Make().String(),
				OrgID: int64(org.ID),
				Day:   day,
			}
			s.log.Debug("quota reserved",
				zap.String("org_slug", org.Slug),
				zap.String("day", day),
				zap.String("reservation", res.Token),
			)
			return res, nil
		}

		qerr, err := s.diagnose(ctx, org.ID, day, monthPattern)
		if err != nil {
			return nil, err
		}
		if qerr != nil {
			metrics.Pipeline().IncQuotaRejected(qerr.LimitType)
			s.log.Info("quota rejected",
				zap.String("org_slug", org.Slug),
				zap.String("limit_type", qerr.LimitType),
				zap.Int("limit", qerr.Limit),
				zap.Int("current", qerr.Current),
			)
			return nil, qerr
		}
		// No limit breached on the diagnosis read: a concurrent
		// finalize freed a slot between our update and the read.
	}

	return nil, &quotadomain.QuotaExceededError{LimitType: quotadomain.LimitConcurrent}
}

// diagnose reads the ledger after a rejected reservation to name the
// limit that blocked it. Checked in daily, monthly, concurrent order.
func (s *Service) diagnose(ctx context.Context, orgID snowflake.ID, day, monthPattern string) (*quotadomain.QuotaExceededError, error) {
	row, err := s.repo.Get(ctx, s.db, orgID, day)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, quotadomain.ErrInvalidOrganization
	}

	if row.DailyLimit > 0 && row.PipelinesRunToday >= row.DailyLimit {
		return &quotadomain.QuotaExceededError{
			LimitType: quotadomain.LimitDaily,
			Limit:     row.DailyLimit,
			Current:   row.PipelinesRunToday,
		}, nil
	}

	if row.MonthlyLimit > 0 {
		monthTotal, err := s.repo.MonthToDate(ctx, s.db, orgID, monthPattern)
		if err != nil {
			return nil, err
		}
		if monthTotal >= row.MonthlyLimit {
			return &quotadomain.QuotaExceededError{
				LimitType: quotadomain.LimitMonthly,
				Limit:     row.MonthlyLimit,
				Current:   monthTotal,
			}, nil
		}
	}

	if row.ConcurrentLimit > 0 && row.ConcurrentRunning >= row.ConcurrentLimit {
		return &quotadomain.QuotaExceededError{
			LimitType: quotadomain.LimitConcurrent,
			Limit:     row.ConcurrentLimit,
			Current:   row.ConcurrentRunning,
		}, nil
	}

	return nil, nil
}

func (s *Service) Finalize(ctx context.Context, res *quotadomain.Reservation, outcome string) error {
	if res == nil || res.OrgID == 0 || res.Day == "" {
		return quotadomain.ErrInvalidReservation
	}
	if outcome != quotadomain.OutcomeSucceeded && outcome != quotadomain.OutcomeFailed {
		return quotadomain.ErrInvalidOutcome
	}
	if !res.MarkFinalized() {
		return quotadomain.ErrAlreadyFinalized
	}

	if err := s.repo.Release(ctx, s.db, snowflake.ID(res.OrgID), res.Day, outcome); err != nil {
		// The slot is still held; the token must stay open for a retry.
		res.ClearFinalized()
		return err
	}

	s.log.Debug("quota finalized",
		zap.String("reservation", res.Token),
		zap.String("day", res.Day),
		zap.String("outcome", outcome),
	)
	return nil
}

func (s *Service) Usage(ctx context.Context, org *orgdomain.Organization) (*quotadomain.UsageSnapshot, error) {
	if org == nil || org.ID == 0 {
		return nil, quotadomain.ErrInvalidOrganization
	}

	now := s.clock.Now().UTC()
	day := now.Format(quotadomain.DayFormat)
	monthPattern := day[:7] + "-%"

	monthTotal, err := s.repo.MonthToDate(ctx, s.db, org.ID, monthPattern)
	if err != nil {
		return nil, err
	}

	row, err := s.repo.Get(ctx, s.db, org.ID, day)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &quotadomain.UsageSnapshot{
			Day:               day,
			PipelinesRunMonth: monthTotal,
		}, nil
	}

	return &quotadomain.UsageSnapshot{
		Day:               day,
		PipelinesRunToday: row.PipelinesRunToday,
		PipelinesRunMonth: monthTotal,
		ConcurrentRunning: row.ConcurrentRunning,
		DailyLimit:        row.DailyLimit,
		MonthlyLimit:      row.MonthlyLimit,
		ConcurrentLimit:   row.ConcurrentLimit,
	}, nil
}
