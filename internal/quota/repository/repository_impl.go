package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() quotadomain.Repository {
	return &repo{}
}

func (r *repo) EnsureRow(ctx context.Context, db *gorm.DB, row quotadomain.QuotaCounter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO quota_counters (id, org_id, day, pipelines_run_today, pipelines_succeeded, pipelines_failed, concurrent_running, daily_limit, monthly_limit, concurrent_limit, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, 0, 0, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, day) DO NOTHING`,
		row.ID,
		row.OrgID,
		row.Day,
		row.DailyLimit,
		row.MonthlyLimit,
		row.ConcurrentLimit,
		row.CreatedAt,
		row.UpdatedAt,
	).Error
}

// TryReserve is the whole admission decision in one statement so two
// concurrent submits can never both squeeze through the last slot.
// A limit of zero or less means unlimited.
func (r *repo) TryReserve(ctx context.Context, db *gorm.DB, orgID snowflake.ID, day, monthPattern string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE quota_counters
		 SET pipelines_run_today = pipelines_run_today + 1,
		     concurrent_running = concurrent_running + 1,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND day = ?
		   AND (daily_limit <= 0 OR pipelines_run_today < daily_limit)
		   AND (concurrent_limit <= 0 OR concurrent_running < concurrent_limit)
		   AND (monthly_limit <= 0 OR (
		        SELECT COALESCE(SUM(pipelines_run_today), 0)
		        FROM quota_counters
		        WHERE org_id = ? AND day LIKE ?
		   ) < monthly_limit)`,
		orgID, day, orgID, monthPattern,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) Release(ctx context.Context, db *gorm.DB, orgID snowflake.ID, day, outcome string) error {
	succeeded := 0
	failed := 0
	if outcome == quotadomain.OutcomeSucceeded {
		succeeded = 1
	} else {
		failed = 1
	}
	return db.WithContext(ctx).Exec(
		`UPDATE quota_counters
		 SET concurrent_running = CASE WHEN concurrent_running > 0 THEN concurrent_running - 1 ELSE 0 END,
		     pipelines_succeeded = pipelines_succeeded + ?,
		     pipelines_failed = pipelines_failed + ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND day = ?`,
		succeeded, failed, orgID, day,
	).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, orgID snowflake.ID, day string) (*quotadomain.QuotaCounter, error) {
	var row quotadomain.QuotaCounter
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, day, pipelines_run_today, pipelines_succeeded, pipelines_failed, concurrent_running, daily_limit, monthly_limit, concurrent_limit, created_at, updated_at
		 FROM quota_counters WHERE org_id = ? AND day = ?`,
		orgID, day,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) MonthToDate(ctx context.Context, db *gorm.DB, orgID snowflake.ID, monthPattern string) (int, error) {
	var total int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(pipelines_run_today), 0)
		 FROM quota_counters WHERE org_id = ? AND day LIKE ?`,
		orgID, monthPattern,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
