package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// EnsureRow creates the ledger row for (org, day) if it does not
	// exist yet. Losing the insert race to another writer is fine.
	EnsureRow(ctx context.Context, db *gorm.DB, row QuotaCounter) error

	// TryReserve performs the single guarded increment. It returns the
	// number of rows updated: 1 when the reservation was admitted, 0
	// when some limit blocked it.
	TryReserve(ctx context.Context, db *gorm.DB, orgID snowflake.ID, day, monthPattern string) (int64, error)

	// Release decrements the concurrency slot and bumps the outcome
	// counter. The concurrency column is clamped at zero.
	Release(ctx context.Context, db *gorm.DB, orgID snowflake.ID, day, outcome string) error

	Get(ctx context.Context, db *gorm.DB, orgID snowflake.ID, day string) (*QuotaCounter, error)
	MonthToDate(ctx context.Context, db *gorm.DB, orgID snowflake.ID, monthPattern string) (int, error)
}
