package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cred *Credential) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Credential, error)
	ListUsable(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) ([]Credential, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Credential, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status string) error
	ClearPrimary(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) error
}
