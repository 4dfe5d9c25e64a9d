package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/costplane/costplane/internal/credential/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() credentialdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cred *credentialdomain.Credential) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credentials (id, org_id, provider, ciphertext, key_ref, status, is_primary, account_tag, last_validated_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID,
		cred.OrgID,
		cred.Provider,
		cred.Ciphertext,
		cred.KeyRef,
		cred.Status,
		cred.IsPrimary,
		cred.AccountTag,
		cred.LastValidatedAt,
		cred.CreatedAt,
		cred.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*credentialdomain.Credential, error) {
	var cred credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, provider, ciphertext, key_ref, status, is_primary, account_tag, last_validated_at, created_at, updated_at
		 FROM credentials WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&cred).Error
	if err != nil {
		return nil, err
	}
	if cred.ID == 0 {
		return nil, nil
	}
	return &cred, nil
}

func (r *repo) ListUsable(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) ([]credentialdomain.Credential, error) {
	var creds []credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, provider, ciphertext, key_ref, status, is_primary, account_tag, last_validated_at, created_at, updated_at
		 FROM credentials
		 WHERE org_id = ? AND provider = ? AND status IN (?, ?)
		 ORDER BY is_primary DESC, created_at ASC`,
		orgID, provider, credentialdomain.StatusValid, credentialdomain.StatusPending,
	).Scan(&creds).Error
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]credentialdomain.Credential, error) {
	var creds []credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, provider, ciphertext, key_ref, status, is_primary, account_tag, last_validated_at, created_at, updated_at
		 FROM credentials WHERE org_id = ? ORDER BY created_at DESC`,
		orgID,
	).Scan(&creds).Error
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credentials SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE org_id = ? AND id = ?`,
		status, orgID, id,
	).Error
}

func (r *repo) ClearPrimary(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credentials SET is_primary = FALSE, updated_at = CURRENT_TIMESTAMP WHERE org_id = ? AND provider = ?`,
		orgID, provider,
	).Error
}
