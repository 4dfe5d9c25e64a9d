// Package domain contains the provider credential models. Secrets are
// stored encrypted only. Plaintext exists in memory for the duration of a
// pipeline run and is never written to the database or to logs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Credential statuses.
const (
	StatusValid         = "VALID"
	StatusInvalid       = "INVALID"
	StatusPending       = "PENDING"
	StatusExpired       = "EXPIRED"
	StatusNotConfigured = "NOT_CONFIGURED"
)

// Credential stores one encrypted provider secret for an organization.
type Credential struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	OrgID           snowflake.ID `gorm:"column:org_id;not null;index:ix_credentials_org_provider,priority:1"`
	Provider        string       `gorm:"type:text;not null;index:ix_credentials_org_provider,priority:2"`
	Ciphertext      []byte       `gorm:"type:bytea;not null"`
	KeyRef          string       `gorm:"column:key_ref;type:text;not null"`
	Status          string       `gorm:"type:text;not null"`
	IsPrimary       bool         `gorm:"column:is_primary;not null;default:false"`
	AccountTag      *string      `gorm:"column:account_tag;type:text"`
	LastValidatedAt *time.Time   `gorm:"column:last_validated_at"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "credentials" }

// Usable reports whether the credential may be handed to a pipeline run.
func (c *Credential) Usable() bool {
	return c.Status == StatusValid || c.Status == StatusPending
}
