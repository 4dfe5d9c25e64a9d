package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// Store encrypts and persists a new provider secret for the
	// organization in context.
	Store(ctx context.Context, req StoreRequest) (*Response, error)

	List(ctx context.Context) ([]Response, error)

	// FetchForRun resolves and decrypts the credential a pipeline run
	// should use. When credentialID is empty the org's single usable
	// credential for the provider is selected; with several candidates
	// the primary one wins, and without a primary the call fails with
	// ErrAmbiguousCredential rather than guessing.
	FetchForRun(ctx context.Context, provider, credentialID string) (*Decrypted, error)

	// MarkStatus transitions a credential's lifecycle status.
	MarkStatus(ctx context.Context, credentialID, status string) error
}

type StoreRequest struct {
	Provider   string `json:"provider"`
	Secret     string `json:"secret"`
	AccountTag string `json:"account_tag"`
	IsPrimary  bool   `json:"is_primary"`
}

type Response struct {
	CredentialID    string     `json:"credential_id"`
	Provider        string     `json:"provider"`
	Status          string     `json:"status"`
	IsPrimary       bool       `json:"is_primary"`
	AccountTag      string     `json:"account_tag,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Decrypted carries a plaintext secret for the duration of one run. Call
// Zero when the run is done. It has no String method on purpose.
type Decrypted struct {
	CredentialID string
	Provider     string
	AccountTag   string

	secret []byte
}

func NewDecrypted(credentialID, provider, accountTag string, secret []byte) *Decrypted {
	return &Decrypted{
		CredentialID: credentialID,
		Provider:     provider,
		AccountTag:   accountTag,
		secret:       secret,
	}
}

// Secret returns the plaintext. Callers must not retain the slice past
// the run.
func (d *Decrypted) Secret() []byte { return d.secret }

// Zero overwrites the plaintext in place.
func (d *Decrypted) Zero() {
	for i := range d.secret {
		d.secret[i] = 0
	}
	d.secret = nil
}

var (
	ErrInvalidOrganization     = errors.New("invalid_organization")
	ErrInvalidProvider         = errors.New("invalid_provider")
	ErrInvalidSecret           = errors.New("invalid_secret")
	ErrInvalidStatus           = errors.New("invalid_status")
	ErrCredentialNotFound      = errors.New("credential_not_found")
	ErrCredentialNotConfigured = errors.New("credential_not_configured")
	ErrAmbiguousCredential     = errors.New("ambiguous_credential")
	ErrCredentialInvalid       = errors.New("credential_invalid")
)

// ValidStatus reports whether the status is a known lifecycle state.
func ValidStatus(status string) bool {
	switch status {
	case StatusValid, StatusInvalid, StatusPending, StatusExpired, StatusNotConfigured:
		return true
	}
	return false
}
