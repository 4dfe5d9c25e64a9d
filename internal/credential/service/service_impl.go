package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/costplane/costplane/internal/credential/domain"
	"github.com/costplane/costplane/internal/credential/vault"
	"github.com/costplane/costplane/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   credentialdomain.Repository
	Cipher *vault.Cipher
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	repo   credentialdomain.Repository
	cipher *vault.Cipher
}

func New(p Params) credentialdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("credential.service"),
		genID:  p.GenID,
		repo:   p.Repo,
		cipher: p.Cipher,
	}
}

func (s *Service) Store(ctx context.Context, req credentialdomain.StoreRequest) (*credentialdomain.Response, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return nil, credentialdomain.ErrInvalidProvider
	}
	if strings.TrimSpace(req.Secret) == "" {
		return nil, credentialdomain.ErrInvalidSecret
	}

	ciphertext, keyRef, err := s.cipher.Seal([]byte(req.Secret))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cred := &credentialdomain.Credential{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		Provider:   provider,
		Ciphertext: ciphertext,
		KeyRef:     keyRef,
		Status:     credentialdomain.StatusPending,
		IsPrimary:  req.IsPrimary,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if tag := strings.TrimSpace(req.AccountTag); tag != "" {
		cred.AccountTag = &tag
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cred.IsPrimary {
			if err := s.repo.ClearPrimary(ctx, tx, orgID, provider); err != nil {
				return err
			}
		}
		return s.repo.Insert(ctx, tx, cred)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credential stored",
		zap.String("org_id", orgID.String()),
		zap.String("credential_id", cred.ID.String()),
		zap.String("provider", provider),
		zap.String("key_ref", keyRef),
	)

	return toResponse(cred), nil
}

func (s *Service) List(ctx context.Context) ([]credentialdomain.Response, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	creds, err := s.repo.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]credentialdomain.Response, 0, len(creds))
	for i := range creds {
		resp = append(resp, *toResponse(&creds[i]))
	}
	return resp, nil
}

func (s *Service) FetchForRun(ctx context.Context, provider, credentialID string) (*credentialdomain.Decrypted, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, credentialdomain.ErrInvalidProvider
	}

	cred, err := s.selectCredential(ctx, orgID, provider, credentialID)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.cipher.Open(cred.KeyRef, cred.Ciphertext)
	if err != nil {
		// A secret that no longer decrypts is unusable until re-entered.
		if uerr := s.repo.UpdateStatus(ctx, s.db, orgID, cred.ID, credentialdomain.StatusInvalid); uerr != nil {
			s.log.Error("mark credential invalid",
				zap.String("credential_id", cred.ID.String()),
				zap.Error(uerr),
			)
		}
		s.log.Warn("credential decrypt failed",
			zap.String("org_id", orgID.String()),
			zap.String("credential_id", cred.ID.String()),
			zap.String("key_ref", cred.KeyRef),
		)
		return nil, credentialdomain.ErrCredentialInvalid
	}

	accountTag := ""
	if cred.AccountTag != nil {
		accountTag = *cred.AccountTag
	}
	return credentialdomain.NewDecrypted(cred.ID.String(), cred.Provider, accountTag, plaintext), nil
}

func (s *Service) selectCredential(ctx context.Context, orgID snowflake.ID, provider, credentialID string) (*credentialdomain.Credential, error) {
	if trimmed := strings.TrimSpace(credentialID); trimmed != "" {
		id, err := snowflake.ParseString(trimmed)
		if err != nil {
			return nil, credentialdomain.ErrCredentialNotFound
		}
		cred, err := s.repo.FindByID(ctx, s.db, orgID, id)
		if err != nil {
			return nil, err
		}
		if cred == nil || cred.Provider != provider {
			return nil, credentialdomain.ErrCredentialNotFound
		}
		if !cred.Usable() {
			return nil, credentialdomain.ErrCredentialInvalid
		}
		return cred, nil
	}

	creds, err := s.repo.ListUsable(ctx, s.db, orgID, provider)
	if err != nil {
		return nil, err
	}
	switch {
	case len(creds) == 0:
		return nil, credentialdomain.ErrCredentialNotConfigured
	case len(creds) == 1:
		return &creds[0], nil
	default:
		// Several usable credentials: the run must name which account it
		// consolidates, a primary flag does not disambiguate.
		return nil, credentialdomain.ErrAmbiguousCredential
	}
}

func (s *Service) MarkStatus(ctx context.Context, credentialID, status string) error {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return err
	}
	if !credentialdomain.ValidStatus(status) {
		return credentialdomain.ErrInvalidStatus
	}

	id, err := snowflake.ParseString(strings.TrimSpace(credentialID))
	if err != nil {
		return credentialdomain.ErrCredentialNotFound
	}

	cred, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return err
	}
	if cred == nil {
		return credentialdomain.ErrCredentialNotFound
	}

	return s.repo.UpdateStatus(ctx, s.db, orgID, id, status)
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, credentialdomain.ErrInvalidOrganization
	}
	return orgID, nil
}

func toResponse(cred *credentialdomain.Credential) *credentialdomain.Response {
	resp := &credentialdomain.Response{
		CredentialID:    cred.ID.String(),
		Provider:        cred.Provider,
		Status:          cred.Status,
		IsPrimary:       cred.IsPrimary,
		LastValidatedAt: cred.LastValidatedAt,
		CreatedAt:       cred.CreatedAt,
	}
	if cred.AccountTag != nil {
		resp.AccountTag = *cred.AccountTag
	}
	return resp
}
