// Package authorization enforces role-based access per organization. API
// keys and the scheduler act through roles; policies live in the database
// via the casbin gorm adapter.
package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectPipeline     = "pipeline"
	ObjectRun          = "run"
	ObjectCredential   = "credential"
	ObjectAPIKey       = "api_key"
	ObjectQuota        = "quota"
	ObjectSchedule     = "schedule"
	ObjectOrganization = "organization"
)

const (
	ActionPipelineRun = "pipeline.run"
	ActionRunView     = "run.view"

	ActionCredentialView   = "credential.view"
	ActionCredentialManage = "credential.manage"

	ActionAPIKeyView   = "api_key.view"
	ActionAPIKeyCreate = "api_key.create"
	ActionAPIKeyRotate = "api_key.rotate"
	ActionAPIKeyRevoke = "api_key.revoke"

	ActionQuotaView = "quota.view"

	ActionScheduleManage = "schedule.manage"

	ActionOrganizationManage = "organization.manage"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
)

type Service interface {
	Authorize(ctx context.Context, actor, orgID, object, action string) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor, orgID, object, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return ErrInvalidOrganization
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := s.resolveActor(actor)
	if err != nil {
		return err
	}

	domain := fmt.Sprintf("org:%s", orgID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("org_id", orgID),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveActor(actor string) (subject, roleName string, err error) {
	if actor == "system" {
		return actor, "role:system", nil
	}
	if id, ok := strings.CutPrefix(actor, "api_key:"); ok {
		keyID, err := snowflake.ParseString(id)
		if err != nil || keyID == 0 {
			return "", "", ErrInvalidActor
		}
		// API keys act with the system role; their scopes narrow access
		// further at the transport layer.
		return actor, "role:system", nil
	}
	return "", "", ErrInvalidActor
}

func (s *ServiceImpl) ensureGrouping(subject, roleName, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Member permissions (read-only)
		{"role:member", ObjectRun, ActionRunView},
		{"role:member", ObjectQuota, ActionQuotaView},
		{"role:member", ObjectCredential, ActionCredentialView},

		// Admin permissions
		{"role:admin", ObjectRun, ActionRunView},
		{"role:admin", ObjectPipeline, ActionPipelineRun},
		{"role:admin", ObjectQuota, ActionQuotaView},
		{"role:admin", ObjectCredential, ActionCredentialView},
		{"role:admin", ObjectCredential, ActionCredentialManage},
		{"role:admin", ObjectSchedule, ActionScheduleManage},
		{"role:admin", ObjectAPIKey, ActionAPIKeyView},
		{"role:admin", ObjectAPIKey, ActionAPIKeyCreate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyRotate},

		// Owner permissions
		{"role:owner", ObjectRun, ActionRunView},
		{"role:owner", ObjectPipeline, ActionPipelineRun},
		{"role:owner", ObjectQuota, ActionQuotaView},
		{"role:owner", ObjectCredential, ActionCredentialView},
		{"role:owner", ObjectCredential, ActionCredentialManage},
		{"role:owner", ObjectSchedule, ActionScheduleManage},
		{"role:owner", ObjectAPIKey, ActionAPIKeyView},
		{"role:owner", ObjectAPIKey, ActionAPIKeyCreate},
		{"role:owner", ObjectAPIKey, ActionAPIKeyRotate},
		{"role:owner", ObjectAPIKey, ActionAPIKeyRevoke},
		{"role:owner", ObjectOrganization, ActionOrganizationManage},

		// System permissions (API keys and the scheduler)
		{"role:system", ObjectRun, ActionRunView},
		{"role:system", ObjectPipeline, ActionPipelineRun},
		{"role:system", ObjectQuota, ActionQuotaView},
		{"role:system", ObjectCredential, ActionCredentialView},
		{"role:system", ObjectCredential, ActionCredentialManage},
		{"role:system", ObjectSchedule, ActionScheduleManage},
		{"role:system", ObjectAPIKey, ActionAPIKeyView},
		{"role:system", ObjectAPIKey, ActionAPIKeyCreate},
		{"role:system", ObjectAPIKey, ActionAPIKeyRotate},
		{"role:system", ObjectAPIKey, ActionAPIKeyRevoke},
		{"role:system", ObjectOrganization, ActionOrganizationManage},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
