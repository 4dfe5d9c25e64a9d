// Package server exposes the HTTP surface. API-key routes derive their
// organization from the key's credential; the operator surface under /admin
// is gated by a shared token and is the only place an org may be named in
// the request.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/costplane/costplane/internal/apikey/domain"
	"github.com/costplane/costplane/internal/authorization"
	"github.com/costplane/costplane/internal/config"
	"github.com/costplane/costplane/internal/consolidation"
	credentialdomain "github.com/costplane/costplane/internal/credential/domain"
	"github.com/costplane/costplane/internal/observability"
	obslogger "github.com/costplane/costplane/internal/observability/logger"
	obsmetrics "github.com/costplane/costplane/internal/observability/metrics"
	obstracing "github.com/costplane/costplane/internal/observability/tracing"
	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	orgdomain "github.com/costplane/costplane/internal/organization/domain"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	"github.com/costplane/costplane/internal/ratelimit"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/costplane/costplane/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	orchestrator  orchdomain.Service
	registry      registrydomain.Service
	quotaSvc      quotadomain.Service
	credentialSvc credentialdomain.Service
	apiKeySvc     apikeydomain.Service
	apiKeyRepo    apikeydomain.Repository
	orgSvc        orgdomain.Service
	authzSvc      authorization.Service
	catalog       *consolidation.Catalog
	schedules     *scheduler.Store
	sweeper       *scheduler.Scheduler
	submitLimiter *ratelimit.SubmitLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Orchestrator  orchdomain.Service
	Registry      registrydomain.Service
	QuotaSvc      quotadomain.Service
	CredentialSvc credentialdomain.Service
	APIKeySvc     apikeydomain.Service
	APIKeyRepo    apikeydomain.Repository
	OrgSvc        orgdomain.Service
	AuthzSvc      authorization.Service
	Catalog       *consolidation.Catalog
	Schedules     *scheduler.Store
	Sweeper       *scheduler.Scheduler
	SubmitLimiter *ratelimit.SubmitLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("http.server"),
		genID:         p.GenID,
		orchestrator:  p.Orchestrator,
		registry:      p.Registry,
		quotaSvc:      p.QuotaSvc,
		credentialSvc: p.CredentialSvc,
		apiKeySvc:     p.APIKeySvc,
		apiKeyRepo:    p.APIKeyRepo,
		orgSvc:        p.OrgSvc,
		authzSvc:      p.AuthzSvc,
		catalog:       p.Catalog,
		schedules:     p.Schedules,
		sweeper:       p.Sweeper,
		submitLimiter: p.SubmitLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.APIKeyRequired())

	// -------- Pipelines --------
	api.GET("/pipelines", s.RequireScope(apikeydomain.ScopePipelineRead), s.ListPipelines)
	api.POST("/pipelines/:pipeline_id/runs",
		s.RequireScope(apikeydomain.ScopePipelineRun),
		s.authorizeOrgAction(authorization.ObjectPipeline, authorization.ActionPipelineRun),
		s.SubmitRateLimit(),
		s.SubmitPipelineRun,
	)

	// -------- Runs --------
	api.GET("/runs", s.RequireScope(apikeydomain.ScopePipelineRead), s.authorizeOrgAction(authorization.ObjectRun, authorization.ActionRunView), s.ListRuns)
	api.GET("/runs/:run_id", s.RequireScope(apikeydomain.ScopePipelineRead), s.authorizeOrgAction(authorization.ObjectRun, authorization.ActionRunView), s.GetRun)

	// -------- Quota --------
	api.GET("/quota/usage", s.RequireScope(apikeydomain.ScopePipelineRead), s.authorizeOrgAction(authorization.ObjectQuota, authorization.ActionQuotaView), s.GetQuotaUsage)

	// -------- Credentials --------
	// Secrets are write-only: list responses carry status and lineage
	// metadata, never plaintext.
	api.GET("/credentials", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectCredential, authorization.ActionCredentialView), s.ListCredentials)
	api.POST("/credentials", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectCredential, authorization.ActionCredentialManage), s.CreateCredential)
	api.POST("/credentials/:credential_id/status", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectCredential, authorization.ActionCredentialManage), s.UpdateCredentialStatus)

	// -------- Schedules --------
	api.GET("/schedules", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectSchedule, authorization.ActionScheduleManage), s.ListSchedules)
	api.POST("/schedules", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectSchedule, authorization.ActionScheduleManage), s.CreateSchedule)
	api.PATCH("/schedules/:schedule_id", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectSchedule, authorization.ActionScheduleManage), s.UpdateSchedule)
	api.DELETE("/schedules/:schedule_id", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectSchedule, authorization.ActionScheduleManage), s.DeleteSchedule)

	// -------- API Keys --------
	api.GET("/api-keys", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	api.POST("/api-keys", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	api.POST("/api-keys/:key_id/rotate", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	api.POST("/api-keys/:key_id/revoke", s.RequireScope(apikeydomain.ScopeAdmin), s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)
}

func (s *Server) registerAdminRoutes() {
	if s.cfg.AdminToken == "" {
		return
	}

	admin := s.engine.Group("/admin/v1")
	admin.Use(s.AdminRequired())

	admin.POST("/organizations", s.AdminCreateOrganization)
	admin.GET("/organizations/:org_id", s.AdminGetOrganization)
	admin.POST("/organizations/:org_id/billing-status", s.AdminSetBillingStatus)

	admin.POST("/organizations/:org_id/runs", s.AdminSubmitPipelineRun)
	admin.GET("/runs", s.AdminListRuns)
	admin.GET("/runs/:run_id", s.AdminGetRun)

	admin.POST("/scheduler/tick", s.AdminSchedulerTick)
}
