package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/costplane/costplane/internal/apikey/domain"
	apikeyrepository "github.com/costplane/costplane/internal/apikey/repository"
	"github.com/costplane/costplane/internal/authorization"
	"github.com/costplane/costplane/internal/config"
	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	"github.com/costplane/costplane/internal/orgcontext"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeOrchestrator struct {
	lastReq orchdomain.SubmitRequest
	lastOrg string
	err     error
}

func (f *fakeOrchestrator) Submit(ctx context.Context, req orchdomain.SubmitRequest) (*orchdomain.SubmitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastReq = req
	f.lastOrg, _ = orgcontext.OrgSlugFromContext(ctx)
	return &orchdomain.SubmitResult{
		RunID:      "01JE8YV1N3T9GQZM5K2W4XCBSD",
		PipelineID: req.PipelineID,
		Status:     registrydomain.StatusPending,
		TargetDate: "2025-12-01",
	}, nil
}

func (f *fakeOrchestrator) Drain(context.Context) error { return nil }

type fakeRegistry struct {
	registrydomain.Service

	getErr error
}

func (f *fakeRegistry) Get(ctx context.Context, runID string) (*registrydomain.RunDetail, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &registrydomain.RunDetail{Run: registrydomain.RunSummary{RunID: runID}}, nil
}

func (f *fakeRegistry) AdminGet(ctx context.Context, runID string) (*registrydomain.RunDetail, error) {
	return f.Get(ctx, runID)
}

type fakeAuthz struct {
	denied bool
}

func (f *fakeAuthz) Authorize(context.Context, string, string, string, string) error {
	if f.denied {
		return authorization.ErrForbidden
	}
	return nil
}

func setupServerDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE organizations (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		plan_code TEXT NOT NULL,
		billing_status TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		metadata TEXT NOT NULL DEFAULT '{}',
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`).Error)

	require.NoError(t, db.Exec(`CREATE TABLE api_keys (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		key_id TEXT NOT NULL,
		name TEXT NOT NULL,
		scopes TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at TIMESTAMP,
		expires_at TIMESTAMP,
		rotated_from_key_id TEXT
	)`).Error)

	return db
}

func seedAPIKey(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, plain string, scopes string, active bool) snowflake.ID {
	t.Helper()
	id := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO api_keys (id, org_id, key_id, name, scopes, key_hash, is_active)
		 VALUES (?, ?, ?, 'ci key', ?, ?, ?)`,
		id, orgID, fmt.Sprintf("key_%s", id), scopes, apikeydomain.HashAPIKey(plain), active,
	).Error)
	return id
}

func newTestServer(t *testing.T, orch *fakeOrchestrator) (*Server, *gorm.DB, *snowflake.Node, snowflake.ID) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := setupServerDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	orgID := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO organizations (id, name, slug, plan_code, billing_status) VALUES (?, 'Acme', 'acme', 'starter', 'active')`,
		orgID,
	).Error)

	srv := &Server{
		cfg:          config.Config{AdminToken: "opstoken"},
		db:           db,
		log:          zaptest.NewLogger(t),
		genID:        node,
		orchestrator: orch,
		registry:     &fakeRegistry{},
		apiKeyRepo:   apikeyrepository.Provide(),
		authzSvc:     &fakeAuthz{},
	}
	return srv, db, node, orgID
}

func newRouter(srv *Server) *gin.Engine {
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	r.POST("/api/v1/pipelines/:pipeline_id/runs",
		srv.APIKeyRequired(),
		srv.RequireScope(apikeydomain.ScopePipelineRun),
		srv.authorizeOrgAction(authorization.ObjectPipeline, authorization.ActionPipelineRun),
		srv.SubmitRateLimit(),
		srv.SubmitPipelineRun,
	)
	r.GET("/api/v1/runs/:run_id",
		srv.APIKeyRequired(),
		srv.RequireScope(apikeydomain.ScopePipelineRead),
		srv.GetRun,
	)
	return r
}

func doJSON(r *gin.Engine, method, path, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestAPIKeyAuthHappyPath(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:run","pipeline:read"}`, true)

	r := newRouter(srv)
	resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_abc", `{"provider":"openai","target_date":"2025-12-01"}`, nil)

	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Equal(t, "acme", orch.lastOrg)
	assert.Equal(t, "genai.unified.consolidate", orch.lastReq.PipelineID)
	assert.Equal(t, registrydomain.TriggerManual, orch.lastReq.TriggerType)
	assert.False(t, orch.lastReq.Wait)
}

func TestAPIKeyAuthRejectsExplicitOrg(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:run"}`, true)

	r := newRouter(srv)

	// Org in a header.
	resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_abc", `{"provider":"openai"}`, map[string]string{HeaderOrg: orgID.String()})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	// Org in the query string.
	resp = doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs?org_id=42",
		"cp_live_key_abc", `{"provider":"openai"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAPIKeyAuthRejectsBadTokens(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:run"}`, true)
	seedAPIKey(t, db, node, orgID, "cp_live_key_off", `{"pipeline:run"}`, false)

	r := newRouter(srv)

	for name, token := range map[string]string{
		"missing":  "",
		"unknown":  "cp_live_key_nope",
		"inactive": "cp_live_key_off",
	} {
		resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
			token, `{"provider":"openai"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Code, name)
	}
}

func TestRequireScopeBlocksNarrowKeys(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_ro", `{"pipeline:read"}`, true)
	seedAPIKey(t, db, node, orgID, "cp_live_key_adm", `{"admin"}`, true)

	r := newRouter(srv)

	resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_ro", `{"provider":"openai"}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	// Admin keys grant every scope.
	resp = doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_adm", `{"provider":"openai"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestSubmitQuotaRejectionMaps429(t *testing.T) {
	orch := &fakeOrchestrator{err: &quotadomain.QuotaExceededError{LimitType: quotadomain.LimitDaily, Limit: 5, Current: 5}}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:run"}`, true)

	r := newRouter(srv)
	resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_abc", `{"provider":"openai"}`, nil)

	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Error.Type)
	assert.Equal(t, quotadomain.LimitDaily, body.Error.LimitType)
}

func TestSubmitValidation(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:run"}`, true)

	r := newRouter(srv)

	resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_abc", `{"target_date":"2025-12-01"}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Error.Errors, 1)
	assert.Equal(t, "provider", body.Error.Errors[0].Field)
}

func TestGetRunNotFoundMaps404(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:read"}`, true)
	srv.registry = &fakeRegistry{getErr: registrydomain.ErrRunNotFound}

	r := newRouter(srv)
	resp := doJSON(r, http.MethodGet, "/api/v1/runs/01JE8YV1N3T9GQZM5K2W4XCBSD", "cp_live_key_abc", "", nil)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAuthorizationDenialMaps403(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:run"}`, true)
	srv.authzSvc = &fakeAuthz{denied: true}

	r := newRouter(srv)
	resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_abc", `{"provider":"openai"}`, nil)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestAdminRequired(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, _, _, _ := newTestServer(t, orch)

	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	r.GET("/admin/v1/runs/:run_id", srv.AdminRequired(), srv.AdminGetRun)

	resp := doJSON(r, http.MethodGet, "/admin/v1/runs/abc", "wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	srv.registry = &fakeRegistry{getErr: registrydomain.ErrRunNotFound}
	resp = doJSON(r, http.MethodGet, "/admin/v1/runs/abc", "opstoken", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAPIKeyAuthTouchesLastUsed(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv, db, node, orgID := newTestServer(t, orch)
	keyID := seedAPIKey(t, db, node, orgID, "cp_live_key_abc", `{"pipeline:run"}`, true)

	r := newRouter(srv)
	resp := doJSON(r, http.MethodPost, "/api/v1/pipelines/genai.unified.consolidate/runs",
		"cp_live_key_abc", `{"provider":"openai"}`, nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	var lastUsed sql.NullTime
	require.NoError(t, db.Raw(`SELECT last_used_at FROM api_keys WHERE id = ?`, keyID).Scan(&lastUsed).Error)
	assert.True(t, lastUsed.Valid)
}
