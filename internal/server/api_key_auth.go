package server

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/costplane/costplane/internal/apikey/domain"
	"github.com/costplane/costplane/internal/orgcontext"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
)

const (
	HeaderOrg = "X-Org-ID"

	contextAPIKeyIDKey     = "api_key_id"
	contextAPIKeyScopesKey = "api_key_scopes"
	contextActorKey        = "actor"
)

// APIKeyRequired authenticates requests using an API key only. The
// organization identity is derived solely from the api_keys row; a request
// that names an org itself is rejected outright.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if requestHasOrgID(c) {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := apikeydomain.HashAPIKey(token)
		now := time.Now().UTC()

		var record struct {
			ID      snowflake.ID   `gorm:"column:id"`
			OrgID   snowflake.ID   `gorm:"column:org_id"`
			OrgSlug string         `gorm:"column:org_slug"`
			KeyHash string         `gorm:"column:key_hash"`
			Scopes  pq.StringArray `gorm:"column:scopes"`
		}

		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT k.id, k.org_id, o.slug AS org_slug, k.key_hash, k.scopes
			 FROM api_keys k
			 JOIN organizations o ON o.id = k.org_id AND o.deleted_at IS NULL
			 WHERE k.key_hash = ?
			   AND k.is_active = true
			   AND (k.expires_at IS NULL OR k.expires_at > ?)
			 LIMIT 1`,
			hash,
			now,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		scopes := make([]string, 0, len(record.Scopes))
		scopes = append(scopes, record.Scopes...)
		c.Set(contextAPIKeyIDKey, record.ID.String())
		c.Set(contextAPIKeyScopesKey, scopes)
		c.Set(contextActorKey, fmt.Sprintf("api_key:%s", record.ID))

		ctx := orgcontext.WithOrg(c.Request.Context(), record.OrgID, record.OrgSlug)
		c.Request = c.Request.WithContext(ctx)

		_ = s.apiKeyRepo.TouchLastUsed(ctx, s.db, record.ID)

		c.Next()
	}
}

// RequireScope gates a route on one API key scope. Admin keys pass every
// scope check.
func (s *Server) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := c.Get(contextAPIKeyScopesKey)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		granted, _ := scopes.([]string)
		for _, g := range granted {
			if g == scope || g == apikeydomain.ScopeAdmin {
				c.Next()
				return
			}
		}
		AbortWithError(c, ErrForbidden)
	}
}

// authorizeOrgAction enforces the policy check for the authenticated actor
// against the organization in context.
func (s *Server) authorizeOrgAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString(contextActorKey)
		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if actor == "" || !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, orgID.String(), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// AdminRequired gates the operator surface on the shared admin token.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextActorKey, "system")
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func requestHasOrgID(c *gin.Context) bool {
	if strings.TrimSpace(c.GetHeader(HeaderOrg)) != "" {
		return true
	}
	if value, ok := c.GetQuery("org_id"); ok && strings.TrimSpace(value) != "" {
		return true
	}
	if value, ok := c.GetQuery("orgId"); ok && strings.TrimSpace(value) != "" {
		return true
	}
	return false
}
