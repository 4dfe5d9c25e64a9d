package server

import (
	"net/http"

	"github.com/costplane/costplane/internal/orgcontext"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetQuotaUsage(c *gin.Context) {
	slug, ok := orgcontext.OrgSlugFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	org, err := s.orgSvc.ResolveBySlug(c.Request.Context(), slug)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.quotaSvc.Usage(c.Request.Context(), org)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usage)
}
