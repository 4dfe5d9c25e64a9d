package server

import (
	"math"
	"strconv"

	"github.com/costplane/costplane/internal/orgcontext"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SubmitRateLimit throttles run submissions per organization. Redis
// trouble fails open: quota enforcement still bounds the damage.
func (s *Server) SubmitRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.submitLimiter.Enabled() {
			c.Next()
			return
		}

		slug, ok := orgcontext.OrgSlugFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		result, err := s.submitLimiter.AllowSubmit(c.Request.Context(), slug)
		if err != nil {
			s.log.Warn("submit rate limiter unavailable", zap.String("org_slug", slug), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}
