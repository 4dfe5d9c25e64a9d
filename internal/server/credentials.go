package server

import (
	"net/http"
	"strings"

	credentialdomain "github.com/costplane/costplane/internal/credential/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListCredentials(c *gin.Context) {
	creds, err := s.credentialSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// CreateCredential accepts a plaintext secret once, encrypts it, and
// returns metadata only. The secret never appears in any response or log.
func (s *Server) CreateCredential(c *gin.Context) {
	var req credentialdomain.StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.credentialSvc.Store(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

type updateCredentialStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) UpdateCredentialStatus(c *gin.Context) {
	var req updateCredentialStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	credentialID := strings.TrimSpace(c.Param("credential_id"))
	if err := s.credentialSvc.MarkStatus(c.Request.Context(), credentialID, strings.TrimSpace(req.Status)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credential_id": credentialID, "status": strings.TrimSpace(req.Status)})
}
