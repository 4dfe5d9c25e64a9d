package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/authorization"
	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	"github.com/costplane/costplane/internal/orgcontext"
	orgdomain "github.com/costplane/costplane/internal/organization/domain"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/gin-gonic/gin"
)

type createOrganizationRequest struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	PlanCode string `json:"plan_code"`
	Currency string `json:"currency"`
}

func (s *Server) AdminCreateOrganization(c *gin.Context) {
	var req createOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.orgSvc.Create(c.Request.Context(), orgdomain.CreateOrganizationRequest{
		Name:     req.Name,
		Slug:     req.Slug,
		PlanCode: req.PlanCode,
		Currency: req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) AdminGetOrganization(c *gin.Context) {
	resp, err := s.orgSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("org_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type setBillingStatusRequest struct {
	BillingStatus string `json:"billing_status"`
}

func (s *Server) AdminSetBillingStatus(c *gin.Context) {
	var req setBillingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgID := strings.TrimSpace(c.Param("org_id"))
	if err := s.orgSvc.SetBillingStatus(c.Request.Context(), orgID, strings.TrimSpace(req.BillingStatus)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": orgID, "billing_status": strings.TrimSpace(req.BillingStatus)})
}

type adminSubmitRunRequest struct {
	PipelineID   string `json:"pipeline_id"`
	Provider     string `json:"provider"`
	CredentialID string `json:"credential_id"`
	TargetDate   string `json:"target_date"`
}

// AdminSubmitPipelineRun runs a pipeline on behalf of a named organization.
// This is the only surface where the org comes from the request; it sits
// behind the operator token.
func (s *Server) AdminSubmitPipelineRun(c *gin.Context) {
	var req adminSubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	org, err := s.orgSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("org_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	orgID, err := snowflake.ParseString(org.ID)
	if err != nil {
		AbortWithError(c, orgdomain.ErrOrganizationNotFound)
		return
	}

	ctx := orgcontext.WithOrg(c.Request.Context(), orgID, org.Slug)
	if err := s.authzSvc.Authorize(ctx, "system", org.ID, authorization.ObjectPipeline, authorization.ActionPipelineRun); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.orchestrator.Submit(ctx, orchdomain.SubmitRequest{
		PipelineID:   strings.TrimSpace(req.PipelineID),
		Provider:     strings.TrimSpace(req.Provider),
		CredentialID: strings.TrimSpace(req.CredentialID),
		TargetDate:   strings.TrimSpace(req.TargetDate),
		TriggerType:  registrydomain.TriggerAdmin,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (s *Server) AdminListRuns(c *gin.Context) {
	var req registrydomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.registry.AdminList(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// AdminSchedulerTick forces one sweep of due schedules, outside the timer.
func (s *Server) AdminSchedulerTick(c *gin.Context) {
	if err := s.sweeper.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"swept": true})
}

func (s *Server) AdminGetRun(c *gin.Context) {
	detail, err := s.registry.AdminGet(c.Request.Context(), strings.TrimSpace(c.Param("run_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}
