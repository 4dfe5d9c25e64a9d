package server

import (
	"net/http"
	"sort"
	"strings"

	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/gin-gonic/gin"
)

type pipelineInfo struct {
	PipelineID string   `json:"pipeline_id"`
	Stages     []string `json:"stages"`
}

func (s *Server) ListPipelines(c *gin.Context) {
	ids := s.catalog.IDs()
	sort.Strings(ids)

	pipelines := make([]pipelineInfo, 0, len(ids))
	for _, id := range ids {
		pipeline, err := s.catalog.Get(id)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		stages := make([]string, 0, len(pipeline.Stages))
		for _, st := range pipeline.Stages {
			stages = append(stages, st.Name())
		}
		pipelines = append(pipelines, pipelineInfo{PipelineID: id, Stages: stages})
	}

	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines})
}

type submitRunRequest struct {
	Provider     string `json:"provider"`
	CredentialID string `json:"credential_id"`
	TargetDate   string `json:"target_date"`
}

// SubmitPipelineRun admits a run and returns immediately; the run executes
// in the background under the configured budget. Poll the run endpoint for
// progress.
func (s *Server) SubmitPipelineRun(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		AbortWithError(c, newValidationError("provider", "required", "provider is required"))
		return
	}

	result, err := s.orchestrator.Submit(c.Request.Context(), orchdomain.SubmitRequest{
		PipelineID:   strings.TrimSpace(c.Param("pipeline_id")),
		Provider:     provider,
		CredentialID: strings.TrimSpace(req.CredentialID),
		TargetDate:   strings.TrimSpace(req.TargetDate),
		TriggerType:  registrydomain.TriggerManual,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (s *Server) GetRun(c *gin.Context) {
	detail, err := s.registry.Get(c.Request.Context(), strings.TrimSpace(c.Param("run_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

func (s *Server) ListRuns(c *gin.Context) {
	var req registrydomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.registry.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
