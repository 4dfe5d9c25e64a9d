package server

import (
	"net/http"
	"strings"

	"github.com/costplane/costplane/internal/scheduler"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListSchedules(c *gin.Context) {
	schedules, err := s.schedules.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (s *Server) CreateSchedule(c *gin.Context) {
	var req scheduler.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.schedules.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

type updateScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) UpdateSchedule(c *gin.Context) {
	var req updateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	scheduleID := strings.TrimSpace(c.Param("schedule_id"))
	if err := s.schedules.SetEnabled(c.Request.Context(), scheduleID, *req.Enabled); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": scheduleID, "enabled": *req.Enabled})
}

func (s *Server) DeleteSchedule(c *gin.Context) {
	scheduleID := strings.TrimSpace(c.Param("schedule_id"))
	if err := s.schedules.Delete(c.Request.Context(), scheduleID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": scheduleID, "deleted": true})
}
