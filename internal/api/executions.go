package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/orchestrator/executor"
)

// submitExecution admits and queues a one-shot execution.
// POST /api/v1/executions
func (s *Server) submitExecution(c *gin.Context) {
	var req executor.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid execution request: %v", err))
		return
	}
	exec, err := s.deps.Executions.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// GET /api/v1/executions/:id
func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.deps.Executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// POST /api/v1/executions/:id/cancel
func (s *Server) cancelExecution(c *gin.Context) {
	if err := s.deps.Executions.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// submitAnalysis queues a help-text analysis of one agent tool.
// POST /api/v1/analysis
func (s *Server) submitAnalysis(c *gin.Context) {
	var req models.AnalysisPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid analysis request: %v", err))
		return
	}
	job, err := s.deps.Executions.SubmitAnalysis(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobResponse(job))
}
