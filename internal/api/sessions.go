package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/conductor/internal/agent/adapter"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/models"
)

// MessageRequest is the body of a user message.
type MessageRequest struct {
	Text  string     `json:"text"`
	Image *bus.Image `json:"image,omitempty"`
}

// DecisionRequest answers an approval card.
type DecisionRequest struct {
	Decision adapter.Decision `json:"decision" binding:"required"`
}

// JobResponse reports work queued on behalf of a request. JobID is empty
// when the request was delivered to a live process.
type JobResponse struct {
	JobID     string `json:"jobId,omitempty"`
	Delivered bool   `json:"delivered"`
}

func jobResponse(job *models.Job) JobResponse {
	if job == nil {
		return JobResponse{Delivered: true}
	}
	return JobResponse{JobID: job.ID}
}

// getSession returns the session row.
// GET /api/v1/sessions/:id
func (s *Server) getSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// startSession queues the first run of an idle session.
// POST /api/v1/sessions/:id/start
func (s *Server) startSession(c *gin.Context) {
	job, err := s.deps.Sessions.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobResponse(job))
}

// sendMessage delivers a message to a live session or cold resumes it.
// POST /api/v1/sessions/:id/messages
func (s *Server) sendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid message: %v", err))
		return
	}
	job, err := s.deps.Sessions.SendMessage(c.Request.Context(), c.Param("id"), req.Text, req.Image)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobResponse(job))
}

// POST /api/v1/sessions/:id/cancel
func (s *Server) cancelSession(c *gin.Context) {
	if err := s.deps.Sessions.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// listApprovals returns the approval cards pending on this worker.
// GET /api/v1/sessions/:id/approvals
func (s *Server) listApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": s.deps.Sessions.Approvals(c.Param("id"))})
}

// POST /api/v1/sessions/:id/approvals/:approvalId
func (s *Server) resolveApproval(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.Validation("invalid decision: %v", err))
		return
	}
	err := s.deps.Sessions.ResolveApproval(c.Request.Context(), c.Param("id"), c.Param("approvalId"), req.Decision)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
