package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/orchestrator"
)

// Handler handles API requests
type Handler struct {
	orch *orchestrator.Orchestrator
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// initRequest is the body for POST /api/v1/queue/init
type initRequest struct {
	Projects []string `json:"projects" binding:"required"`
	Category string   `json:"category"`
}

// addRequest is the body for POST /api/v1/queue/projects
type addRequest struct {
	Projects []string `json:"projects" binding:"required"`
}

// collectRequest is the body for POST /api/v1/collect
type collectRequest struct {
	Limit        int    `json:"limit"`
	Wait         bool   `json:"wait"`
	ContinueRepo string `json:"continue_repo"`
}

// InitQueue replaces the queue with a fresh set of projects
// POST /api/v1/queue/init
func (h *Handler) InitQueue(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError(err.Error()))
		return
	}

	result, err := h.orch.Execute(c.Request.Context(), orchestrator.Command{
		Action:   orchestrator.ActionInit,
		Projects: req.Projects,
		Category: req.Category,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": result,
	})
}

// AddProjects appends projects to the pending queue
// POST /api/v1/queue/projects
func (h *Handler) AddProjects(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError(err.Error()))
		return
	}

	result, err := h.orch.Execute(c.Request.Context(), orchestrator.Command{
		Action:   orchestrator.ActionAdd,
		Projects: req.Projects,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": result,
	})
}

// Collect runs a collection pass over the queue
// POST /api/v1/collect
func (h *Handler) Collect(c *gin.Context) {
	// An empty body means default options
	var req collectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewBadRequestError(err.Error()))
			return
		}
	}

	result, err := h.orch.Execute(c.Request.Context(), orchestrator.Command{
		Action:       orchestrator.ActionCollect,
		Limit:        req.Limit,
		Wait:         req.Wait,
		ContinueRepo: req.ContinueRepo,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": result,
	})
}

// GetStatus returns the queue and rate limit status
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	result, err := h.orch.Execute(c.Request.Context(), orchestrator.Command{
		Action: orchestrator.ActionStatus,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": result.Report,
	})
}

// RetryFailed moves failed projects back to the pending queue
// POST /api/v1/queue/retry
func (h *Handler) RetryFailed(c *gin.Context) {
	result, err := h.orch.Execute(c.Request.Context(), orchestrator.Command{
		Action: orchestrator.ActionRetry,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": result,
	})
}

// ClearQueue removes all queue state
// DELETE /api/v1/queue
func (h *Handler) ClearQueue(c *gin.Context) {
	result, err := h.orch.Execute(c.Request.Context(), orchestrator.Command{
		Action: orchestrator.ActionClear,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": result,
	})
}

// HealthCheck returns the health status of the API
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// respondError sends an error response
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		switch appErr.Code {
		case apperrors.ErrCodeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrCodeUnauthorized:
			status = http.StatusUnauthorized
		case apperrors.ErrCodeBadRequest:
			status = http.StatusBadRequest
		case apperrors.ErrCodeRateLimited:
			status = http.StatusTooManyRequests
		case apperrors.ErrCodeStateConflict:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    "INTERNAL_ERROR",
			"message": err.Error(),
		},
	})
}
