package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/verdantlab/trellis/pkg/monitor"
	"github.com/verdantlab/trellis/pkg/orchestrator"
	"github.com/verdantlab/trellis/pkg/version"
)

// StartOperationRequest is the POST /api/v1/operations body.
type StartOperationRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// healthHandler maps aggregated system health to an HTTP status:
// HEALTHY and DEGRADED serve 200, anything worse 503.
func (s *Server) healthHandler(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusOK, gin.H{"status": string(monitor.HealthHealthy)})
		return
	}

	health := s.monitor.Health()
	status := http.StatusOK
	if health.Status == monitor.HealthUnhealthy || health.Status == monitor.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ready": true, "version": version.Full()})
}

func (s *Server) startOperationHandler(c *gin.Context) {
	var req StartOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op, err := s.orchestrator.StartOperation(c.Request.Context(), req.Prompt)
	if err != nil {
		s.logger.Error("start operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, op)
}

func (s *Server) listOperationsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": s.orchestrator.Operations()})
}

func (s *Server) operationStatusHandler(c *gin.Context) {
	op, phases, err := s.orchestrator.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrOperationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op, "phases": phases})
}

func (s *Server) stepOperationHandler(c *gin.Context) {
	result, err := s.orchestrator.Step(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrOperationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
