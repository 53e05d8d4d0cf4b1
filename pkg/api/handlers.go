package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// reapHandler handles POST /reap, the reap_stale() operation.
func (s *Server) reapHandler(c *gin.Context) {
	recovered, err := s.svc.ReapStale(c.Request.Context())
	if err != nil {
		writeMaintenanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &ReapResponse{Recovered: recovered})
}

// retryRunHandler handles POST /runs/:id/retry, the
// retry_failed_run(id) operation.
func (s *Server) retryRunHandler(c *gin.Context) {
	runID := c.Param("id")
	retried, err := s.svc.RetryFailedRun(c.Request.Context(), runID)
	if err != nil {
		writeMaintenanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &RetryResponse{RunID: retried.ID, Status: string(retried.Status)})
}

// cancelRunHandler handles POST /runs/:id/cancel, the
// cancel_stuck_run(id) operation.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID := c.Param("id")
	if err := s.svc.CancelStuckRun(c.Request.Context(), runID); err != nil {
		writeMaintenanceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &CancelResponse{RunID: runID, Message: "run canceled"})
}

// conversationHealthHandler handles GET /conversations/:id/health, the
// health_check(conversation_id) operation.
func (s *Server) conversationHealthHandler(c *gin.Context) {
	conversationID := c.Param("id")
	result, err := s.svc.HealthCheck(c.Request.Context(), conversationID)
	if err != nil {
		writeMaintenanceError(c, err)
		return
	}
	// unhealthy is a normal report outcome, not a request failure, so
	// the status code stays 200 regardless of result.Healthy.
	c.JSON(http.StatusOK, result)
}
