package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/convoke-run/convoke/pkg/runstore"
	"github.com/gin-gonic/gin"
)

// writeMaintenanceError maps a pkg/maintenance error to an HTTP status
// and JSON body, grounded on the teacher's mapServiceError but against
// this domain's runstore error vocabulary instead of pkg/services'.
func writeMaintenanceError(c *gin.Context, err error) {
	if runstore.IsValidationError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, runstore.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "run already in a terminal state"})
	case errors.Is(err, runstore.ErrNotClaimable), errors.Is(err, runstore.ErrSlotOccupied):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, runstore.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	default:
		slog.Error("unexpected maintenance error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
