// errors.go maps domain errors onto HTTP status codes in one place so every
// handler reports the same way. Conflict-class errors (lost transition races,
// lost append races) are distinguished from validation-class errors so callers
// know whether to retry or to fix their request.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/violation"
)

// writeError translates err into an HTTP response. Unrecognized errors are
// logged and reported as a generic 500 so internal detail never leaks to the
// caller.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, violation.ErrNotFound),
		errors.Is(err, audit.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, violation.ErrInvalidStateTransition),
		errors.Is(err, violation.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, violation.ErrInvalidEvidenceReference),
		errors.Is(err, violation.ErrSeverityDecrease),
		errors.Is(err, violation.ErrSummaryRequired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})

	case errors.Is(err, audit.ErrChainWriteConflict):
		// The appender already retried; the store is reachable but contended.
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})

	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// badRequest reports a request validation failure.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
