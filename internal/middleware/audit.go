// audit.go provides Gin middleware that records rejected requests into the
// compliance audit chain. Successful domain operations audit themselves inside
// their handlers and the violation engine; this middleware only captures what
// those layers never see: requests that failed authentication or authorization
// before reaching a handler.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/safego"
)

// AuditCaptureMiddleware appends a security audit record for every request
// rejected with 401 or 403. A rejected 401 is recorded under the
// authentication category with a failure outcome so the classifier's
// repeated-failure escalation applies per client; a 403 is recorded as an
// unauthorized access attempt by an authenticated actor.
//
// Recording happens on a background goroutine with its own timeout so a slow
// chain append never delays the response.
func AuditCaptureMiddleware(recorder *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method == http.MethodOptions {
			return
		}

		status := c.Writer.Status()
		if status != http.StatusUnauthorized && status != http.StatusForbidden {
			return
		}

		actorID, actorType := ActorFromContext(c)
		if status == http.StatusUnauthorized {
			// Unauthenticated callers are keyed by client IP so repeated
			// failures from one source still escalate.
			actorID = c.ClientIP()
		}

		requestID, _ := c.Get(RequestIDKey)
		ev := &audit.RawEvent{
			EventType: audit.EventSecurityEvent,
			Category:  "authentication",
			Title:     "Request rejected",
			Description: fmt.Sprintf("%s %s rejected with status %d",
				c.Request.Method, c.Request.URL.Path, status),
			ActorID:   actorID,
			ActorType: actorType,
			Metadata: map[string]any{
				"outcome":     "failure",
				"status_code": status,
				"request_id":  requestID,
				"remote_addr": c.ClientIP(),
			},
		}
		if status == http.StatusForbidden {
			ev.Category = "unauthorized_access"
			ev.Title = "Insufficient permissions"
		}

		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := recorder.Record(ctx, ev); err != nil {
				slog.Error("failed to record rejected request",
					"path", c.Request.URL.Path, "error", err)
			}
		})
	}
}
