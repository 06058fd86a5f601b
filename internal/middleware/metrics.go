// Package middleware provides the Gin HTTP middleware for the compliance
// backend. Everything here is registered in internal/api/router.go ahead of
// the route handlers so that every request is covered regardless of handler.
package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/compliance-backend/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request passing through the router.
//
// The path label comes from c.FullPath(), the matched route template
// (e.g. /internal/v1/violations/:id/transition) rather than the raw URL.
// Requests that match no registered route use the literal "<no-route>" so
// unhandled paths do not inflate label cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
