package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/compliance-backend/internal/auth"
)

// Context keys set by AuthMiddleware for downstream handlers.
const (
	ActorIDKey    = "actor_id"
	ActorTypeKey  = "actor_type"
	AuthMethodKey = "auth_method"
	ScopesKey     = "scopes"
)

// AuthMiddleware authenticates requests using either a service JWT or a
// pre-shared detector token, both presented as a Bearer credential.
//
// Validation order:
//  1. Service JWT (HS256, issued by GenerateServiceToken). Carries the
//     calling service's identity and scopes.
//  2. Detector token, when a DetectorVerifier is configured. Detector
//     processes are headless and authenticate with a long-lived token whose
//     bcrypt hash is held in configuration; a valid detector token grants
//     audit:write only.
//
// On success the actor identity, actor type, auth method, and granted scopes
// are stored in gin.Context. On failure the request is rejected with 401.
func AuthMiddleware(detectors *auth.DetectorVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required. Provide a Bearer token.",
			})
			c.Abort()
			return
		}

		if claims, err := auth.ValidateServiceToken(token); err == nil {
			c.Set(ActorIDKey, claims.ServiceID)
			c.Set(ActorTypeKey, claims.ActorType)
			c.Set(AuthMethodKey, "service_jwt")
			c.Set(ScopesKey, claims.Scopes)
			c.Next()
			return
		}

		if detectors != nil && detectors.Enabled() {
			if detectors.Verify(c.Request.Context(), token) {
				// Detector tokens are shared per deployment; the detector names
				// itself in the event payloads it submits.
				c.Set(ActorIDKey, "detector")
				c.Set(ActorTypeKey, "detector")
				c.Set(AuthMethodKey, "detector_token")
				c.Set(ScopesKey, []string{auth.ScopeAuditWrite})
				c.Next()
				return
			}
		}

		slog.Warn("authentication failed",
			"remote_addr", c.ClientIP(),
			"path", c.Request.URL.Path)

		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid or expired credentials.",
		})
		c.Abort()
	}
}

// RequireScope rejects requests whose authenticated principal does not hold
// the given scope. Must run after AuthMiddleware.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, _ := c.Get(ScopesKey)
		granted, _ := scopes.([]string)
		if !auth.HasScope(granted, scope) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient permissions for this operation.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractBearerToken pulls the credential out of the Authorization header.
// Returns "" when the header is absent or not a Bearer scheme.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ActorFromContext returns the authenticated actor identity stored by
// AuthMiddleware. Falls back to "anonymous"/"system" when auth is disabled.
func ActorFromContext(c *gin.Context) (id, actorType string) {
	id = "anonymous"
	actorType = "system"
	if v, ok := c.Get(ActorIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			id = s
		}
	}
	if v, ok := c.Get(ActorTypeKey); ok {
		if s, ok := v.(string); ok && s != "" {
			actorType = s
		}
	}
	return id, actorType
}
