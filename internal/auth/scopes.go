// scopes.go defines the permission scopes carried in service JWTs.
package auth

// Scope names carried in service token claims.
const (
	ScopeAuditWrite      = "audit:write"
	ScopeAuditRead       = "audit:read"
	ScopeAuditVerify     = "audit:verify"
	ScopeViolationsWrite = "violations:write"
	ScopeViolationsRead  = "violations:read"
)

// HasScope reports whether the claim set includes the required scope. The
// wildcard scope "*" grants everything and is reserved for trusted internal
// services.
func HasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required || s == "*" {
			return true
		}
	}
	return false
}
