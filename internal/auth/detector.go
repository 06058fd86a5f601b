// detector.go verifies the static bearer tokens that upstream violation
// detectors present. Raw tokens are never stored; configuration carries only
// their bcrypt hashes.
package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// DetectorVerifier checks detector tokens against configured bcrypt hashes.
type DetectorVerifier struct {
	hashes []string
}

// NewDetectorVerifier creates a verifier over the configured token hashes.
// An empty hash list means detector authentication is disabled and every
// check fails.
func NewDetectorVerifier(hashes []string) *DetectorVerifier {
	return &DetectorVerifier{hashes: append([]string(nil), hashes...)}
}

// Enabled reports whether any detector tokens are configured.
func (v *DetectorVerifier) Enabled() bool {
	return len(v.hashes) > 0
}

// Verify reports whether the presented token matches any configured hash.
// The loop runs bcrypt against a handful of operator-configured hashes, not a
// table scan.
func (v *DetectorVerifier) Verify(ctx context.Context, token string) bool {
	for _, hash := range v.hashes {
		if ctx.Err() != nil {
			return false
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return true
		}
	}
	return false
}

// HashDetectorToken produces a bcrypt hash for a new detector token. Used by
// operators when provisioning a detector.
func HashDetectorToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
