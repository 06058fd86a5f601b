// Package auth handles the two credential kinds the compliance backend
// accepts: short-lived service JWTs presented by internal platform services,
// and static detector tokens presented by upstream violation detectors.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// serviceSecret holds the validated service token secret
	serviceSecret     string
	serviceSecretOnce sync.Once
	serviceSecretErr  error
)

// Claims represents the service JWT claims structure
type Claims struct {
	ServiceID string   `json:"service_id"`
	ActorType string   `json:"actor_type"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// ValidateServiceSecret checks that the service token secret is configured.
// In production, this fails if CMP_SECURITY_SERVICE_TOKEN_SECRET is not set.
// In dev mode, it generates a random secret and logs a warning. Call this at
// application startup.
func ValidateServiceSecret(configured string) error {
	serviceSecretOnce.Do(func() {
		secret := configured
		if secret == "" {
			secret = os.Getenv("CMP_SECURITY_SERVICE_TOKEN_SECRET")
		}

		if secret == "" {
			if isDevMode() {
				serviceSecret = generateRandomSecret()
				log.Printf("WARNING: service token secret not set. Using auto-generated secret for development.")
				log.Printf("WARNING: tokens will not survive restarts. Set CMP_SECURITY_SERVICE_TOKEN_SECRET for stable verification.")
			} else {
				serviceSecretErr = errors.New("SECURITY ERROR: CMP_SECURITY_SERVICE_TOKEN_SECRET is required in production. " +
					"Generate a secure secret with: openssl rand -hex 32")
			}
			return
		}

		if len(secret) < 32 {
			log.Printf("WARNING: service token secret is shorter than recommended 32 characters.")
		}

		serviceSecret = secret
	})

	return serviceSecretErr
}

// getServiceSecret retrieves the validated secret. Panics if
// ValidateServiceSecret hasn't been called or failed.
func getServiceSecret() string {
	if serviceSecret == "" {
		if err := ValidateServiceSecret(""); err != nil {
			panic(err)
		}
	}
	return serviceSecret
}

// GenerateServiceToken creates a JWT for an internal service caller.
func GenerateServiceToken(serviceID, actorType string, scopes []string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour
	}

	claims := &Claims{
		ServiceID: serviceID,
		ActorType: actorType,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "compliance-backend",
			Subject:   serviceID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(getServiceSecret()))
}

// ValidateServiceToken parses and verifies a service JWT and returns its
// claims.
func ValidateServiceToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(getServiceSecret()), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// resetSecretForTest clears the cached secret so tests can exercise both the
// configured and unconfigured paths.
func resetSecretForTest() {
	serviceSecret = ""
	serviceSecretOnce = sync.Once{}
	serviceSecretErr = nil
}
