package middleware

import (
	"os"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("CMP_SECURITY_SERVICE_TOKEN_SECRET", "middleware-test-secret-32-chars!!")
	os.Exit(m.Run())
}
