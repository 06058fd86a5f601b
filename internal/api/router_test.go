package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/tradeforge/compliance-backend/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Security: config.SecurityConfig{
			ServiceTokenSecret: "api-test-secret-32-characters!!!",
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			},
		},
		Audit: config.AuditConfig{
			FailureWindow:    time.Minute,
			MaxAppendRetries: 3,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "json"},
	}
}

// newMockedRouter builds the full router against a mocked database. Jobs,
// anchoring, and rate limiting stay disabled so no background goroutine
// touches the mock.
func newMockedRouter(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	router, bg := NewRouter(testConfig(), db)
	t.Cleanup(bg.Shutdown)
	return router, mock
}

func TestHealthEndpoint(t *testing.T) {
	router, mock := newMockedRouter(t)
	mock.ExpectPing()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint_DatabaseDown(t *testing.T) {
	router, mock := newMockedRouter(t)
	mock.ExpectPing().WillReturnError(http.ErrServerClosed)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	router, _ := newMockedRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Version    string `json:"version"`
		APIVersion string `json:"api_version"`
	}
	decode(t, w, &resp)
	if resp.APIVersion != "v1" {
		t.Errorf("api_version = %q, want v1", resp.APIVersion)
	}
}

func TestInternalRoutesRequireAuth(t *testing.T) {
	router, _ := newMockedRouter(t)

	for _, path := range []string{
		"/internal/v1/audit/records",
		"/internal/v1/audit/verify",
		"/internal/v1/violations",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, w.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newMockedRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/internal/v1/violations", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	router, _ := newMockedRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
