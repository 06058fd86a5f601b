// setup_test.go holds the shared fixtures for handler tests: an in-memory
// wiring of the audit and violation stacks behind the same middleware chain
// the real router uses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/auth"
	"github.com/tradeforge/compliance-backend/internal/middleware"
	"github.com/tradeforge/compliance-backend/internal/violation"
)

// testEnv is an in-memory API surface with direct access to the stores.
type testEnv struct {
	router   *gin.Engine
	chain    *audit.MemoryChainStore
	store    *violation.MemoryStore
	recorder *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	chain := audit.NewMemoryChainStore()
	recorder := audit.NewRecorder(
		audit.NewClassifier(audit.DefaultRuleSet()),
		audit.NewAppender(chain),
		audit.NewMemoryFailureWindow(time.Minute),
	)
	verifier := audit.NewVerifier(chain)
	store := violation.NewMemoryStore()
	engine := violation.NewEngine(store, chain, recorder)

	auditHandlers := NewAuditHandlers(recorder, chain, verifier, nil)
	violationHandlers := NewViolationHandlers(engine)

	router := gin.New()
	internal := router.Group("/internal/v1")
	internal.Use(middleware.AuthMiddleware(auth.NewDetectorVerifier(nil)))

	auditGroup := internal.Group("/audit")
	auditGroup.POST("/events", middleware.RequireScope(auth.ScopeAuditWrite), auditHandlers.IngestEventHandler())
	auditGroup.GET("/records", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.ListRecordsHandler())
	auditGroup.GET("/records/:id", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.GetRecordHandler())
	auditGroup.GET("/checkpoints", middleware.RequireScope(auth.ScopeAuditRead), auditHandlers.ListCheckpointsHandler())
	auditGroup.GET("/verify", middleware.RequireScope(auth.ScopeAuditVerify), auditHandlers.VerifyHandler())
	auditGroup.POST("/verify", middleware.RequireScope(auth.ScopeAuditVerify), auditHandlers.VerifyHandler())

	violationsGroup := internal.Group("/violations")
	violationsGroup.POST("", middleware.RequireScope(auth.ScopeViolationsWrite), violationHandlers.CreateHandler())
	violationsGroup.GET("", middleware.RequireScope(auth.ScopeViolationsRead), violationHandlers.ListHandler())
	violationsGroup.GET("/:id", middleware.RequireScope(auth.ScopeViolationsRead), violationHandlers.GetHandler())
	violationsGroup.POST("/:id/assign", middleware.RequireScope(auth.ScopeViolationsWrite), violationHandlers.AssignHandler())
	violationsGroup.POST("/:id/escalate", middleware.RequireScope(auth.ScopeViolationsWrite), violationHandlers.EscalateHandler())
	violationsGroup.POST("/:id/evidence", middleware.RequireScope(auth.ScopeViolationsWrite), violationHandlers.AddEvidenceHandler())
	violationsGroup.POST("/:id/transition", middleware.RequireScope(auth.ScopeViolationsWrite), violationHandlers.TransitionHandler())

	return &testEnv{
		router:   router,
		chain:    chain,
		store:    store,
		recorder: recorder,
	}
}

// serviceToken mints a service JWT with the given scopes.
func serviceToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := auth.GenerateServiceToken("svc-test", "service", scopes, time.Hour)
	if err != nil {
		t.Fatalf("GenerateServiceToken: %v", err)
	}
	return token
}

// doJSON performs a request with an optional JSON body and bearer token.
func (env *testEnv) doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// decode unmarshals a JSON response body.
func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// seedRecord appends one audit event and returns the stored record.
func (env *testEnv) seedRecord(t *testing.T, category, title string) *audit.AuditRecord {
	t.Helper()
	rec, err := env.recorder.Record(context.Background(), &audit.RawEvent{
		EventType: audit.EventAdminAction,
		Category:  category,
		Title:     title,
		ActorID:   "admin-1",
		ActorType: "admin",
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

// seedViolation creates a violation directly through the store-facing engine
// path, returning its id.
func (env *testEnv) seedViolation(t *testing.T, token string) string {
	t.Helper()
	w := env.doJSON(t, http.MethodPost, "/internal/v1/violations", token, map[string]any{
		"title":          "duplicate invoicing",
		"description":    "buyer invoiced twice for PO-1881",
		"violation_type": "billing_irregularity",
		"severity":       "medium",
		"impact_level":   "moderate",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("seed violation: status %d, body %s", w.Code, w.Body.String())
	}
	var v violation.Violation
	decode(t, w, &v)
	return v.ID
}
