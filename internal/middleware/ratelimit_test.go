package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("RequestsPerMinute = %d, want 120", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 20 {
		t.Errorf("BurstSize = %d, want 20", cfg.BurstSize)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestVerifyRateLimitConfig(t *testing.T) {
	cfg := VerifyRateLimitConfig()
	if cfg.RequestsPerMinute != 10 {
		t.Errorf("RequestsPerMinute = %d, want 10", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 3 {
		t.Errorf("BurstSize = %d, want 3", cfg.BurstSize)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter.Allow
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) *RateLimiter {
	cfg := RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour, // don't clean up during tests
	}
	return NewRateLimiter(cfg)
}

func TestRateLimiter_NewClientGetsFullBurst(t *testing.T) {
	rl := newTestLimiter(60, 5)
	defer rl.Stop()

	if !rl.Allow("client-a") {
		t.Error("Allow() = false for new client, want true")
	}
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	burst := 3
	rl := newTestLimiter(1, burst) // negligible refill during the test
	defer rl.Stop()

	key := "burst-test"
	for i := 0; i < burst; i++ {
		if !rl.Allow(key) {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if rl.Allow(key) {
		t.Error("request beyond burst should be denied")
	}
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	rl := newTestLimiter(1, 2)
	defer rl.Stop()

	rl.Allow("client-a")
	rl.Allow("client-a")
	if rl.Allow("client-a") {
		t.Error("client-a should be exhausted")
	}
	if !rl.Allow("client-b") {
		t.Error("client-b should have its own bucket")
	}
}

func TestRateLimiter_RemainingTokens(t *testing.T) {
	rl := newTestLimiter(1, 5)
	defer rl.Stop()

	if got := rl.RemainingTokens("fresh"); got != 5 {
		t.Errorf("RemainingTokens for unseen key = %d, want burst size 5", got)
	}

	rl.Allow("seen")
	if got := rl.RemainingTokens("seen"); got != 4 {
		t.Errorf("RemainingTokens after one request = %d, want 4", got)
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl := newTestLimiter(6000, 2) // 100 tokens/second
	defer rl.Stop()

	key := "refill"
	rl.Allow(key)
	rl.Allow(key)
	if rl.Allow(key) {
		t.Fatal("bucket should be empty immediately after burst")
	}

	time.Sleep(50 * time.Millisecond)
	if !rl.Allow(key) {
		t.Error("bucket should refill after waiting")
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(rl *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(rl))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware_AllowsAndSetsHeaders(t *testing.T) {
	rl := newTestLimiter(120, 20)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "120" {
		t.Errorf("X-RateLimit-Limit = %q, want 120", w.Header().Get("X-RateLimit-Limit"))
	}
	if w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining header should be set")
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	rl := newTestLimiter(1, 2)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	var lastCode int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		r.ServeHTTP(w, req)
		lastCode = w.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", lastCode)
	}
}

func TestRateLimitMiddleware_KeysByActorWhenAuthenticated(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()

	r := gin.New()
	// Simulate AuthMiddleware having stored the actor identity.
	r.Use(func(c *gin.Context) {
		c.Set(ActorIDKey, c.GetHeader("X-Test-Actor"))
		c.Next()
	})
	r.Use(RateLimitMiddleware(rl))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(actor string) int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Test-Actor", actor)
		req.RemoteAddr = "192.0.2.1:1234" // same IP for both actors
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("svc-a"); code != http.StatusOK {
		t.Fatalf("first request for svc-a = %d, want 200", code)
	}
	if code := do("svc-a"); code != http.StatusTooManyRequests {
		t.Errorf("second request for svc-a = %d, want 429", code)
	}
	if code := do("svc-b"); code != http.StatusOK {
		t.Errorf("svc-b shares an IP but not a bucket, got %d, want 200", code)
	}
}
