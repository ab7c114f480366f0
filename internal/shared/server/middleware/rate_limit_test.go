package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

// uploadRouter limits POST .../files to burst uploads per user with the given refill.
func uploadRouter(clock *fakeClock, perSecond float64, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader(UserHeader); id != "" {
			c.Set(userIDKey, id)
		}
		c.Next()
	})
	r.Use(RateLimit(RateLimitConfig{
		Limiter: NewRateLimiter(clock.Now),
		GroupFor: func(c *gin.Context) string {
			if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/analyses/:id/files" {
				return "UPLOAD"
			}
			return ""
		},
		Rules: map[string]RateLimitRule{"UPLOAD": {Rate: perSecond, Burst: burst}},
	}))
	r.POST("/api/v1/analyses/:id/files", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/analyses/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, method, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitUploadsPerUserAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
	r := uploadRouter(clock, 0.5, 2)

	for i := 0; i < 2; i++ {
		if w := hit(r, http.MethodPost, "/api/v1/analyses/a-1/files", "user-1"); w.Code != http.StatusOK {
			t.Fatalf("upload %d expected 200, got %d", i+1, w.Code)
		}
	}
	limited := hit(r, http.MethodPost, "/api/v1/analyses/a-1/files", "user-1")
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if got := limited.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	var body map[string]any
	if err := json.NewDecoder(limited.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "rate_limited" || body["retryAfterMs"] != float64(2000) {
		t.Fatalf("unexpected body %v", body)
	}

	if w := hit(r, http.MethodPost, "/api/v1/analyses/a-2/files", "user-2"); w.Code != http.StatusOK {
		t.Fatalf("other user expected 200, got %d", w.Code)
	}
	if w := hit(r, http.MethodGet, "/api/v1/analyses/a-1", "user-1"); w.Code != http.StatusOK {
		t.Fatalf("polling is not in the upload group, got %d", w.Code)
	}

	clock.Advance(2 * time.Second)
	if w := hit(r, http.MethodPost, "/api/v1/analyses/a-1/files", "user-1"); w.Code != http.StatusOK {
		t.Fatalf("expected refill after 2s, got %d", w.Code)
	}
}

func TestRateLimitAnonymousCallersShareClientIP(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
	r := uploadRouter(clock, 1, 1)

	if w := hit(r, http.MethodPost, "/api/v1/analyses/a-1/files", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := hit(r, http.MethodPost, "/api/v1/analyses/a-9/files", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same client ip, got %d", w.Code)
	}
}

func TestRateLimiterAllowIgnoresEmptyRule(t *testing.T) {
	l := NewRateLimiter(nil)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("user-1|UPLOAD", RateLimitRule{}); !ok {
			t.Fatal("zero rule must not limit")
		}
	}
}
