package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/shared/auth"
)

func authRouter(cfg AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth(cfg))
	router.GET("/api/v1/analyses", func(c *gin.Context) {
		c.String(http.StatusOK, UserIDFromContext(c))
	})
	router.GET("/api/v1/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.OPTIONS("/api/v1/analyses", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func TestAuthAllowsOptionsWithoutIdentity(t *testing.T) {
	router := authRouter(AuthConfig{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/analyses", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestAuthBearerToken(t *testing.T) {
	secret := []byte("s3cret")
	token, err := auth.Sign(secret, "user-42", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	router := authRouter(AuthConfig{Secret: secret})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || resp.Body.String() != "user-42" {
		t.Fatalf("expected user-42, got %d %q", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthUserHeader(t *testing.T) {
	trusted := authRouter(AuthConfig{TrustUserHeader: true, Public: []string{"/api/v1/health"}})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	req.Header.Set(UserHeader, "user-7")
	resp := httptest.NewRecorder()
	trusted.ServeHTTP(resp, req)
	if resp.Body.String() != "user-7" {
		t.Fatalf("expected header identity, got %d %q", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	resp = httptest.NewRecorder()
	trusted.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("public path expected 200, got %d", resp.Code)
	}

	untrusted := authRouter(AuthConfig{})
	req = httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	req.Header.Set(UserHeader, "user-7")
	resp = httptest.NewRecorder()
	untrusted.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without trusted header, got %d", resp.Code)
	}
}
