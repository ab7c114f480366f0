package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/analyses"
	"contract-backend/internal/services/health"
	"contract-backend/internal/shared/config"
	"contract-backend/internal/shared/metrics"
	"contract-backend/internal/shared/server/middleware"
	"contract-backend/internal/shared/server/respond"
)

const uploadRateGroup = "UPLOAD"

// RouterDeps carries the handlers mounted by NewRouter.
type RouterDeps struct {
	Config          config.Config
	AnalysisHandler *analyses.Handler
	Health          *health.Service
	RateLimiter     *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", healthHandler(deps.Health))

	secured := api.Group("")
	secured.Use(
		middleware.Auth(middleware.AuthConfig{
			Secret:          []byte(deps.Config.JWTSecret),
			TrustUserHeader: deps.Config.TrustUserHeader,
		}),
		middleware.RateLimit(uploadRateLimit(deps)),
	)
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(secured)
	}
	return r
}

func healthHandler(svc *health.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc == nil {
			respond.OK(c, gin.H{"ok": true})
			return
		}
		status, ok := svc.Status(c.Request.Context())
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		respond.JSON(c, code, status)
	}
}

// uploadRateLimit throttles file uploads per user; other routes are not limited here.
func uploadRateLimit(deps RouterDeps) middleware.RateLimitConfig {
	perMinute := deps.Config.UploadsPerMin
	rules := map[string]middleware.RateLimitRule{}
	if perMinute > 0 {
		rules[uploadRateGroup] = middleware.RateLimitRule{Rate: float64(perMinute) / 60.0, Burst: perMinute}
	}
	return middleware.RateLimitConfig{
		Rules:   rules,
		Limiter: deps.RateLimiter,
		GroupFor: func(c *gin.Context) string {
			if c.Request.Method == http.MethodPost && strings.HasSuffix(c.FullPath(), "/files") {
				return uploadRateGroup
			}
			return ""
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
