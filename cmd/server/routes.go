package main

import (
	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/middleware"
	"github.com/rupaya/backend/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine. The
// returned limiters own cleanup goroutines the caller stops on shutdown.
func registerRoutes(r *gin.Engine, svc *appServices) []*middleware.RateLimiter {
	cfg := svc.cfg

	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.FrontendURL))

	globalLimiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	authLimiter := middleware.NewRateLimiter(cfg.RateLimit.AuthRPS, cfg.RateLimit.AuthBurst,
		middleware.WithMessage("too many login attempts, please try again later"),
		middleware.SkipSuccessfulRequests(),
	)

	// Health and scrape endpoints sit outside the limiter and request metrics
	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", svc.metricsHandler.Metrics)

	tracked := r.Group("",
		globalLimiter.Middleware(),
		middleware.FeatureFlags(svc.evaluator),
		middleware.RequestMetrics(svc.deploymentMetrics),
	)

	bearer := middleware.AuthRequired(svc.tokenService)

	// API routes
	api := tracked.Group("/api/v1")
	{
		// Auth routes
		auth := api.Group("/auth", authLimiter.Middleware())
		{
			auth.POST("/signup", svc.authHandler.Signup)
			auth.POST("/signin", svc.authHandler.Signin)
			auth.POST("/login", svc.authHandler.Signin)
			auth.POST("/refresh", svc.authHandler.Refresh)
			auth.POST("/logout", bearer, svc.authHandler.Logout)
			auth.GET("/me", bearer, svc.authHandler.Me)
		}

		// Flag evaluation for the signed-in user
		flags := api.Group("/flags", bearer)
		{
			flags.GET("", svc.featureFlagHandler.EvaluateAll)
			flags.GET("/:key", svc.featureFlagHandler.Evaluate)
		}
	}

	// Admin routes
	admin := tracked.Group("/admin", bearer, middleware.AdminRequired(), middleware.AuditLog(svc.auditLogService))
	{
		admin.GET("/cleanup-metrics", svc.cleanupHandler.GetMetrics)
		admin.POST("/cleanup/run", svc.cleanupHandler.RunNow)

		admin.GET("/feature-flags", svc.featureFlagHandler.List)
		admin.GET("/feature-flags/:key", svc.featureFlagHandler.Get)
		admin.PUT("/feature-flags/:key", svc.featureFlagHandler.Update)
		admin.POST("/feature-flags/:key/advance-canary", svc.featureFlagHandler.AdvanceCanary)
		admin.POST("/feature-flags/:key/schedule-advance", svc.featureFlagHandler.ScheduleAdvance)
		admin.POST("/feature-flags/:key/rollback-canary", svc.featureFlagHandler.RollbackCanary)

		admin.GET("/metrics/health", svc.deploymentHandler.Health)
		admin.GET("/metrics/current", svc.deploymentHandler.Current)
		admin.GET("/metrics/range", svc.deploymentHandler.Range)
		admin.GET("/metrics/flag-usage", svc.deploymentHandler.FlagUsage)
		admin.GET("/metrics/events", svc.deploymentHandler.Events)
		admin.GET("/experiments/:key/results", svc.deploymentHandler.ExperimentResults)
		admin.GET("/experiments/:key/significance", svc.deploymentHandler.ExperimentSignificance)

		admin.GET("/audit-logs", svc.auditLogHandler.List)
	}

	return []*middleware.RateLimiter{globalLimiter, authLimiter}
}
