package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rupaya/backend/internal/services"
	"gorm.io/gorm"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandler reports on the subsystems the API depends on.
type HealthHandler struct {
	db      *gorm.DB
	redis   *redis.Client
	queue   services.TaskQueue
	cleanup *services.CleanupScheduler
}

func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, queue services.TaskQueue, cleanup *services.CleanupScheduler) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, queue: queue, cleanup: cleanup}
}

// CheckHealth returns the health status of all subsystems.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	overall := "healthy"

	// Database check
	dbStatus := "ok"
	if h.db == nil {
		dbStatus = "error: not initialized"
		overall = "unhealthy"
	} else if sqlDB, err := h.db.DB(); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	// Redis only degrades: flags and canary tasks fall back to in-process
	redisStatus := "disabled"
	if h.redis != nil {
		redisStatus = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "error: " + err.Error()
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	components := gin.H{
		"database":   dbStatus,
		"redis":      redisStatus,
		"queue_mode": queueMode,
	}
	if h.cleanup != nil {
		status := h.cleanup.Status()
		components["token_cleanup"] = status.Status
	}

	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     overall,
		"service":    "rupaya-backend",
		"components": components,
		"timestamp":  time.Now().UTC().Format(timeFormat),
	})
}
