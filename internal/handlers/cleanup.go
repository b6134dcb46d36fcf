package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/services"
	"github.com/rupaya/backend/internal/store"
	"github.com/rupaya/backend/pkg/logger"
	"github.com/rupaya/backend/pkg/response"
)

type CleanupHandler struct {
	scheduler    *services.CleanupScheduler
	tokenService *services.TokenService
}

func NewCleanupHandler(scheduler *services.CleanupScheduler, tokenService *services.TokenService) *CleanupHandler {
	return &CleanupHandler{
		scheduler:    scheduler,
		tokenService: tokenService,
	}
}

type cleanupMetricsResponse struct {
	services.CleanupStatus
	Tokens *store.Stats `json:"tokens,omitempty"`
}

// GetMetrics returns the sweep counters, health and next run
// GET /admin/cleanup-metrics
func (h *CleanupHandler) GetMetrics(c *gin.Context) {
	resp := cleanupMetricsResponse{CleanupStatus: h.scheduler.Status()}
	if h.tokenService != nil {
		stats, err := h.tokenService.Stats(c.Request.Context())
		if err != nil {
			logger.Warn().Err(err).Msg("token stats unavailable")
		} else {
			resp.Tokens = &stats
		}
	}
	response.Success(c, resp)
}

// RunNow triggers an immediate sweep. The sweep outlives a client that
// hangs up, so a dropped connection is never counted as a failed run.
// POST /admin/cleanup/run
func (h *CleanupHandler) RunNow(c *gin.Context) {
	deleted, err := h.scheduler.RunOnce(context.WithoutCancel(c.Request.Context()))
	switch {
	case errors.Is(err, services.ErrCleanupInProgress), errors.Is(err, services.ErrCleanupLockHeld):
		response.Error(c, response.NewConflict(err.Error()))
		return
	case err != nil:
		response.Error(c, response.NewServerError("token cleanup failed").Wrap(err))
		return
	}

	logger.Info().Str("user_id", actor(c)).Int64("deleted", deleted).Msg("manual token cleanup")
	response.Success(c, gin.H{"deleted": deleted})
}
