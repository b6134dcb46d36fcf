package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/middleware"
	"github.com/rupaya/backend/internal/services"
	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/rupaya/backend/pkg/response"
)

type FeatureFlagHandler struct {
	registry  *featureflags.Registry
	evaluator *featureflags.Evaluator
	canary    *services.CanaryScheduler
}

func NewFeatureFlagHandler(registry *featureflags.Registry, evaluator *featureflags.Evaluator, canary *services.CanaryScheduler) *FeatureFlagHandler {
	return &FeatureFlagHandler{
		registry:  registry,
		evaluator: evaluator,
		canary:    canary,
	}
}

// flagError maps registry errors onto admin API responses.
func flagError(err error) error {
	switch {
	case errors.Is(err, featureflags.ErrUnknownFlag):
		return response.NewNotFound("flag not found").Wrap(err)
	case errors.Is(err, featureflags.ErrSchema), errors.Is(err, featureflags.ErrConfig):
		return response.NewBadRequest(err.Error())
	default:
		return response.NewServerError("feature flag operation failed").Wrap(err)
	}
}

// canaryError is flagError for the canary routes.
func canaryError(err error) error {
	switch {
	case errors.Is(err, featureflags.ErrUnknownFlag), errors.Is(err, featureflags.ErrNotCanary):
		return response.NewNotFound("canary flag not found").Wrap(err)
	case errors.Is(err, featureflags.ErrFinalStage):
		return response.NewBadRequest("already at final stage")
	case errors.Is(err, services.ErrAdvanceAlreadyScheduled):
		return response.NewConflict(err.Error())
	default:
		return flagError(err)
	}
}

// List returns every base definition
// GET /admin/feature-flags
func (h *FeatureFlagHandler) List(c *gin.Context) {
	defs, err := h.registry.List(c.Request.Context())
	if err != nil {
		response.Error(c, flagError(err))
		return
	}
	response.Success(c, gin.H{
		"flags":       defs,
		"count":       len(defs),
		"environment": h.registry.Environment(),
	})
}

// Get returns the definition of one flag merged for an environment,
// the server's own unless ?env= names another
// GET /admin/feature-flags/:key
func (h *FeatureFlagHandler) Get(c *gin.Context) {
	env := c.DefaultQuery("env", h.registry.Environment())
	def, err := h.registry.GetEffectiveDefinition(c.Request.Context(), c.Param("key"), env)
	if err != nil {
		response.Error(c, flagError(err))
		return
	}
	response.Success(c, gin.H{"flag": def, "environment": env})
}

// Update merges the body onto the stored definition
// PUT /admin/feature-flags/:key
func (h *FeatureFlagHandler) Update(c *gin.Context) {
	var patch map[string]json.RawMessage
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.BadRequest(c, "request body must be a JSON object")
		return
	}
	if len(patch) == 0 {
		response.BadRequest(c, "no fields to update")
		return
	}

	def, err := h.registry.Update(c.Request.Context(), c.Param("key"), patch, actor(c))
	if err != nil {
		response.Error(c, flagError(err))
		return
	}
	response.Success(c, gin.H{"flag": def})
}

// AdvanceCanary moves a canary to its next stage now
// POST /admin/feature-flags/:key/advance-canary
func (h *FeatureFlagHandler) AdvanceCanary(c *gin.Context) {
	def, err := h.registry.AdvanceCanary(c.Request.Context(), c.Param("key"), actor(c))
	if err != nil {
		response.Error(c, canaryError(err))
		return
	}
	stage := def.Stages[def.CurrentStage]
	response.Success(c, gin.H{
		"flag":    def,
		"message": fmt.Sprintf("Advanced to stage %d (%s)", def.CurrentStage+1, stage.Name),
	})
}

type scheduleAdvanceRequest struct {
	DelayMinutes int  `json:"delayMinutes" binding:"omitempty,min=0"`
	Continue     bool `json:"continue"`
}

// ScheduleAdvance queues a delayed advance; without delayMinutes the
// current stage's duration is used
// POST /admin/feature-flags/:key/schedule-advance
func (h *FeatureFlagHandler) ScheduleAdvance(c *gin.Context) {
	var req scheduleAdvanceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	delay := time.Duration(req.DelayMinutes) * time.Minute
	task, delay, err := h.canary.Schedule(c.Request.Context(), c.Param("key"), delay, req.Continue, actor(c))
	if err != nil {
		response.Error(c, canaryError(err))
		return
	}
	response.Success(c, gin.H{
		"task":         task,
		"delayMinutes": delay.Minutes(),
		"runAt":        time.Now().Add(delay).UTC().Format(timeFormat),
	})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

// RollbackCanary disables a canary and keeps its stage
// POST /admin/feature-flags/:key/rollback-canary
func (h *FeatureFlagHandler) RollbackCanary(c *gin.Context) {
	var req rollbackRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "Manual rollback"
	}

	def, err := h.registry.RollbackCanary(c.Request.Context(), c.Param("key"), req.Reason, actor(c))
	if err != nil {
		response.Error(c, canaryError(err))
		return
	}
	msg := "Canary disabled"
	if stage := def.CurrentStageDef(); stage != nil {
		msg = fmt.Sprintf("Canary disabled at stage %d (%s)", def.CurrentStage+1, stage.Name)
	}
	response.Success(c, gin.H{"flag": def, "message": msg, "reason": req.Reason})
}

// Evaluate resolves one flag for the caller. Failures resolve to a
// disabled result rather than an error status
// GET /api/v1/flags/:key
func (h *FeatureFlagHandler) Evaluate(c *gin.Context) {
	// the evaluator logs failures; the result is already fail-closed
	res, _ := middleware.EvaluateFlag(c, c.Param("key"))
	response.Success(c, res)
}

// EvaluateAll resolves every flag for the caller
// GET /api/v1/flags
func (h *FeatureFlagHandler) EvaluateAll(c *gin.Context) {
	ctx := c.Request.Context()
	defs, err := h.registry.EffectiveAll(ctx)
	if err != nil {
		response.Error(c, flagError(err))
		return
	}

	ec := featureflags.EvalContext{IPAddress: c.ClientIP()}
	userID := middleware.GetUserID(c)
	results := make(map[string]featureflags.Result, len(defs))
	for _, def := range defs {
		results[def.Key], _ = h.evaluator.Evaluate(ctx, def.Key, userID, ec)
	}
	response.Success(c, gin.H{"flags": results, "environment": h.registry.Environment()})
}
