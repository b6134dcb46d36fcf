package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/services"
	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/rupaya/backend/pkg/response"
)

const (
	defaultExperimentWindow = 24 * time.Hour
	topFlagsLimit           = 10
)

type DeploymentMetricsHandler struct {
	metrics   *services.DeploymentMetrics
	registry  *featureflags.Registry
	evaluator *featureflags.Evaluator
}

func NewDeploymentMetricsHandler(metrics *services.DeploymentMetrics, registry *featureflags.Registry, evaluator *featureflags.Evaluator) *DeploymentMetricsHandler {
	return &DeploymentMetricsHandler{
		metrics:   metrics,
		registry:  registry,
		evaluator: evaluator,
	}
}

// Health grades the newest aggregate
// GET /admin/metrics/health
func (h *DeploymentMetricsHandler) Health(c *gin.Context) {
	report, err := h.metrics.Health(c.Request.Context())
	if err != nil {
		response.Error(c, response.NewServerError("metrics unavailable").Wrap(err))
		return
	}
	response.Success(c, report)
}

// Current returns the newest aggregate
// GET /admin/metrics/current
func (h *DeploymentMetricsHandler) Current(c *gin.Context) {
	agg := h.metrics.Latest()
	if agg == nil {
		response.Success(c, gin.H{"metrics": nil, "message": "No metrics aggregated yet"})
		return
	}
	response.Success(c, gin.H{"metrics": agg})
}

// Range returns the stored aggregates between startTime and endTime
// GET /admin/metrics/range
func (h *DeploymentMetricsHandler) Range(c *gin.Context) {
	start, end, err := parseTimeRange(c, 0)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	windows, err := h.metrics.Range(c.Request.Context(), start, end)
	if err != nil {
		response.Error(c, response.NewServerError("metrics unavailable").Wrap(err))
		return
	}
	if windows == nil {
		windows = []services.AggregatedMetrics{}
	}
	response.Success(c, gin.H{
		"data":     windows,
		"count":    len(windows),
		"timeline": timeline(start, end),
	})
}

// FlagUsage reports how often each flag has been evaluated
// GET /admin/metrics/flag-usage
func (h *DeploymentMetricsHandler) FlagUsage(c *gin.Context) {
	snap := h.evaluator.Usage().Snapshot()
	response.Success(c, gin.H{
		"checksTotal":   snap.ChecksTotal,
		"checksPerFlag": snap.ChecksPerFlag,
		"lastUpdated":   snap.LastUpdated,
		"topFlags":      snap.TopFlags(topFlagsLimit),
	})
}

// Events lists recent flag changes, newest last
// GET /admin/metrics/events
func (h *DeploymentMetricsHandler) Events(c *gin.Context) {
	events := h.metrics.Events()
	response.Success(c, gin.H{"events": events, "count": len(events)})
}

// experiment resolves key and rejects anything that is not an experiment.
func (h *DeploymentMetricsHandler) experiment(c *gin.Context) (*featureflags.Definition, bool) {
	def, err := h.registry.Effective(c.Request.Context(), c.Param("key"))
	if errors.Is(err, featureflags.ErrUnknownFlag) || (err == nil && def.Type != featureflags.TypeExperiment) {
		response.NotFound(c, "experiment flag not found")
		return nil, false
	}
	if err != nil {
		response.Error(c, response.NewServerError("feature flag lookup failed").Wrap(err))
		return nil, false
	}
	return def, true
}

// ExperimentResults sums request stats per variant, last 24h by default
// GET /admin/experiments/:key/results
func (h *DeploymentMetricsHandler) ExperimentResults(c *gin.Context) {
	def, ok := h.experiment(c)
	if !ok {
		return
	}
	start, end, err := parseTimeRange(c, defaultExperimentWindow)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	results, err := h.metrics.ExperimentResults(c.Request.Context(), def.Key, start, end)
	if err != nil {
		response.Error(c, response.NewServerError("metrics unavailable").Wrap(err))
		return
	}
	response.Success(c, gin.H{
		"experimentKey":  def.Key,
		"flag":           def,
		"variantResults": results,
		"timeline":       timeline(start, end),
	})
}

// ExperimentSignificance tests each variant against the control arm
// GET /admin/experiments/:key/significance
func (h *DeploymentMetricsHandler) ExperimentSignificance(c *gin.Context) {
	def, ok := h.experiment(c)
	if !ok {
		return
	}
	start, end, err := parseTimeRange(c, defaultExperimentWindow)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	metric := c.DefaultQuery("metric", services.MetricErrorRate)

	results, err := h.metrics.ExperimentSignificance(c.Request.Context(), def.Key, def.ControlVariant(), metric, start, end)
	if errors.Is(err, services.ErrUnknownMetric) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.Error(c, response.NewServerError("metrics unavailable").Wrap(err))
		return
	}
	response.Success(c, gin.H{
		"experimentKey": def.Key,
		"metric":        metric,
		"control":       def.ControlVariant(),
		"results":       results,
		"timeline":      timeline(start, end),
	})
}

func timeline(start, end time.Time) gin.H {
	return gin.H{"start": start.UTC().Format(timeFormat), "end": end.UTC().Format(timeFormat)}
}
