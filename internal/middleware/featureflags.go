package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/rupaya/backend/pkg/response"
)

const (
	ContextFlagEvaluator     = "flag_evaluator"
	ContextCanaryStage       = "canary_stage"
	ContextExperimentVariant = "experiment_variant"
	ContextMetricsTags       = "metrics_tags"
)

// FlagEvaluator resolves one flag for a user.
type FlagEvaluator interface {
	Evaluate(ctx context.Context, key, userID string, ec featureflags.EvalContext) (featureflags.Result, error)
}

// FeatureFlags makes the evaluator available to the handlers of the chain.
func FeatureFlags(eval FlagEvaluator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextFlagEvaluator, eval)
		c.Next()
	}
}

// EvaluateFlag evaluates key for the request's user (or client IP) and
// tags the request with the resolved canary stage or experiment variant.
// The result is safe to use even when err is non-nil.
func EvaluateFlag(c *gin.Context, key string) (featureflags.Result, error) {
	v, ok := c.Get(ContextFlagEvaluator)
	eval, _ := v.(FlagEvaluator)
	if !ok || eval == nil {
		return featureflags.Result{Key: key, Reason: featureflags.ReasonError}, nil
	}

	res, err := eval.Evaluate(c.Request.Context(), key, GetUserID(c), featureflags.EvalContext{IPAddress: c.ClientIP()})
	if res.Stage != nil && c.GetString(ContextCanaryStage) == "" {
		c.Set(ContextCanaryStage, res.Stage.Name)
	}
	if res.Enabled && res.Variant != "" && c.GetString(ContextExperimentVariant) == "" {
		c.Set(ContextExperimentVariant, key+":"+res.Variant)
	}
	return res, err
}

// FlagEnabled reports whether key is on for this request.
func FlagEnabled(c *gin.Context, key string) bool {
	res, _ := EvaluateFlag(c, key)
	return res.Enabled
}

// RequireFlag hides a route behind a flag; disabled routes answer 404.
func RequireFlag(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !FlagEnabled(c, key) {
			response.Abort(c, response.NewNotFound("route not found"))
			return
		}
		c.Next()
	}
}

// AddMetricsTag attaches a tag to the request's metric.
func AddMetricsTag(c *gin.Context, name, value string) {
	tags := c.GetStringMapString(ContextMetricsTags)
	if tags == nil {
		tags = map[string]string{}
		c.Set(ContextMetricsTags, tags)
	}
	tags[name] = value
}
