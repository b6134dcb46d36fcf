package featureflags

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rupaya/backend/pkg/logger"
)

// Evaluation reasons.
const (
	ReasonTargeted    = "targeted_user"
	ReasonDisabled    = "disabled"
	ReasonConfig      = "config_value"
	ReasonPercentage  = "percentage_rollout"
	ReasonCanary      = "canary_stage"
	ReasonExperiment  = "experiment_variant"
	ReasonNoIdentity  = "no_identity"
	ReasonUnknownFlag = "unknown_flag"
	ReasonError       = "evaluation_error"
)

// Source resolves the effective definition for the evaluator's environment.
type Source interface {
	Effective(ctx context.Context, key string) (*Definition, error)
}

// EvalContext carries request facts used when there is no user, plus free
// attributes echoed back for callers that log them.
type EvalContext struct {
	IPAddress  string
	Attributes map[string]string
}

type Result struct {
	Key     string      `json:"key"`
	Enabled bool        `json:"enabled"`
	Variant string      `json:"variant,omitempty"`
	Stage   *Stage      `json:"stage,omitempty"`
	Value   interface{} `json:"value,omitempty"`
	Bucket  *int        `json:"bucket,omitempty"`
	Reason  string      `json:"reason"`
}

type Evaluator struct {
	source Source
	usage  *UsageMetrics
	log    zerolog.Logger
}

func NewEvaluator(source Source, usage *UsageMetrics) *Evaluator {
	if usage == nil {
		usage = NewUsageMetrics()
	}
	return &Evaluator{source: source, usage: usage, log: logger.Component("featureflags")}
}

func (e *Evaluator) Usage() *UsageMetrics { return e.usage }

// Evaluate decides key for userID. It never fails open: on error the
// result is the safe default (disabled, control arm) and err says why.
func (e *Evaluator) Evaluate(ctx context.Context, key, userID string, ec EvalContext) (Result, error) {
	e.usage.Record(key)

	def, err := e.source.Effective(ctx, key)
	if err != nil {
		res := Result{Key: key, Reason: ReasonError}
		if errors.Is(err, ErrUnknownFlag) {
			res.Reason = ReasonUnknownFlag
		}
		e.log.Warn().Err(err).Str("flag", key).Str("user_id", userID).Msg("flag evaluation failed closed")
		return res, err
	}

	res, err := decide(def, userID, ec.IPAddress)
	if err != nil {
		e.log.Warn().Err(err).Str("flag", key).Str("user_id", userID).Msg("flag evaluation failed closed")
	}
	return res, err
}

// IsEnabled is Evaluate reduced to a boolean.
func (e *Evaluator) IsEnabled(ctx context.Context, key, userID string, ec EvalContext) bool {
	res, _ := e.Evaluate(ctx, key, userID, ec)
	return res.Enabled
}

// Variant returns the experiment arm for userID, the control arm on error.
func (e *Evaluator) Variant(ctx context.Context, key, userID string, ec EvalContext) string {
	res, _ := e.Evaluate(ctx, key, userID, ec)
	return res.Variant
}

// decide applies targeting, the enabled switch, then bucketing by type.
func decide(def *Definition, userID, ip string) (Result, error) {
	res := Result{Key: def.Key}
	stage := def.CurrentStageDef()

	if def.IsTargeted(userID) {
		res.Enabled = true
		res.Stage = stage
		res.Reason = ReasonTargeted
		if def.Type == TypeConfig {
			res.Value = def.Value
		}
		return res, nil
	}

	if def.Type == TypeExperiment {
		res.Variant = def.ControlVariant()
	}
	if def.Type == TypeConfig {
		// thresholds stay readable when the flag itself is switched off
		res.Value = def.Value
	}

	if !def.Enabled {
		res.Reason = ReasonDisabled
		return res, nil
	}

	switch def.Type {
	case TypeConfig:
		res.Enabled = true
		res.Reason = ReasonConfig
		return res, nil

	case TypeExperiment:
		if sum := def.Variants.Sum(); sum != 100 {
			res.Reason = ReasonError
			return res, fmt.Errorf("%w: %s variants sum to %d", ErrConfig, def.Key, sum)
		}
		bucket := Bucket(def.Key, userID, ip)
		if bucket < 0 {
			res.Reason = ReasonNoIdentity
			return res, nil
		}
		res.Bucket = &bucket
		cumulative := 0
		for _, v := range def.Variants {
			cumulative += v.Percentage
			if bucket < cumulative {
				res.Variant = v.Name
				break
			}
		}
		res.Enabled = true
		res.Reason = ReasonExperiment
		return res, nil

	case TypeCanary:
		res.Stage = stage
		// the current stage sets the exposure; percentage only covers stageless canaries
		percentage := def.Percentage
		if stage != nil {
			percentage = stage.Percentage
		}
		res.Reason = ReasonCanary
		return applyRollout(res, def.Key, userID, ip, percentage), nil

	default:
		res.Reason = ReasonPercentage
		return applyRollout(res, def.Key, userID, ip, def.Percentage), nil
	}
}

func applyRollout(res Result, key, userID, ip string, percentage int) Result {
	bucket := Bucket(key, userID, ip)
	if bucket < 0 {
		// no identity to bucket: only full exposure is on
		res.Enabled = percentage >= 100
		res.Reason = ReasonNoIdentity
		return res
	}
	res.Bucket = &bucket
	res.Enabled = bucket < percentage
	return res
}
