package featureflags

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource map[string]Definition

func (s staticSource) Effective(_ context.Context, key string) (*Definition, error) {
	def, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	cp := def.Clone()
	return &cp, nil
}

func TestBucket_StableContract(t *testing.T) {
	// Changing these values moves live users between buckets.
	assert.Equal(t, 59, Bucket("feature.new-dashboard", "user-1", ""))
	assert.Equal(t, 16, Bucket("canary.new-payment-processor", "user-42", "10.0.0.9"))
	assert.Equal(t, 49, Bucket("experiment.new-onboarding-flow", "", "10.0.0.1"))
	assert.Equal(t, -1, Bucket("feature.new-dashboard", "", ""))
}

func TestEvaluate_NewDashboardPerEnvironment(t *testing.T) {
	ctx := context.Background()
	prod := NewEvaluator(NewRegistry(EnvProduction, nil, nil), nil)
	dev := NewEvaluator(NewRegistry(EnvDevelopment, nil, nil), nil)

	for i := 0; i < 200; i++ {
		userID := fmt.Sprintf("user-%d", i)

		res, err := prod.Evaluate(ctx, "feature.new-dashboard", userID, EvalContext{})
		require.NoError(t, err)
		assert.False(t, res.Enabled, userID)
		assert.Equal(t, ReasonDisabled, res.Reason)

		res, err = dev.Evaluate(ctx, "feature.new-dashboard", userID, EvalContext{})
		require.NoError(t, err)
		assert.True(t, res.Enabled, userID)
	}
}

func TestEvaluate_CanaryStageBucketing(t *testing.T) {
	def := findDefault(t, "canary.new-payment-processor")
	def.Enabled = true
	def.Percentage = 100
	def.CurrentStage = 1 // 10%
	eval := NewEvaluator(staticSource{def.Key: def}, nil)
	ctx := context.Background()

	var outside string
	for i := 0; i < 1000; i++ {
		userID := fmt.Sprintf("user-%d", i)
		res, err := eval.Evaluate(ctx, def.Key, userID, EvalContext{})
		require.NoError(t, err)

		bucket := Bucket(def.Key, userID, "")
		assert.Equal(t, bucket < 10, res.Enabled, userID)
		require.NotNil(t, res.Stage)
		assert.Equal(t, 10, res.Stage.Percentage)
		if bucket >= 10 && outside == "" {
			outside = userID
		}
	}
	require.NotEmpty(t, outside)

	def.TargetUsers = []string{outside}
	eval = NewEvaluator(staticSource{def.Key: def}, nil)
	res, err := eval.Evaluate(ctx, def.Key, outside, EvalContext{})
	require.NoError(t, err)
	assert.True(t, res.Enabled)
	assert.Equal(t, ReasonTargeted, res.Reason)
}

func TestEvaluate_CanaryStageOverridesFlagPercentage(t *testing.T) {
	def := findDefault(t, "canary.new-payment-processor")
	def.Enabled = true
	def.Percentage = 0
	def.CurrentStage = 1 // 10%
	eval := NewEvaluator(staticSource{def.Key: def}, nil)
	ctx := context.Background()

	exposed := 0
	for i := 0; i < 1000; i++ {
		userID := fmt.Sprintf("user-%d", i)
		res, err := eval.Evaluate(ctx, def.Key, userID, EvalContext{})
		require.NoError(t, err)
		assert.Equal(t, Bucket(def.Key, userID, "") < 10, res.Enabled, userID)
		if res.Enabled {
			exposed++
		}
	}
	assert.NotZero(t, exposed)

	def.Stages = nil
	def.CurrentStage = 0
	def.Percentage = 30
	eval = NewEvaluator(staticSource{def.Key: def}, nil)
	for i := 0; i < 200; i++ {
		userID := fmt.Sprintf("user-%d", i)
		res, err := eval.Evaluate(ctx, def.Key, userID, EvalContext{})
		require.NoError(t, err)
		assert.Equal(t, Bucket(def.Key, userID, "") < 30, res.Enabled, userID)
		assert.Nil(t, res.Stage)
	}
}

func TestEvaluate_TargetingBeatsDisabled(t *testing.T) {
	def := findDefault(t, "feature.offline-sync")
	def.TargetUsers = []string{"vip"}
	eval := NewEvaluator(staticSource{def.Key: Merge(def, EnvProduction)}, nil)

	assert.True(t, eval.IsEnabled(context.Background(), def.Key, "vip", EvalContext{}))
	assert.False(t, eval.IsEnabled(context.Background(), def.Key, "someone-else", EvalContext{}))
}

func TestEvaluate_Deterministic(t *testing.T) {
	def := findDefault(t, "feature.new-dashboard")
	eval := NewEvaluator(staticSource{def.Key: Merge(def, EnvStaging)}, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		userID := fmt.Sprintf("user-%d", i)
		first, err := eval.Evaluate(ctx, def.Key, userID, EvalContext{})
		require.NoError(t, err)
		for j := 0; j < 5; j++ {
			again, err := eval.Evaluate(ctx, def.Key, userID, EvalContext{})
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}
}

func TestEvaluate_ExperimentDistribution(t *testing.T) {
	tests := []struct {
		name     string
		variants Variants
	}{
		{"even split", Variants{{Name: "control", Percentage: 50}, {Name: "variant_a", Percentage: 50}}},
		{"three arms", Variants{{Name: "control", Percentage: 20}, {Name: "variant_a", Percentage: 50}, {Name: "variant_b", Percentage: 30}}},
	}

	const users = 10000
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := findDefault(t, "experiment.new-onboarding-flow")
			def.Enabled = true
			def.Variants = tt.variants
			eval := NewEvaluator(staticSource{def.Key: def}, nil)

			counts := map[string]int{}
			for i := 0; i < users; i++ {
				res, err := eval.Evaluate(context.Background(), def.Key, fmt.Sprintf("synthetic-%d", i), EvalContext{})
				require.NoError(t, err)
				require.True(t, tt.variants.Has(res.Variant), res.Variant)
				counts[res.Variant]++
			}

			for _, v := range tt.variants {
				expected := users * v.Percentage / 100
				assert.InDelta(t, expected, counts[v.Name], users*0.03, v.Name)
			}
		})
	}
}

func TestEvaluate_ExperimentConfigError(t *testing.T) {
	def := findDefault(t, "experiment.checkout-redesign")
	def.Enabled = true
	def.Variants = Variants{{Name: "control", Percentage: 60}, {Name: "variant_a", Percentage: 30}}
	eval := NewEvaluator(staticSource{def.Key: def}, nil)

	res, err := eval.Evaluate(context.Background(), def.Key, "user-1", EvalContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.False(t, res.Enabled)
	assert.Equal(t, "control", res.Variant)
}

func TestEvaluate_UnknownFlagFailsClosed(t *testing.T) {
	eval := NewEvaluator(NewRegistry(EnvDevelopment, nil, nil), nil)

	res, err := eval.Evaluate(context.Background(), "feature.does-not-exist", "user-1", EvalContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFlag))
	assert.False(t, res.Enabled)
	assert.Equal(t, ReasonUnknownFlag, res.Reason)
}

func TestEvaluate_IPFallback(t *testing.T) {
	def := findDefault(t, "feature.advanced-analytics")
	def.Enabled = true
	def.Percentage = 50
	eval := NewEvaluator(staticSource{def.Key: def}, nil)
	ctx := context.Background()

	ip := "203.0.113.7"
	res, err := eval.Evaluate(ctx, def.Key, "", EvalContext{IPAddress: ip})
	require.NoError(t, err)
	require.NotNil(t, res.Bucket)
	assert.Equal(t, Bucket(def.Key, "", ip), *res.Bucket)
	assert.Equal(t, *res.Bucket < 50, res.Enabled)

	res, err = eval.Evaluate(ctx, def.Key, "", EvalContext{})
	require.NoError(t, err)
	assert.False(t, res.Enabled)
	assert.Equal(t, ReasonNoIdentity, res.Reason)
}

func TestEvaluate_ConfigValue(t *testing.T) {
	ctx := context.Background()
	prod := NewEvaluator(NewRegistry(EnvProduction, nil, nil), nil)
	staging := NewEvaluator(NewRegistry(EnvStaging, nil, nil), nil)

	res, err := prod.Evaluate(ctx, KeyErrorRateThreshold, "", EvalContext{})
	require.NoError(t, err)
	assert.True(t, res.Enabled)
	assert.Equal(t, float64(5), res.Value)
	assert.Nil(t, res.Bucket)

	res, err = staging.Evaluate(ctx, KeyErrorRateThreshold, "", EvalContext{})
	require.NoError(t, err)
	assert.Equal(t, float64(7), res.Value)
}

func TestEvaluate_RecordsUsage(t *testing.T) {
	usage := NewUsageMetrics()
	eval := NewEvaluator(NewRegistry(EnvDevelopment, nil, nil), usage)
	ctx := context.Background()

	eval.IsEnabled(ctx, "feature.new-dashboard", "u1", EvalContext{})
	eval.IsEnabled(ctx, "feature.new-dashboard", "u2", EvalContext{})
	eval.IsEnabled(ctx, "feature.offline-sync", "u1", EvalContext{})
	eval.IsEnabled(ctx, "feature.missing", "u1", EvalContext{})

	snap := usage.Snapshot()
	assert.EqualValues(t, 4, snap.ChecksTotal)
	assert.EqualValues(t, 2, snap.ChecksPerFlag["feature.new-dashboard"])
	assert.Equal(t, []string{"feature.new-dashboard", "feature.missing"}, snap.TopFlags(2))
}
