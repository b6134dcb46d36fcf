package featureflags

import "time"

// Seeded environment names. Anything else falls back to the base definition.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Keys of the flags the deployment safeguards read.
const (
	KeyCircuitBreaker        = "rollback.circuit-breaker-enabled"
	KeyErrorRateThreshold    = "rollback.error-rate-threshold"
	KeyResponseTimeThreshold = "rollback.response-time-threshold"
)

var seededAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func rollout(enabled bool, percentage int) Override {
	return Override{Enabled: boolPtr(enabled), Percentage: intPtr(percentage)}
}

func envs(dev, staging, prod Override) map[string]Override {
	return map[string]Override{
		EnvDevelopment: dev,
		EnvStaging:     staging,
		EnvProduction:  prod,
	}
}

// Defaults returns a fresh copy of the seeded flag set.
func Defaults() []Definition {
	defs := []Definition{
		{
			Key:          "feature.new-dashboard",
			Type:         TypeBoolean,
			Description:  "Enable new dashboard UI",
			Environments: envs(rollout(true, 100), rollout(true, 50), rollout(false, 0)),
		},
		{
			Key:          "feature.advanced-analytics",
			Type:         TypeBoolean,
			Description:  "Enable advanced analytics features",
			Environments: envs(rollout(true, 100), rollout(true, 25), rollout(false, 0)),
		},
		{
			Key:          "feature.ai-budgeting",
			Type:         TypeBoolean,
			Description:  "Enable AI-powered budget recommendations",
			Environments: envs(rollout(true, 100), rollout(false, 0), rollout(false, 0)),
		},
		{
			Key:          "feature.offline-sync",
			Type:         TypeBoolean,
			Description:  "Enable offline sync capability",
			Environments: envs(rollout(true, 100), rollout(false, 0), rollout(false, 0)),
		},
		{
			Key:          "canary.new-payment-processor",
			Type:         TypeCanary,
			Description:  "Gradual rollout of new payment processor",
			Environments: envs(rollout(true, 100), rollout(true, 100), rollout(false, 0)),
			Stages: []Stage{
				{Name: "1%", Percentage: 1, DurationMinutes: 30},
				{Name: "10%", Percentage: 10, DurationMinutes: 30},
				{Name: "25%", Percentage: 25, DurationMinutes: 60},
				{Name: "50%", Percentage: 50, DurationMinutes: 60},
				{Name: "100%", Percentage: 100, DurationMinutes: 0},
			},
		},
		{
			Key:          "canary.new-notification-service",
			Type:         TypeCanary,
			Description:  "Gradual rollout of new notification service",
			Environments: envs(rollout(true, 100), rollout(false, 0), rollout(false, 0)),
			Stages: []Stage{
				{Name: "5%", Percentage: 5, DurationMinutes: 30},
				{Name: "25%", Percentage: 25, DurationMinutes: 30},
				{Name: "100%", Percentage: 100, DurationMinutes: 0},
			},
		},
		{
			Key:          "experiment.new-onboarding-flow",
			Type:         TypeExperiment,
			Description:  "A/B test new user onboarding flow",
			Environments: envs(rollout(true, 100), rollout(true, 50), rollout(false, 0)),
			Variants: Variants{
				{Name: "control", Percentage: 50, Description: "Original onboarding"},
				{Name: "variant_a", Percentage: 50, Description: "New simplified flow"},
			},
		},
		{
			Key:          "experiment.checkout-redesign",
			Type:         TypeExperiment,
			Description:  "A/B test checkout page redesign",
			Environments: envs(rollout(true, 100), rollout(false, 0), rollout(false, 0)),
			Variants: Variants{
				{Name: "control", Percentage: 50, Description: "Original checkout"},
				{Name: "variant_a", Percentage: 50, Description: "Redesigned checkout"},
			},
		},
		{
			Key:          KeyCircuitBreaker,
			Type:         TypeBoolean,
			Description:  "Enable circuit breaker for automatic rollback protection",
			Enabled:      true,
			Percentage:   100,
			Environments: envs(rollout(true, 100), rollout(true, 100), rollout(true, 100)),
		},
		{
			Key:          KeyErrorRateThreshold,
			Type:         TypeConfig,
			Description:  "Error rate threshold (%) for triggering rollback",
			Enabled:      true,
			Value:        float64(5),
			Environments: envs(Override{Value: float64(10)}, Override{Value: float64(7)}, Override{Value: float64(5)}),
		},
		{
			Key:          KeyResponseTimeThreshold,
			Type:         TypeConfig,
			Description:  "Response time threshold (ms) for triggering rollback",
			Enabled:      true,
			Value:        float64(2000),
			Environments: envs(Override{Value: float64(5000)}, Override{Value: float64(3000)}, Override{Value: float64(2000)}),
		},
	}

	for i := range defs {
		defs[i].TargetUsers = []string{}
		defs[i].CreatedAt = seededAt
		defs[i].UpdatedAt = seededAt
	}
	return defs
}
